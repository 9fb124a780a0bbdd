package graphview

import (
	"fmt"

	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

// Node types
const (
	NodeRoot     = "root"
	NodeRole     = "role"
	NodeInactive = "inactive"
	NodeFocus    = "focus"
)

// Directions for a focused view
const (
	DirectionAncestors   = "ancestors"
	DirectionDescendants = "descendants"
	DirectionBoth        = "both"
)

// CytoscapeNode represents a node in Cytoscape.js format
type CytoscapeNode struct {
	Data CytoscapeNodeData `json:"data"`
}

// CytoscapeNodeData contains node data for Cytoscape.js
type CytoscapeNodeData struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Rules     int    `json:"rules"`
	Protected bool   `json:"protected,omitempty"`
	System    bool   `json:"system,omitempty"`
}

// CytoscapeEdge represents an edge in Cytoscape.js format. Edges point from parent to child.
type CytoscapeEdge struct {
	Data CytoscapeEdgeData `json:"data"`
}

// CytoscapeEdgeData contains edge data for Cytoscape.js
type CytoscapeEdgeData struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// CytoscapeGraph represents the complete graph in Cytoscape.js format
type CytoscapeGraph struct {
	Generation uint64          `json:"generation"`
	Nodes      []CytoscapeNode `json:"nodes"`
	Edges      []CytoscapeEdge `json:"edges"`
}

// ViewOptions narrows a graph view. An empty Focus renders the whole hierarchy.
type ViewOptions struct {
	Focus     rbac.RoleID
	Direction string
	// MaxDepth limits how many levels are walked from Focus; zero or less is unlimited
	MaxDepth int
}

// Source is the read side of the engine the views are built from
type Source interface {
	Generation() uint64
	Roles() []rbac.Role
	Role(id rbac.RoleID) (rbac.Role, error)
	AncestorChain(id rbac.RoleID) []rbac.Role
	Children(id rbac.RoleID) []rbac.Role
	Descendants(id rbac.RoleID) []rbac.Role
	RulesForRole(id rbac.RoleID) []rbac.PermissionRule
}

// Build renders the hierarchy, or the part of it selected by opts
func Build(src Source, opts ViewOptions) (CytoscapeGraph, error) {
	graph := CytoscapeGraph{
		Generation: src.Generation(),
		Nodes:      make([]CytoscapeNode, 0),
		Edges:      make([]CytoscapeEdge, 0),
	}

	var roles []rbac.Role
	if opts.Focus == "" {
		roles = src.Roles()
	} else {
		focus, err := src.Role(opts.Focus)
		if err != nil {
			return graph, err
		}
		roles, err = focused(src, focus, opts)
		if err != nil {
			return graph, err
		}
	}

	included := make(map[rbac.RoleID]bool, len(roles))
	for _, role := range roles {
		included[role.ID] = true
	}
	for _, role := range roles {
		graph.Nodes = append(graph.Nodes, node(src, role, role.ID == opts.Focus))
		if role.ParentRoleID != nil && included[*role.ParentRoleID] {
			graph.Edges = append(graph.Edges, edge(*role.ParentRoleID, role.ID))
		}
	}
	return graph, nil
}

func focused(src Source, focus rbac.Role, opts ViewOptions) ([]rbac.Role, error) {
	direction := opts.Direction
	if direction == "" {
		direction = DirectionBoth
	}

	roles := []rbac.Role{focus}
	switch direction {
	case DirectionAncestors, DirectionDescendants, DirectionBoth:
	default:
		return nil, fmt.Errorf("%w: direction must be ancestors, descendants or both", rbac.ErrValidation)
	}

	if direction != DirectionDescendants {
		// chain is the role itself first, root last
		chain := src.AncestorChain(focus.ID)
		for depth, role := range chain[1:] {
			if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
				break
			}
			roles = append(roles, role)
		}
	}
	if direction != DirectionAncestors {
		roles = append(roles, below(src, focus.ID, opts.MaxDepth)...)
	}
	return roles, nil
}

// below walks children level by level down to maxDepth
func below(src Source, id rbac.RoleID, maxDepth int) []rbac.Role {
	var out []rbac.Role
	level := []rbac.RoleID{id}
	for depth := 0; len(level) > 0; depth++ {
		if maxDepth > 0 && depth >= maxDepth {
			break
		}
		var next []rbac.RoleID
		for _, parent := range level {
			for _, child := range src.Children(parent) {
				out = append(out, child)
				next = append(next, child.ID)
			}
		}
		level = next
	}
	return out
}

func node(src Source, role rbac.Role, focus bool) CytoscapeNode {
	kind := NodeRole
	switch {
	case focus:
		kind = NodeFocus
	case !role.IsActive:
		kind = NodeInactive
	case role.ParentRoleID == nil:
		kind = NodeRoot
	}
	return CytoscapeNode{Data: CytoscapeNodeData{
		ID:        string(role.ID),
		Name:      role.Name,
		Type:      kind,
		Rules:     len(src.RulesForRole(role.ID)),
		Protected: role.IsProtected,
		System:    role.IsSystem,
	}}
}

func edge(parent, child rbac.RoleID) CytoscapeEdge {
	return CytoscapeEdge{Data: CytoscapeEdgeData{
		ID:     string(parent) + "->" + string(child),
		Source: string(parent),
		Target: string(child),
	}}
}

// ImpactAnalysis describes what inherits from a role
type ImpactAnalysis struct {
	Role                rbac.Role             `json:"role"`
	DirectChildren      []rbac.Role           `json:"direct_children"`
	Descendants         []rbac.Role           `json:"descendants"`
	InheritedRules      []rbac.PermissionRule `json:"inherited_rules"`
	ActiveDescendants   int                   `json:"active_descendants"`
	TotalImpact         int                   `json:"total_impact"`
	ProtectedDescendant bool                  `json:"protected_descendant"`
}

// Impact reports the roles that inherit from id and the rules they inherit through it:
// the role's own rules plus those of its ancestors
func Impact(src Source, id rbac.RoleID) (*ImpactAnalysis, error) {
	role, err := src.Role(id)
	if err != nil {
		return nil, err
	}

	analysis := &ImpactAnalysis{
		Role:           role,
		DirectChildren: src.Children(id),
		Descendants:    src.Descendants(id),
		InheritedRules: make([]rbac.PermissionRule, 0),
	}
	for _, member := range src.AncestorChain(id) {
		analysis.InheritedRules = append(analysis.InheritedRules, src.RulesForRole(member.ID)...)
	}
	for _, d := range analysis.Descendants {
		if d.IsActive {
			analysis.ActiveDescendants++
		}
		if d.IsProtected {
			analysis.ProtectedDescendant = true
		}
	}
	analysis.TotalImpact = len(analysis.Descendants)
	return analysis, nil
}
