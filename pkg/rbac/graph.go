package rbac

import (
	"fmt"
	"sort"
	"sync"
)

type rulePair struct {
	role       RoleID
	permission PermissionID
}

// graph is the in-memory arena behind the engine. Roles are indexed by id and the child
// lists are a derived index over ParentRoleID. All fields are guarded by Engine.mu except
// the ancestor chain cache, which readers fill under the read lock.
type graph struct {
	roles    map[RoleID]*Role
	names    map[string]RoleID
	children map[RoleID]map[RoleID]struct{}

	permissions map[PermissionID]*Permission
	keys        map[PermissionKey]PermissionID

	rules        map[RuleID]*PermissionRule
	active       map[rulePair]RuleID
	rulesByRole  map[RoleID]map[RuleID]struct{}
	activeByPerm map[PermissionID]int

	chainMu sync.Mutex
	chains  map[RoleID][]RoleID
}

func newGraph() *graph {
	return &graph{
		roles:        make(map[RoleID]*Role),
		names:        make(map[string]RoleID),
		children:     make(map[RoleID]map[RoleID]struct{}),
		permissions:  make(map[PermissionID]*Permission),
		keys:         make(map[PermissionKey]PermissionID),
		rules:        make(map[RuleID]*PermissionRule),
		active:       make(map[rulePair]RuleID),
		rulesByRole:  make(map[RoleID]map[RuleID]struct{}),
		activeByPerm: make(map[PermissionID]int),
		chains:       make(map[RoleID][]RoleID),
	}
}

// buildGraph hydrates an arena from repository data and checks every invariant the
// mutation paths maintain.
func buildGraph(roles []Role, permissions []Permission, rules []PermissionRule, maxDepth int) (*graph, error) {
	g := newGraph()

	for i := range roles {
		role := roles[i]
		if _, exists := g.roles[role.ID]; exists {
			return nil, fmt.Errorf("%w: role id %s loaded twice", ErrDuplicate, role.ID)
		}
		if other, exists := g.names[role.Name]; exists {
			return nil, fmt.Errorf("%w: role name %q used by %s and %s", ErrDuplicate, role.Name, other, role.ID)
		}
		g.roles[role.ID] = &role
		g.names[role.Name] = role.ID
	}
	for _, role := range g.roles {
		if role.ParentRoleID == nil {
			continue
		}
		if _, ok := g.roles[*role.ParentRoleID]; !ok {
			return nil, fmt.Errorf("%w: role %s references missing parent %s", ErrValidation, role.ID, *role.ParentRoleID)
		}
		g.linkChild(*role.ParentRoleID, role.ID)
	}
	for id := range g.roles {
		chain, err := g.walk(id)
		if err != nil {
			return nil, err
		}
		if len(chain) > maxDepth {
			return nil, fmt.Errorf("%w: role %s sits at depth %d (max %d)", ErrCycle, id, len(chain), maxDepth)
		}
	}

	for i := range permissions {
		perm := permissions[i]
		if other, exists := g.keys[perm.Key]; exists {
			return nil, fmt.Errorf("%w: permission %s used by %s and %s", ErrDuplicate, perm.Key, other, perm.ID)
		}
		g.permissions[perm.ID] = &perm
		g.keys[perm.Key] = perm.ID
	}

	// oldest first so that a later active rule for the same pair is detected as a duplicate
	sorted := make([]PermissionRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	for i := range sorted {
		rule := sorted[i]
		if _, ok := g.roles[rule.RoleID]; !ok {
			return nil, fmt.Errorf("%w: rule %s references missing role %s", ErrValidation, rule.ID, rule.RoleID)
		}
		if _, ok := g.permissions[rule.PermissionID]; !ok {
			return nil, fmt.Errorf("%w: rule %s references missing permission %s", ErrValidation, rule.ID, rule.PermissionID)
		}
		if rule.IsActive {
			if prev, exists := g.active[rulePair{rule.RoleID, rule.PermissionID}]; exists {
				return nil, fmt.Errorf("%w: rules %s and %s are both active for role %s permission %s",
					ErrDuplicate, prev, rule.ID, rule.RoleID, rule.PermissionID)
			}
		}
		g.putRule(&rule)
	}

	return g, nil
}

func (g *graph) linkChild(parent, child RoleID) {
	set, ok := g.children[parent]
	if !ok {
		set = make(map[RoleID]struct{})
		g.children[parent] = set
	}
	set[child] = struct{}{}
}

func (g *graph) unlinkChild(parent, child RoleID) {
	if set, ok := g.children[parent]; ok {
		delete(set, child)
		if len(set) == 0 {
			delete(g.children, parent)
		}
	}
}

// walk follows parent links from id, returning the role itself first and the root last.
// It fails on a cycle instead of looping.
func (g *graph) walk(id RoleID) ([]RoleID, error) {
	var chain []RoleID
	seen := make(map[RoleID]struct{})
	current := id
	for {
		if _, loop := seen[current]; loop {
			return nil, fmt.Errorf("%w: role %s is part of a parent cycle", ErrCycle, id)
		}
		role, ok := g.roles[current]
		if !ok {
			return chain, nil
		}
		seen[current] = struct{}{}
		chain = append(chain, current)
		if role.ParentRoleID == nil {
			return chain, nil
		}
		current = *role.ParentRoleID
	}
}

// chain returns the cached ancestor chain of id (itself first, root last)
func (g *graph) chain(id RoleID) []RoleID {
	g.chainMu.Lock()
	defer g.chainMu.Unlock()

	if cached, ok := g.chains[id]; ok {
		return cached
	}
	chain, err := g.walk(id)
	if err != nil {
		// unreachable while the mutation paths hold the acyclicity invariant
		return nil
	}
	g.chains[id] = chain
	return chain
}

func (g *graph) invalidateChains() {
	g.chainMu.Lock()
	g.chains = make(map[RoleID][]RoleID)
	g.chainMu.Unlock()
}

// height is the number of levels in the subtree rooted at id, counting id itself
func (g *graph) height(id RoleID) int {
	best := 0
	for child := range g.children[id] {
		if h := g.height(child); h > best {
			best = h
		}
	}
	return best + 1
}

// descendants returns every role below id, parents before children
func (g *graph) descendants(id RoleID) []RoleID {
	var out []RoleID
	queue := g.sortedChildren(id)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		out = append(out, next)
		queue = append(queue, g.sortedChildren(next)...)
	}
	return out
}

// sortedChildren returns the direct children of id ordered by name, then id
func (g *graph) sortedChildren(id RoleID) []RoleID {
	out := make([]RoleID, 0, len(g.children[id]))
	for child := range g.children[id] {
		out = append(out, child)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := g.roles[out[i]], g.roles[out[j]]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return out
}

// checkParent validates placing the subtree rooted at id under parent
func (g *graph) checkParent(id, parent RoleID, maxDepth int) error {
	if _, ok := g.roles[parent]; !ok {
		return roleNotFound(parent)
	}
	if id == parent {
		return fmt.Errorf("%w: role %s cannot be its own parent", ErrCycle, id)
	}
	chain, err := g.walk(parent)
	if err != nil {
		return err
	}
	for _, ancestor := range chain {
		if ancestor == id {
			return fmt.Errorf("%w: %s is a descendant of %s", ErrCycle, parent, id)
		}
	}
	subtree := 1
	if _, exists := g.roles[id]; exists {
		subtree = g.height(id)
	}
	if depth := len(chain) + subtree; depth > maxDepth {
		return fmt.Errorf("%w: placing %s under %s reaches depth %d (max %d)", ErrCycle, id, parent, depth, maxDepth)
	}
	return nil
}

func (g *graph) putRole(role *Role) {
	if old, ok := g.roles[role.ID]; ok {
		delete(g.names, old.Name)
		if old.ParentRoleID != nil {
			g.unlinkChild(*old.ParentRoleID, role.ID)
		}
	}
	g.roles[role.ID] = role
	g.names[role.Name] = role.ID
	if role.ParentRoleID != nil {
		g.linkChild(*role.ParentRoleID, role.ID)
	}
}

// removeRole drops the role and every rule it owns
func (g *graph) removeRole(id RoleID) {
	role, ok := g.roles[id]
	if !ok {
		return
	}
	for ruleID := range g.rulesByRole[id] {
		rule := g.rules[ruleID]
		if rule.IsActive {
			delete(g.active, rulePair{rule.RoleID, rule.PermissionID})
			g.activeByPerm[rule.PermissionID]--
		}
		delete(g.rules, ruleID)
	}
	delete(g.rulesByRole, id)
	if role.ParentRoleID != nil {
		g.unlinkChild(*role.ParentRoleID, id)
	}
	delete(g.names, role.Name)
	delete(g.roles, id)
}

func (g *graph) putPermission(perm *Permission) {
	g.permissions[perm.ID] = perm
	g.keys[perm.Key] = perm.ID
}

// removePermission drops the permission and the tombstoned rules referencing it
func (g *graph) removePermission(id PermissionID) {
	perm, ok := g.permissions[id]
	if !ok {
		return
	}
	for ruleID, rule := range g.rules {
		if rule.PermissionID == id {
			delete(g.rulesByRole[rule.RoleID], ruleID)
			delete(g.rules, ruleID)
		}
	}
	delete(g.activeByPerm, id)
	delete(g.keys, perm.Key)
	delete(g.permissions, id)
}

// putRule inserts or replaces a rule, keeping the active indexes consistent
func (g *graph) putRule(rule *PermissionRule) {
	pair := rulePair{rule.RoleID, rule.PermissionID}
	if old, ok := g.rules[rule.ID]; ok && old.IsActive {
		delete(g.active, pair)
		g.activeByPerm[old.PermissionID]--
	}
	g.rules[rule.ID] = rule
	set, ok := g.rulesByRole[rule.RoleID]
	if !ok {
		set = make(map[RuleID]struct{})
		g.rulesByRole[rule.RoleID] = set
	}
	set[rule.ID] = struct{}{}
	if rule.IsActive {
		g.active[pair] = rule.ID
		g.activeByPerm[rule.PermissionID]++
	}
}

// activeRule returns the active rule for the pair, if any
func (g *graph) activeRule(role RoleID, perm PermissionID) (*PermissionRule, bool) {
	id, ok := g.active[rulePair{role, perm}]
	if !ok {
		return nil, false
	}
	return g.rules[id], true
}

// activeRulesOf returns the active rules owned directly by role, sorted by permission key
func (g *graph) activeRulesOf(role RoleID) []*PermissionRule {
	var out []*PermissionRule
	for id := range g.rulesByRole[role] {
		if rule := g.rules[id]; rule.IsActive {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return g.permissions[out[i].PermissionID].Key.String() < g.permissions[out[j].PermissionID].Key.String()
	})
	return out
}
