package graphview

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

type hierarchy struct {
	engine                                   *rbac.Engine
	viewer, editor, admin, reviewer, billing rbac.Role
}

// newHierarchy builds Viewer > Editor > {Admin, Reviewer (inactive)} plus a separate Billing root
func newHierarchy(t *testing.T) *hierarchy {
	t.Helper()
	ctx := context.Background()
	engine, err := rbac.NewEngine(ctx, rbac.NewMemoryRepository())
	require.NoError(t, err)

	create := func(name string, parent *rbac.Role) rbac.Role {
		spec := rbac.RoleSpec{Name: name}
		if parent != nil {
			spec.ParentRoleID = &parent.ID
		}
		role, err := engine.CreateRole(ctx, spec)
		require.NoError(t, err)
		return role
	}
	h := &hierarchy{engine: engine}
	h.viewer = create("Viewer", nil)
	h.editor = create("Editor", &h.viewer)
	h.admin = create("Admin", &h.editor)
	h.reviewer = create("Reviewer", &h.editor)
	h.billing = create("Billing", nil)
	_, err = engine.SetRoleActive(ctx, h.reviewer.ID, false)
	require.NoError(t, err)

	for _, grant := range []struct {
		role rbac.Role
		key  string
	}{{h.viewer, "document.read"}, {h.editor, "document.write"}} {
		key, err := rbac.ParsePermissionKey(grant.key)
		require.NoError(t, err)
		perm, err := engine.RegisterPermission(ctx, rbac.PermissionSpec{Key: key})
		require.NoError(t, err)
		_, err = engine.AssignRule(ctx, rbac.RuleSpec{RoleID: grant.role.ID, PermissionID: perm.ID, Effect: rbac.EffectAllow})
		require.NoError(t, err)
	}
	return h
}

func nodeTypes(g CytoscapeGraph) map[string]string {
	out := make(map[string]string, len(g.Nodes))
	for _, n := range g.Nodes {
		out[n.Data.Name] = n.Data.Type
	}
	return out
}

func TestBuild_WholeHierarchy(t *testing.T) {
	h := newHierarchy(t)

	graph, err := Build(h.engine, ViewOptions{})
	require.NoError(t, err)

	assert.Equal(t, h.engine.Generation(), graph.Generation)
	assert.Equal(t, map[string]string{
		"Viewer":   NodeRoot,
		"Billing":  NodeRoot,
		"Editor":   NodeRole,
		"Admin":    NodeRole,
		"Reviewer": NodeInactive,
	}, nodeTypes(graph))
	assert.Len(t, graph.Edges, 3)
	assert.Contains(t, graph.Edges, edge(h.viewer.ID, h.editor.ID))
	assert.Contains(t, graph.Edges, edge(h.editor.ID, h.reviewer.ID))
}

func TestBuild_Focused(t *testing.T) {
	h := newHierarchy(t)

	tests := []struct {
		name  string
		opts  ViewOptions
		nodes []string
		edges int
	}{
		{
			name:  "both directions",
			opts:  ViewOptions{Focus: h.editor.ID},
			nodes: []string{"Editor", "Viewer", "Admin", "Reviewer"},
			edges: 3,
		},
		{
			name:  "ancestors one level",
			opts:  ViewOptions{Focus: h.admin.ID, Direction: DirectionAncestors, MaxDepth: 1},
			nodes: []string{"Admin", "Editor"},
			edges: 1,
		},
		{
			name:  "descendants one level",
			opts:  ViewOptions{Focus: h.viewer.ID, Direction: DirectionDescendants, MaxDepth: 1},
			nodes: []string{"Viewer", "Editor"},
			edges: 1,
		},
		{
			name:  "isolated root",
			opts:  ViewOptions{Focus: h.billing.ID},
			nodes: []string{"Billing"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			graph, err := Build(h.engine, tt.opts)
			require.NoError(t, err)
			types := nodeTypes(graph)
			assert.Len(t, types, len(tt.nodes))
			for _, name := range tt.nodes {
				assert.Contains(t, types, name)
			}
			assert.Len(t, graph.Edges, tt.edges)
		})
	}

	graph, err := Build(h.engine, ViewOptions{Focus: h.editor.ID})
	require.NoError(t, err)
	for _, n := range graph.Nodes {
		if n.Data.ID == string(h.editor.ID) {
			assert.Equal(t, NodeFocus, n.Data.Type)
			assert.Equal(t, 1, n.Data.Rules)
		}
	}
}

func TestBuild_Errors(t *testing.T) {
	h := newHierarchy(t)

	_, err := Build(h.engine, ViewOptions{Focus: "ghost"})
	assert.ErrorIs(t, err, rbac.ErrNotFound)

	_, err = Build(h.engine, ViewOptions{Focus: h.editor.ID, Direction: "sideways"})
	assert.ErrorIs(t, err, rbac.ErrValidation)
}

func TestImpact(t *testing.T) {
	h := newHierarchy(t)

	analysis, err := Impact(h.engine, h.editor.ID)
	require.NoError(t, err)
	assert.Equal(t, h.editor.ID, analysis.Role.ID)
	assert.Len(t, analysis.DirectChildren, 2)
	assert.Len(t, analysis.Descendants, 2)
	assert.Equal(t, 1, analysis.ActiveDescendants)
	assert.Equal(t, 2, analysis.TotalImpact)
	assert.Len(t, analysis.InheritedRules, 2)
	assert.False(t, analysis.ProtectedDescendant)

	leaf, err := Impact(h.engine, h.billing.ID)
	require.NoError(t, err)
	assert.Zero(t, leaf.TotalImpact)
	assert.Empty(t, leaf.InheritedRules)

	_, err = Impact(h.engine, "ghost")
	assert.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestHandlers(t *testing.T) {
	h := newHierarchy(t)
	router := mux.NewRouter()
	NewHandlers(h.engine).RegisterRoutes(router)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/rbac/graph?role=" + string(h.editor.ID) + "&direction=descendants&depth=1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var graph CytoscapeGraph
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &graph))
	assert.Len(t, graph.Nodes, 3)

	rec = get("/rbac/roles/" + string(h.viewer.ID) + "/impact")
	require.Equal(t, http.StatusOK, rec.Code)
	var analysis ImpactAnalysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &analysis))
	assert.Equal(t, 3, analysis.TotalImpact)

	assert.Equal(t, http.StatusBadRequest, get("/rbac/graph?depth=0").Code)
	assert.Equal(t, http.StatusBadRequest, get("/rbac/graph?role="+string(h.editor.ID)+"&direction=up").Code)
	assert.Equal(t, http.StatusNotFound, get("/rbac/graph?role=ghost").Code)
	assert.Equal(t, http.StatusNotFound, get("/rbac/roles/ghost/impact").Code)
}
