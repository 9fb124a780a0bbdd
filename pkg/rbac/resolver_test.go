package rbac

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_DefaultDeny(t *testing.T) {
	f := newFixture(t)
	viewer := f.role("Viewer", nil)
	read := f.perm("document.read")
	f.assign(viewer, read, EffectAllow, 10)

	tests := []struct {
		name  string
		key   string
		roles []Role
	}{
		{"no roles", "document.read", nil},
		{"unknown role", "document.read", []Role{{ID: "ghost"}}},
		{"unregistered key", "document.write", []Role{viewer}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.resolve(tt.key, nil, tt.roles...)
			assert.False(t, d.Allowed)
			assert.False(t, d.Matched)
			assert.Equal(t, EffectDeny, d.Effect)
			assert.Empty(t, d.RuleID)
			assert.True(t, strings.HasPrefix(d.Reason, "deny wins: no rule matches"))
		})
	}
}

func TestResolve_Precedence(t *testing.T) {
	tests := []struct {
		name     string
		parent   []any // effect, priority on the parent role; nil for none
		child    []any
		allowed  bool
		winnerOn string
	}{
		{"higher allow beats lower deny", []any{EffectDeny, 50}, []any{EffectAllow, 80}, true, "Child"},
		{"higher deny beats lower allow", []any{EffectDeny, 80}, []any{EffectAllow, 50}, false, "Parent"},
		{"deny wins ties across levels", []any{EffectAllow, 90}, []any{EffectDeny, 90}, false, "Child"},
		{"deny wins ties inherited", []any{EffectDeny, 40}, []any{EffectAllow, 40}, false, "Parent"},
		{"inherited allow", []any{EffectAllow, 10}, nil, true, "Parent"},
		{"zero priority still decides", nil, []any{EffectAllow, 0}, true, "Child"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			parent := f.role("Parent", nil)
			child := f.role("Child", &parent)
			perm := f.perm("report.export")
			if tt.parent != nil {
				f.assign(parent, perm, tt.parent[0].(Effect), tt.parent[1].(int))
			}
			if tt.child != nil {
				f.assign(child, perm, tt.child[0].(Effect), tt.child[1].(int))
			}

			d := f.resolve("report.export", nil, child)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.True(t, d.Matched)
			assert.Equal(t, tt.winnerOn, d.RoleName)
			assert.True(t, strings.HasPrefix(d.Reason, string(d.Effect)+" wins"), d.Reason)
		})
	}
}

func TestResolve_ViewerAdminScenario(t *testing.T) {
	f := newFixture(t)
	viewer := f.role("Viewer", nil)
	admin := f.role("Admin", &viewer)
	read := f.perm("document.read")
	del := f.perm("document.delete")
	f.assign(viewer, read, EffectAllow, 10)
	f.assign(viewer, del, EffectDeny, 10)
	f.assign(admin, del, EffectAllow, 50)

	d := f.resolve("document.read", nil, admin)
	assert.True(t, d.Allowed)
	assert.Equal(t, viewer.ID, d.RoleID)
	assert.Contains(t, d.Reason, "inherited, 1 level(s) up")

	d = f.resolve("document.delete", nil, admin)
	assert.True(t, d.Allowed)
	assert.Equal(t, 50, d.Priority)
	assert.Contains(t, d.Reason, "outranks 1 lower-priority rule(s)")

	assert.False(t, f.resolve("document.delete", nil, viewer).Allowed)
	assert.True(t, f.engine.Allowed(f.ctx, []RoleID{viewer.ID}, read.Key, nil))
}

func TestResolve_MultipleRolesMerge(t *testing.T) {
	f := newFixture(t)
	editor := f.role("Editor", nil)
	auditor := f.role("Auditor", nil)
	write := f.perm("document.write")
	f.assign(editor, write, EffectAllow, 30)
	f.assign(auditor, write, EffectDeny, 30)

	// order of the role set does not matter
	a := f.resolve("document.write", nil, editor, auditor)
	b := f.resolve("document.write", nil, auditor, editor, auditor)
	assert.False(t, a.Allowed)
	assert.Equal(t, a.RuleID, b.RuleID)
	assert.True(t, b.Cached)

	f.assign(editor, write, EffectAllow, 31)
	assert.True(t, f.resolve("document.write", nil, editor, auditor).Allowed)
}

func TestResolve_Conditions(t *testing.T) {
	f := newFixture(t)
	analyst := f.role("Analyst", nil)
	export := f.perm("report.export")
	f.assign(analyst, export, EffectAllow, 10)
	f.assignIf(analyst, f.perm("report.delete"), EffectAllow, 10, Conditions{
		"department": []any{"finance", "legal"},
		"level":      3,
	})

	tests := []struct {
		name    string
		attrs   map[string]any
		allowed bool
	}{
		{"all match", map[string]any{"department": "legal", "level": 3.0}, true},
		{"json numbers", map[string]any{"department": "finance", "level": float64(3)}, true},
		{"not in list", map[string]any{"department": "sales", "level": 3}, false},
		{"wrong level", map[string]any{"department": "legal", "level": 4}, false},
		{"missing attribute", map[string]any{"department": "legal"}, false},
		{"no context", nil, false},
		{"list actual containing value", map[string]any{"department": "legal", "level": []any{1, 3}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, f.resolve("report.delete", tt.attrs, analyst).Allowed)
		})
	}

	// unconditional rules ignore the context
	assert.True(t, f.resolve("report.export", map[string]any{"anything": true}, analyst).Allowed)
}

func TestResolve_ConditionalDenyOnlyWhenMatching(t *testing.T) {
	f := newFixture(t)
	staff := f.role("Staff", nil)
	pay := f.perm("invoice.pay")
	f.assign(staff, pay, EffectAllow, 10)

	contractor := f.role("Contractor", &staff)
	f.assignIf(contractor, pay, EffectDeny, 20, Conditions{"after_hours": true})

	assert.True(t, f.resolve("invoice.pay", map[string]any{"after_hours": false}, contractor).Allowed)
	assert.False(t, f.resolve("invoice.pay", map[string]any{"after_hours": true}, contractor).Allowed)
	assert.True(t, f.resolve("invoice.pay", nil, contractor).Allowed)
}

func TestResolve_WildcardPolicy(t *testing.T) {
	setup := func(t *testing.T, policy WildcardPolicy) *fixture {
		f := newFixture(t, WithConfig(Config{MaxDepth: 8, CacheSize: 16, WildcardPolicy: policy}))
		owner := f.role("Owner", nil)
		f.assign(owner, f.perm("project.edit"), EffectDeny, 60)
		f.assign(owner, f.perm("project.edit:42"), EffectAllow, 20)
		return f
	}

	t.Run("merge", func(t *testing.T) {
		f := setup(t, WildcardMerge)
		owner, err := f.engine.RoleByName("Owner")
		require.NoError(t, err)

		assert.False(t, f.resolve("project.edit:42", nil, owner).Allowed)
		assert.False(t, f.resolve("project.edit:7", nil, owner).Allowed)
	})

	t.Run("instance first", func(t *testing.T) {
		f := setup(t, InstanceFirst)
		owner, err := f.engine.RoleByName("Owner")
		require.NoError(t, err)

		d := f.resolve("project.edit:42", nil, owner)
		assert.True(t, d.Allowed)
		assert.Equal(t, 20, d.Priority)
		// other instances still fall back to the wildcard rule
		d = f.resolve("project.edit:7", nil, owner)
		assert.True(t, d.Matched)
		assert.False(t, d.Allowed)

		// the wildcard key itself never sees instance rules
		assert.False(t, f.resolve("project.edit", nil, owner).Allowed)
	})
}

func TestResolve_CacheInvalidation(t *testing.T) {
	f := newFixture(t)
	viewer := f.role("Viewer", nil)
	read := f.perm("document.read")

	d := f.resolve("document.read", nil, viewer)
	assert.False(t, d.Cached)
	assert.False(t, d.Allowed)

	d = f.resolve("document.read", nil, viewer)
	assert.True(t, d.Cached)

	// a write is visible to the very next read
	f.assign(viewer, read, EffectAllow, 10)
	d = f.resolve("document.read", nil, viewer)
	assert.False(t, d.Cached)
	assert.True(t, d.Allowed)

	// cached candidates still evaluate conditions per request
	f.assignIf(viewer, read, EffectAllow, 10, Conditions{"tier": "gold"})
	assert.False(t, f.resolve("document.read", map[string]any{"tier": "free"}, viewer).Allowed)
	d = f.resolve("document.read", map[string]any{"tier": "gold"}, viewer)
	assert.True(t, d.Cached)
	assert.True(t, d.Allowed)

	stats := f.engine.CacheStats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(3), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
	assert.InDelta(t, 0.4, stats.HitRate, 0.001)
}

func TestResolve_ConcurrentMissesShareComputation(t *testing.T) {
	f := newFixture(t)
	viewer := f.role("Viewer", nil)
	f.assign(viewer, f.perm("document.read"), EffectAllow, 10)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, f.resolve("document.read", nil, viewer).Allowed)
		}()
	}
	wg.Wait()

	stats := f.engine.CacheStats()
	assert.Equal(t, int64(32), stats.Hits+stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestEffectivePermissions(t *testing.T) {
	f := newFixture(t)
	viewer := f.role("Viewer", nil)
	admin := f.role("Admin", &viewer)
	read := f.perm("document.read")
	write := f.perm("document.write")
	del := f.perm("document.delete")
	f.perm("document.share")
	f.assign(viewer, read, EffectAllow, 10)
	f.assign(viewer, write, EffectDeny, 10)
	f.assign(admin, write, EffectAllow, 20)
	f.assignIf(admin, del, EffectAllow, 20, Conditions{"mfa": true})

	got := f.engine.EffectivePermissions(f.ctx, []RoleID{admin.ID})
	require.Len(t, got, 3)
	assert.True(t, got[read.Key].Allowed)
	assert.True(t, got[write.Key].Allowed)
	// conditional rules never apply without a request context
	assert.False(t, got[del.Key].Allowed)
	assert.False(t, got[del.Key].Matched)

	assert.Empty(t, f.engine.EffectivePermissions(f.ctx, nil))
}
