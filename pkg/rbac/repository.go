package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Repository is the persistence contract the engine hydrates from and writes through.
// Every method must be atomic: a returned error means nothing was written.
type Repository interface {
	LoadRoles(ctx context.Context) ([]Role, error)
	LoadPermissions(ctx context.Context) ([]Permission, error)
	LoadRules(ctx context.Context) ([]PermissionRule, error)

	// SaveRole inserts or updates a role
	SaveRole(ctx context.Context, role Role) error

	// DeleteRoles removes the roles, in order, together with every rule they own
	DeleteRoles(ctx context.Context, ids []RoleID) error

	// SavePermission inserts or updates a permission
	SavePermission(ctx context.Context, perm Permission) error

	// DeletePermission removes the permission and any revoked rules still referencing it
	DeletePermission(ctx context.Context, id PermissionID) error

	// SaveRules inserts or updates every rule in one unit
	SaveRules(ctx context.Context, rules []PermissionRule) error
}

var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository keeps everything in process memory. It is the default store for tests
// and for hosts that seed the graph on every start.
type MemoryRepository struct {
	mu          sync.RWMutex
	roles       map[RoleID]Role
	permissions map[PermissionID]Permission
	rules       map[RuleID]PermissionRule
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		roles:       make(map[RoleID]Role),
		permissions: make(map[PermissionID]Permission),
		rules:       make(map[RuleID]PermissionRule),
	}
}

// NewMemoryRepositoryFromSnapshot creates an in-memory repository holding a snapshot
func NewMemoryRepositoryFromSnapshot(snap Snapshot) *MemoryRepository {
	r := NewMemoryRepository()
	for i := range snap.Roles {
		r.roles[snap.Roles[i].ID] = copyRole(&snap.Roles[i])
	}
	for _, perm := range snap.Permissions {
		r.permissions[perm.ID] = perm
	}
	for i := range snap.Rules {
		r.rules[snap.Rules[i].ID] = copyRule(&snap.Rules[i])
	}
	return r
}

func (r *MemoryRepository) LoadRoles(ctx context.Context) ([]Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, copyRole(&role))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) LoadPermissions(ctx context.Context) ([]Permission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Permission, 0, len(r.permissions))
	for _, perm := range r.permissions {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) LoadRules(ctx context.Context) ([]PermissionRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PermissionRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, copyRule(&rule))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) SaveRole(ctx context.Context, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role.ID] = copyRole(&role)
	return nil
}

func (r *MemoryRepository) DeleteRoles(ctx context.Context, ids []RoleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doomed := make(map[RoleID]struct{}, len(ids))
	for _, id := range ids {
		doomed[id] = struct{}{}
		delete(r.roles, id)
	}
	for id, rule := range r.rules {
		if _, ok := doomed[rule.RoleID]; ok {
			delete(r.rules, id)
		}
	}
	return nil
}

func (r *MemoryRepository) SavePermission(ctx context.Context, perm Permission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permissions[perm.ID] = perm
	return nil
}

func (r *MemoryRepository) DeletePermission(ctx context.Context, id PermissionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for ruleID, rule := range r.rules {
		if rule.PermissionID == id {
			delete(r.rules, ruleID)
		}
	}
	delete(r.permissions, id)
	return nil
}

func (r *MemoryRepository) SaveRules(ctx context.Context, rules []PermissionRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range rules {
		r.rules[rules[i].ID] = copyRule(&rules[i])
	}
	return nil
}

// RestoreSnapshot writes a snapshot into an empty repository. The snapshot is validated
// with the same rules as hydration, and roles are written parents first.
func RestoreSnapshot(ctx context.Context, repo Repository, snap Snapshot, maxDepth int) error {
	g, err := buildGraph(snap.Roles, snap.Permissions, snap.Rules, maxDepth)
	if err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	roles, err := repo.LoadRoles(ctx)
	if err != nil {
		return fmt.Errorf("failed to load roles: %w", err)
	}
	perms, err := repo.LoadPermissions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load permissions: %w", err)
	}
	if len(roles) > 0 || len(perms) > 0 {
		return fmt.Errorf("%w: snapshots can only be restored into an empty repository", ErrValidation)
	}

	for _, perm := range snap.Permissions {
		if err := repo.SavePermission(ctx, perm); err != nil {
			return err
		}
	}

	ordered := append([]Role(nil), snap.Roles...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(g.chain(ordered[i].ID)) < len(g.chain(ordered[j].ID))
	})
	for _, role := range ordered {
		if err := repo.SaveRole(ctx, role); err != nil {
			return err
		}
	}

	if len(snap.Rules) > 0 {
		if err := repo.SaveRules(ctx, snap.Rules); err != nil {
			return err
		}
	}
	return nil
}
