package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// CreateRole adds a role, optionally under a parent. The parent's ancestor chain must leave
// room for one more level.
func (e *Engine) CreateRole(ctx context.Context, spec RoleSpec) (Role, error) {
	const op = "create_role"

	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return Role{}, e.fail(op, fmt.Errorf("%w: role name is required", ErrValidation))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if other, exists := e.g.names[name]; exists {
		return Role{}, e.fail(op, fmt.Errorf("%w: role name %q already used by %s", ErrDuplicate, name, other))
	}

	now := e.now()
	role := Role{
		ID:          RoleID(e.newID()),
		Name:        name,
		Description: spec.Description,
		IsSystem:    spec.IsSystem,
		IsActive:    true,
		IsProtected: spec.IsProtected,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if spec.ParentRoleID != nil {
		if err := e.g.checkParent(role.ID, *spec.ParentRoleID, e.config.MaxDepth); err != nil {
			return Role{}, e.fail(op, err)
		}
		parent := *spec.ParentRoleID
		role.ParentRoleID = &parent
	}

	if err := e.repo.SaveRole(ctx, role); err != nil {
		return Role{}, e.fail(op, fmt.Errorf("failed to save role: %w", err))
	}
	stored := copyRole(&role)
	e.g.putRole(&stored)
	e.commit(ctx, op, string(role.ID), map[string]any{
		"name":           role.Name,
		"parent_role_id": parentString(role.ParentRoleID),
	})

	e.logger.WithFields(map[string]interface{}{
		"op":      op,
		"role_id": role.ID,
		"name":    role.Name,
	}).Info("Role created")
	return role, nil
}

// ReparentRole moves a role (with its subtree) under a new parent, or makes it a root when
// newParent is nil. System roles cannot be moved.
func (e *Engine) ReparentRole(ctx context.Context, id RoleID, newParent *RoleID) error {
	const op = "reparent_role"

	e.mu.Lock()
	defer e.mu.Unlock()

	role, ok := e.g.roles[id]
	if !ok {
		return e.fail(op, roleNotFound(id))
	}
	if role.IsSystem {
		return e.fail(op, fmt.Errorf("%w: %s is a system role and cannot be reparented", ErrProtectedRole, role.Name))
	}
	if newParent != nil {
		if err := e.g.checkParent(id, *newParent, e.config.MaxDepth); err != nil {
			return e.fail(op, err)
		}
	}
	if sameParent(role.ParentRoleID, newParent) {
		return nil
	}

	updated := copyRole(role)
	updated.ParentRoleID = nil
	if newParent != nil {
		parent := *newParent
		updated.ParentRoleID = &parent
	}
	updated.UpdatedAt = e.now()

	if err := e.repo.SaveRole(ctx, updated); err != nil {
		return e.fail(op, fmt.Errorf("failed to save role: %w", err))
	}
	e.g.putRole(&updated)
	e.commit(ctx, op, string(id), map[string]any{"parent_role_id": parentString(newParent)})

	e.logger.WithFields(map[string]interface{}{
		"op":        op,
		"role_id":   id,
		"parent_id": parentString(newParent),
	}).Info("Role reparented")
	return nil
}

// DeleteRole removes a leaf role and its own rules. Roles with children must be emptied
// first, or removed with DeleteRoleTree.
func (e *Engine) DeleteRole(ctx context.Context, id RoleID) error {
	const op = "delete_role"

	e.mu.Lock()
	defer e.mu.Unlock()

	role, ok := e.g.roles[id]
	if !ok {
		return e.fail(op, roleNotFound(id))
	}
	if role.IsSystem {
		return e.fail(op, fmt.Errorf("%w: %s is a system role and cannot be deleted", ErrProtectedRole, role.Name))
	}
	if n := len(e.g.children[id]); n > 0 {
		return e.fail(op, fmt.Errorf("%w: role %s has %d child role(s)", ErrHasDependents, role.Name, n))
	}

	if err := e.repo.DeleteRoles(ctx, []RoleID{id}); err != nil {
		return e.fail(op, fmt.Errorf("failed to delete role: %w", err))
	}
	e.g.removeRole(id)
	e.commit(ctx, op, string(id), map[string]any{"name": role.Name})

	e.logger.WithFields(map[string]interface{}{
		"op":      op,
		"role_id": id,
	}).Info("Role deleted")
	return nil
}

// DeleteRoleTree removes a role and every descendant, children first. Nothing is removed if
// any role in the subtree is a system role.
func (e *Engine) DeleteRoleTree(ctx context.Context, id RoleID) error {
	const op = "delete_role_tree"

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.g.roles[id]; !ok {
		return e.fail(op, roleNotFound(id))
	}

	topDown := append([]RoleID{id}, e.g.descendants(id)...)
	for _, member := range topDown {
		if role := e.g.roles[member]; role.IsSystem {
			return e.fail(op, fmt.Errorf("%w: subtree contains system role %s", ErrProtectedRole, role.Name))
		}
	}
	bottomUp := make([]RoleID, len(topDown))
	for i, member := range topDown {
		bottomUp[len(topDown)-1-i] = member
	}

	if err := e.repo.DeleteRoles(ctx, bottomUp); err != nil {
		return e.fail(op, fmt.Errorf("failed to delete roles: %w", err))
	}
	for _, member := range bottomUp {
		e.g.removeRole(member)
	}
	e.commit(ctx, op, string(id), map[string]any{"deleted": roleIDStrings(bottomUp)})

	e.logger.WithFields(map[string]interface{}{
		"op":      op,
		"role_id": id,
		"deleted": len(bottomUp),
	}).Info("Role tree deleted")
	return nil
}

// UpdateRole applies every set field of update with one repository write and one change.
// An empty update returns the role unchanged.
func (e *Engine) UpdateRole(ctx context.Context, id RoleID, update RoleUpdate) (Role, error) {
	op := update.op()

	var name string
	if update.Name != nil {
		name = strings.TrimSpace(*update.Name)
		if name == "" {
			return Role{}, e.fail(op, fmt.Errorf("%w: role name is required", ErrValidation))
		}
	}
	if update.empty() {
		return e.Role(id)
	}

	return e.mutateRole(ctx, op, id, func(role *Role) error {
		if update.Name != nil && name != role.Name {
			if other, exists := e.g.names[name]; exists {
				return fmt.Errorf("%w: role name %q already used by %s", ErrDuplicate, name, other)
			}
			role.Name = name
		}
		if update.Description != nil {
			role.Description = *update.Description
		}
		if update.IsActive != nil {
			role.IsActive = *update.IsActive
		}
		if update.IsProtected != nil {
			role.IsProtected = *update.IsProtected
		}
		return nil
	})
}

// SetRoleActive toggles a role. Rules owned by an inactive role are ignored by resolution
// and conflict detection; its ancestors still apply to its descendants.
func (e *Engine) SetRoleActive(ctx context.Context, id RoleID, active bool) (Role, error) {
	return e.UpdateRole(ctx, id, RoleUpdate{IsActive: &active})
}

// SetRoleProtected freezes or unfreezes the direct rule set of a role
func (e *Engine) SetRoleProtected(ctx context.Context, id RoleID, protected bool) (Role, error) {
	return e.UpdateRole(ctx, id, RoleUpdate{IsProtected: &protected})
}

func (e *Engine) mutateRole(ctx context.Context, op string, id RoleID, apply func(*Role) error) (Role, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.g.roles[id]
	if !ok {
		return Role{}, e.fail(op, roleNotFound(id))
	}
	updated := copyRole(current)
	if err := apply(&updated); err != nil {
		return Role{}, e.fail(op, err)
	}
	updated.UpdatedAt = e.now()

	if err := e.repo.SaveRole(ctx, updated); err != nil {
		return Role{}, e.fail(op, fmt.Errorf("failed to save role: %w", err))
	}
	stored := copyRole(&updated)
	e.g.putRole(&stored)
	e.commit(ctx, op, string(id), map[string]any{
		"name":         updated.Name,
		"is_active":    updated.IsActive,
		"is_protected": updated.IsProtected,
	})

	e.logger.WithFields(map[string]interface{}{
		"op":      op,
		"role_id": id,
	}).Info("Role updated")
	return updated, nil
}

// AncestorChain returns the role followed by its parent, grandparent and so on up to the
// root. Unknown roles yield an empty chain.
func (e *Engine) AncestorChain(id RoleID) []Role {
	e.mu.RLock()
	defer e.mu.RUnlock()

	chain := e.g.chain(id)
	out := make([]Role, 0, len(chain))
	for _, member := range chain {
		out = append(out, copyRole(e.g.roles[member]))
	}
	return out
}

// Descendants returns every role below id, breadth first
func (e *Engine) Descendants(id RoleID) []Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rolesByID(e.g.descendants(id))
}

// Children returns the direct child roles of id
func (e *Engine) Children(id RoleID) []Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rolesByID(e.g.sortedChildren(id))
}

// Roles returns every role, sorted by name
func (e *Engine) Roles() []Role {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Role, 0, len(e.g.roles))
	for _, role := range e.g.roles {
		out = append(out, copyRole(role))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Role returns a role by id
func (e *Engine) Role(id RoleID) (Role, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	role, ok := e.g.roles[id]
	if !ok {
		return Role{}, roleNotFound(id)
	}
	return copyRole(role), nil
}

// RoleByName returns a role by its unique name
func (e *Engine) RoleByName(name string) (Role, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	id, ok := e.g.names[name]
	if !ok {
		return Role{}, fmt.Errorf("%w: role named %q", ErrNotFound, name)
	}
	return copyRole(e.g.roles[id]), nil
}

func (e *Engine) rolesByID(ids []RoleID) []Role {
	out := make([]Role, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyRole(e.g.roles[id]))
	}
	return out
}

func sameParent(a, b *RoleID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func parentString(id *RoleID) string {
	if id == nil {
		return ""
	}
	return string(*id)
}
