package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// RegisterPermission adds a permission to the catalog. The key must be unique.
func (e *Engine) RegisterPermission(ctx context.Context, spec PermissionSpec) (Permission, error) {
	const op = "register_permission"

	key := PermissionKey{
		ResourceType:   strings.TrimSpace(spec.Key.ResourceType),
		PermissionType: strings.TrimSpace(spec.Key.PermissionType),
		ResourceID:     strings.TrimSpace(spec.Key.ResourceID),
	}
	if key.ResourceType == "" || key.PermissionType == "" {
		return Permission{}, e.fail(op, fmt.Errorf("%w: resource type and permission type are required", ErrValidation))
	}
	if strings.ContainsAny(key.ResourceType+key.PermissionType, ":") || strings.Contains(key.PermissionType, ".") {
		return Permission{}, e.fail(op, fmt.Errorf("%w: permission key %s has reserved characters", ErrValidation, key))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if other, exists := e.g.keys[key]; exists {
		return Permission{}, e.fail(op, fmt.Errorf("%w: permission %s already registered as %s", ErrDuplicate, key, other))
	}

	name := spec.Name
	if name == "" {
		name = key.String()
	}
	perm := Permission{
		ID:          PermissionID(e.newID()),
		Key:         key,
		Name:        name,
		Description: spec.Description,
		IsSystem:    spec.IsSystem,
		CreatedAt:   e.now(),
	}

	if err := e.repo.SavePermission(ctx, perm); err != nil {
		return Permission{}, e.fail(op, fmt.Errorf("failed to save permission: %w", err))
	}
	stored := perm
	e.g.putPermission(&stored)
	e.commit(ctx, op, string(perm.ID), map[string]any{"key": key.String()})

	e.logger.WithFields(map[string]interface{}{
		"op":            op,
		"permission_id": perm.ID,
		"key":           key.String(),
	}).Info("Permission registered")
	return perm, nil
}

// UnregisterPermission removes a permission that no active rule references. Revoked rules
// for it are purged with it.
func (e *Engine) UnregisterPermission(ctx context.Context, id PermissionID) error {
	const op = "unregister_permission"

	e.mu.Lock()
	defer e.mu.Unlock()

	perm, ok := e.g.permissions[id]
	if !ok {
		return e.fail(op, permissionNotFound(id))
	}
	if perm.IsSystem {
		return e.fail(op, fmt.Errorf("%w: %s is a system permission", ErrProtectedPermission, perm.Key))
	}
	if n := e.g.activeByPerm[id]; n > 0 {
		return e.fail(op, fmt.Errorf("%w: permission %s has %d active rule(s)", ErrHasDependents, perm.Key, n))
	}

	if err := e.repo.DeletePermission(ctx, id); err != nil {
		return e.fail(op, fmt.Errorf("failed to delete permission: %w", err))
	}
	e.g.removePermission(id)
	e.commit(ctx, op, string(id), map[string]any{"key": perm.Key.String()})

	e.logger.WithFields(map[string]interface{}{
		"op":            op,
		"permission_id": id,
	}).Info("Permission unregistered")
	return nil
}

// Permission returns a catalog entry by id
func (e *Engine) Permission(id PermissionID) (Permission, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	perm, ok := e.g.permissions[id]
	if !ok {
		return Permission{}, permissionNotFound(id)
	}
	return *perm, nil
}

// PermissionByKey returns a catalog entry by key
func (e *Engine) PermissionByKey(key PermissionKey) (Permission, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	id, ok := e.g.keys[key]
	if !ok {
		return Permission{}, fmt.Errorf("%w: permission %s", ErrNotFound, key)
	}
	return *e.g.permissions[id], nil
}

// Permissions returns the catalog sorted by key
func (e *Engine) Permissions() []Permission {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Permission, 0, len(e.g.permissions))
	for _, perm := range e.g.permissions {
		out = append(out, *perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}
