package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

// Result counts what Apply changed
type Result struct {
	PermissionsCreated int `json:"permissions_created"`
	RolesCreated       int `json:"roles_created"`
	RolesUpdated       int `json:"roles_updated"`
	RulesAssigned      int `json:"rules_assigned"`
}

// Changed reports whether Apply wrote anything
func (r Result) Changed() bool {
	return r.PermissionsCreated+r.RolesCreated+r.RolesUpdated+r.RulesAssigned > 0
}

// Apply brings the engine in line with the file. Missing permissions and roles are
// created, declared attributes of existing roles are updated and rules that differ are
// reassigned. Objects the file does not mention are left alone.
func Apply(ctx context.Context, engine *rbac.Engine, file *File) (Result, error) {
	var result Result

	roles, err := file.roleOrder()
	if err != nil {
		return result, err
	}

	for _, entry := range file.Permissions {
		key, err := rbac.ParsePermissionKey(entry.Key)
		if err != nil {
			return result, err
		}
		if _, err := engine.PermissionByKey(key); err == nil {
			continue
		} else if !errors.Is(err, rbac.ErrNotFound) {
			return result, err
		}
		if _, err := engine.RegisterPermission(ctx, rbac.PermissionSpec{
			Key:         key,
			Name:        entry.Name,
			Description: entry.Description,
			IsSystem:    entry.System,
		}); err != nil {
			return result, fmt.Errorf("permission %s: %w", key, err)
		}
		result.PermissionsCreated++
	}

	ids := make(map[string]rbac.RoleID, len(roles))
	created := make(map[rbac.RoleID]bool)
	for _, entry := range roles {
		var parent *rbac.RoleID
		if entry.Parent != "" {
			id := ids[entry.Parent]
			parent = &id
		}

		role, err := engine.RoleByName(entry.Name)
		switch {
		case errors.Is(err, rbac.ErrNotFound):
			role, err = engine.CreateRole(ctx, rbac.RoleSpec{
				Name:         entry.Name,
				Description:  entry.Description,
				ParentRoleID: parent,
				IsSystem:     entry.System,
			})
			if err != nil {
				return result, fmt.Errorf("role %s: %w", entry.Name, err)
			}
			result.RolesCreated++
			created[role.ID] = true
		case err != nil:
			return result, err
		default:
			updated, err := reconcileRole(ctx, engine, role, entry, parent)
			if err != nil {
				return result, fmt.Errorf("role %s: %w", entry.Name, err)
			}
			if updated {
				result.RolesUpdated++
			}
		}
		ids[entry.Name] = role.ID

		if entry.Inactive == role.IsActive {
			if _, err := engine.SetRoleActive(ctx, role.ID, !entry.Inactive); err != nil {
				return result, fmt.Errorf("role %s: %w", entry.Name, err)
			}
		}
	}

	// rules are written before protection is applied, since protected roles reject them
	unprotected := make(map[rbac.RoleID]bool)
	for _, entry := range file.Rules {
		roleID := ids[entry.Role]
		key, err := rbac.ParsePermissionKey(entry.Permission)
		if err != nil {
			return result, err
		}
		perm, err := engine.PermissionByKey(key)
		if err != nil {
			return result, err
		}
		if ruleMatches(engine.RulesForRole(roleID), perm.ID, entry) {
			continue
		}

		role, err := engine.Role(roleID)
		if err != nil {
			return result, err
		}
		if role.IsProtected && !unprotected[roleID] {
			if _, err := engine.SetRoleProtected(ctx, roleID, false); err != nil {
				return result, err
			}
			unprotected[roleID] = true
		}

		if _, err := engine.AssignRule(ctx, rbac.RuleSpec{
			RoleID:       roleID,
			PermissionID: perm.ID,
			Effect:       entry.Effect,
			Priority:     entry.Priority,
			Conditions:   entry.Conditions,
		}); err != nil {
			return result, fmt.Errorf("rule %s -> %s: %w", entry.Role, key, err)
		}
		result.RulesAssigned++
	}

	for _, entry := range roles {
		role, err := engine.Role(ids[entry.Name])
		if err != nil {
			return result, err
		}
		if role.IsProtected != entry.Protected {
			if _, err := engine.SetRoleProtected(ctx, role.ID, entry.Protected); err != nil {
				return result, fmt.Errorf("role %s: %w", entry.Name, err)
			}
			if !unprotected[role.ID] && !created[role.ID] {
				result.RolesUpdated++
			}
		}
	}

	return result, nil
}

// reconcileRole updates description and parent of an existing role
func reconcileRole(ctx context.Context, engine *rbac.Engine, role rbac.Role, entry RoleEntry, parent *rbac.RoleID) (bool, error) {
	updated := false
	if role.Description != entry.Description {
		desc := entry.Description
		if _, err := engine.UpdateRole(ctx, role.ID, rbac.RoleUpdate{Description: &desc}); err != nil {
			return false, err
		}
		updated = true
	}
	if !sameParent(role.ParentRoleID, parent) {
		if err := engine.ReparentRole(ctx, role.ID, parent); err != nil {
			return false, err
		}
		updated = true
	}
	return updated, nil
}

func sameParent(a, b *rbac.RoleID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ruleMatches reports whether the role already carries an identical active rule
func ruleMatches(rules []rbac.PermissionRule, permID rbac.PermissionID, entry RuleEntry) bool {
	for _, rule := range rules {
		if rule.PermissionID != permID {
			continue
		}
		return rule.Effect == entry.Effect &&
			rule.Priority == entry.Priority &&
			sameConditions(rule.Conditions, entry.Conditions)
	}
	return false
}

// sameConditions compares condition sets by their JSON form, so 3 and 3.0 are equal
func sameConditions(a, b rbac.Conditions) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(left) == string(right)
}
