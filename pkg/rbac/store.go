package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

var _ Repository = (*Store)(nil)

// Store persists the permission graph in a SQL database (PostgreSQL in production, SQLite
// in tests). Run RunMigrations before use.
type Store struct {
	db *sql.DB
}

// NewStore creates a new SQL store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// LoadRoles returns every role
func (s *Store) LoadRoles(ctx context.Context) ([]Role, error) {
	query := `
		SELECT id, name, description, parent_role_id, is_system, is_active, is_protected, created_at, updated_at
		FROM rbac_roles
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		var parentRoleID sql.NullString
		if err := rows.Scan(
			&role.ID,
			&role.Name,
			&role.Description,
			&parentRoleID,
			&role.IsSystem,
			&role.IsActive,
			&role.IsProtected,
			&role.CreatedAt,
			&role.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		if parentRoleID.Valid {
			id := RoleID(parentRoleID.String)
			role.ParentRoleID = &id
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate roles: %w", err)
	}
	return roles, nil
}

// LoadPermissions returns the whole catalog
func (s *Store) LoadPermissions(ctx context.Context) ([]Permission, error) {
	query := `
		SELECT id, resource_type, permission_type, resource_id, name, description, is_system, created_at
		FROM rbac_permissions
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(
			&perm.ID,
			&perm.Key.ResourceType,
			&perm.Key.PermissionType,
			&perm.Key.ResourceID,
			&perm.Name,
			&perm.Description,
			&perm.IsSystem,
			&perm.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permissions: %w", err)
	}
	return perms, nil
}

// LoadRules returns every rule, revoked ones included
func (s *Store) LoadRules(ctx context.Context) ([]PermissionRule, error) {
	query := `
		SELECT id, role_id, permission_id, effect, priority, conditions, is_active, created_at, revoked_at
		FROM rbac_permission_rules
		ORDER BY created_at, id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []PermissionRule
	for rows.Next() {
		var rule PermissionRule
		var conditionsJSON string
		var revokedAt sql.NullTime
		if err := rows.Scan(
			&rule.ID,
			&rule.RoleID,
			&rule.PermissionID,
			&rule.Effect,
			&rule.Priority,
			&conditionsJSON,
			&rule.IsActive,
			&rule.CreatedAt,
			&revokedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		if err := json.Unmarshal([]byte(conditionsJSON), &rule.Conditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conditions of rule %s: %w", rule.ID, err)
		}
		if len(rule.Conditions) == 0 {
			rule.Conditions = nil
		}
		if revokedAt.Valid {
			t := revokedAt.Time
			rule.RevokedAt = &t
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return rules, nil
}

// SaveRole inserts or updates a role
func (s *Store) SaveRole(ctx context.Context, role Role) error {
	query := `
		INSERT INTO rbac_roles (id, name, description, parent_role_id, is_system, is_active, is_protected, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			parent_role_id = excluded.parent_role_id,
			is_system = excluded.is_system,
			is_active = excluded.is_active,
			is_protected = excluded.is_protected,
			updated_at = excluded.updated_at
	`

	var parentRoleID sql.NullString
	if role.ParentRoleID != nil {
		parentRoleID = sql.NullString{String: string(*role.ParentRoleID), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		role.ID,
		role.Name,
		role.Description,
		parentRoleID,
		role.IsSystem,
		role.IsActive,
		role.IsProtected,
		role.CreatedAt,
		role.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save role: %w", err)
	}
	return nil
}

// DeleteRoles removes the roles in the given order, each together with its rules
func (s *Store) DeleteRoles(ctx context.Context, ids []RoleID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM rbac_permission_rules WHERE role_id = $1", id); err != nil {
			return fmt.Errorf("failed to delete rules of role %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM rbac_roles WHERE id = $1", id); err != nil {
			return fmt.Errorf("failed to delete role %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SavePermission inserts or updates a permission
func (s *Store) SavePermission(ctx context.Context, perm Permission) error {
	query := `
		INSERT INTO rbac_permissions (id, resource_type, permission_type, resource_id, name, description, is_system, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			is_system = excluded.is_system
	`

	_, err := s.db.ExecContext(ctx, query,
		perm.ID,
		perm.Key.ResourceType,
		perm.Key.PermissionType,
		perm.Key.ResourceID,
		perm.Name,
		perm.Description,
		perm.IsSystem,
		perm.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save permission: %w", err)
	}
	return nil
}

// DeletePermission removes a permission and the revoked rules that still reference it
func (s *Store) DeletePermission(ctx context.Context, id PermissionID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM rbac_permission_rules WHERE permission_id = $1", id); err != nil {
		return fmt.Errorf("failed to delete rules of permission %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM rbac_permissions WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete permission %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveRules upserts the rules in order inside one transaction
func (s *Store) SaveRules(ctx context.Context, rules []PermissionRule) error {
	query := `
		INSERT INTO rbac_permission_rules (id, role_id, permission_id, effect, priority, conditions, is_active, created_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			effect = excluded.effect,
			priority = excluded.priority,
			conditions = excluded.conditions,
			is_active = excluded.is_active,
			revoked_at = excluded.revoked_at
	`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare rule upsert: %w", err)
	}
	defer stmt.Close()

	for _, rule := range rules {
		conditionsJSON := []byte("{}")
		if len(rule.Conditions) > 0 {
			conditionsJSON, err = json.Marshal(rule.Conditions)
			if err != nil {
				return fmt.Errorf("failed to marshal conditions of rule %s: %w", rule.ID, err)
			}
		}
		var revokedAt sql.NullTime
		if rule.RevokedAt != nil {
			revokedAt = sql.NullTime{Time: *rule.RevokedAt, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			rule.ID,
			rule.RoleID,
			rule.PermissionID,
			rule.Effect,
			rule.Priority,
			string(conditionsJSON),
			rule.IsActive,
			rule.CreatedAt,
			revokedAt,
		); err != nil {
			return fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
