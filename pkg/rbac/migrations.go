package rbac

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the schema for Store. The statements stay within the dialect shared
// by PostgreSQL and SQLite.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_roles (
					id VARCHAR(64) PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					parent_role_id VARCHAR(64) REFERENCES rbac_roles(id),
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_protected BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_roles_parent_role_id ON rbac_roles(parent_role_id);
			`,
		},
		{
			Version:     2,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_permissions (
					id VARCHAR(64) PRIMARY KEY,
					resource_type VARCHAR(255) NOT NULL,
					permission_type VARCHAR(255) NOT NULL,
					resource_id VARCHAR(255) NOT NULL DEFAULT '',
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					is_system BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL,
					UNIQUE(resource_type, permission_type, resource_id)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create permission rules table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_permission_rules (
					id VARCHAR(64) PRIMARY KEY,
					role_id VARCHAR(64) NOT NULL REFERENCES rbac_roles(id),
					permission_id VARCHAR(64) NOT NULL REFERENCES rbac_permissions(id),
					effect VARCHAR(8) NOT NULL,
					priority INTEGER NOT NULL,
					conditions TEXT NOT NULL DEFAULT '{}',
					is_active BOOLEAN NOT NULL,
					created_at TIMESTAMP NOT NULL,
					revoked_at TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_rules_role_id ON rbac_permission_rules(role_id);
				CREATE INDEX IF NOT EXISTS idx_rbac_rules_permission_id ON rbac_permission_rules(permission_id);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_rbac_rules_active_pair
					ON rbac_permission_rules(role_id, permission_id) WHERE is_active;
			`,
		},
	}
}

// RunMigrations runs all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	// Create migration tracking table
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	// Get applied migrations
	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
