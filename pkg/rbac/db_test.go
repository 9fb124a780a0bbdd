package rbac

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
)

// postgresURLEnv names the database used by the Postgres variants of the store tests
const postgresURLEnv = "ROLEGRAPH_TEST_POSTGRES_URL"

// requirePostgres returns a migrated, empty Postgres database, or skips.
func requirePostgres(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	dsn := os.Getenv(postgresURLEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresURLEnv)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Skipf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Ping(); err != nil {
		t.Skipf("postgres not reachable: %v", err)
	}

	ctx := context.Background()
	if err := RunMigrations(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// children first
	for _, table := range []string{"rbac_permission_rules", "rbac_permissions", "rbac_roles"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("reset %s: %v", table, err)
		}
	}
	return db
}
