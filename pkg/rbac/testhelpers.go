package rbac

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/platinummonkey/warden/pkg/observability"
)

// TestPostgresEnv names the DSN used by tests that need a real PostgreSQL
const TestPostgresEnv = "WARDEN_TEST_POSTGRES_DSN"

// SkipIfNoDatabase skips the test unless WARDEN_TEST_POSTGRES_DSN is set
func SkipIfNoDatabase(t testing.TB) string {
	t.Helper()

	dsn := os.Getenv(TestPostgresEnv)
	if dsn == "" {
		t.Skipf("Skipping test: %s not set (database not available)", TestPostgresEnv)
	}
	return dsn
}

// IsDatabaseAvailable reports whether WARDEN_TEST_POSTGRES_DSN is set (does not test connection)
func IsDatabaseAvailable() bool {
	return os.Getenv(TestPostgresEnv) != ""
}

// OpenTestDB opens a migrated database and closes it when the test ends
func OpenTestDB(t testing.TB, driver, dsn string) *sqlx.DB {
	t.Helper()

	ctx := context.Background()
	db, err := Open(ctx, driver, dsn)
	if err != nil {
		t.Fatalf("failed to open %s test database: %v", driver, err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := RunMigrations(ctx, db, observability.NopLogger()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// NewSQLiteTestService returns a service over a fresh SQLite file in a temp dir
func NewSQLiteTestService(t testing.TB, opts ServiceOptions) *Service {
	t.Helper()

	db := OpenTestDB(t, "sqlite3", filepath.Join(t.TempDir(), "warden.db"))
	return NewService(NewSQLStore(db), opts)
}
