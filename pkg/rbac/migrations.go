package rbac

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

type dialect struct {
	id        string
	timestamp string
	now       string
}

func dialectFor(driver string) dialect {
	if driver == "sqlite3" {
		return dialect{id: "INTEGER PRIMARY KEY AUTOINCREMENT", timestamp: "TIMESTAMP", now: "CURRENT_TIMESTAMP"}
	}
	return dialect{id: "BIGSERIAL PRIMARY KEY", timestamp: "TIMESTAMP WITH TIME ZONE", now: "NOW()"}
}

// Migrations returns all RBAC migrations for the given driver name
func Migrations(driver string) []Migration {
	d := dialectFor(driver)
	return []Migration{
		{
			Version:     1,
			Description: "Create permissions table",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS permissions (
					id %[1]s,
					name VARCHAR(100) NOT NULL UNIQUE,
					category VARCHAR(50) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at %[2]s NOT NULL DEFAULT %[3]s,
					updated_at %[2]s NOT NULL DEFAULT %[3]s
				);

				CREATE INDEX IF NOT EXISTS idx_permissions_category ON permissions(category);
			`, d.id, d.timestamp, d.now),
		},
		{
			Version:     2,
			Description: "Create roles table",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS roles (
					id %[1]s,
					name VARCHAR(100) NOT NULL,
					slug VARCHAR(100) NOT NULL UNIQUE,
					description TEXT NOT NULL DEFAULT '',
					level INTEGER NOT NULL DEFAULT 0,
					kind VARCHAR(20) NOT NULL DEFAULT 'custom',
					inherits_from BIGINT REFERENCES roles(id),
					max_principals INTEGER,
					is_default BOOLEAN NOT NULL DEFAULT FALSE,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at %[2]s NOT NULL DEFAULT %[3]s,
					updated_at %[2]s NOT NULL DEFAULT %[3]s
				);

				CREATE INDEX IF NOT EXISTS idx_roles_level ON roles(level);
				CREATE INDEX IF NOT EXISTS idx_roles_inherits_from ON roles(inherits_from);
			`, d.id, d.timestamp, d.now),
		},
		{
			Version:     3,
			Description: "Create role_permissions table",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id),
					permission_id BIGINT NOT NULL REFERENCES permissions(id),
					created_at %[1]s NOT NULL DEFAULT %[2]s,
					PRIMARY KEY (role_id, permission_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_permissions_permission ON role_permissions(permission_id);
			`, d.timestamp, d.now),
		},
		{
			Version:     4,
			Description: "Create role_assignments table",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS role_assignments (
					id %[1]s,
					principal_id VARCHAR(255) NOT NULL,
					role_id BIGINT NOT NULL REFERENCES roles(id),
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					is_primary BOOLEAN NOT NULL DEFAULT FALSE,
					assigned_by VARCHAR(255),
					assigned_at %[2]s NOT NULL,
					expires_at %[2]s,
					context TEXT,
					context_key TEXT NOT NULL DEFAULT '',
					notes TEXT NOT NULL DEFAULT '',
					deactivation_reason VARCHAR(20) NOT NULL DEFAULT '',
					updated_at %[2]s NOT NULL DEFAULT %[3]s,
					UNIQUE(principal_id, role_id, context_key)
				);

				CREATE INDEX IF NOT EXISTS idx_role_assignments_principal ON role_assignments(principal_id, is_active);
				CREATE INDEX IF NOT EXISTS idx_role_assignments_role ON role_assignments(role_id, is_active);
				CREATE INDEX IF NOT EXISTS idx_role_assignments_expires_at ON role_assignments(expires_at);
			`, d.id, d.timestamp, d.now),
		},
		{
			Version:     5,
			Description: "Create audit_entries table",
			SQL:         audit.TableDDL(driver),
		},
	}
}

// RunMigrations applies pending migrations and returns how many ran
func RunMigrations(ctx context.Context, db *sqlx.DB, logger *observability.Logger) (int, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	d := dialectFor(db.DriverName())

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at %s NOT NULL DEFAULT %s
		)
	`, d.timestamp, d.now)
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	var versions []int
	if err := db.SelectContext(ctx, &versions, "SELECT version FROM rbac_migrations"); err != nil {
		return 0, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}

	ran := 0
	for _, migration := range Migrations(db.DriverName()) {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("running migration")

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return ran, fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			_ = tx.Rollback()
			return ran, fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			tx.Rebind("INSERT INTO rbac_migrations (version, description) VALUES (?, ?)"),
			migration.Version, migration.Description,
		); err != nil {
			_ = tx.Rollback()
			return ran, fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return ran, fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
		ran++
		log.Debug("migration completed")
	}

	return ran, nil
}
