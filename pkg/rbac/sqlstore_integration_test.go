//go:build integration

package rbac

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/warden/pkg/audit"
)

// postgresDSN returns WARDEN_TEST_POSTGRES_DSN or starts a throwaway container
func postgresDSN(t *testing.T) string {
	t.Helper()

	if dsn := os.Getenv(TestPostgresEnv); dsn != "" {
		return dsn
	}

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("warden_test"),
		postgres.WithUsername("warden"),
		postgres.WithPassword("warden_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		// the test context may already be cancelled
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

// newPostgresEnv gives each test its own schema on the shared server
func newPostgresEnv(t *testing.T, dsn string) *testEnv {
	t.Helper()

	ctx := context.Background()
	admin, err := Open(ctx, "postgres", dsn)
	require.NoError(t, err)
	schema := fmt.Sprintf("warden_%d", time.Now().UnixNano())
	_, err = admin.ExecContext(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.ExecContext(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	})

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db := OpenTestDB(t, "postgres", dsn+sep+"search_path="+schema)
	db.SetMaxOpenConns(16)
	return newTestEnv(t, storeFactory{"postgres", func(t *testing.T, opts ServiceOptions) *Service {
		return NewService(NewSQLStore(db), opts)
	}}, nil)
}

func TestPostgres(t *testing.T) {
	dsn := postgresDSN(t)

	t.Run("capacity holds under concurrent assignment", func(t *testing.T) {
		env := newPostgresEnv(t, dsn)
		env.perm(t, "content.view")
		limit := 3
		r, err := env.svc.Roles.CreateRole(env.ctx, CreateRoleInput{
			Name: "Reviewer", Slug: "reviewer", Level: LevelUser,
			MaxPrincipals: &limit, Permissions: []string{"content.view"},
		})
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			granted  int
			rejected int
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := env.svc.Ledger.AssignRole(env.ctx, fmt.Sprintf("user-%d", i), r.ID, AssignOptions{})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					granted++
				case errors.Is(err, ErrCapacityExceeded):
					rejected++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, limit, granted)
		assert.Equal(t, 20-limit, rejected)
		counts, err := env.svc.Analytics.RoleDistribution(env.ctx)
		require.NoError(t, err)
		require.Len(t, counts, 1)
		assert.Equal(t, limit, counts[0].Principals)
	})

	t.Run("concurrent primary assignments leave one primary", func(t *testing.T) {
		env := newPostgresEnv(t, dsn)
		roles := make([]*Role, 8)
		for i := range roles {
			roles[i] = env.role(t, fmt.Sprintf("team-%d", i), LevelUser, nil)
		}

		var wg sync.WaitGroup
		for _, r := range roles {
			wg.Add(1)
			go func(r *Role) {
				defer wg.Done()
				_, err := env.svc.Ledger.AssignRole(env.ctx, "alice", r.ID, AssignOptions{IsPrimary: true})
				assert.NoError(t, err)
			}(r)
		}
		wg.Wait()

		rows, err := env.svc.Ledger.ListAssignments(env.ctx, AssignmentFilter{PrincipalID: "alice", EffectiveOnly: true})
		require.NoError(t, err)
		require.Len(t, rows, len(roles))
		primaries := 0
		for _, a := range rows {
			if a.IsPrimary {
				primaries++
			}
		}
		assert.Equal(t, 1, primaries)
	})

	t.Run("concurrent parent edits never close a cycle", func(t *testing.T) {
		env := newPostgresEnv(t, dsn)
		a := env.role(t, "a", LevelUser, nil)
		b := env.role(t, "b", LevelUser, nil)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, edge := range [][2]*Role{{a, b}, {b, a}} {
			wg.Add(1)
			go func(i int, child, parent *Role) {
				defer wg.Done()
				_, errs[i] = env.svc.Roles.SetParent(env.ctx, child.ID, &parent.ID)
			}(i, edge[0], edge[1])
		}
		wg.Wait()

		failed := 0
		for _, err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, ErrCycleDetected)
				failed++
			}
		}
		assert.Equal(t, 1, failed, "exactly one edge wins")
		for _, r := range []*Role{a, b} {
			_, err := env.svc.Resolver.Ancestors(env.ctx, r.ID)
			assert.NoError(t, err, r.Slug)
		}
	})

	t.Run("bootstrap and audit", func(t *testing.T) {
		env := newPostgresEnv(t, dsn)
		seed, err := DefaultSeed()
		require.NoError(t, err)
		report, err := env.svc.Bootstrap(env.ctx, seed)
		require.NoError(t, err)
		assert.Equal(t, 9, report.RolesCreated)

		user, err := env.svc.Roles.GetRoleBySlug(env.ctx, "user")
		require.NoError(t, err)
		env.assign(t, "alice", user, AssignOptions{AssignedBy: "root", Context: map[string]interface{}{"org": "acme"}})

		ok, err := env.svc.Checker.HasPermission(env.ctx, Principal{ID: "alice"}, "content.view")
		require.NoError(t, err)
		assert.True(t, ok)

		entries := env.audit(t, audit.Filter{PrincipalID: "alice"})
		require.Len(t, entries, 1)
		assert.Equal(t, audit.ActionAssigned, entries[0].Action)
		assert.Equal(t, user.ID, entries[0].RoleID)
	})
}
