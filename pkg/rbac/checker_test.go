package rbac

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/audit"
)

func TestChecker_InheritedPermissions(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		_, _, moderator := env.ladder(t)
		env.assign(t, "alice", moderator, AssignOptions{})
		alice := Principal{ID: "alice"}

		for _, name := range []string{"content.view", "content.create", "content.moderate"} {
			ok, err := env.svc.Checker.HasPermission(env.ctx, alice, name)
			require.NoError(t, err)
			assert.True(t, ok, name)
		}

		ok, err := env.svc.Checker.HasPermission(env.ctx, alice, "admin.system")
		require.NoError(t, err)
		assert.False(t, ok, "unknown permissions are denied")

		level, err := env.svc.Checker.GetPrincipalRoleLevel(env.ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, LevelModerator, level)

		ok, err = env.svc.Checker.HasRole(env.ctx, "alice", "moderator")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = env.svc.Checker.HasRole(env.ctx, "alice", strconv.FormatInt(moderator.ID, 10))
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = env.svc.Checker.HasRole(env.ctx, "alice", "user")
		require.NoError(t, err)
		assert.False(t, ok, "inheritance does not confer membership")

		assert.Equal(t, 4, env.metrics.checks[CheckHasPermission])
		assert.Equal(t, 3, env.metrics.checks[CheckHasRole])
	})
}

func TestChecker_ExpiredAssignmentStopsGrantingBeforeSweep(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		_, user, _ := env.ladder(t)
		until := env.clock.Now().Add(time.Hour)
		env.assign(t, "alice", user, AssignOptions{ExpiresAt: &until})
		alice := Principal{ID: "alice"}

		ok, err := env.svc.Checker.HasPermission(env.ctx, alice, "content.create")
		require.NoError(t, err)
		assert.True(t, ok)

		env.clock.Advance(time.Hour)
		ok, err = env.svc.Checker.HasPermission(env.ctx, alice, "content.create")
		require.NoError(t, err)
		assert.False(t, ok)

		level, err := env.svc.Checker.GetPrincipalRoleLevel(env.ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, LevelGuest, level)
	})
}

func TestChecker_InactiveRoleStopsGranting(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		guest, user, _ := env.ladder(t)
		env.assign(t, "alice", user, AssignOptions{})

		_, err := env.svc.Roles.DeactivateRole(env.ctx, user.ID)
		require.NoError(t, err)
		perms, err := env.svc.Checker.EffectivePermissions(env.ctx, "alice")
		require.NoError(t, err)
		assert.Empty(t, perms)

		// an inactive ancestor still contributes to an active child
		_, err = env.svc.Roles.ActivateRole(env.ctx, user.ID)
		require.NoError(t, err)
		_, err = env.svc.Roles.DeactivateRole(env.ctx, guest.ID)
		require.NoError(t, err)
		perms, err = env.svc.Checker.EffectivePermissions(env.ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"content.create", "content.view"}, perms)
	})
}

func TestChecker_AnyAndAll(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		_, user, _ := env.ladder(t)
		env.assign(t, "alice", user, AssignOptions{})
		alice := Principal{ID: "alice"}

		tests := []struct {
			name  string
			names []string
			any   bool
			all   bool
		}{
			{"empty", nil, false, true},
			{"all held", []string{"content.view", "content.create"}, true, true},
			{"some held", []string{"content.view", "content.edit"}, true, false},
			{"none held", []string{"content.edit", "admin.roles"}, false, false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := env.svc.Checker.HasAnyPermission(env.ctx, alice, tt.names)
				require.NoError(t, err)
				assert.Equal(t, tt.any, got, "any")

				got, err = env.svc.Checker.HasAllPermissions(env.ctx, alice, tt.names)
				require.NoError(t, err)
				assert.Equal(t, tt.all, got, "all")
			})
		}
	})
}

func TestChecker_SuperuserBypass(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		root := Principal{ID: "root", Superuser: true}
		before := len(env.audit(t, audit.Filter{}))

		ok, err := env.svc.Checker.HasPermission(env.ctx, root, "admin.system")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = env.svc.Checker.HasAnyPermission(env.ctx, root, nil)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = env.svc.Checker.HasAllPermissions(env.ctx, root, []string{"a.b"})
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = env.svc.Checker.MeetsMinimumLevel(env.ctx, root, LevelSystem)
		require.NoError(t, err)
		assert.True(t, ok)

		assert.Equal(t, 4, env.metrics.bypasses)
		assert.Len(t, env.audit(t, audit.Filter{}), before)

		// role membership is never bypassed
		ok, err = env.svc.Checker.HasRole(env.ctx, root.ID, "admin")
		require.NoError(t, err)
		assert.False(t, ok)

		summary, err := env.svc.Checker.PrincipalSummary(env.ctx, root)
		require.NoError(t, err)
		assert.True(t, summary.Superuser)
		assert.Empty(t, summary.Permissions)
	})
}

func TestChecker_MeetsMinimumLevel(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		guest, _, moderator := env.ladder(t)
		env.assign(t, "alice", guest, AssignOptions{})
		env.assign(t, "alice", moderator, AssignOptions{})
		alice := Principal{ID: "alice"}

		for level, want := range map[int]bool{LevelGuest: true, LevelModerator: true, LevelContentManager: false} {
			ok, err := env.svc.Checker.MeetsMinimumLevel(env.ctx, alice, level)
			require.NoError(t, err)
			assert.Equal(t, want, ok, "level %d", level)
		}

		ok, err := env.svc.Checker.MeetsMinimumLevel(env.ctx, Principal{ID: "nobody"}, LevelGuest)
		require.NoError(t, err)
		assert.True(t, ok, "principals without roles sit at the guest floor")
	})
}

func TestChecker_PrincipalSummary(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		guest, user, moderator := env.ladder(t)
		env.assign(t, "alice", guest, AssignOptions{})
		env.assign(t, "alice", moderator, AssignOptions{})
		u := env.assign(t, "alice", user, AssignOptions{IsPrimary: true})

		summary, err := env.svc.Checker.PrincipalSummary(env.ctx, Principal{ID: "alice"})
		require.NoError(t, err)
		assert.Equal(t, LevelModerator, summary.Level)
		require.NotNil(t, summary.Primary)
		assert.Equal(t, u.ID, summary.Primary.AssignmentID)

		require.Len(t, summary.Roles, 3)
		assert.Equal(t, "moderator", summary.Roles[0].Slug)
		assert.Equal(t, "user", summary.Roles[1].Slug)
		assert.Equal(t, "guest", summary.Roles[2].Slug)
		assert.Len(t, summary.Permissions, 4)
	})
}

func TestChecker_CachedSnapshots(t *testing.T) {
	cache := NewLRUCache(16, time.Minute)
	env := newTestEnv(t, storeFactories[0], cache)
	_, user, moderator := env.ladder(t)
	env.assign(t, "alice", user, AssignOptions{})
	alice := Principal{ID: "alice"}

	check := func(name string) bool {
		t.Helper()
		ok, err := env.svc.Checker.HasPermission(env.ctx, alice, name)
		require.NoError(t, err)
		return ok
	}

	assert.True(t, check("content.create"))
	assert.True(t, check("content.view"))
	assert.Equal(t, 1, env.metrics.hits)
	assert.Equal(t, 1, env.metrics.misses)
	assert.Equal(t, 1, cache.Len())

	// ledger writes invalidate the principal
	env.assign(t, "alice", moderator, AssignOptions{})
	assert.Equal(t, 0, cache.Len())
	assert.True(t, check("content.moderate"))

	// role graph writes invalidate everyone
	_, err := env.svc.Roles.RemovePermissionsFromRole(env.ctx, moderator.ID, []string{"content.moderate"})
	require.NoError(t, err)
	assert.False(t, check("content.moderate"))

	_, err = env.svc.Ledger.RevokeRole(env.ctx, "alice", moderator.ID, RevokeOptions{})
	require.NoError(t, err)
	assert.False(t, check("content.edit"))
	assert.True(t, check("content.create"))
}

func TestChecker_CachedSnapshotHonorsExpiry(t *testing.T) {
	env := newTestEnv(t, storeFactories[0], NewLRUCache(16, time.Hour))
	_, user, _ := env.ladder(t)
	until := env.clock.Now().Add(10 * time.Second)
	env.assign(t, "alice", user, AssignOptions{ExpiresAt: &until})

	snap, err := env.svc.Checker.Snapshot(env.ctx, "alice")
	require.NoError(t, err)
	assert.True(t, snap.ValidUntil.Equal(until))

	env.clock.Advance(11 * time.Second)
	ok, err := env.svc.Checker.HasPermission(env.ctx, Principal{ID: "alice"}, "content.create")
	require.NoError(t, err)
	assert.False(t, ok, "a snapshot is never served past a contributing expiry")
	assert.Equal(t, 2, env.metrics.misses)
}

func TestChecker_ConcurrentChecksShareOneLoad(t *testing.T) {
	env := newTestEnv(t, storeFactories[0], NewLRUCache(16, time.Minute))
	_, _, moderator := env.ladder(t)
	env.assign(t, "alice", moderator, AssignOptions{})

	var wg sync.WaitGroup
	results := make([]bool, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := env.svc.Checker.HasPermission(env.ctx, Principal{ID: "alice"}, "content.view")
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	for _, ok := range results {
		assert.True(t, ok)
	}
	assert.Equal(t, 32, env.metrics.checks[CheckHasPermission])
}

// gatedStore pauses the first armed assignment read for principal after the
// rows are loaded, so a check can be held mid-build while a write lands
type gatedStore struct {
	Store
	principal string
	armed     chan struct{}
	loaded    chan struct{}
	release   chan struct{}
}

func newGatedStore(inner Store, principal string) *gatedStore {
	return &gatedStore{
		Store:     inner,
		principal: principal,
		armed:     make(chan struct{}, 1),
		loaded:    make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (g *gatedStore) arm() {
	g.armed <- struct{}{}
}

func (g *gatedStore) ListAssignments(ctx context.Context, filter AssignmentFilter) ([]RoleAssignment, error) {
	rows, err := g.Store.ListAssignments(ctx, filter)
	if filter.PrincipalID != g.principal {
		return rows, err
	}
	select {
	case <-g.armed:
		close(g.loaded)
		<-g.release
	default:
	}
	return rows, err
}

func TestChecker_CheckAfterRevokeDoesNotJoinEarlierLoad(t *testing.T) {
	ctx := context.Background()
	gate := newGatedStore(NewMemoryStore(), "alice")
	svc := NewService(gate, ServiceOptions{})

	_, err := svc.Catalog.CreatePermission(ctx, CreatePermissionInput{Name: "content.view", Category: "content"})
	require.NoError(t, err)
	viewer, err := svc.Roles.CreateRole(ctx, CreateRoleInput{Name: "Viewer", Slug: "viewer", Permissions: []string{"content.view"}})
	require.NoError(t, err)
	_, err = svc.Ledger.AssignRole(ctx, "alice", viewer.ID, AssignOptions{})
	require.NoError(t, err)

	alice := Principal{ID: "alice"}
	gate.arm()
	early := make(chan bool, 1)
	go func() {
		ok, _ := svc.Checker.HasPermission(ctx, alice, "content.view")
		early <- ok
	}()
	<-gate.loaded

	revoked, err := svc.Ledger.RevokeRole(ctx, "alice", viewer.ID, RevokeOptions{})
	require.NoError(t, err)
	require.True(t, revoked)

	late := make(chan bool, 1)
	go func() {
		ok, _ := svc.Checker.HasPermission(ctx, alice, "content.view")
		late <- ok
	}()
	select {
	case ok := <-late:
		assert.False(t, ok, "a check issued after the revoke sees it")
	case <-time.After(5 * time.Second):
		t.Error("check issued after the revoke waited on a load that started before it")
	}

	close(gate.release)
	assert.True(t, <-early, "the held check started before the revoke")
}
