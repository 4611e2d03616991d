package rbac

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/audit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingRecorder tallies engine measurements
type countingRecorder struct {
	mu          sync.Mutex
	checks      map[string]int
	bypasses    int
	cycles      int
	assignments map[string]int
	swept       int
	hits        int
	misses      int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{checks: map[string]int{}, assignments: map[string]int{}}
}

func (r *countingRecorder) RecordCheck(kind string, allowed bool, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[kind]++
}

func (r *countingRecorder) RecordBypass() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bypasses++
}

func (r *countingRecorder) RecordCycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles++
}

func (r *countingRecorder) RecordAssignment(action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments[action]++
}

func (r *countingRecorder) RecordSweep(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swept += n
}

func (r *countingRecorder) RecordCache(backend string, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

// memorySink collects forwarded audit entries
type memorySink struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (s *memorySink) Log(ctx context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memorySink) Close() error {
	return nil
}

func (s *memorySink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type testEnv struct {
	ctx     context.Context
	svc     *Service
	clock   *fakeClock
	metrics *countingRecorder
	sink    *memorySink
}

type storeFactory struct {
	name string
	open func(t *testing.T, opts ServiceOptions) *Service
}

var storeFactories = []storeFactory{
	{"memory", func(t *testing.T, opts ServiceOptions) *Service {
		return NewService(NewMemoryStore(), opts)
	}},
	{"sqlite", func(t *testing.T, opts ServiceOptions) *Service {
		return NewSQLiteTestService(t, opts)
	}},
}

func newTestEnv(t *testing.T, factory storeFactory, cache PermissionCache) *testEnv {
	t.Helper()
	env := &testEnv{
		ctx:     context.Background(),
		clock:   newFakeClock(),
		metrics: newCountingRecorder(),
		sink:    &memorySink{},
	}
	env.svc = factory.open(t, ServiceOptions{
		Cache:     cache,
		Metrics:   env.metrics,
		Clock:     env.clock.Now,
		AuditSink: env.sink,
	})
	return env
}

// forEachStore runs fn against the in-memory and SQLite stores
func forEachStore(t *testing.T, fn func(t *testing.T, env *testEnv)) {
	for _, factory := range storeFactories {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			fn(t, newTestEnv(t, factory, nil))
		})
	}
}

// perm creates a permission; the category is the name's resource part
func (env *testEnv) perm(t *testing.T, name string) *Permission {
	t.Helper()
	p, err := env.svc.Catalog.CreatePermission(env.ctx, CreatePermissionInput{
		Name:     name,
		Category: strings.SplitN(name, ".", 2)[0],
	})
	require.NoError(t, err)
	return p
}

func (env *testEnv) role(t *testing.T, slug string, level int, parent *Role, perms ...string) *Role {
	t.Helper()
	in := CreateRoleInput{
		Name:        strings.ToUpper(slug[:1]) + slug[1:],
		Slug:        slug,
		Level:       level,
		Permissions: perms,
	}
	if parent != nil {
		in.InheritsFrom = &parent.ID
	}
	r, err := env.svc.Roles.CreateRole(env.ctx, in)
	require.NoError(t, err)
	return r
}

func (env *testEnv) assign(t *testing.T, principalID string, role *Role, opts AssignOptions) *RoleAssignment {
	t.Helper()
	a, err := env.svc.Ledger.AssignRole(env.ctx, principalID, role.ID, opts)
	require.NoError(t, err)
	return a
}

func (env *testEnv) audit(t *testing.T, filter audit.Filter) []audit.Entry {
	t.Helper()
	entries, err := env.svc.Analytics.AuditTrail(env.ctx, filter)
	require.NoError(t, err)
	return entries
}

// ladder builds guest -> user -> moderator with content permissions
func (env *testEnv) ladder(t *testing.T) (guest, user, moderator *Role) {
	t.Helper()
	for _, name := range []string{"content.view", "content.create", "content.edit", "content.moderate"} {
		env.perm(t, name)
	}
	guest = env.role(t, "guest", LevelGuest, nil, "content.view")
	user = env.role(t, "user", LevelUser, guest, "content.create")
	moderator = env.role(t, "moderator", LevelModerator, user, "content.edit", "content.moderate")
	return guest, user, moderator
}

func TestNewService_Defaults(t *testing.T) {
	svc := NewService(NewMemoryStore(), ServiceOptions{})
	require.NotNil(t, svc.Catalog)
	require.NotNil(t, svc.Roles)
	require.NotNil(t, svc.Ledger)
	require.NotNil(t, svc.Checker)
	require.NotNil(t, svc.Resolver)
	require.NotNil(t, svc.Analytics)

	assert.Equal(t, "none", svc.engine.cache.Name())
	assert.Equal(t, DefaultCacheTTL, svc.engine.ttl)
	assert.Equal(t, time.UTC, svc.engine.now().Location())
	assert.NoError(t, svc.Close())
}

func TestService_AuditForwardedAfterCommit(t *testing.T) {
	forEachStore(t, func(t *testing.T, env *testEnv) {
		_, _, moderator := env.ladder(t)

		env.assign(t, "alice", moderator, AssignOptions{AssignedBy: "root"})
		assert.Equal(t, 1, env.sink.len())
		assert.Equal(t, 1, env.metrics.assignments[string(audit.ActionAssigned)])

		// a failed write forwards nothing
		past := env.clock.Now().Add(-time.Minute)
		_, err := env.svc.Ledger.AssignRole(env.ctx, "bob", moderator.ID, AssignOptions{ExpiresAt: &past})
		require.ErrorIs(t, err, ErrInvalidExpiration)
		assert.Equal(t, 1, env.sink.len())
	})
}

func TestMemoryStore_WithTxRollsBack(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.WithTx(ctx, func(st Store) error {
		require.NoError(t, st.CreatePermission(ctx, &Permission{Name: "content.view", Category: "content", Active: true}))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = store.GetPermissionByName(ctx, "content.view")
	assert.ErrorIs(t, err, ErrNotFound)
}
