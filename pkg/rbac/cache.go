package rbac

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Snapshot is a principal's resolved authorization state at one instant
type Snapshot struct {
	PrincipalID string    `json:"principal_id"`
	Roles       []RoleRef `json:"roles"`
	Permissions []string  `json:"permissions"` // sorted
	Level       int       `json:"level"`
	ComputedAt  time.Time `json:"computed_at"`

	// ValidUntil is the earlier of the cache TTL and the first contributing expiry
	ValidUntil time.Time `json:"valid_until"`
}

// HasPermission reports whether name is among the snapshot's active permissions
func (s *Snapshot) HasPermission(name string) bool {
	i := sort.SearchStrings(s.Permissions, name)
	return i < len(s.Permissions) && s.Permissions[i] == name
}

// Primary returns the primary role reference, if any
func (s *Snapshot) Primary() *RoleRef {
	for i := range s.Roles {
		if s.Roles[i].IsPrimary {
			return &s.Roles[i]
		}
	}
	return nil
}

// Fresh reports whether the snapshot may still be served at now
func (s *Snapshot) Fresh(now time.Time) bool {
	return now.Before(s.ValidUntil)
}

// PermissionCache stores snapshots in front of the check path. Backends
// treat their own failures as misses.
//
// Version returns a token that changes on every invalidation reaching
// principalID. A snapshot built after reading a token is stored with Set
// under that token, and a backend never serves it once the token is stale,
// so a load racing a write cannot cache the pre-write state. ok is false when
// the backend cannot answer, and the caller then skips Set.
type PermissionCache interface {
	Name() string
	Version(ctx context.Context, principalID string) (version string, ok bool)
	Get(ctx context.Context, principalID string) (*Snapshot, bool)
	Set(ctx context.Context, snapshot *Snapshot, version string)
	Invalidate(ctx context.Context, principalID string)
	InvalidateAll(ctx context.Context)
}

// NoopCache disables caching
type NoopCache struct{}

func (NoopCache) Name() string { return "none" }
func (NoopCache) Version(context.Context, string) (string, bool) { return "", false }
func (NoopCache) Get(context.Context, string) (*Snapshot, bool) { return nil, false }
func (NoopCache) Set(context.Context, *Snapshot, string) {}
func (NoopCache) Invalidate(context.Context, string) {}
func (NoopCache) InvalidateAll(context.Context) {}

// LRUCache is a bounded in-process cache with per-entry TTL. Its version is
// one epoch for all principals: any invalidation drops concurrent Sets.
type LRUCache struct {
	mu     sync.Mutex
	epoch  uint64
	cache  *lru.LRU[string, *Snapshot]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewLRUCache creates a cache holding at most size snapshots for up to ttl each
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size < 1 {
		size = 1
	}
	return &LRUCache{cache: lru.NewLRU[string, *Snapshot](size, nil, ttl)}
}

func (c *LRUCache) Name() string {
	return "lru"
}

func (c *LRUCache) Version(ctx context.Context, principalID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strconv.FormatUint(c.epoch, 10), true
}

func (c *LRUCache) Get(ctx context.Context, principalID string) (*Snapshot, bool) {
	snap, ok := c.cache.Get(principalID)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return snap, true
}

// Set stores snapshot unless an invalidation happened since version was read
func (c *LRUCache) Set(ctx context.Context, snapshot *Snapshot, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version != strconv.FormatUint(c.epoch, 10) {
		return
	}
	c.cache.Add(snapshot.PrincipalID, snapshot)
}

func (c *LRUCache) Invalidate(ctx context.Context, principalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.cache.Remove(principalID)
}

func (c *LRUCache) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.cache.Purge()
}

// Len returns the number of cached snapshots
func (c *LRUCache) Len() int {
	return c.cache.Len()
}

// Stats returns lifetime hit and miss counts
func (c *LRUCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
