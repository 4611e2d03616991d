package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/warden/pkg/observability"
)

const (
	redisKeyPrefix     = "warden:perm:"
	redisGenerationKey = "warden:perm:gen"
	redisVersionPrefix = "warden:perm:ver:"

	// redisVersionTTL outlives any snapshot so a version counter never
	// restarts while keys written under its earlier values still exist
	redisVersionTTL = 24 * time.Hour
)

// RedisCache shares snapshots between processes. Snapshot keys embed a
// global generation, bumped by InvalidateAll, and a per-principal version,
// bumped by Invalidate. A replica that built a snapshot before another
// replica's write stores it under the superseded key, where nothing reads it
// before it ages out on its TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *observability.Logger
	now    func() time.Time
}

// NewRedisCache creates a cache over an existing client
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *observability.Logger) *RedisCache {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger, now: time.Now}
}

// NewRedisClient parses a redis:// URL and verifies the server answers
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (c *RedisCache) Name() string {
	return "redis"
}

// Version reads the generation and the principal's version as "gen:ver"
func (c *RedisCache) Version(ctx context.Context, principalID string) (string, bool) {
	vals, err := c.client.MGet(ctx, redisGenerationKey, redisVersionPrefix+principalID).Result()
	if err != nil {
		c.logger.WithError(err).WithField("principal_id", principalID).Warn("redis cache version lookup failed")
		return "", false
	}
	parts := [2]string{"0", "0"}
	for i, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			parts[i] = s
		}
	}
	return parts[0] + ":" + parts[1], true
}

func snapshotKey(version, principalID string) string {
	return redisKeyPrefix + version + ":" + principalID
}

func (c *RedisCache) Get(ctx context.Context, principalID string) (*Snapshot, bool) {
	version, ok := c.Version(ctx, principalID)
	if !ok {
		return nil, false
	}
	data, err := c.client.Get(ctx, snapshotKey(version, principalID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithError(err).WithField("principal_id", principalID).Warn("redis cache get failed")
		}
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.WithError(err).WithField("principal_id", principalID).Warn("discarding undecodable cached snapshot")
		return nil, false
	}
	return &snap, true
}

// Set writes snapshot under version, the token read before it was built
func (c *RedisCache) Set(ctx context.Context, snapshot *Snapshot, version string) {
	if version == "" {
		return
	}
	expiration := c.ttl
	if remaining := snapshot.ValidUntil.Sub(c.now()); remaining < expiration {
		expiration = remaining
	}
	if expiration <= 0 {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.WithError(err).Warn("failed to encode snapshot")
		return
	}
	if err := c.client.Set(ctx, snapshotKey(version, snapshot.PrincipalID), data, expiration).Err(); err != nil {
		c.logger.WithError(err).WithField("principal_id", snapshot.PrincipalID).Warn("redis cache set failed")
	}
}

// Invalidate moves the principal to a new version, orphaning its snapshot
// and any snapshot still being built from older state
func (c *RedisCache) Invalidate(ctx context.Context, principalID string) {
	versionTTL := redisVersionTTL
	if versionTTL < 2*c.ttl {
		versionTTL = 2 * c.ttl
	}
	key := redisVersionPrefix + principalID
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, versionTTL)
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithField("principal_id", principalID).Warn("redis cache version bump failed")
	}
}

func (c *RedisCache) InvalidateAll(ctx context.Context) {
	if err := c.client.Incr(ctx, redisGenerationKey).Err(); err != nil {
		c.logger.WithError(err).Warn("redis cache generation bump failed")
	}
}
