// Package cache provides a small Redis-backed read cache for the dashboard
// aggregation queries, which are the only hot read path in the API. Entries
// are JSON-encoded and carry a short TTL; the telemetry ingestor invalidates
// them on every accepted heartbeat so operators never see stale totals for
// longer than one round trip.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL bounds staleness when invalidation is missed (e.g. Redis was
// briefly unreachable during a heartbeat).
const DefaultTTL = 30 * time.Second

// KeyDashboardSummary holds the fleet-wide dashboard aggregation.
const KeyDashboardSummary = "greenops:dashboard:summary"

// Cache wraps a Redis client. A nil *Cache is valid and behaves as a cache
// that always misses, so the server runs without Redis configured.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New connects to Redis and verifies the connection. ttl <= 0 selects
// DefaultTTL.
func New(ctx context.Context, addr, password string, dbNum int, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbNum,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: connecting to redis at %s: %w", addr, err)
	}
	return NewWithClient(client, ttl, logger), nil
}

// NewWithClient wraps an existing Redis client. Used by tests with miniredis.
func NewWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		client: client,
		ttl:    ttl,
		logger: logger.Named("cache"),
	}
}

// Get loads key into dest. Returns false on a miss. Redis errors are logged
// and reported as misses so the caller falls through to the database.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if c == nil {
		return false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		c.logger.Warn("cache entry corrupt, dropping", zap.String("key", key), zap.Error(err))
		c.Invalidate(ctx, key)
		return false
	}
	return true
}

// Set stores v under key with the cache TTL. Failures are logged, never
// propagated; the cache is an optimization, not a dependency.
func (c *Cache) Set(ctx context.Context, key string, v any) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate removes keys. Safe on a nil cache.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("cache invalidate failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
