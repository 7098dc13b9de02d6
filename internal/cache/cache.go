// Package cache provides the optional Redis-backed response cache for the
// read facade. The cache is strictly best-effort: every consumer must treat
// a miss and an error identically, and the control plane runs fine with the
// cache disabled.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the key-value contract the facade consumes. Implementations must
// be safe for concurrent use.
type Cache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key for the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// DeletePattern removes every key matching the glob pattern and
	// returns the number of keys removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping verifies the backing store answers.
	Ping(ctx context.Context) error

	// Enabled reports whether a real backing store is configured.
	Enabled() bool

	// Close releases the client.
	Close() error
}

// scanBatch is the COUNT hint for SCAN during pattern invalidation.
const scanBatch = 500

// redisCache implements Cache on a Redis client.
type redisCache struct {
	client *redis.Client
	logger *slog.Logger
}

// Option is a functional option for configuring the cache.
type Option func(*redisCache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *redisCache) {
		c.logger = logger
	}
}

// New builds a Cache from a Redis URL ("redis://host:port/db"). An empty URL
// yields the disabled cache, which misses on every read and accepts every
// write.
func New(redisURL string, opts ...Option) (Cache, error) {
	if redisURL == "" {
		return &NoopCache{}, nil
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	c := &redisCache{
		client: redis.NewClient(redisOpts),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.logger.Info("Response cache enabled", "db", redisOpts.DB)
	return c, nil
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *redisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *redisCache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return deleted, err
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (c *redisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *redisCache) Enabled() bool {
	return true
}

func (c *redisCache) Close() error {
	return c.client.Close()
}

// NoopCache is the disabled cache: reads always miss, writes are dropped.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (string, bool, error)      { return "", false, nil }
func (NoopCache) Set(context.Context, string, string, time.Duration) error { return nil }
func (NoopCache) Delete(context.Context, ...string) error                { return nil }
func (NoopCache) DeletePattern(context.Context, string) (int, error)     { return 0, nil }
func (NoopCache) Exists(context.Context, string) (bool, error)           { return false, nil }
func (NoopCache) Ping(context.Context) error                             { return nil }
func (NoopCache) Enabled() bool                                          { return false }
func (NoopCache) Close() error                                           { return nil }

// GetJSON reads key and unmarshals it into dest, reporting whether a value
// was present. A decode failure counts as a miss so a poisoned entry cannot
// wedge the read path.
func GetJSON(ctx context.Context, c Cache, key string, dest any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, nil
	}
	return true, nil
}

// SetJSON marshals value and stores it under key for the given TTL.
func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, string(raw), ttl)
}

// InvalidateCluster removes every cached payload for one cluster.
func InvalidateCluster(ctx context.Context, c Cache, clusterID int64) (int, error) {
	return deletePatterns(ctx, c, ClusterPatterns(clusterID))
}

// InvalidateKind removes every cached payload for one kind on one cluster.
func InvalidateKind(ctx context.Context, c Cache, kind string, clusterID int64) (int, error) {
	return deletePatterns(ctx, c, KindPatterns(kind, clusterID))
}

func deletePatterns(ctx context.Context, c Cache, patterns []string) (int, error) {
	total := 0
	for _, pattern := range patterns {
		n, err := c.DeletePattern(ctx, pattern)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
