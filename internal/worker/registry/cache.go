package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/redis/go-redis/v9"
)

// Cache stores registry responses. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache implements Cache using go-redis
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a cache from a redis:// URL
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedClient serves repeated lookups from a cache.
// Only found cases are cached; cache failures fall through to the live client.
type CachedClient struct {
	next   Client
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedClient wraps next with cache
func NewCachedClient(next Client, cache Cache, ttl time.Duration, logger *slog.Logger) *CachedClient {
	return &CachedClient{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

// CacheKey returns the redis key for a query
func CacheKey(q Query) string {
	sum := sha256.Sum256([]byte(q.Key()))
	return "caseimport:registry:" + hex.EncodeToString(sum[:])
}

// SearchCase implements Client
func (c *CachedClient) SearchCase(ctx context.Context, q Query) (*domain.CaseInfo, error) {
	key := CacheKey(q)

	raw, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("Registry cache read failed",
			slog.String("error", err.Error()),
		)
	} else if ok {
		var info domain.CaseInfo
		if err := json.Unmarshal(raw, &info); err == nil {
			return &info, nil
		}
		c.logger.Warn("Discarding unreadable registry cache entry",
			slog.String("key", key),
		)
	}

	info, err := c.next.SearchCase(ctx, q)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(info); err == nil {
		if err := c.cache.Set(ctx, key, encoded, c.ttl); err != nil {
			c.logger.Warn("Registry cache write failed",
				slog.String("error", err.Error()),
			)
		}
	}

	return info, nil
}
