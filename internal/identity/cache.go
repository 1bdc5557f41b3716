package identity

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"creditrail/pkg/cache"
	"creditrail/pkg/logger"
)

// TokenCache stores resolved agent ids keyed by token. Only successful
// resolutions are cached; a miss always falls through to the inner resolver.
type TokenCache interface {
	Get(ctx context.Context, token string) (agentID string, ok bool, err error)
	Set(ctx context.Context, token, agentID string) error
}

// MemoryTokenCache is a TTL and size bounded in-process cache.
type MemoryTokenCache struct {
	entries *cache.Cache[string]
}

// NewMemoryTokenCache builds the cache with the given TTL and capacity.
func NewMemoryTokenCache(ttl time.Duration, capacity int) *MemoryTokenCache {
	return &MemoryTokenCache{entries: cache.New[string](ttl, capacity)}
}

func (c *MemoryTokenCache) Get(_ context.Context, token string) (string, bool, error) {
	agentID, ok := c.entries.Get(token)
	return agentID, ok, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, token, agentID string) error {
	c.entries.Set(token, agentID)
	return nil
}

const redisKeyPrefix = "creditrail:identity:"

// RedisTokenCache shares resolved tokens across instances.
type RedisTokenCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTokenCache connects a token cache to Redis.
func NewRedisTokenCache(client *redis.Client, ttl time.Duration) *RedisTokenCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisTokenCache{client: client, ttl: ttl}
}

func (c *RedisTokenCache) Get(ctx context.Context, token string) (string, bool, error) {
	agentID, err := c.client.Get(ctx, redisKeyPrefix+token).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return agentID, true, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, token, agentID string) error {
	return c.client.Set(ctx, redisKeyPrefix+token, agentID, c.ttl).Err()
}

var (
	_ TokenCache = (*MemoryTokenCache)(nil)
	_ TokenCache = (*RedisTokenCache)(nil)
)

// CachedResolver fronts a Resolver with a TokenCache. Cache errors are
// logged and treated as misses so an unavailable cache degrades to direct
// resolution instead of blocking callers.
type CachedResolver struct {
	inner Resolver
	cache TokenCache
}

// NewCachedResolver wraps inner with cache.
func NewCachedResolver(inner Resolver, cache TokenCache) *CachedResolver {
	return &CachedResolver{inner: inner, cache: cache}
}

func (r *CachedResolver) Resolve(ctx context.Context, token string) (string, error) {
	agentID, ok, err := r.cache.Get(ctx, token)
	if err != nil {
		logger.L().Warn("identity cache read failed", slog.Any("error", err))
	} else if ok {
		return agentID, nil
	}

	agentID, err = r.inner.Resolve(ctx, token)
	if err != nil {
		return "", err
	}
	if err := r.cache.Set(ctx, token, agentID); err != nil {
		logger.L().Warn("identity cache write failed", slog.Any("error", err))
	}
	return agentID, nil
}

var _ Resolver = (*CachedResolver)(nil)
