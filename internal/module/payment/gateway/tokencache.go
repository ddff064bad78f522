package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenCache stores a short-lived OAuth access token. Implementations
// must expire entries at the supplied TTL; the cache is only ever a
// verification aid and never a source of economic side effects.
type TokenCache interface {
	Get(ctx context.Context) (string, bool)
	Set(ctx context.Context, token string, ttl time.Duration)
}

// RedisTokenCache stores the token in Redis so replicas share it.
type RedisTokenCache struct {
	client redis.UniversalClient
	key    string
}

// NewRedisTokenCache creates a Redis-backed token cache.
func NewRedisTokenCache(client redis.UniversalClient, key string) *RedisTokenCache {
	return &RedisTokenCache{client: client, key: key}
}

// Get returns the cached token if present.
func (c *RedisTokenCache) Get(ctx context.Context) (string, bool) {
	token, err := c.client.Get(ctx, c.key).Result()
	if err != nil || token == "" {
		return "", false
	}
	return token, true
}

// Set stores the token with the given TTL.
func (c *RedisTokenCache) Set(ctx context.Context, token string, ttl time.Duration) {
	// A failed cache write only costs an extra token request later.
	_ = c.client.Set(ctx, c.key, token, ttl).Err()
}

// MemoryTokenCache is a process-local token cache used in tests and
// single-instance deployments.
type MemoryTokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewMemoryTokenCache creates an in-memory token cache.
func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{}
}

// Get returns the cached token if it has not expired.
func (c *MemoryTokenCache) Get(ctx context.Context) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || time.Now().After(c.expiresAt) {
		return "", false
	}
	return c.token, true
}

// Set stores the token with the given TTL.
func (c *MemoryTokenCache) Set(ctx context.Context, token string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expiresAt = time.Now().Add(ttl)
}
