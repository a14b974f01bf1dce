package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CollectionCache maps collection names to their UUIDs.
type CollectionCache interface {
	// Get returns the id cached for name. ok is false on a miss.
	Get(ctx context.Context, name string) (id string, ok bool, err error)

	// Replace swaps the whole mapping for a fresh snapshot.
	Replace(ctx context.Context, collections map[string]string) error

	// Invalidate drops every entry.
	Invalidate(ctx context.Context) error
}

var (
	_ CollectionCache = (*MemoryCache)(nil)
	_ CollectionCache = (*RedisCache)(nil)
)

// MemoryCache is a process-local CollectionCache.
type MemoryCache struct {
	mu  sync.RWMutex
	ids map[string]string
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{ids: map[string]string{}}
}

func (c *MemoryCache) Get(_ context.Context, name string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[name]
	return id, ok, nil
}

func (c *MemoryCache) Replace(_ context.Context, collections map[string]string) error {
	next := make(map[string]string, len(collections))
	for name, id := range collections {
		next[name] = id
	}
	c.mu.Lock()
	c.ids = next
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	c.ids = map[string]string{}
	c.mu.Unlock()
	return nil
}

// RedisCache shares the mapping between replicas through a Redis hash.
// The hash expires after ttl so replicas eventually observe deletions made
// elsewhere.
type RedisCache struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// RedisCacheOption configures a RedisCache.
type RedisCacheOption func(*RedisCache)

// WithRedisKey sets the hash key. Default "vecgate:collections".
func WithRedisKey(key string) RedisCacheOption {
	return func(c *RedisCache) { c.key = key }
}

// WithRedisTTL sets the hash expiry. Zero disables expiry.
func WithRedisTTL(ttl time.Duration) RedisCacheOption {
	return func(c *RedisCache) { c.ttl = ttl }
}

// NewRedisCache creates a cache on top of client. The caller owns the client.
func NewRedisCache(client redis.UniversalClient, opts ...RedisCacheOption) *RedisCache {
	c := &RedisCache{
		client: client,
		key:    "vecgate:collections",
		ttl:    5 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) Get(ctx context.Context, name string) (string, bool, error) {
	id, err := c.client.HGet(ctx, c.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis HGET %s: %w", c.key, err)
	}
	return id, true, nil
}

func (c *RedisCache) Replace(ctx context.Context, collections map[string]string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, c.key)
		if len(collections) == 0 {
			return nil
		}
		fields := make(map[string]any, len(collections))
		for name, id := range collections {
			fields[name] = id
		}
		pipe.HSet(ctx, c.key, fields)
		if c.ttl > 0 {
			pipe.Expire(ctx, c.key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis replace %s: %w", c.key, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("redis DEL %s: %w", c.key, err)
	}
	return nil
}
