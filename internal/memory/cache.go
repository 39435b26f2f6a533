package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the hot storage tier for serialized threads. Get returns
// (nil, nil) on a miss so callers can fall through to the cold store.
type Cache interface {
	Get(ctx context.Context, chatID string) (map[string]any, error)
	Set(ctx context.Context, chatID string, data map[string]any) error
	Delete(ctx context.Context, chatID string) error
	Keys(ctx context.Context) ([]string, error)
	// TTL returns the remaining lifetime of an entry, or a negative
	// duration when the entry does not exist.
	TTL(ctx context.Context, chatID string) (time.Duration, error)
	Close() error
}

// CacheConfig configures the Redis cache tier.
type CacheConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// RedisCache stores serialized threads as JSON values with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache connects to Redis. The connection is verified lazily; use
// Ping to check it eagerly.
func NewRedisCache(cfg CacheConfig) *RedisCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "chat:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisCache{client: client, ttl: cfg.TTL, prefix: cfg.Prefix}
}

// Ping verifies the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) key(chatID string) string { return c.prefix + chatID }

func (c *RedisCache) Get(ctx context.Context, chatID string) (map[string]any, error) {
	raw, err := c.client.Get(ctx, c.key(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", chatID, err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("cache entry %s is not valid JSON: %w", chatID, err)
	}
	return data, nil
}

func (c *RedisCache) Set(ctx context.Context, chatID string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", chatID, err)
	}
	if err := c.client.Set(ctx, c.key(chatID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", chatID, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, chatID string) error {
	if err := c.client.Del(ctx, c.key(chatID)).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", chatID, err)
	}
	return nil
}

// Keys scans for all cached chat IDs under the prefix.
func (c *RedisCache) Keys(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("cache scan: %w", err)
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, c.prefix))
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

func (c *RedisCache) TTL(ctx context.Context, chatID string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, c.key(chatID)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache ttl %s: %w", chatID, err)
	}
	return ttl, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// InMemoryCache is the fallback when Redis is not configured. Entries expire
// on read after the TTL.
type InMemoryCache struct {
	mu      sync.Mutex
	entries map[string]inMemoryEntry
	ttl     time.Duration
	clock   func() time.Time
}

type inMemoryEntry struct {
	data      map[string]any
	expiresAt time.Time
}

// NewInMemoryCache creates a cache with the given TTL. A zero TTL defaults
// to 24 hours.
func NewInMemoryCache(ttl time.Duration) *InMemoryCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &InMemoryCache{
		entries: make(map[string]inMemoryEntry),
		ttl:     ttl,
		clock:   time.Now,
	}
}

func (c *InMemoryCache) Get(ctx context.Context, chatID string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[chatID]
	if !ok {
		return nil, nil
	}
	if c.clock().After(entry.expiresAt) {
		delete(c.entries, chatID)
		return nil, nil
	}
	return entry.data, nil
}

func (c *InMemoryCache) Set(ctx context.Context, chatID string, data map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[chatID] = inMemoryEntry{data: data, expiresAt: c.clock().Add(c.ttl)}
	return nil
}

func (c *InMemoryCache) Delete(ctx context.Context, chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, chatID)
	return nil
}

func (c *InMemoryCache) Keys(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	ids := make([]string, 0, len(c.entries))
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *InMemoryCache) TTL(ctx context.Context, chatID string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[chatID]
	if !ok {
		return -1, nil
	}
	remaining := entry.expiresAt.Sub(c.clock())
	if remaining < 0 {
		return -1, nil
	}
	return remaining, nil
}

func (c *InMemoryCache) Close() error { return nil }
