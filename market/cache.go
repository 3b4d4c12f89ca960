package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"gridtrader/logger"
)

// Cache stores JSON-encodable values with a TTL
type Cache interface {
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// ==================== Memory ====================

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// memoryPruneInterval how often Set sweeps expired entries. History keys
// carry their date range and are never read again once the day rolls over.
const memoryPruneInterval = 5 * time.Minute

// MemoryCache process-local cache used when no Redis is configured
type MemoryCache struct {
	mu        sync.RWMutex
	entries   map[string]memoryEntry
	now       func() time.Time
	lastPrune time.Time
}

// NewMemoryCache creates an empty cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string, dst interface{}) (bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return false, nil
	}
	if err := json.Unmarshal(entry.data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastPrune) >= memoryPruneInterval {
		c.pruneLocked(now)
	}
	c.entries[key] = memoryEntry{data: data, expiresAt: now.Add(ttl)}
	return nil
}

// Len number of stored entries, expired ones included until the next sweep
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) pruneLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	c.lastPrune = now
}

// ==================== Redis ====================

// RedisCache shares the quote cache between API and worker processes
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache parses a redis:// URL and checks the connection
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisCache{client: client, prefix: "gridtrader:market:"}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, data, ttl).Err()
}

// Close releases the connection pool
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// ==================== Cached provider ====================

// CachedProvider serves repeated quote and history lookups from a cache.
// Cache failures are logged and fall through to the provider.
type CachedProvider struct {
	next       Provider
	cache      Cache
	quoteTTL   time.Duration
	historyTTL time.Duration
}

// NewCachedProvider wraps next; history is kept for an hour
func NewCachedProvider(next Provider, cache Cache, quoteTTL time.Duration) *CachedProvider {
	return &CachedProvider{next: next, cache: cache, quoteTTL: quoteTTL, historyTTL: time.Hour}
}

func (c *CachedProvider) Name() string { return c.next.Name() }

func (c *CachedProvider) Quote(ctx context.Context, symbol string) (*Quote, error) {
	key := "quote:" + NormalizeSymbol(symbol)
	var cached Quote
	if ok, err := c.cache.Get(ctx, key, &cached); err != nil {
		logger.Warnf("quote cache read failed for %s: %v", symbol, err)
	} else if ok {
		return &cached, nil
	}

	q, err := c.next.Quote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, q, c.quoteTTL); err != nil {
		logger.Warnf("quote cache write failed for %s: %v", symbol, err)
	}
	return q, nil
}

func (c *CachedProvider) History(ctx context.Context, symbol string, start, end time.Time) ([]Candle, error) {
	key := fmt.Sprintf("history:%s:%s:%s", NormalizeSymbol(symbol), start.Format("2006-01-02"), end.Format("2006-01-02"))
	var cached []Candle
	if ok, err := c.cache.Get(ctx, key, &cached); err != nil {
		logger.Warnf("history cache read failed for %s: %v", symbol, err)
	} else if ok {
		return cached, nil
	}

	candles, err := c.next.History(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, candles, c.historyTTL); err != nil {
		logger.Warnf("history cache write failed for %s: %v", symbol, err)
	}
	return candles, nil
}
