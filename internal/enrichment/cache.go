package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores located IPs. Implementations return whatever they hold; the
// service decides freshness from Location.CachedAt. Writers to the same IP
// resolve last-write-wins.
type Cache interface {
	Get(ctx context.Context, ip string) (Location, bool)
	Set(ctx context.Context, loc Location)
}

// expirer is implemented by caches that hold entries past their TTL.
type expirer interface {
	PurgeExpired(now time.Time) int
}

// MemoryCache is a bounded in-process LRU.
type MemoryCache struct {
	entries *lru.Cache[string, Location]
	ttl     time.Duration
}

// NewMemoryCache creates an LRU holding up to size entries.
func NewMemoryCache(size int, ttl time.Duration) (*MemoryCache, error) {
	entries, err := lru.New[string, Location](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{entries: entries, ttl: ttl}, nil
}

// Get returns the cached location for ip.
func (c *MemoryCache) Get(_ context.Context, ip string) (Location, bool) {
	return c.entries.Get(ip)
}

// Set stores loc under its IP.
func (c *MemoryCache) Set(_ context.Context, loc Location) {
	c.entries.Add(loc.IP, loc)
}

// Len returns the number of cached entries.
func (c *MemoryCache) Len() int {
	return c.entries.Len()
}

// PurgeExpired drops entries cached more than ttl before now.
func (c *MemoryCache) PurgeExpired(now time.Time) int {
	removed := 0
	for _, ip := range c.entries.Keys() {
		loc, ok := c.entries.Peek(ip)
		if ok && now.Sub(loc.CachedAt) >= c.ttl {
			c.entries.Remove(ip)
			removed++
		}
	}
	return removed
}

const redisKeyPrefix = "threatlens:geo:"

// RedisCache shares located IPs between replicas. Redis errors degrade to
// cache misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache creates a cache whose keys expire after ttl.
func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

// Get reads ip from Redis.
func (c *RedisCache) Get(ctx context.Context, ip string) (Location, bool) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+ip).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Geo cache read failed", zap.String("ip", ip), zap.Error(err))
		}
		return Location{}, false
	}
	var loc Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		c.logger.Warn("Discarding corrupt geo cache entry", zap.String("ip", ip), zap.Error(err))
		return Location{}, false
	}
	return loc, true
}

// Set writes loc with the remaining part of its TTL.
func (c *RedisCache) Set(ctx context.Context, loc Location) {
	ttl := c.ttl
	if !loc.CachedAt.IsZero() {
		ttl -= time.Since(loc.CachedAt)
	}
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(loc)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+loc.IP, raw, ttl).Err(); err != nil {
		c.logger.Warn("Geo cache write failed", zap.String("ip", loc.IP), zap.Error(err))
	}
}

// TieredCache reads through a local LRU to a shared cache and backfills the
// LRU on shared hits.
type TieredCache struct {
	local  *MemoryCache
	shared Cache
}

// NewTieredCache layers local over shared.
func NewTieredCache(local *MemoryCache, shared Cache) *TieredCache {
	return &TieredCache{local: local, shared: shared}
}

// Get checks the local tier, then the shared one. A stale local entry falls
// through since another replica may have refreshed it.
func (c *TieredCache) Get(ctx context.Context, ip string) (Location, bool) {
	if loc, ok := c.local.Get(ctx, ip); ok && time.Since(loc.CachedAt) < c.local.ttl {
		return loc, true
	}
	loc, ok := c.shared.Get(ctx, ip)
	if ok {
		c.local.Set(ctx, loc)
	}
	return loc, ok
}

// Set writes both tiers.
func (c *TieredCache) Set(ctx context.Context, loc Location) {
	c.local.Set(ctx, loc)
	c.shared.Set(ctx, loc)
}

// PurgeExpired purges the local tier. The shared tier expires keys itself.
func (c *TieredCache) PurgeExpired(now time.Time) int {
	return c.local.PurgeExpired(now)
}
