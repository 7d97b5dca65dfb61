// Package rescache caches computed indicator results in two tiers: an
// in-process map for the hot path and redis shared across instances.
// Entries outlive their freshness TTL so callers can fall back to a
// stale value when a recompute is slow; staleness is reported, never
// silently served as fresh.
package rescache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cryptopulse/marketpipe/internal/config"
	pkgerrors "github.com/cryptopulse/marketpipe/pkg/errors"
	"github.com/cryptopulse/marketpipe/pkg/metrics"
	"github.com/cryptopulse/marketpipe/pkg/models"
)

// retentionFactor scales the freshness TTL into the physical eviction
// horizon. A value is stale after one TTL but retrievable for ten, which
// is what the facade's stale fallback reads.
const retentionFactor = 10

// Key builds the canonical cache key for one indicator query.
func Key(kind models.IndicatorKind, instrument string, period int, pair string) string {
	key := fmt.Sprintf("indicator:%s:%s:%d", kind, instrument, period)
	if pair != "" {
		key += ":" + pair
	}
	return key
}

// Entry is one cache read: the result plus how old it is.
type Entry struct {
	Result models.IndicatorResult
	Age    time.Duration
	Stale  bool
}

// l2Store is the slice of redis the cache needs; tests stub it.
type l2Store interface {
	get(ctx context.Context, key string) (string, error)
	set(ctx context.Context, key, value string, ttl time.Duration) error
	del(ctx context.Context, key string) error
}

type redisL2 struct {
	rdb redis.UniversalClient
}

func (r redisL2) get(ctx context.Context, key string) (string, error) {
	return r.rdb.Get(ctx, key).Result()
}

func (r redisL2) set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r redisL2) del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

type l1Entry struct {
	result models.IndicatorResult
	ttl    time.Duration
}

// Cache is the tiered result cache. Concurrency is reads under RWMutex
// for L1 plus single-key redis commands; there are no multi-key
// transactions anywhere.
type Cache struct {
	cfg    config.CacheConfig
	logger *zap.Logger
	l2     l2Store

	mu sync.RWMutex
	l1 map[string]l1Entry

	now func() time.Time
}

// New builds the cache. A nil redis client disables the L2 tier, which
// single-instance deployments and tests use.
func New(cfg config.CacheConfig, logger *zap.Logger, rdb redis.UniversalClient) *Cache {
	c := &Cache{
		cfg:    cfg,
		logger: logger.Named("rescache"),
		l1:     make(map[string]l1Entry),
		now:    time.Now,
	}
	if rdb != nil {
		c.l2 = redisL2{rdb: rdb}
	}
	return c
}

// Get returns the cached entry for key. Both a fresh and a stale hit
// return the entry; the Stale flag is the caller's signal. A miss is
// ErrCacheMiss, not a failure.
func (c *Cache) Get(ctx context.Context, key string) (Entry, error) {
	c.mu.RLock()
	cached, ok := c.l1[key]
	c.mu.RUnlock()
	if ok {
		entry := c.entryFrom(cached)
		if c.now().Sub(cached.result.ComputedAt) <= cached.ttl*retentionFactor {
			metrics.CacheHits.WithLabelValues("l1").Inc()
			if entry.Stale {
				metrics.CacheStale.Inc()
			}
			return entry, nil
		}
		// Past retention: treat as gone.
		c.mu.Lock()
		delete(c.l1, key)
		c.mu.Unlock()
	}

	if c.l2 == nil {
		metrics.CacheMisses.Inc()
		return Entry{}, pkgerrors.ErrCacheMiss
	}

	raw, err := c.l2.get(ctx, c.redisKey(key))
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("l2 read failed, serving miss", zap.String("key", key), zap.Error(err))
		}
		metrics.CacheMisses.Inc()
		return Entry{}, pkgerrors.ErrCacheMiss
	}

	var result models.IndicatorResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		c.logger.Warn("l2 entry undecodable, serving miss", zap.String("key", key), zap.Error(err))
		metrics.CacheMisses.Inc()
		return Entry{}, pkgerrors.ErrCacheMiss
	}

	cached = l1Entry{result: result, ttl: c.ttlFor(result.Kind)}
	c.mu.Lock()
	c.l1[key] = cached
	c.mu.Unlock()

	metrics.CacheHits.WithLabelValues("l2").Inc()
	entry := c.entryFrom(cached)
	if entry.Stale {
		metrics.CacheStale.Inc()
	}
	return entry, nil
}

// Put overwrites both tiers unconditionally; last writer wins.
func (c *Cache) Put(ctx context.Context, key string, result models.IndicatorResult) error {
	ttl := c.ttlFor(result.Kind)

	c.mu.Lock()
	if len(c.l1) >= c.cfg.L1MaxItems && c.cfg.L1MaxItems > 0 {
		c.sweepLocked()
	}
	c.l1[key] = l1Entry{result: result, ttl: ttl}
	c.mu.Unlock()

	if c.l2 == nil {
		return nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.l2.set(ctx, c.redisKey(key), string(payload), ttl*retentionFactor); err != nil {
		return fmt.Errorf("write l2 entry: %w", err)
	}
	return nil
}

// Invalidate removes key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.l1, key)
	c.mu.Unlock()

	if c.l2 == nil {
		return nil
	}
	if err := c.l2.del(ctx, c.redisKey(key)); err != nil {
		return fmt.Errorf("delete l2 entry: %w", err)
	}
	return nil
}

// Len reports the L1 entry count, exposed on the health endpoint.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.l1)
}

func (c *Cache) entryFrom(cached l1Entry) Entry {
	age := c.now().Sub(cached.result.ComputedAt)
	if age < 0 {
		age = 0
	}
	return Entry{Result: cached.result, Age: age, Stale: age > cached.ttl}
}

func (c *Cache) ttlFor(kind models.IndicatorKind) time.Duration {
	return c.cfg.TTLFor(string(kind))
}

func (c *Cache) redisKey(key string) string {
	prefix := strings.TrimSuffix(c.cfg.KeyPrefix, ":")
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

// sweepLocked drops entries past retention, then trims arbitrarily if the
// table is still over budget. Held under c.mu.
func (c *Cache) sweepLocked() {
	now := c.now()
	for key, cached := range c.l1 {
		if now.Sub(cached.result.ComputedAt) > cached.ttl*retentionFactor {
			delete(c.l1, key)
		}
	}
	for key := range c.l1 {
		if len(c.l1) < c.cfg.L1MaxItems {
			break
		}
		delete(c.l1, key)
	}
}
