package threat

import (
	"context"
	"errors"
	"time"

	"warden/core"
	"warden/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// CacheConfig bounds the enrichment cache
type CacheConfig struct {
	// Size is the maximum number of indicators held in memory
	Size int
	// PositiveTTL applies to found results
	PositiveTTL time.Duration
	// NegativeTTL applies to not_found results; shorter so misses self-heal
	NegativeTTL time.Duration
}

// DefaultCacheConfig returns the defaults used when nothing is configured
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Size:        50000,
		PositiveTTL: time.Hour,
		NegativeTTL: 10 * time.Minute,
	}
}

// SharedCache is an optional second tier shared between Warden instances
type SharedCache interface {
	Get(ctx context.Context, ind core.Indicator) (core.Enrichment, time.Time, bool, error)
	Set(ctx context.Context, e core.Enrichment, ttl time.Duration) error
}

type cacheEntry struct {
	enrichment core.Enrichment
	expiresAt  time.Time
}

// IndicatorCache is a bounded, TTL-aware enrichment cache keyed by (kind, value).
// Lookup failures are never stored.
type IndicatorCache struct {
	entries *lru.Cache[string, cacheEntry]
	config  CacheConfig
	shared  SharedCache
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewIndicatorCache creates a cache; shared may be nil
func NewIndicatorCache(config CacheConfig, shared SharedCache, logger *zap.SugaredLogger) (*IndicatorCache, error) {
	if config.Size <= 0 {
		return nil, errors.New("cache size must be greater than 0")
	}
	if config.PositiveTTL <= 0 || config.NegativeTTL <= 0 {
		return nil, errors.New("cache TTLs must be greater than 0")
	}
	if config.NegativeTTL >= config.PositiveTTL {
		return nil, errors.New("negative TTL must be shorter than positive TTL")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	entries, err := lru.NewWithEvict(config.Size, func(string, cacheEntry) {
		metrics.EnrichmentCacheEvents.WithLabelValues("memory", "evicted").Inc()
	})
	if err != nil {
		return nil, err
	}

	return &IndicatorCache{
		entries: entries,
		config:  config,
		shared:  shared,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Get returns a live cached result, consulting the shared tier on a memory miss
func (c *IndicatorCache) Get(ctx context.Context, ind core.Indicator) (core.Enrichment, bool) {
	key := ind.Key()
	if entry, ok := c.entries.Get(key); ok {
		if c.now().Before(entry.expiresAt) {
			metrics.EnrichmentCacheEvents.WithLabelValues("memory", "hit").Inc()
			return entry.enrichment.Clone(), true
		}
		c.entries.Remove(key)
	}
	metrics.EnrichmentCacheEvents.WithLabelValues("memory", "miss").Inc()

	if c.shared == nil {
		return core.Enrichment{}, false
	}
	e, expiresAt, ok, err := c.shared.Get(ctx, ind)
	if err != nil {
		c.logger.Warnw("Shared enrichment cache read failed", "indicator", key, "error", err)
		return core.Enrichment{}, false
	}
	if !ok || !c.now().Before(expiresAt) {
		metrics.EnrichmentCacheEvents.WithLabelValues("shared", "miss").Inc()
		return core.Enrichment{}, false
	}
	metrics.EnrichmentCacheEvents.WithLabelValues("shared", "hit").Inc()
	c.entries.Add(key, cacheEntry{enrichment: e, expiresAt: expiresAt})
	return e.Clone(), true
}

// Put stores a result with the TTL for its status. Unavailable results are ignored.
func (c *IndicatorCache) Put(ctx context.Context, e core.Enrichment) {
	ttl, ok := c.ttlFor(e.Status)
	if !ok {
		return
	}
	c.entries.Add(e.Indicator.Key(), cacheEntry{enrichment: e.Clone(), expiresAt: c.now().Add(ttl)})

	if c.shared != nil {
		if err := c.shared.Set(ctx, e, ttl); err != nil {
			c.logger.Warnw("Shared enrichment cache write failed", "indicator", e.Indicator.Key(), "error", err)
		}
	}
}

func (c *IndicatorCache) ttlFor(status core.EnrichmentStatus) (time.Duration, bool) {
	switch status {
	case core.EnrichmentFound:
		return c.config.PositiveTTL, true
	case core.EnrichmentNotFound:
		return c.config.NegativeTTL, true
	}
	return 0, false
}

// Invalidate drops an indicator from the memory tier
func (c *IndicatorCache) Invalidate(ind core.Indicator) {
	c.entries.Remove(ind.Key())
}

// Len returns the number of entries in the memory tier, including expired ones not yet touched
func (c *IndicatorCache) Len() int {
	return c.entries.Len()
}
