package threat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"warden/core"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the shared enrichment cache connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// KeyPrefix namespaces keys; defaults to "warden:intel"
	KeyPrefix string
}

// RedisCache persists enrichment results so every instance shares lookups.
// Keys are "<prefix>:<kind>:<value>" and carry a Redis expiry matching the entry TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger
}

type redisEntry struct {
	Enrichment core.Enrichment `json:"enrichment"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// NewRedisCache creates a Redis-backed shared cache
func NewRedisCache(opts RedisOptions, logger *zap.SugaredLogger) *RedisCache {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "warden:intel"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	return &RedisCache{client: client, prefix: opts.KeyPrefix, logger: logger}
}

func (rc *RedisCache) key(ind core.Indicator) string {
	return fmt.Sprintf("%s:%s:%s", rc.prefix, ind.Kind, ind.Value)
}

// Ping tests the Redis connection
func (rc *RedisCache) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// Get returns the cached enrichment and its expiry
func (rc *RedisCache) Get(ctx context.Context, ind core.Indicator) (core.Enrichment, time.Time, bool, error) {
	data, err := rc.client.Get(ctx, rc.key(ind)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Enrichment{}, time.Time{}, false, nil
	}
	if err != nil {
		return core.Enrichment{}, time.Time{}, false, err
	}

	var entry redisEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		rc.logger.Warnw("Discarding corrupt cache entry", "key", rc.key(ind), "error", err)
		return core.Enrichment{}, time.Time{}, false, nil
	}
	return entry.Enrichment, entry.ExpiresAt, true, nil
}

// Set stores an enrichment with the given TTL
func (rc *RedisCache) Set(ctx context.Context, e core.Enrichment, ttl time.Duration) error {
	data, err := json.Marshal(redisEntry{Enrichment: e, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	return rc.client.Set(ctx, rc.key(e.Indicator), data, ttl).Err()
}
