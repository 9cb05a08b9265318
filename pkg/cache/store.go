// Package cache provides the Redis-backed record cache consulted before
// any remote Discogs call.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/crateful/discogs-batch-client/pkg/record"
)

var (
	// ErrCacheMiss indicates the release is not cached or its entry expired.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is corrupted.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Prometheus metrics for cache operations.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "record_cache_hits_total",
		Help: "Total record cache hits",
	})

	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "record_cache_misses_total",
		Help: "Total record cache misses",
	})

	cacheErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "record_cache_errors_total",
		Help: "Total cache operation errors by operation",
	}, []string{"operation"})
)

// Entry wraps a cached record with its fetch timestamp, used for the
// freshness check on read.
type Entry struct {
	Record    *record.Record `json:"record"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// Config holds cache configuration.
type Config struct {
	// TTL is how long a cached record stays fresh. Entries older than TTL
	// are treated as absent (and deleted on read). Zero disables expiry.
	TTL time.Duration

	// KeyPrefix namespaces cache keys in Redis.
	KeyPrefix string
}

// DefaultConfig caches records for 30 days, matching how rarely release
// metadata changes.
func DefaultConfig() Config {
	return Config{
		TTL:       30 * 24 * time.Hour,
		KeyPrefix: "discogs:release:",
	}
}

// Store is the Redis-backed CacheGateway implementation.
type Store struct {
	redis  *redis.Client
	config Config
}

// NewStore creates a record cache over the given Redis client.
func NewStore(redisClient *redis.Client, cfg Config) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultConfig().KeyPrefix
	}
	return &Store{
		redis:  redisClient,
		config: cfg,
	}
}

func (s *Store) key(releaseID int64) string {
	return fmt.Sprintf("%s%d", s.config.KeyPrefix, releaseID)
}

// Get retrieves a cached record. Returns ErrCacheMiss when the release is
// absent or its entry has gone stale.
func (s *Store) Get(ctx context.Context, releaseID int64) (*record.Record, error) {
	data, err := s.redis.Get(ctx, s.key(releaseID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			cacheMissesTotal.Inc()
			return nil, ErrCacheMiss
		}
		cacheErrorsTotal.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		cacheErrorsTotal.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	if s.expired(entry) || entry.Record == nil {
		_ = s.Delete(ctx, releaseID)
		cacheMissesTotal.Inc()
		return nil, ErrCacheMiss
	}

	cacheHitsTotal.Inc()
	return entry.Record, nil
}

// Put stores a record with the configured TTL.
func (s *Store) Put(ctx context.Context, releaseID int64, rec *record.Record) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}

	data, err := json.Marshal(Entry{
		Record:    rec,
		FetchedAt: time.Now(),
	})
	if err != nil {
		cacheErrorsTotal.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := s.redis.Set(ctx, s.key(releaseID), data, s.config.TTL).Err(); err != nil {
		cacheErrorsTotal.WithLabelValues("put").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes a cached record.
func (s *Store) Delete(ctx context.Context, releaseID int64) error {
	if err := s.redis.Del(ctx, s.key(releaseID)).Err(); err != nil {
		cacheErrorsTotal.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Count returns the number of cached records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64

	iter := s.redis.Scan(ctx, 0, s.config.KeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		cacheErrorsTotal.WithLabelValues("count").Inc()
		return 0, fmt.Errorf("redis scan: %w", err)
	}

	return count, nil
}

// Purge deletes all cached records and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	var deleted int64

	iter := s.redis.Scan(ctx, 0, s.config.KeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.redis.Del(ctx, iter.Val()).Err(); err != nil {
			cacheErrorsTotal.WithLabelValues("purge").Inc()
			return deleted, fmt.Errorf("redis del: %w", err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		cacheErrorsTotal.WithLabelValues("purge").Inc()
		return deleted, fmt.Errorf("redis scan: %w", err)
	}

	return deleted, nil
}

// expired reports whether the entry is older than the configured TTL.
// Redis expiry normally handles this; the read-side check covers entries
// written under a longer TTL.
func (s *Store) expired(entry Entry) bool {
	if s.config.TTL <= 0 {
		return false
	}
	return time.Since(entry.FetchedAt) > s.config.TTL
}
