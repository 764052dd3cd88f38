package middleware

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimitStore implements rate limiting backed by Redis, using a fixed
// window counter (INCR + EXPIRE). State is shared across server instances.
//
// The store fails open: if Redis is unavailable, requests are allowed and the
// failure is counted so an outage degrades to no rate limiting instead of a
// full API outage.
type RedisRateLimitStore struct {
	client  *redis.Client
	metrics *Metrics
	logger  *slog.Logger
}

// NewRedisRateLimitStore creates a new Redis-backed rate limit store.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{
		client: client,
		logger: slog.Default(),
	}
}

// WithMetrics attaches middleware metrics so fail-open events are counted.
func (s *RedisRateLimitStore) WithMetrics(m *Metrics) *RedisRateLimitStore {
	s.metrics = m
	return s
}

// Allow checks if a request from the given key should be allowed.
// Returns (allowed, remaining requests in window, seconds until reset).
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		s.failOpen(err)
		return true, config.RequestsPerWindow, 0
	}

	// First hit in the window owns the expiry.
	if count == 1 {
		if err := s.client.Expire(ctx, key, config.WindowDuration).Err(); err != nil {
			s.failOpen(err)
			return true, config.RequestsPerWindow - 1, 0
		}
	}

	if count <= int64(config.RequestsPerWindow) {
		return true, config.RequestsPerWindow - int(count), 0
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		// Counter without expiry (e.g. Expire failed earlier); reset it so the
		// key does not block forever.
		s.client.Expire(ctx, key, config.WindowDuration)
		ttl = config.WindowDuration
	}
	retryAfter := int(ttl.Seconds())
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, 0, retryAfter
}

func (s *RedisRateLimitStore) failOpen(err error) {
	s.logger.Warn("redis rate limit unavailable, failing open", slog.String("error", err.Error()))
	if s.metrics != nil {
		s.metrics.IncRateLimitRedisErrors()
	}
}

// redisStoreAdapter adapts RedisRateLimitStore to the RateLimitStore interface.
type redisStoreAdapter struct {
	store *RedisRateLimitStore
}

func (a redisStoreAdapter) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	allowed, _, retryAfter := a.store.Allow(ctx, key, config)
	return allowed, retryAfter
}

// Store returns a RateLimitStore view of the Redis store for use with RateLimiter.
func (s *RedisRateLimitStore) Store() RateLimitStore {
	return redisStoreAdapter{store: s}
}
