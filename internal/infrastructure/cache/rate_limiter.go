package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ActionRateLimiter bounds how many autonomous actions may be taken inside
// a rolling window.
type ActionRateLimiter interface {
	// Allow records an action attempt and reports whether it stays under
	// the limit. Denied attempts are not recorded.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	// Count returns the number of actions currently inside the window.
	Count(ctx context.Context, key string, window time.Duration) (int, error)
}

// redisRateLimiter implements ActionRateLimiter with Redis sorted sets for
// sliding-window counting, so the limit holds across process restarts.
type redisRateLimiter struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisRateLimiter creates a Redis-backed sliding-window rate limiter.
func NewRedisRateLimiter(client *redis.Client, logger *zap.Logger) ActionRateLimiter {
	return &redisRateLimiter{client: client, logger: logger}
}

func (r *redisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-window)
	rateLimitKey := RateLimitPrefix + key

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, rateLimitKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, rateLimitKey)

	member := fmt.Sprintf("%d-%d", now.UnixNano(), now.Nanosecond()%1000)
	pipe.ZAdd(ctx, rateLimitKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	})
	pipe.Expire(ctx, rateLimitKey, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("rate limiter pipeline failed",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Error(err))
		return false, fmt.Errorf("rate limiter pipeline failed: %w", err)
	}

	// Count excludes the member just added
	if countCmd.Val() >= int64(limit) {
		r.client.ZRem(ctx, rateLimitKey, member)
		r.logger.Debug("action rate limit exceeded",
			zap.String("key", key),
			zap.Int64("current", countCmd.Val()),
			zap.Int("limit", limit),
			zap.Duration("window", window))
		return false, nil
	}

	return true, nil
}

func (r *redisRateLimiter) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	windowStart := time.Now().Add(-window)
	rateLimitKey := RateLimitPrefix + key

	if err := r.client.ZRemRangeByScore(ctx, rateLimitKey, "-inf",
		strconv.FormatInt(windowStart.UnixNano(), 10)).Err(); err != nil {
		return 0, fmt.Errorf("rate limiter cleanup failed: %w", err)
	}

	count, err := r.client.ZCard(ctx, rateLimitKey).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limiter count failed: %w", err)
	}
	return int(count), nil
}

// localRateLimiter is the in-process fallback used when Redis is not
// configured. Same sliding-window semantics, no cross-restart durability.
type localRateLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewLocalRateLimiter creates an in-process sliding-window rate limiter.
func NewLocalRateLimiter() ActionRateLimiter {
	return &localRateLimiter{entries: make(map[string][]time.Time)}
}

func (l *localRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.prune(key, window)
	if len(kept) >= limit {
		return false, nil
	}
	l.entries[key] = append(kept, time.Now())
	return true, nil
}

func (l *localRateLimiter) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.prune(key, window)
	l.entries[key] = kept
	return len(kept), nil
}

func (l *localRateLimiter) prune(key string, window time.Duration) []time.Time {
	cutoff := time.Now().Add(-window)
	var kept []time.Time
	for _, t := range l.entries[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
