package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/storyforge/eventbackbone/internal/domain/event"
)

// CorrelationCache is a read-through cache for correlation lookups sitting
// between the publisher's process-local map and the durable store.
type CorrelationCache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewCorrelationCache creates a correlation cache with the given TTL.
func NewCorrelationCache(client *redis.Client, logger *zap.Logger, ttl time.Duration) *CorrelationCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CorrelationCache{client: client, logger: logger, ttl: ttl}
}

// Get returns the cached correlation, or (nil, nil) on a miss. Cache
// failures degrade to a miss; the store remains the source of truth.
func (c *CorrelationCache) Get(ctx context.Context, correlationID string) (*event.Correlation, error) {
	raw, err := c.client.Get(ctx, CorrelationPrefix+correlationID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		c.logger.Warn("correlation cache read failed",
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		return nil, nil
	}

	var correlation event.Correlation
	if err := json.Unmarshal(raw, &correlation); err != nil {
		// Corrupt entry: drop it and treat as a miss
		c.client.Del(ctx, CorrelationPrefix+correlationID)
		return nil, nil
	}
	return &correlation, nil
}

// Put writes the correlation through to the cache. Failures are logged,
// never surfaced: the cache is advisory.
func (c *CorrelationCache) Put(ctx context.Context, correlation *event.Correlation) {
	raw, err := json.Marshal(correlation)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, CorrelationPrefix+correlation.CorrelationID, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("correlation cache write failed",
			zap.String("correlation_id", correlation.CorrelationID),
			zap.Error(err))
	}
}

// Invalidate removes a cached correlation.
func (c *CorrelationCache) Invalidate(ctx context.Context, correlationID string) {
	c.client.Del(ctx, CorrelationPrefix+correlationID)
}
