package publisher

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// publisherMetrics tracks publish outcomes through the otel metric API and
// keeps plain counters for the GetMetrics snapshot.
type publisherMetrics struct {
	eventsPublished metric.Int64Counter
	eventsFailed    metric.Int64Counter
	publishLatency  metric.Float64Histogram
	batchSize       metric.Int64Histogram

	mu             sync.RWMutex
	totalPublished int64
	totalFailed    int64
	totalBatches   int64
}

func newPublisherMetrics() (*publisherMetrics, error) {
	meter := otel.Meter("backbone.publisher")

	eventsPublished, err := meter.Int64Counter("backbone.events.published",
		metric.WithDescription("Total number of events published"))
	if err != nil {
		return nil, err
	}
	eventsFailed, err := meter.Int64Counter("backbone.events.failed",
		metric.WithDescription("Total number of events that failed to publish"))
	if err != nil {
		return nil, err
	}
	publishLatency, err := meter.Float64Histogram("backbone.publish.latency",
		metric.WithDescription("Latency of publishing events"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	batchSize, err := meter.Int64Histogram("backbone.publish.batch_size",
		metric.WithDescription("Size of published batches"))
	if err != nil {
		return nil, err
	}

	return &publisherMetrics{
		eventsPublished: eventsPublished,
		eventsFailed:    eventsFailed,
		publishLatency:  publishLatency,
		batchSize:       batchSize,
	}, nil
}

func (m *publisherMetrics) recordPublished(ctx context.Context, latency time.Duration) {
	m.eventsPublished.Add(ctx, 1)
	m.publishLatency.Record(ctx, float64(latency.Milliseconds()))

	m.mu.Lock()
	m.totalPublished++
	m.mu.Unlock()
}

func (m *publisherMetrics) recordFailed(ctx context.Context, stage string) {
	m.eventsFailed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)))

	m.mu.Lock()
	m.totalFailed++
	m.mu.Unlock()
}

func (m *publisherMetrics) recordBatch(ctx context.Context, size int) {
	m.batchSize.Record(ctx, int64(size))

	m.mu.Lock()
	m.totalBatches++
	m.totalPublished += int64(size)
	m.mu.Unlock()
}

func (m *publisherMetrics) snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"events_published": m.totalPublished,
		"events_failed":    m.totalFailed,
		"batches":          m.totalBatches,
	}
}
