package subscriber

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// traceWindowSize caps the per-subscription rolling trace window so memory
// stays bounded regardless of throughput.
const traceWindowSize = 1000

// ProcessingTrace records per-step timings and the outcome for one
// delivered message.
type ProcessingTrace struct {
	MessageID    string        `json:"message_id"`
	StartedAt    time.Time     `json:"started_at"`
	ParseTime    time.Duration `json:"parse_time"`
	ValidateTime time.Duration `json:"validate_time"`
	HandleTime   time.Duration `json:"handle_time"`
	Error        string        `json:"error,omitempty"`
}

// AggregateMetrics summarizes a subscription's rolling trace window.
type AggregateMetrics struct {
	EventsProcessed   int64         `json:"events_processed"`
	Errors            int64         `json:"errors"`
	ErrorRate         float64       `json:"error_rate"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	WindowSize        int           `json:"window_size"`
}

// subscriptionTelemetry holds the capped rolling window of processing
// traces plus lifetime counters for one subscription.
type subscriptionTelemetry struct {
	mu     sync.Mutex
	window []ProcessingTrace
	max    int

	totalProcessed int64
	totalErrors    int64
	totalDuration  time.Duration
}

func newSubscriptionTelemetry(max int) *subscriptionTelemetry {
	return &subscriptionTelemetry{max: max}
}

func (t *subscriptionTelemetry) record(pt ProcessingTrace) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.window = append(t.window, pt)
	if len(t.window) > t.max {
		t.window = t.window[len(t.window)-t.max:]
	}

	t.totalProcessed++
	t.totalDuration += pt.ParseTime + pt.ValidateTime + pt.HandleTime
	if pt.Error != "" {
		t.totalErrors++
	}
}

func (t *subscriptionTelemetry) aggregate() AggregateMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()

	agg := AggregateMetrics{
		EventsProcessed: t.totalProcessed,
		Errors:          t.totalErrors,
		WindowSize:      len(t.window),
	}
	if t.totalProcessed > 0 {
		agg.ErrorRate = float64(t.totalErrors) / float64(t.totalProcessed)
		agg.AvgProcessingTime = t.totalDuration / time.Duration(t.totalProcessed)
	}
	return agg
}

// recent returns a copy of the most recent traces, newest last.
func (t *subscriptionTelemetry) recent(n int) []ProcessingTrace {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 || n > len(t.window) {
		n = len(t.window)
	}
	out := make([]ProcessingTrace, n)
	copy(out, t.window[len(t.window)-n:])
	return out
}

// subscriberMetrics is the otel instrumentation shared by all polling loops.
type subscriberMetrics struct {
	eventsProcessed metric.Int64Counter
	eventsDropped   metric.Int64Counter
	handlerFailures metric.Int64Counter
	processingTime  metric.Float64Histogram
	activePollers   metric.Int64UpDownCounter
}

func newSubscriberMetrics() (*subscriberMetrics, error) {
	meter := otel.Meter("backbone.subscriber")

	eventsProcessed, err := meter.Int64Counter("backbone.subscriber.events.processed",
		metric.WithDescription("Total events successfully handled"))
	if err != nil {
		return nil, err
	}
	eventsDropped, err := meter.Int64Counter("backbone.subscriber.events.dropped",
		metric.WithDescription("Total deliveries dropped before the handler"))
	if err != nil {
		return nil, err
	}
	handlerFailures, err := meter.Int64Counter("backbone.subscriber.handler.failures",
		metric.WithDescription("Total handler invocations that returned an error"))
	if err != nil {
		return nil, err
	}
	processingTime, err := meter.Float64Histogram("backbone.subscriber.processing.time",
		metric.WithDescription("End to end message processing time"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	activePollers, err := meter.Int64UpDownCounter("backbone.subscriber.pollers.active",
		metric.WithDescription("Number of running polling loops"))
	if err != nil {
		return nil, err
	}

	return &subscriberMetrics{
		eventsProcessed: eventsProcessed,
		eventsDropped:   eventsDropped,
		handlerFailures: handlerFailures,
		processingTime:  processingTime,
		activePollers:   activePollers,
	}, nil
}

func (m *subscriberMetrics) recordProcessed(ctx context.Context, took time.Duration) {
	m.eventsProcessed.Add(ctx, 1)
	m.processingTime.Record(ctx, float64(took.Milliseconds()))
}

func (m *subscriberMetrics) recordDropped(ctx context.Context, reason string) {
	m.eventsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *subscriberMetrics) recordHandlerFailure(ctx context.Context) {
	m.handlerFailures.Add(ctx, 1)
}

func (m *subscriberMetrics) pollerStarted(ctx context.Context) {
	m.activePollers.Add(ctx, 1)
}

func (m *subscriberMetrics) pollerStopped(ctx context.Context) {
	m.activePollers.Add(ctx, -1)
}
