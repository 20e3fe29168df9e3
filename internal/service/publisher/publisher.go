package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/storyforge/eventbackbone/internal/domain/errors"
	"github.com/storyforge/eventbackbone/internal/domain/event"
	"github.com/storyforge/eventbackbone/internal/infrastructure/broker"
	"github.com/storyforge/eventbackbone/internal/infrastructure/cache"
	"github.com/storyforge/eventbackbone/internal/infrastructure/config"
)

// BatchEvent is one entry of a batch publish request.
type BatchEvent struct {
	Type    string
	Source  string
	Data    interface{}
	Options event.Options
}

// HealthStatus is the composite health of the publisher's dependencies.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Broker    bool      `json:"broker"`
	Store     bool      `json:"store"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher builds envelopes, maintains the correlation graph, writes
// ahead to the store and dispatches to the broker.
//
// The in-memory correlation map is strictly a cache: lookups fall back to
// the Redis cache and then the durable store, which is the source of truth
// across restarts.
type Publisher struct {
	logger *zap.Logger
	broker broker.Broker
	store  event.Store             // optional
	cache  *cache.CorrelationCache // optional
	source string
	cfg    config.PublisherConfig

	mu           sync.RWMutex
	correlations map[string]*event.Correlation
	corrLocks    sync.Map // correlation id -> *sync.Mutex

	tracer  trace.Tracer
	metrics *publisherMetrics
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithStore attaches the durable event store; publishes then write ahead
// to it before broker dispatch.
func WithStore(store event.Store) Option {
	return func(p *Publisher) { p.store = store }
}

// WithCorrelationCache attaches the shared correlation cache.
func WithCorrelationCache(c *cache.CorrelationCache) Option {
	return func(p *Publisher) { p.cache = c }
}

// New creates a Publisher producing events from the given source identity.
func New(logger *zap.Logger, b broker.Broker, source string, cfg config.PublisherConfig, opts ...Option) (*Publisher, error) {
	if b == nil {
		return nil, errors.NewValidationError("MISSING_BROKER", "broker is required")
	}
	if source == "" {
		return nil, errors.NewValidationError("MISSING_SOURCE", "producer source identity is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}

	p := &Publisher{
		logger:       logger,
		broker:       b,
		source:       source,
		cfg:          cfg,
		correlations: make(map[string]*event.Correlation),
		tracer:       otel.Tracer("backbone.publisher"),
	}
	for _, opt := range opts {
		opt(p)
	}

	metrics, err := newPublisherMetrics()
	if err != nil {
		return nil, errors.NewInternalError("failed to initialize publisher metrics").WithCause(err)
	}
	p.metrics = metrics

	logger.Info("event publisher initialized",
		zap.String("source", source),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Bool("store_configured", p.store != nil))

	return p, nil
}

// Publish builds, persists, correlates and dispatches one event, returning
// its id. The store write happens before dispatch so the event is durably
// visible before any consumer can observe it.
func (p *Publisher) Publish(ctx context.Context, eventType string, data interface{}, opts event.Options) (string, error) {
	ctx, span := p.tracer.Start(ctx, "Publisher.Publish",
		trace.WithAttributes(attribute.String("event.type", eventType)))
	defer span.End()

	start := time.Now()

	if opts.CorrelationID == "" {
		opts.CorrelationID = uuid.New().String()
	}

	envelope, err := event.New(eventType, p.source, data, opts)
	if err != nil {
		p.metrics.recordFailed(ctx, "build")
		return "", err
	}
	span.SetAttributes(attribute.String("event.id", envelope.ID))

	if p.store != nil {
		if err := p.store.Store(ctx, envelope); err != nil {
			span.RecordError(err)
			p.metrics.recordFailed(ctx, "store")
			return "", err
		}
	}

	if err := p.recordCorrelation(ctx, envelope, opts.ParentEventID); err != nil {
		span.RecordError(err)
		p.metrics.recordFailed(ctx, "correlation")
		return "", err
	}

	result, err := p.broker.PublishEntries(ctx, []broker.Entry{{Envelope: envelope}})
	if err != nil {
		span.RecordError(err)
		p.metrics.recordFailed(ctx, "dispatch")
		return "", err
	}
	if result.FailedCount > 0 {
		err := entryError(result)
		span.RecordError(err)
		p.metrics.recordFailed(ctx, "dispatch")
		return "", err
	}

	p.metrics.recordPublished(ctx, time.Since(start))
	p.logger.Debug("event published",
		zap.String("event_id", envelope.ID),
		zap.String("event_type", eventType),
		zap.String("correlation_id", envelope.CorrelationID))

	return envelope.ID, nil
}

// PublishBatch publishes many events: all envelopes are built up front,
// persisted and correlated concurrently, then dispatched in fixed-size
// chunks. Not atomic across chunks: a chunk failure aborts the call but
// earlier chunks are not undone.
func (p *Publisher) PublishBatch(ctx context.Context, events []BatchEvent) ([]string, error) {
	if len(events) == 0 {
		return []string{}, nil
	}

	ctx, span := p.tracer.Start(ctx, "Publisher.PublishBatch",
		trace.WithAttributes(attribute.Int("batch.size", len(events))))
	defer span.End()

	envelopes := make([]*event.Event, len(events))
	parents := make([]string, len(events))
	ids := make([]string, len(events))
	for i, be := range events {
		opts := be.Options
		if opts.CorrelationID == "" {
			opts.CorrelationID = uuid.New().String()
		}
		source := be.Source
		if source == "" {
			source = p.source
		}
		envelope, err := event.New(be.Type, source, be.Data, opts)
		if err != nil {
			return nil, err
		}
		envelopes[i] = envelope
		parents[i] = opts.ParentEventID
		ids[i] = envelope.ID
	}

	// Persist and correlate all entries; order across entries is not
	// significant so they run concurrently.
	var wg sync.WaitGroup
	errs := make([]error, len(envelopes))
	for i := range envelopes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if p.store != nil {
				if err := p.store.Store(ctx, envelopes[i]); err != nil {
					errs[i] = err
					return
				}
			}
			errs[i] = p.recordCorrelation(ctx, envelopes[i], parents[i])
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	// Dispatch in chunks to respect broker batch limits
	failedTotal := 0
	for chunkStart := 0; chunkStart < len(envelopes); chunkStart += p.cfg.BatchSize {
		end := chunkStart + p.cfg.BatchSize
		if end > len(envelopes) {
			end = len(envelopes)
		}
		entries := make([]broker.Entry, 0, end-chunkStart)
		for _, envelope := range envelopes[chunkStart:end] {
			entries = append(entries, broker.Entry{Envelope: envelope})
		}

		result, err := p.broker.PublishEntries(ctx, entries)
		if err != nil {
			span.RecordError(err)
			p.metrics.recordFailed(ctx, "dispatch")
			return nil, errors.Wrap(err, "batch dispatch aborted")
		}
		failedTotal += result.FailedCount
	}

	p.metrics.recordBatch(ctx, len(envelopes))

	if failedTotal > 0 {
		err := errors.NewPartialBatchError(failedTotal, len(envelopes))
		span.RecordError(err)
		return ids, err
	}
	return ids, nil
}

// PublishCorrelated publishes an event joined to the workflow that owns
// parentEventID. The join is best-effort: only correlations still resident
// in memory are scanned, so an evicted parent yields a fresh, disconnected
// correlation.
func (p *Publisher) PublishCorrelated(ctx context.Context, eventType string, data interface{}, parentEventID string, opts event.Options) (string, error) {
	if parentEventID == "" {
		return "", errors.NewValidationError("MISSING_PARENT", "parent event id is required")
	}

	p.mu.RLock()
	for _, c := range p.correlations {
		if c.Owns(parentEventID) {
			opts.CorrelationID = c.CorrelationID
			break
		}
	}
	p.mu.RUnlock()

	opts.ParentEventID = parentEventID
	return p.Publish(ctx, eventType, data, opts)
}

// CreateCorrelation explicitly starts a workflow rooted at rootEventID.
func (p *Publisher) CreateCorrelation(ctx context.Context, rootEventID, description string) (*event.Correlation, error) {
	correlation, err := event.NewCorrelation(uuid.New().String(), rootEventID)
	if err != nil {
		return nil, err
	}
	correlation.Description = description

	if err := p.persistCorrelation(ctx, correlation); err != nil {
		return nil, err
	}
	return correlation.Clone(), nil
}

// GetCorrelation reads a workflow: memory first, then the Redis cache,
// then the durable store.
func (p *Publisher) GetCorrelation(ctx context.Context, correlationID string) (*event.Correlation, error) {
	p.mu.RLock()
	if c, ok := p.correlations[correlationID]; ok {
		clone := c.Clone()
		p.mu.RUnlock()
		return clone, nil
	}
	p.mu.RUnlock()

	if p.cache != nil {
		if c, _ := p.cache.Get(ctx, correlationID); c != nil {
			return c, nil
		}
	}

	if p.store != nil {
		return p.store.GetCorrelation(ctx, correlationID)
	}
	return nil, errors.NewNotFoundError("correlation " + correlationID)
}

// HealthCheck verifies broker reachability with a zero-entry publish probe
// and, when a store is configured, a bounded read query.
func (p *Publisher) HealthCheck(ctx context.Context) *HealthStatus {
	status := &HealthStatus{Store: true, Timestamp: time.Now().UTC()}

	if _, err := p.broker.PublishEntries(ctx, nil); err == nil {
		status.Broker = true
	} else {
		p.logger.Warn("broker health probe failed", zap.Error(err))
	}

	if p.store != nil {
		if _, err := p.store.Query(ctx, event.QueryCriteria{Limit: 1}); err != nil {
			status.Store = false
			p.logger.Warn("store health probe failed", zap.Error(err))
		}
	}

	status.Healthy = status.Broker && status.Store
	return status
}

// GetMetrics returns a snapshot of publisher counters.
func (p *Publisher) GetMetrics() map[string]interface{} {
	p.mu.RLock()
	correlationCount := len(p.correlations)
	p.mu.RUnlock()

	snapshot := p.metrics.snapshot()
	snapshot["resident_correlations"] = correlationCount
	return snapshot
}

// recordCorrelation updates the workflow for the event before dispatch, so
// a caller holding the returned event id can immediately query its
// correlation. The lookup-append-persist sequence is serialized per
// correlation id: concurrent publishes sharing a workflow must each land
// in relatedEvents, not overwrite one another's append.
func (p *Publisher) recordCorrelation(ctx context.Context, envelope *event.Event, parentEventID string) error {
	lock := p.correlationLock(envelope.CorrelationID)
	lock.Lock()
	defer lock.Unlock()

	correlation, err := p.lookupCorrelation(ctx, envelope.CorrelationID)
	if err != nil {
		return err
	}

	if correlation == nil {
		correlation, err = event.NewCorrelation(envelope.CorrelationID, envelope.ID)
		if err != nil {
			return err
		}
	} else {
		correlation.Append(envelope.ID)
	}
	if parentEventID != "" {
		correlation.ParentEventID = parentEventID
	}

	return p.persistCorrelation(ctx, correlation)
}

// correlationLock returns the mutex serializing updates to one workflow.
func (p *Publisher) correlationLock(correlationID string) *sync.Mutex {
	lock, _ := p.corrLocks.LoadOrStore(correlationID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// lookupCorrelation checks memory, cache, then store. Returns nil without
// error when the correlation does not exist anywhere.
func (p *Publisher) lookupCorrelation(ctx context.Context, correlationID string) (*event.Correlation, error) {
	p.mu.RLock()
	if c, ok := p.correlations[correlationID]; ok {
		clone := c.Clone()
		p.mu.RUnlock()
		return clone, nil
	}
	p.mu.RUnlock()

	if p.cache != nil {
		if c, _ := p.cache.Get(ctx, correlationID); c != nil {
			return c, nil
		}
	}

	if p.store != nil {
		c, err := p.store.GetCorrelation(ctx, correlationID)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return c, nil
	}
	return nil, nil
}

func (p *Publisher) persistCorrelation(ctx context.Context, correlation *event.Correlation) error {
	p.mu.Lock()
	p.correlations[correlation.CorrelationID] = correlation.Clone()
	p.mu.Unlock()

	if p.cache != nil {
		p.cache.Put(ctx, correlation)
	}
	if p.store != nil {
		if err := p.store.UpdateCorrelation(ctx, correlation); err != nil {
			return err
		}
	}
	return nil
}

func entryError(result *broker.PublishResult) error {
	for _, entry := range result.Entries {
		if entry.Err != nil {
			return entry.Err
		}
	}
	return errors.NewPartialBatchError(result.FailedCount, len(result.Entries))
}
