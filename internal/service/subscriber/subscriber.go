package subscriber

import (
	"context"
	"strconv"
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
	"github.com/storyforge/eventbackbone/internal/infrastructure/config"
)

// Handler consumes delivered events.
type Handler interface {
	Handle(ctx context.Context, e *event.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, e *event.Event) error

func (f HandlerFunc) Handle(ctx context.Context, e *event.Event) error { return f(ctx, e) }

// RetryPolicy bounds redelivery when AckOnFailure is disabled.
type RetryPolicy struct {
	MaxAttempts int
	MaxEventAge time.Duration
}

// Subscription declares a consumer's interest.
type Subscription struct {
	EventTypes    []string
	Source        string
	FilterPattern map[string]string
	Handler       Handler
	RetryPolicy   *RetryPolicy

	// AckOnFailure, when set, overrides the subscriber-wide policy for
	// this subscription. Nil means inherit.
	AckOnFailure *bool
}

type managedSubscription struct {
	id         string
	spec       Subscription
	ruleName   string
	targetName string
	cancel     context.CancelFunc
	done       chan struct{}
	telemetry  *subscriptionTelemetry
}

// HealthStatus reports broker reachability from the consumer side.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Broker    bool      `json:"broker"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber manages broker rules and polling loops for registered
// subscriptions, one polling loop per subscription.
type Subscriber struct {
	logger     *zap.Logger
	broker     broker.Broker
	cfg        config.SubscriberConfig
	deadLetter *DeadLetterSink

	// regMu serializes registration changes end to end; mu only guards
	// the map for readers.
	regMu         sync.Mutex
	mu            sync.RWMutex
	subscriptions map[string]*managedSubscription

	tracer  trace.Tracer
	metrics *subscriberMetrics
}

// New creates a Subscriber.
func New(logger *zap.Logger, b broker.Broker, cfg config.SubscriberConfig) (*Subscriber, error) {
	if b == nil {
		return nil, errors.NewValidationError("MISSING_BROKER", "broker is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReceiveBatch <= 0 {
		cfg.ReceiveBatch = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DeadLetterSize <= 0 {
		cfg.DeadLetterSize = 1000
	}

	metrics, err := newSubscriberMetrics()
	if err != nil {
		return nil, errors.NewInternalError("failed to initialize subscriber metrics").WithCause(err)
	}

	return &Subscriber{
		logger:        logger,
		broker:        b,
		cfg:           cfg,
		deadLetter:    NewDeadLetterSink(cfg.DeadLetterSize, logger),
		subscriptions: make(map[string]*managedSubscription),
		tracer:        otel.Tracer("backbone.subscriber"),
		metrics:       metrics,
	}, nil
}

// Subscribe registers a subscription, provisions its broker rule and
// delivery target, and starts its polling loop. Calling with an existing id
// is create-or-replace: the old loop is stopped and the rule re-provisioned.
func (s *Subscriber) Subscribe(ctx context.Context, subscriptionID string, sub Subscription) error {
	if subscriptionID == "" {
		return errors.NewValidationError("MISSING_SUBSCRIPTION_ID", "subscription id is required")
	}
	if len(sub.EventTypes) == 0 {
		return errors.NewValidationError("MISSING_EVENT_TYPES", "subscription requires at least one event type")
	}
	if sub.Handler == nil {
		return errors.NewValidationError("MISSING_HANDLER", "subscription requires a handler")
	}

	// Registration changes are serialized so a concurrent Subscribe with
	// the same id cannot interleave with the teardown below and leak a
	// running loop.
	s.regMu.Lock()
	defer s.regMu.Unlock()

	// Replace semantics: tear the old loop down first
	s.mu.Lock()
	existing, replacing := s.subscriptions[subscriptionID]
	s.mu.Unlock()
	if replacing {
		s.stopLoop(existing)
		s.mu.Lock()
		delete(s.subscriptions, subscriptionID)
		s.mu.Unlock()
	}

	ruleName := "sub-" + subscriptionID
	targetName := "q-" + subscriptionID

	pattern := broker.Pattern{
		EventTypes: sub.EventTypes,
		Source:     sub.Source,
		Attributes: sub.FilterPattern,
	}
	if err := s.broker.PutRule(ctx, ruleName, pattern); err != nil {
		return errors.Wrap(err, "failed to provision routing rule")
	}
	if err := s.broker.BindTarget(ctx, ruleName, targetName); err != nil {
		return errors.Wrap(err, "failed to bind delivery target")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	managed := &managedSubscription{
		id:         subscriptionID,
		spec:       sub,
		ruleName:   ruleName,
		targetName: targetName,
		cancel:     cancel,
		done:       make(chan struct{}),
		telemetry:  newSubscriptionTelemetry(traceWindowSize),
	}

	s.mu.Lock()
	s.subscriptions[subscriptionID] = managed
	s.mu.Unlock()

	go s.pollLoop(loopCtx, managed)

	s.logger.Info("subscription registered",
		zap.String("subscription_id", subscriptionID),
		zap.Strings("event_types", sub.EventTypes),
		zap.String("source_filter", sub.Source),
		zap.Int("filter_attributes", len(sub.FilterPattern)))

	return nil
}

// Unsubscribe stops the polling loop, deprovisions the broker rule and
// binding, and forgets the subscription. In-flight message processing for
// the current tick completes before the loop exits.
func (s *Subscriber) Unsubscribe(ctx context.Context, subscriptionID string) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	s.mu.Lock()
	managed, ok := s.subscriptions[subscriptionID]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFoundError("subscription " + subscriptionID)
	}
	delete(s.subscriptions, subscriptionID)
	s.mu.Unlock()

	s.stopLoop(managed)

	if err := s.broker.UnbindTarget(ctx, managed.ruleName, managed.targetName); err != nil {
		s.logger.Warn("failed to unbind delivery target",
			zap.String("subscription_id", subscriptionID), zap.Error(err))
	}
	if err := s.broker.DeleteRule(ctx, managed.ruleName); err != nil {
		s.logger.Warn("failed to delete routing rule",
			zap.String("subscription_id", subscriptionID), zap.Error(err))
	}

	s.logger.Info("subscription removed", zap.String("subscription_id", subscriptionID))
	return nil
}

func (s *Subscriber) stopLoop(managed *managedSubscription) {
	managed.cancel()
	<-managed.done
}

// Close stops every polling loop without deprovisioning broker rules.
func (s *Subscriber) Close() {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	s.mu.Lock()
	managed := make([]*managedSubscription, 0, len(s.subscriptions))
	for _, m := range s.subscriptions {
		managed = append(managed, m)
	}
	s.subscriptions = make(map[string]*managedSubscription)
	s.mu.Unlock()

	for _, m := range managed {
		s.stopLoop(m)
	}
}

// pollLoop is the per-subscription delivery pump. One loop per
// subscription; messages within a poll batch are processed concurrently.
func (s *Subscriber) pollLoop(ctx context.Context, managed *managedSubscription) {
	defer close(managed.done)

	s.metrics.pollerStarted(ctx)
	defer s.metrics.pollerStopped(context.Background())

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		messages, err := s.broker.Receive(ctx, managed.targetName, s.cfg.ReceiveBatch, s.cfg.ReceiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("poll receive failed",
				zap.String("subscription_id", managed.id),
				zap.Error(err))
			continue
		}
		if len(messages) == 0 {
			continue
		}

		// Cancellation only stops the loop: handlers and acks for the
		// current tick run to completion on a detached context, so a
		// successfully handled message is never left unacknowledged.
		procCtx := context.WithoutCancel(ctx)
		var wg sync.WaitGroup
		for _, msg := range messages {
			wg.Add(1)
			go func(msg broker.Message) {
				defer wg.Done()
				s.processMessage(procCtx, managed, msg)
			}(msg)
		}
		wg.Wait()
	}
}

// processMessage parses, validates and dispatches one delivery, recording
// per-step timings. Invalid events are acknowledged and dropped. Handler
// failures follow the acknowledge-on-failure policy: when acking on failure
// is disabled the message is left for redelivery until its attempt budget
// is spent, then dead-lettered.
func (s *Subscriber) processMessage(ctx context.Context, managed *managedSubscription, msg broker.Message) {
	ctx, span := s.tracer.Start(ctx, "Subscriber.processMessage",
		trace.WithAttributes(
			attribute.String("subscription.id", managed.id),
			attribute.String("message.id", msg.ID),
		))
	defer span.End()

	pt := ProcessingTrace{MessageID: msg.ID, StartedAt: time.Now().UTC()}

	parseStart := time.Now()
	e, err := event.Parse(msg.Body)
	pt.ParseTime = time.Since(parseStart)
	if err != nil {
		pt.Error = "parse: " + err.Error()
		managed.telemetry.record(pt)
		s.metrics.recordDropped(ctx, "invalid_envelope")
		s.logger.Warn("dropping malformed delivery",
			zap.String("subscription_id", managed.id),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		s.ack(ctx, managed, msg)
		return
	}
	span.SetAttributes(attribute.String("event.id", e.ID), attribute.String("event.type", e.Type))

	validateStart := time.Now()
	err = s.validateEvent(managed.spec, e)
	pt.ValidateTime = time.Since(validateStart)
	if err != nil {
		pt.Error = "validate: " + err.Error()
		managed.telemetry.record(pt)
		s.metrics.recordDropped(ctx, "filter_mismatch")
		s.logger.Warn("dropping unsubscribed event",
			zap.String("subscription_id", managed.id),
			zap.String("event_id", e.ID),
			zap.String("event_type", e.Type),
			zap.Error(err))
		s.ack(ctx, managed, msg)
		return
	}

	if policy := managed.spec.RetryPolicy; policy != nil && policy.MaxEventAge > 0 {
		if time.Since(e.Time) > policy.MaxEventAge {
			pt.Error = "expired"
			managed.telemetry.record(pt)
			s.metrics.recordDropped(ctx, "expired")
			s.deadLetter.Add(managed.id, msg, "event exceeded max age")
			s.ack(ctx, managed, msg)
			return
		}
	}

	handleStart := time.Now()
	err = managed.spec.Handler.Handle(ctx, e)
	pt.HandleTime = time.Since(handleStart)

	if err == nil {
		managed.telemetry.record(pt)
		s.metrics.recordProcessed(ctx, time.Since(pt.StartedAt))
		s.ack(ctx, managed, msg)
		return
	}

	pt.Error = "handle: " + err.Error()
	managed.telemetry.record(pt)
	s.metrics.recordHandlerFailure(ctx)
	span.RecordError(err)
	s.logger.Error("handler failed",
		zap.String("subscription_id", managed.id),
		zap.String("message_id", msg.ID),
		zap.String("event_id", e.ID),
		zap.String("event_type", e.Type),
		zap.Int("attempts", msg.Attempts),
		zap.Error(err))

	if s.ackOnFailure(managed.spec) {
		// Availability over durability: the failed message is removed to
		// avoid unbounded reprocessing.
		s.ack(ctx, managed, msg)
		return
	}

	maxAttempts := s.cfg.MaxAttempts
	if policy := managed.spec.RetryPolicy; policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}
	if msg.Attempts >= maxAttempts {
		s.deadLetter.Add(managed.id, msg, "handler failed after "+strconv.Itoa(msg.Attempts)+" attempts")
		s.ack(ctx, managed, msg)
		return
	}
	// Leave unacknowledged: the broker redelivers once the visibility
	// window lapses.
}

func (s *Subscriber) ackOnFailure(sub Subscription) bool {
	if sub.AckOnFailure != nil {
		return *sub.AckOnFailure
	}
	return s.cfg.AckOnFailure
}

func (s *Subscriber) ack(ctx context.Context, managed *managedSubscription, msg broker.Message) {
	if err := s.broker.DeleteMessage(ctx, managed.targetName, msg.ReceiptHandle); err != nil {
		s.logger.Warn("failed to acknowledge message",
			zap.String("subscription_id", managed.id),
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}

// validateEvent checks a delivered event against the subscription: the
// type must be subscribed, the source must match when filtered, and every
// filter pattern key must equal the corresponding envelope attribute.
func (s *Subscriber) validateEvent(sub Subscription, e *event.Event) error {
	typeMatch := false
	for _, t := range sub.EventTypes {
		if t == e.Type {
			typeMatch = true
			break
		}
	}
	if !typeMatch {
		return errors.NewValidationError("UNSUBSCRIBED_TYPE", "event type not subscribed: "+e.Type)
	}

	if sub.Source != "" && sub.Source != e.Source {
		return errors.NewValidationError("SOURCE_MISMATCH", "event source does not match filter")
	}

	for key, want := range sub.FilterPattern {
		got, ok := e.Attribute(key)
		if !ok || got != want {
			return errors.NewValidationError("ATTRIBUTE_MISMATCH", "filter attribute mismatch: "+key)
		}
	}
	return nil
}

// HealthCheck probes broker reachability with a disposable rule
// create/delete round trip.
func (s *Subscriber) HealthCheck(ctx context.Context) *HealthStatus {
	status := &HealthStatus{Timestamp: time.Now().UTC()}

	probeRule := "health-" + uuid.New().String()
	err := s.broker.PutRule(ctx, probeRule, broker.Pattern{EventTypes: []string{"backbone.health.probe"}})
	if err == nil {
		err = s.broker.DeleteRule(ctx, probeRule)
	}
	if err != nil {
		s.logger.Warn("broker health probe failed", zap.Error(err))
	} else {
		status.Broker = true
	}

	status.Healthy = status.Broker
	return status
}

// DeadLetter exposes the dead-letter sink for inspection and redrive.
func (s *Subscriber) DeadLetter() *DeadLetterSink {
	return s.deadLetter
}

// Redrive republishes a dead-lettered event through the broker and drops it
// from the sink. The event routes through the rules again, so it reaches
// every current subscription it matches, not only the one that failed it.
func (s *Subscriber) Redrive(ctx context.Context, messageID string) error {
	failed, ok := s.deadLetter.Get(messageID)
	if !ok {
		return errors.NewNotFoundError("dead-lettered message " + messageID)
	}

	e, err := event.Parse(failed.Message.Body)
	if err != nil {
		return errors.Wrap(err, "dead-lettered message is not a valid envelope")
	}

	result, err := s.broker.PublishEntries(ctx, []broker.Entry{{Envelope: e}})
	if err != nil {
		return errors.Wrap(err, "redrive dispatch failed")
	}
	if result.FailedCount > 0 {
		return errors.NewTransportError("broker", "redrive entry rejected")
	}

	if err := s.deadLetter.Remove(messageID); err != nil {
		return err
	}
	s.logger.Info("dead-lettered message redriven",
		zap.String("message_id", messageID),
		zap.String("event_id", e.ID),
		zap.String("subscription_id", failed.SubscriptionID))
	return nil
}

// GetMetrics returns aggregate metrics per subscription plus the active
// poller count.
func (s *Subscriber) GetMetrics() map[string]interface{} {
	s.mu.RLock()
	perSubscription := make(map[string]interface{}, len(s.subscriptions))
	for id, managed := range s.subscriptions {
		perSubscription[id] = managed.telemetry.aggregate()
	}
	active := len(s.subscriptions)
	s.mu.RUnlock()

	return map[string]interface{}{
		"active_pollers": active,
		"subscriptions":  perSubscription,
		"dead_letter":    s.deadLetter.Stats(),
	}
}

// RecentTraces returns up to n of the newest per-message processing traces
// for one subscription, oldest first. n <= 0 returns the whole window.
func (s *Subscriber) RecentTraces(subscriptionID string, n int) ([]ProcessingTrace, error) {
	s.mu.RLock()
	managed, ok := s.subscriptions[subscriptionID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFoundError("subscription " + subscriptionID)
	}
	return managed.telemetry.recent(n), nil
}

// SubscriptionMetrics returns the aggregate metrics for one subscription.
func (s *Subscriber) SubscriptionMetrics(subscriptionID string) (AggregateMetrics, error) {
	s.mu.RLock()
	managed, ok := s.subscriptions[subscriptionID]
	s.mu.RUnlock()
	if !ok {
		return AggregateMetrics{}, errors.NewNotFoundError("subscription " + subscriptionID)
	}
	return managed.telemetry.aggregate(), nil
}
