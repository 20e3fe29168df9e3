package selfhealing

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/eventbackbone/internal/domain/event"
	"github.com/storyforge/eventbackbone/internal/domain/incident"
	"github.com/storyforge/eventbackbone/internal/infrastructure/cache"
	"github.com/storyforge/eventbackbone/internal/infrastructure/config"
	"github.com/storyforge/eventbackbone/internal/service/subscriber"
)

// rateLimitKey scopes the healing-action limiter; one budget for the
// whole process.
const rateLimitKey = "healing-actions"

// EventPublisher is what the handler needs to announce healing lifecycle
// events.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data interface{}, opts event.Options) (string, error)
}

// Handler consumes error-class events, matches or learns incident
// patterns, enforces the safety gates and executes bounded remediations.
// Remediation failures are observable through events and incident records
// but never propagate past the handler boundary.
type Handler struct {
	logger     *zap.Logger
	cfg        config.SelfHealingConfig
	publisher  EventPublisher
	controller incident.AgentController
	limiter    cache.ActionRateLimiter
	records    incident.RecordStore
	registry   *incident.PatternRegistry
	learner    incident.PatternLearner

	mu      sync.Mutex
	tallies map[string]*errorTally
	active  map[string]*incident.Record

	now func() time.Time
}

type errorTally struct {
	count          int
	lastOccurrence time.Time
}

// errorPayload is the data shape error-class producers attach to their
// envelopes.
type errorPayload struct {
	StoryID            string `json:"storyId"`
	ActiveConversation bool   `json:"activeConversation"`
	Error              string `json:"error"`
}

// healingPayload is attached to healing lifecycle events.
type healingPayload struct {
	IncidentID string `json:"incidentId"`
	Action     string `json:"action"`
	Signature  string `json:"signature"`
	AgentName  string `json:"agentName"`
	Error      string `json:"error,omitempty"`
}

// Option configures a Handler.
type Option func(*Handler)

// WithLearner replaces the default frequency learner.
func WithLearner(l incident.PatternLearner) Option {
	return func(h *Handler) { h.learner = l }
}

// WithClock overrides the time source, used by the time-window gate.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a self-healing handler with the static pattern catalog
// registered.
func New(
	logger *zap.Logger,
	cfg config.SelfHealingConfig,
	pub EventPublisher,
	controller incident.AgentController,
	limiter cache.ActionRateLimiter,
	records incident.RecordStore,
	opts ...Option,
) *Handler {
	h := &Handler{
		logger:     logger,
		cfg:        cfg,
		publisher:  pub,
		controller: controller,
		limiter:    limiter,
		records:    records,
		registry:   incident.NewPatternRegistry(),
		tallies:    make(map[string]*errorTally),
		active:     make(map[string]*incident.Record),
		now:        time.Now,
	}
	h.learner = incident.NewFrequencyLearner(cfg.LearningThreshold, []incident.HealingAction{
		&incident.RestartAgent{Controller: controller},
		&incident.ClearCache{Controller: controller},
	})
	for _, opt := range opts {
		opt(h)
	}

	for _, p := range CatalogPatterns(controller) {
		h.registry.Register(p)
	}

	return h
}

// Attach subscribes the handler to the error-class event types.
func (h *Handler) Attach(ctx context.Context, sub *subscriber.Subscriber) error {
	return sub.Subscribe(ctx, "self-healing", subscriber.Subscription{
		EventTypes: event.ErrorClassTypes(),
		Handler:    subscriber.HandlerFunc(h.HandleEvent),
	})
}

// HandleEvent runs the remediation state machine for one error occurrence:
// observe, match or learn a pattern, pass the safety gates, select an
// action, execute and record. It always returns nil; every internal
// failure is logged or recorded instead of surfaced.
func (h *Handler) HandleEvent(ctx context.Context, e *event.Event) error {
	if !h.cfg.Enabled {
		return nil
	}

	ec := h.buildContext(e)
	signature := ec.Signature()
	log := h.logger.With(
		zap.String("agent", ec.AgentName),
		zap.String("event_type", ec.EventType),
		zap.String("signature", signature))

	pattern := h.registry.Match(signature)
	if pattern == nil {
		learned, err := h.learner.Learn(ctx, ec, signature)
		if err != nil {
			log.Warn("pattern learning failed", zap.Error(err))
			return nil
		}
		if learned == nil {
			log.Debug("no incident pattern for signature")
			return nil
		}
		h.registry.Register(learned)
		pattern = learned
		log.Info("learned new incident pattern",
			zap.String("pattern_id", learned.ID),
			zap.String("pattern_signature", learned.ErrorSignature))
	}

	if !h.passesSafetyGates(ctx, ec, log) {
		return nil
	}

	action := h.selectAction(ctx, pattern, ec)
	if action == nil {
		log.Info("no qualifying healing action",
			zap.String("pattern_id", pattern.ID),
			zap.Int("autonomy_ceiling", h.cfg.AutonomyLevel))
		return nil
	}

	// Final rate-limit consumption; a concurrent incident may have taken
	// the last slot since the gate check.
	allowed, err := h.limiter.Allow(ctx, rateLimitKey, h.cfg.MaxActionsPerHour, time.Hour)
	if err != nil {
		log.Error("rate limiter unavailable, deferring healing", zap.Error(err))
		return nil
	}
	if !allowed {
		log.Warn("healing rate-limited",
			zap.Int("max_actions_per_hour", h.cfg.MaxActionsPerHour))
		return nil
	}

	h.execute(ctx, pattern, action, ec, signature, log)
	return nil
}

// buildContext assembles the error context, folding in the cumulative
// error count for this agent and event type.
func (h *Handler) buildContext(e *event.Event) *incident.ErrorContext {
	var payload errorPayload
	if len(e.Data) > 0 {
		_ = json.Unmarshal(e.Data, &payload)
	}

	key := e.AgentName + ":" + e.Type
	now := h.now().UTC()

	h.mu.Lock()
	tally, ok := h.tallies[key]
	if !ok {
		tally = &errorTally{}
		h.tallies[key] = tally
	}
	tally.count++
	tally.lastOccurrence = now
	count := tally.count
	h.mu.Unlock()

	return &incident.ErrorContext{
		AgentName:          e.AgentName,
		EventType:          e.Type,
		ErrorMessage:       payload.Error,
		UserID:             e.UserID,
		SessionID:          e.SessionID,
		StoryID:            payload.StoryID,
		ActiveConversation: payload.ActiveConversation,
		ErrorCount:         count,
		LastOccurrence:     now,
	}
}

// passesSafetyGates checks the gates in order; the first failing gate
// defers healing entirely.
func (h *Handler) passesSafetyGates(ctx context.Context, ec *incident.ErrorContext, log *zap.Logger) bool {
	// Gate a: a live user-facing interaction is never interrupted
	if ec.ActiveConversation && h.cfg.StorySessionProtection {
		log.Info("healing deferred: active story session protected")
		return false
	}

	// Gate b: allowed hours window
	hour := h.now().Hour()
	if !h.cfg.AllowedTimeWindow.Contains(hour) {
		log.Info("healing deferred: outside allowed time window",
			zap.Int("hour", hour),
			zap.Int("window_start", h.cfg.AllowedTimeWindow.Start),
			zap.Int("window_end", h.cfg.AllowedTimeWindow.End))
		return false
	}

	// Gate c: rolling-hour action budget
	count, err := h.limiter.Count(ctx, rateLimitKey, time.Hour)
	if err != nil {
		log.Error("rate limiter unavailable, deferring healing", zap.Error(err))
		return false
	}
	if count >= h.cfg.MaxActionsPerHour {
		log.Warn("healing deferred: rate-limited",
			zap.Int("actions_this_hour", count),
			zap.Int("max_actions_per_hour", h.cfg.MaxActionsPerHour))
		return false
	}

	return true
}

// selectAction returns the first candidate within the autonomy ceiling
// that passes its own safety verification, or nil.
func (h *Handler) selectAction(ctx context.Context, pattern *incident.Pattern, ec *incident.ErrorContext) incident.HealingAction {
	ceiling := incident.AutonomyLevel(h.cfg.AutonomyLevel)
	for _, action := range pattern.Actions {
		if action.AutonomyLevel() > ceiling {
			continue
		}
		if err := action.Verify(ctx, ec); err != nil {
			h.logger.Debug("action failed safety verification",
				zap.String("action", string(action.Kind())),
				zap.Error(err))
			continue
		}
		return action
	}
	return nil
}

// execute runs the remediation and records the incident lifecycle. The
// record is persisted whatever the outcome and dropped from the active
// registry once terminal.
func (h *Handler) execute(
	ctx context.Context,
	pattern *incident.Pattern,
	action incident.HealingAction,
	ec *incident.ErrorContext,
	signature string,
	log *zap.Logger,
) {
	rec := incident.NewRecord(pattern.Type, signature, action.Kind())
	if ec.UserID != "" {
		rec.ImpactedUsers = 1
	}
	if ec.StoryID != "" {
		rec.StorySessionsAffected = []string{ec.StoryID}
	}
	rec.Metadata["agent_name"] = ec.AgentName
	rec.Metadata["event_type"] = ec.EventType
	rec.Metadata["error_count"] = ec.ErrorCount

	h.mu.Lock()
	h.active[rec.ID] = rec
	h.mu.Unlock()

	h.publishLifecycle(ctx, event.TypeHealingStarted, rec, ec, signature, action, "")

	execErr := action.Execute(ctx, ec)
	rec.Resolve(execErr == nil)

	if execErr != nil {
		log.Error("healing action failed",
			zap.String("incident_id", rec.ID),
			zap.String("action", string(action.Kind())),
			zap.Error(execErr))
		h.publishLifecycle(ctx, event.TypeHealingFailed, rec, ec, signature, action, execErr.Error())
	} else {
		log.Info("healing action completed",
			zap.String("incident_id", rec.ID),
			zap.String("action", string(action.Kind())),
			zap.Duration("resolution_time", rec.ResolutionTime))
		h.publishLifecycle(ctx, event.TypeHealingCompleted, rec, ec, signature, action, "")
	}

	if err := h.records.StoreRecord(ctx, rec); err != nil {
		log.Error("failed to persist incident record",
			zap.String("incident_id", rec.ID),
			zap.Error(err))
	}

	h.mu.Lock()
	delete(h.active, rec.ID)
	h.mu.Unlock()
}

func (h *Handler) publishLifecycle(
	ctx context.Context,
	eventType string,
	rec *incident.Record,
	ec *incident.ErrorContext,
	signature string,
	action incident.HealingAction,
	execError string,
) {
	payload := healingPayload{
		IncidentID: rec.ID,
		Action:     string(action.Kind()),
		Signature:  signature,
		AgentName:  ec.AgentName,
		Error:      execError,
	}
	_, err := h.publisher.Publish(ctx, eventType, payload, event.Options{
		UserID:    ec.UserID,
		SessionID: ec.SessionID,
		AgentName: ec.AgentName,
	})
	if err != nil {
		h.logger.Warn("failed to publish healing lifecycle event",
			zap.String("event_type", eventType),
			zap.String("incident_id", rec.ID),
			zap.Error(err))
	}
}

// ActiveIncidents snapshots the incidents currently executing.
func (h *Handler) ActiveIncidents() []*incident.Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*incident.Record, 0, len(h.active))
	for _, rec := range h.active {
		out = append(out, rec)
	}
	return out
}

// ErrorCount returns the cumulative error tally for an agent and event
// type.
func (h *Handler) ErrorCount(agentName, eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tally, ok := h.tallies[agentName+":"+eventType]; ok {
		return tally.count
	}
	return 0
}
