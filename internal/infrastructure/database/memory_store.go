package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storyforge/eventbackbone/internal/domain/errors"
	"github.com/storyforge/eventbackbone/internal/domain/event"
)

// MemoryEventStore implements event.Store in process memory. Used for local
// runs without a database and throughout the test suite. Semantics mirror
// the Postgres store, including newest-first query order and non-cascading
// cleanup.
type MemoryEventStore struct {
	logger *zap.Logger

	mu           sync.RWMutex
	events       map[string]*storedEvent
	correlations map[string]*event.Correlation
	replays      map[string]*event.ReplayRecord
}

type storedEvent struct {
	event     *event.Event
	createdAt time.Time
}

// NewMemoryEventStore creates an empty in-memory store.
func NewMemoryEventStore(logger *zap.Logger) *MemoryEventStore {
	return &MemoryEventStore{
		logger:       logger,
		events:       make(map[string]*storedEvent),
		correlations: make(map[string]*event.Correlation),
		replays:      make(map[string]*event.ReplayRecord),
	}
}

// Store appends an event; a duplicate id is a conflict.
func (s *MemoryEventStore) Store(ctx context.Context, e *event.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[e.ID]; exists {
		return errors.NewConflictError("event " + e.ID + " already stored")
	}
	s.events[e.ID] = &storedEvent{event: e, createdAt: time.Now().UTC()}
	return nil
}

// Retrieve returns the event by id.
func (s *MemoryEventStore) Retrieve(ctx context.Context, id string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.events[id]
	if !ok {
		return nil, errors.NewNotFoundError("event " + id)
	}
	return stored.event, nil
}

// Query returns matching events ordered newest-first by event time.
func (s *MemoryEventStore) Query(ctx context.Context, criteria event.QueryCriteria) ([]*event.Event, error) {
	s.mu.RLock()
	var matched []*event.Event
	for _, stored := range s.events {
		if matchesCriteria(stored.event, criteria) {
			matched = append(matched, stored.event)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Time.After(matched[j].Time)
	})

	if criteria.Offset > 0 {
		if criteria.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[criteria.Offset:]
	}
	if criteria.Limit > 0 && criteria.Limit < len(matched) {
		matched = matched[:criteria.Limit]
	}

	return matched, nil
}

func matchesCriteria(e *event.Event, criteria event.QueryCriteria) bool {
	if len(criteria.EventTypes) > 0 && !contains(criteria.EventTypes, e.Type) {
		return false
	}
	if len(criteria.Sources) > 0 && !contains(criteria.Sources, e.Source) {
		return false
	}
	if criteria.StartTime != nil && e.Time.Before(*criteria.StartTime) {
		return false
	}
	if criteria.EndTime != nil && e.Time.After(*criteria.EndTime) {
		return false
	}
	if criteria.CorrelationID != "" && e.CorrelationID != criteria.CorrelationID {
		return false
	}
	if criteria.UserID != "" && e.UserID != criteria.UserID {
		return false
	}
	if criteria.SessionID != "" && e.SessionID != criteria.SessionID {
		return false
	}
	return true
}

func contains(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}

// CreateReplay records replay intent, pending then running.
func (s *MemoryEventStore) CreateReplay(ctx context.Context, cfg event.ReplayConfig) (*event.ReplayRecord, error) {
	if cfg.Destination == "" {
		return nil, errors.NewValidationError("MISSING_DESTINATION", "replay destination is required")
	}
	if cfg.EndTime.Before(cfg.StartTime) {
		return nil, errors.NewValidationError("INVALID_WINDOW", "replay end time precedes start time")
	}

	now := time.Now().UTC()
	record := &event.ReplayRecord{
		ID:        uuid.New().String(),
		Status:    event.ReplayRunning,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.replays[record.ID] = record
	s.mu.Unlock()

	return record, nil
}

// GetReplay returns a replay record by id.
func (s *MemoryEventStore) GetReplay(id string) (*event.ReplayRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.replays[id]
	return record, ok
}

// GetCorrelation returns a copy of the correlation by id.
func (s *MemoryEventStore) GetCorrelation(ctx context.Context, correlationID string) (*event.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.correlations[correlationID]
	if !ok {
		return nil, errors.NewNotFoundError("correlation " + correlationID)
	}
	return c.Clone(), nil
}

// UpdateCorrelation upserts by correlation id; the root of an existing
// correlation is never overwritten.
func (s *MemoryEventStore) UpdateCorrelation(ctx context.Context, c *event.Correlation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := c.Clone()
	if existing, ok := s.correlations[c.CorrelationID]; ok {
		stored.RootEventID = existing.RootEventID
		stored.CreatedAt = existing.CreatedAt
	}
	s.correlations[c.CorrelationID] = stored
	return nil
}

// Cleanup removes events stored before the retention cutoff.
func (s *MemoryEventStore) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, stored := range s.events {
		if stored.createdAt.Before(cutoff) {
			delete(s.events, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("event retention sweep complete",
			zap.Int("retention_days", retentionDays),
			zap.Int64("removed", removed))
	}

	return removed, nil
}

// GetStatistics aggregates the stored event population.
func (s *MemoryEventStore) GetStatistics(ctx context.Context) (*event.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &event.Statistics{
		TotalEvents:    int64(len(s.events)),
		EventsByType:   make(map[string]int64),
		EventsBySource: make(map[string]int64),
	}

	for _, stored := range s.events {
		e := stored.event
		stats.EventsByType[e.Type]++
		stats.EventsBySource[e.Source]++
		if stats.OldestEvent == nil || e.Time.Before(*stats.OldestEvent) {
			t := e.Time
			stats.OldestEvent = &t
		}
		if stats.NewestEvent == nil || e.Time.After(*stats.NewestEvent) {
			t := e.Time
			stats.NewestEvent = &t
		}
	}

	return stats, nil
}

// backdate rewrites an event's stored timestamp. Test hook for retention
// sweeps; not part of event.Store.
func (s *MemoryEventStore) backdate(id string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.events[id]; ok {
		stored.createdAt = createdAt
	}
}
