package event

import (
	"context"
	"time"
)

// QueryCriteria filters a store query. All set fields are AND-combined.
type QueryCriteria struct {
	EventTypes    []string
	Sources       []string
	StartTime     *time.Time // inclusive
	EndTime       *time.Time // inclusive
	CorrelationID string
	UserID        string
	SessionID     string
	Limit         int
	Offset        int
}

// ReplayStatus tracks the lifecycle of a replay record. Completion of the
// actual re-delivery is an external concern; the store only records intent.
type ReplayStatus string

const (
	ReplayPending ReplayStatus = "pending"
	ReplayRunning ReplayStatus = "running"
)

// ReplayConfig describes a historical window to re-deliver.
type ReplayConfig struct {
	StartTime   time.Time
	EndTime     time.Time
	Destination string
	EventTypes  []string
}

// ReplayRecord is the durable record of a replay request.
type ReplayRecord struct {
	ID        string
	Status    ReplayStatus
	Config    ReplayConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Statistics aggregates the stored event population for capacity and
// retention monitoring.
type Statistics struct {
	TotalEvents    int64
	EventsByType   map[string]int64
	EventsBySource map[string]int64
	OldestEvent    *time.Time
	NewestEvent    *time.Time
}

// Store is the durable persistence boundary for events and correlations.
type Store interface {
	// Store durably appends an event. Duplicate ids are a caller error,
	// surfaced as a conflict, never silently deduplicated.
	Store(ctx context.Context, e *Event) error

	// Retrieve returns the event by id, or a not-found error.
	Retrieve(ctx context.Context, id string) (*Event, error)

	// Query returns matching events ordered newest-first by event time.
	Query(ctx context.Context, criteria QueryCriteria) ([]*Event, error)

	// CreateReplay records replay intent and returns the tracking record.
	CreateReplay(ctx context.Context, cfg ReplayConfig) (*ReplayRecord, error)

	// GetCorrelation returns the correlation by id, or a not-found error.
	GetCorrelation(ctx context.Context, correlationID string) (*Correlation, error)

	// UpdateCorrelation upserts the correlation by its id.
	UpdateCorrelation(ctx context.Context, c *Correlation) error

	// Cleanup deletes events older than retentionDays and returns the count
	// removed. Correlations are not cascade-deleted; callers walking old
	// correlations must tolerate dangling event references.
	Cleanup(ctx context.Context, retentionDays int) (int64, error)

	// GetStatistics aggregates counts by type and source plus the stored
	// time range.
	GetStatistics(ctx context.Context) (*Statistics, error)
}
