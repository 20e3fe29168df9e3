package incident

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Record is one remediation attempt. Created when healing is initiated,
// held in the active-incident registry during execution, then persisted
// and dropped from memory once terminal.
type Record struct {
	ID                    string                 `json:"id"`
	IncidentType          string                 `json:"incident_type"`
	ErrorPattern          string                 `json:"error_pattern"`
	DetectedAt            time.Time              `json:"detected_at"`
	HealingAction         ActionKind             `json:"healing_action"`
	Success               bool                   `json:"success"`
	ResolvedAt            *time.Time             `json:"resolved_at,omitempty"`
	ResolutionTime        time.Duration          `json:"resolution_time_ms"`
	ImpactedUsers         int                    `json:"impacted_users"`
	StorySessionsAffected []string               `json:"story_sessions_affected,omitempty"`
	Metadata              map[string]interface{} `json:"metadata,omitempty"`
}

// NewRecord opens an incident record for a selected action.
// Success stays false until the action resolves.
func NewRecord(incidentType, errorPattern string, action ActionKind) *Record {
	return &Record{
		ID:            uuid.New().String(),
		IncidentType:  incidentType,
		ErrorPattern:  errorPattern,
		DetectedAt:    time.Now().UTC(),
		HealingAction: action,
		Metadata:      make(map[string]interface{}),
	}
}

// Resolve marks the record terminal with the given outcome.
func (r *Record) Resolve(success bool) {
	now := time.Now().UTC()
	r.Success = success
	r.ResolvedAt = &now
	r.ResolutionTime = now.Sub(r.DetectedAt)
}

// RecordStore persists terminal incident records for future pattern learning.
type RecordStore interface {
	StoreRecord(ctx context.Context, rec *Record) error
	ListRecords(ctx context.Context, since time.Time, limit int) ([]*Record, error)
}
