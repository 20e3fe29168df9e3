package event

import (
	"time"

	"github.com/storyforge/eventbackbone/internal/domain/errors"
)

// Correlation groups the events of one causal workflow.
// RootEventID never changes after creation; RelatedEvents is an
// insertion-ordered set with no duplicates.
type Correlation struct {
	CorrelationID string    `json:"correlation_id"`
	RootEventID   string    `json:"root_event_id"`
	ParentEventID string    `json:"parent_event_id,omitempty"`
	RelatedEvents []string  `json:"related_events"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewCorrelation creates a correlation rooted at the given event.
func NewCorrelation(correlationID, rootEventID string) (*Correlation, error) {
	if correlationID == "" {
		return nil, errors.NewValidationError("MISSING_CORRELATION_ID", "correlation id is required")
	}
	if rootEventID == "" {
		return nil, errors.NewValidationError("MISSING_ROOT_EVENT_ID", "root event id is required")
	}

	now := time.Now().UTC()
	return &Correlation{
		CorrelationID: correlationID,
		RootEventID:   rootEventID,
		RelatedEvents: []string{rootEventID},
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Append records an event in the workflow, preserving insertion order.
// Returns false when the event was already recorded.
func (c *Correlation) Append(eventID string) bool {
	if c.Contains(eventID) {
		return false
	}
	c.RelatedEvents = append(c.RelatedEvents, eventID)
	c.UpdatedAt = time.Now().UTC()
	return true
}

// Contains reports whether the workflow already includes the event.
func (c *Correlation) Contains(eventID string) bool {
	for _, id := range c.RelatedEvents {
		if id == eventID {
			return true
		}
	}
	return false
}

// Owns reports whether the event belongs to this workflow, either as root
// or as a later member. Used for best-effort parent joins.
func (c *Correlation) Owns(eventID string) bool {
	return c.RootEventID == eventID || c.Contains(eventID)
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (c *Correlation) Clone() *Correlation {
	dup := *c
	dup.RelatedEvents = make([]string, len(c.RelatedEvents))
	copy(dup.RelatedEvents, c.RelatedEvents)
	return &dup
}
