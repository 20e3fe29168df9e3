package incident

import (
	"fmt"
	"time"
)

// ErrorContext captures everything the self-healing handler knows about one
// error occurrence at decision time.
type ErrorContext struct {
	AgentName          string
	EventType          string
	ErrorMessage       string
	UserID             string
	SessionID          string
	StoryID            string
	ActiveConversation bool
	ErrorCount         int
	LastOccurrence     time.Time
}

// Signature computes the error signature used for pattern matching and
// learning: agentName:eventType:errorCount.
func (c *ErrorContext) Signature() string {
	return fmt.Sprintf("%s:%s:%d", c.AgentName, c.EventType, c.ErrorCount)
}
