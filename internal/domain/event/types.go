package event

// Well-known event types emitted and consumed by the backbone itself.
// Domain services publish their own namespaced types alongside these.
const (
	// Error-class events watched by the self-healing handler
	TypeAgentError             = "org.storyforge.agent.error"
	TypeAPITimeout             = "org.storyforge.api.timeout"
	TypeDatabaseError          = "org.storyforge.database.error"
	TypePerformanceDegradation = "org.storyforge.performance.degradation"

	// Healing lifecycle events
	TypeHealingStarted   = "org.storyforge.healing.started"
	TypeHealingCompleted = "org.storyforge.healing.completed"
	TypeHealingFailed    = "org.storyforge.healing.failed"
)

// ErrorClassTypes lists the error-class event types in subscription order.
func ErrorClassTypes() []string {
	return []string{
		TypeAgentError,
		TypeAPITimeout,
		TypeDatabaseError,
		TypePerformanceDegradation,
	}
}
