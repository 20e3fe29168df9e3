package selfhealing

import (
	"github.com/storyforge/eventbackbone/internal/domain/event"
	"github.com/storyforge/eventbackbone/internal/domain/incident"
)

// CatalogPatterns is the static pattern catalog registered at startup.
// Signatures are event-type based so any agent's occurrence matches by
// substring; generic agent errors are intentionally absent and handled
// by the learner once they repeat.
func CatalogPatterns(controller incident.AgentController) []*incident.Pattern {
	retry := &incident.RetryRequest{Controller: controller}
	restart := &incident.RestartAgent{Controller: controller}
	clearCache := &incident.ClearCache{Controller: controller}
	switchBackup := &incident.SwitchBackup{Controller: controller}
	rollback := &incident.RollbackDeploy{Controller: controller}

	timeout, _ := incident.NewPattern(event.TypeAPITimeout, "api_timeout",
		[]incident.HealingAction{retry, switchBackup, restart})
	dbError, _ := incident.NewPattern(event.TypeDatabaseError, "database_error",
		[]incident.HealingAction{retry, restart, rollback})
	degraded, _ := incident.NewPattern(event.TypePerformanceDegradation, "performance_degradation",
		[]incident.HealingAction{clearCache, switchBackup})

	return []*incident.Pattern{timeout, dbError, degraded}
}
