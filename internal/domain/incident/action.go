package incident

import (
	"context"

	"github.com/storyforge/eventbackbone/internal/domain/errors"
)

// ActionKind identifies one of the closed set of remediation primitives.
type ActionKind string

const (
	ActionRestartAgent   ActionKind = "restart_agent"
	ActionClearCache     ActionKind = "clear_cache"
	ActionRetryRequest   ActionKind = "retry_request"
	ActionSwitchBackup   ActionKind = "switch_backup"
	ActionRollbackDeploy ActionKind = "rollback_deploy"
)

// AutonomyLevel is a ceiling on how independently an action may be taken.
// An action qualifies when its level is at or below the configured ceiling.
type AutonomyLevel int

const (
	AutonomyNone AutonomyLevel = iota
	AutonomyLow
	AutonomyMedium
	AutonomyHigh
)

// Impact estimates the blast radius of executing an action.
type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

// AgentController is the capability boundary healing actions execute against.
// Every operation must be idempotent for a given agent.
type AgentController interface {
	RestartAgent(ctx context.Context, agentName string) error
	ClearCache(ctx context.Context, agentName string) error
	RetryRequest(ctx context.Context, agentName, sessionID string) error
	SwitchToBackup(ctx context.Context, agentName string) error
	RollbackDeploy(ctx context.Context, agentName string) error

	// Pre-flight checks used by per-action safety verification
	BackupAvailable(ctx context.Context, agentName string) (bool, error)
	RollbackTargetExists(ctx context.Context, agentName string) (bool, error)
}

// HealingAction is one bounded, reversible remediation primitive.
// The set of implementations is closed; adding a kind is a compile-time
// change, not a string registered at runtime.
type HealingAction interface {
	Kind() ActionKind
	AutonomyLevel() AutonomyLevel
	EstimatedImpact() Impact

	// Verify runs the per-action safety check before selection.
	Verify(ctx context.Context, ec *ErrorContext) error

	// Execute performs the remediation against the target agent.
	Execute(ctx context.Context, ec *ErrorContext) error
}

// RestartAgent restarts the failing agent process.
type RestartAgent struct {
	Controller AgentController
}

func (a *RestartAgent) Kind() ActionKind             { return ActionRestartAgent }
func (a *RestartAgent) AutonomyLevel() AutonomyLevel { return AutonomyLow }
func (a *RestartAgent) EstimatedImpact() Impact      { return ImpactLow }

func (a *RestartAgent) Verify(ctx context.Context, ec *ErrorContext) error {
	if ec.AgentName == "" {
		return errors.NewValidationError("MISSING_AGENT", "restart requires a target agent")
	}
	return nil
}

func (a *RestartAgent) Execute(ctx context.Context, ec *ErrorContext) error {
	return a.Controller.RestartAgent(ctx, ec.AgentName)
}

// ClearCache flushes the agent's cache namespace.
type ClearCache struct {
	Controller AgentController
}

func (a *ClearCache) Kind() ActionKind             { return ActionClearCache }
func (a *ClearCache) AutonomyLevel() AutonomyLevel { return AutonomyLow }
func (a *ClearCache) EstimatedImpact() Impact      { return ImpactLow }

func (a *ClearCache) Verify(ctx context.Context, ec *ErrorContext) error {
	if ec.AgentName == "" {
		return errors.NewValidationError("MISSING_AGENT", "cache clear requires a target agent")
	}
	return nil
}

func (a *ClearCache) Execute(ctx context.Context, ec *ErrorContext) error {
	return a.Controller.ClearCache(ctx, ec.AgentName)
}

// RetryRequest re-issues the failed request for the affected session.
type RetryRequest struct {
	Controller AgentController
}

func (a *RetryRequest) Kind() ActionKind             { return ActionRetryRequest }
func (a *RetryRequest) AutonomyLevel() AutonomyLevel { return AutonomyLow }
func (a *RetryRequest) EstimatedImpact() Impact      { return ImpactLow }

func (a *RetryRequest) Verify(ctx context.Context, ec *ErrorContext) error {
	if ec.SessionID == "" {
		return errors.NewValidationError("MISSING_SESSION", "retry requires a session id")
	}
	return nil
}

func (a *RetryRequest) Execute(ctx context.Context, ec *ErrorContext) error {
	return a.Controller.RetryRequest(ctx, ec.AgentName, ec.SessionID)
}

// SwitchBackup fails the agent over to its standby.
type SwitchBackup struct {
	Controller AgentController
}

func (a *SwitchBackup) Kind() ActionKind             { return ActionSwitchBackup }
func (a *SwitchBackup) AutonomyLevel() AutonomyLevel { return AutonomyMedium }
func (a *SwitchBackup) EstimatedImpact() Impact      { return ImpactMedium }

func (a *SwitchBackup) Verify(ctx context.Context, ec *ErrorContext) error {
	ok, err := a.Controller.BackupAvailable(ctx, ec.AgentName)
	if err != nil {
		return errors.Wrap(err, "backup availability check failed")
	}
	if !ok {
		return errors.NewValidationError("NO_BACKUP", "no backup available for agent")
	}
	return nil
}

func (a *SwitchBackup) Execute(ctx context.Context, ec *ErrorContext) error {
	return a.Controller.SwitchToBackup(ctx, ec.AgentName)
}

// RollbackDeploy reverts the agent to its previous deployment.
type RollbackDeploy struct {
	Controller AgentController
}

func (a *RollbackDeploy) Kind() ActionKind             { return ActionRollbackDeploy }
func (a *RollbackDeploy) AutonomyLevel() AutonomyLevel { return AutonomyHigh }
func (a *RollbackDeploy) EstimatedImpact() Impact      { return ImpactHigh }

func (a *RollbackDeploy) Verify(ctx context.Context, ec *ErrorContext) error {
	ok, err := a.Controller.RollbackTargetExists(ctx, ec.AgentName)
	if err != nil {
		return errors.Wrap(err, "rollback target check failed")
	}
	if !ok {
		return errors.NewValidationError("NO_ROLLBACK_TARGET", "no rollback target for agent")
	}
	return nil
}

func (a *RollbackDeploy) Execute(ctx context.Context, ec *ErrorContext) error {
	return a.Controller.RollbackDeploy(ctx, ec.AgentName)
}
