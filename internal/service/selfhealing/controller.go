package selfhealing

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LoggingController is the default AgentController: it records and logs
// each capability invocation without touching real infrastructure.
// Deployments with a real control plane swap in their own implementation.
type LoggingController struct {
	logger *zap.Logger

	mu      sync.Mutex
	history []ControlOp
}

// ControlOp is one capability invocation recorded by the controller.
type ControlOp struct {
	Op        string
	AgentName string
	SessionID string
}

func NewLoggingController(logger *zap.Logger) *LoggingController {
	return &LoggingController{logger: logger}
}

func (c *LoggingController) record(op, agentName, sessionID string) {
	c.mu.Lock()
	c.history = append(c.history, ControlOp{Op: op, AgentName: agentName, SessionID: sessionID})
	c.mu.Unlock()
	c.logger.Info("agent control operation",
		zap.String("op", op),
		zap.String("agent", agentName))
}

func (c *LoggingController) RestartAgent(ctx context.Context, agentName string) error {
	c.record("restart_agent", agentName, "")
	return nil
}

func (c *LoggingController) ClearCache(ctx context.Context, agentName string) error {
	c.record("clear_cache", agentName, "")
	return nil
}

func (c *LoggingController) RetryRequest(ctx context.Context, agentName, sessionID string) error {
	c.record("retry_request", agentName, sessionID)
	return nil
}

func (c *LoggingController) SwitchToBackup(ctx context.Context, agentName string) error {
	c.record("switch_backup", agentName, "")
	return nil
}

func (c *LoggingController) RollbackDeploy(ctx context.Context, agentName string) error {
	c.record("rollback_deploy", agentName, "")
	return nil
}

func (c *LoggingController) BackupAvailable(ctx context.Context, agentName string) (bool, error) {
	return true, nil
}

func (c *LoggingController) RollbackTargetExists(ctx context.Context, agentName string) (bool, error) {
	return true, nil
}

// History snapshots the recorded operations, oldest first.
func (c *LoggingController) History() []ControlOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ControlOp, len(c.history))
	copy(out, c.history)
	return out
}
