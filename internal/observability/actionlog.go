// Package observability provides the action log, the error aggregator, and
// the handoff brief generated at terminal workflow states.
package observability

import (
	"context"

	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/logging"
)

// LogStore is the slice of the repository the package needs.
type LogStore interface {
	AppendLog(ctx context.Context, entry *core.LogEntry) error
	QueryLogs(ctx context.Context, projectName, logType string, taskID core.TaskID, limit int) ([]*core.LogEntry, error)
}

// ActionLogger records every significant orchestrator action durably, so a
// human picking up the project can reconstruct what happened.
type ActionLogger struct {
	store       LogStore
	projectName string
	logger      *logging.Logger
}

// NewActionLogger creates an action logger for one project.
func NewActionLogger(store LogStore, projectName string, logger *logging.Logger) *ActionLogger {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ActionLogger{store: store, projectName: projectName, logger: logger}
}

// Log appends one action entry. Failures are logged, not surfaced; the
// action log is advisory.
func (a *ActionLogger) Log(ctx context.Context, action string, taskID core.TaskID, data map[string]any) {
	entry := &core.LogEntry{
		ProjectName: a.projectName,
		LogType:     core.LogTypeAction,
		TaskID:      taskID,
		Message:     action,
		Data:        data,
	}
	if err := a.store.AppendLog(ctx, entry); err != nil {
		a.logger.Warn("failed to append action log", "action", action, "error", err)
	}
}

// Recent returns the latest action entries, newest first.
func (a *ActionLogger) Recent(ctx context.Context, limit int) ([]*core.LogEntry, error) {
	return a.store.QueryLogs(ctx, a.projectName, core.LogTypeAction, "", limit)
}
