package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/logging"
)

// HandoffWriter produces the brief written at terminal workflow states: a
// human-readable summary of where the project stands and what to do next.
type HandoffWriter struct {
	store  LogStore
	logger *logging.Logger
}

// NewHandoffWriter creates a handoff writer.
func NewHandoffWriter(store LogStore, logger *logging.Logger) *HandoffWriter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HandoffWriter{store: store, logger: logger}
}

// Build renders the brief from the final state, recent actions, and the
// unresolved error set.
func (h *HandoffWriter) Build(state *core.WorkflowState, actions []*core.LogEntry, unresolved []*AggregatedError) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Handoff brief: %s\n\n", state.ProjectName)
	fmt.Fprintf(&sb, "Phase: %s (%d of %d)\n", state.CurrentPhase, state.CurrentPhase, state.EndPhase)
	fmt.Fprintf(&sb, "Tasks: %d completed, %d failed, %d total\n",
		len(state.CompletedTaskIDs), len(state.FailedTaskIDs), len(state.Tasks))
	fmt.Fprintf(&sb, "Total cost: $%.4f\n", state.TotalCostUSD)

	if len(actions) > 0 {
		sb.WriteString("\n## Last actions\n")
		for _, a := range actions {
			fmt.Fprintf(&sb, "- %s %s\n", a.Timestamp.Format("2006-01-02 15:04"), a.Message)
		}
	}

	if len(unresolved) > 0 {
		sb.WriteString("\n## Unresolved errors\n")
		for _, sev := range []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow} {
			group := filterBySeverity(unresolved, sev)
			if len(group) == 0 {
				continue
			}
			fmt.Fprintf(&sb, "\n### %s\n", sev)
			for _, e := range group {
				fmt.Fprintf(&sb, "- [%s] %s (seen %dx, last %s)\n",
					e.ErrorType, e.Message, e.OccurrenceCount, e.LastSeen.Format("15:04:05"))
			}
		}
	}

	if blockers := blockedTasks(state); len(blockers) > 0 {
		sb.WriteString("\n## Blockers\n")
		for _, t := range blockers {
			fmt.Fprintf(&sb, "- %s: %s (%s)\n", t.ID, t.Title, t.Status)
		}
	}

	sb.WriteString("\n## Recommended next action\n")
	sb.WriteString(recommendAction(state, unresolved))
	sb.WriteString("\n")

	return sb.String()
}

// Write persists the brief: atomically to disk and as a durable log entry.
func (h *HandoffWriter) Write(ctx context.Context, path string, state *core.WorkflowState, actions []*core.LogEntry, unresolved []*AggregatedError) (string, error) {
	brief := h.Build(state, actions, unresolved)

	if path != "" {
		if err := renameio.WriteFile(path, []byte(brief), 0o644); err != nil {
			return brief, fmt.Errorf("writing handoff brief: %w", err)
		}
	}
	if h.store != nil {
		entry := &core.LogEntry{
			ProjectName: state.ProjectName,
			LogType:     core.LogTypeHandoffBrief,
			Message:     brief,
			Data: map[string]any{
				"phase":           int(state.CurrentPhase),
				"completed_tasks": len(state.CompletedTaskIDs),
				"total_tasks":     len(state.Tasks),
				"unresolved":      len(unresolved),
			},
		}
		if err := h.store.AppendLog(ctx, entry); err != nil {
			h.logger.Warn("failed to append handoff brief log", "error", err)
		}
	}
	return brief, nil
}

func filterBySeverity(errs []*AggregatedError, sev Severity) []*AggregatedError {
	var out []*AggregatedError
	for _, e := range errs {
		if e.Severity == sev {
			out = append(out, e)
		}
	}
	return out
}

func blockedTasks(state *core.WorkflowState) []*core.Task {
	var out []*core.Task
	for _, t := range state.Tasks {
		if t.Status == core.TaskStatusBlocked || t.Status == core.TaskStatusFailed {
			out = append(out, t)
		}
	}
	return out
}

func recommendAction(state *core.WorkflowState, unresolved []*AggregatedError) string {
	switch {
	case len(filterBySeverity(unresolved, SeverityCritical)) > 0:
		return "Address the critical errors above before resuming; they block all progress."
	case len(state.FailedTaskIDs) > 0:
		return "Inspect the failed tasks, fix or re-scope them, then resume the workflow."
	case len(state.CompletedTaskIDs) < len(state.Tasks):
		return "Resume the workflow to continue with the remaining tasks."
	default:
		return "All tasks completed; review the deliverables and close out the project."
	}
}
