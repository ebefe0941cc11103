package core

import (
	"context"
	"time"
)

// CheckpointStatus marks how a checkpoint was produced.
type CheckpointStatus string

const (
	CheckpointOK          CheckpointStatus = "ok"
	CheckpointInterrupted CheckpointStatus = "interrupted"
	CheckpointPaused      CheckpointStatus = "paused"
)

// Checkpoint is a durable snapshot of state plus the pending next nodes,
// written after every node completion. IDs are ULIDs so the per-thread
// history sorts by creation time.
type Checkpoint struct {
	ID           string            `json:"id"`
	ThreadID     string            `json:"thread_id"`
	PreviousID   string            `json:"previous_id,omitempty"`
	Status       CheckpointStatus  `json:"status"`
	State        *WorkflowState    `json:"state"`
	PendingNodes []string          `json:"pending_next_nodes,omitempty"`
	Interrupt    *InterruptPayload `json:"interrupt,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// LogEntry is one append-only log record (action log, iteration logs,
// handoff briefs, research notes).
type LogEntry struct {
	ID          string         `json:"id"`
	ProjectName string         `json:"project_name"`
	LogType     string         `json:"log_type"`
	TaskID      TaskID         `json:"task_id,omitempty"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Log types written through Repository.AppendLog.
const (
	LogTypeAction        = "action"
	LogTypeIteration     = "iteration"
	LogTypeHandoffBrief  = "handoff_brief"
	LogTypeResearch      = "research"
	LogTypeClarification = "clarification"
)

// PhaseOutput is the persisted output of a completed phase.
type PhaseOutput struct {
	ProjectName string         `json:"project_name"`
	Phase       Phase          `json:"phase"`
	Output      map[string]any `json:"output"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Repository is the engine's only durability surface. Implementations may be
// file-based, SQL, or graph-native.
type Repository interface {
	// Workflow state, keyed by project.
	SaveState(ctx context.Context, state *WorkflowState) error
	LoadState(ctx context.Context, projectName string) (*WorkflowState, error)

	// Checkpoints, per thread, ordered. SaveCheckpoint rejects a write whose
	// PreviousID does not match the thread's latest checkpoint id.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	LatestCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error)
	CheckpointHistory(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)

	// Phase outputs: append and read latest per phase.
	SavePhaseOutput(ctx context.Context, out *PhaseOutput) error
	LatestPhaseOutput(ctx context.Context, projectName string, phase Phase) (*PhaseOutput, error)

	// Tasks.
	SaveTask(ctx context.Context, projectName string, task *Task) error
	LoadTasks(ctx context.Context, projectName string) ([]*Task, error)

	// Logs: append and query.
	AppendLog(ctx context.Context, entry *LogEntry) error
	QueryLogs(ctx context.Context, projectName, logType string, taskID TaskID, limit int) ([]*LogEntry, error)

	// Events: append, query, and prune by age.
	AppendEvents(ctx context.Context, events []Event) error
	QueryEvents(ctx context.Context, projectName string, since time.Time, minPriority EventPriority, limit int) ([]Event, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// InvokeOptions configures one agent subprocess invocation.
type InvokeOptions struct {
	AgentKind    string
	Prompt       string
	AllowedTools []string
	MaxTurns     int
	Model        string
	Timeout      time.Duration
	WorkDir      string
	EnvOverrides map[string]string
}

// InvokeResult is the uniform result of an agent invocation. Every runner
// path returns this same shape, success or not.
type InvokeResult struct {
	Success         bool
	Stdout          string
	Stderr          string
	ExitCode        int
	DurationSeconds float64
	TokensIn        int
	TokensOut       int
	CostUSD         float64
	Error           string
}

// AgentRunner spawns external agent tools as subprocesses. The runner does
// not parse stdout beyond UTF-8 decoding; envelope extraction is the
// caller's job.
type AgentRunner interface {
	Invoke(ctx context.Context, opts InvokeOptions) InvokeResult
}

// DocScanner is the external documentation discovery collaborator.
type DocScanner interface {
	DiscoverDocs(ctx context.Context, projectDir string) ([]string, error)
}
