package core

import "time"

// EventPriority orders events for filtering at the emitter.
type EventPriority string

const (
	PriorityHigh   EventPriority = "high"
	PriorityMedium EventPriority = "medium"
	PriorityLow    EventPriority = "low"
)

// rank maps priorities to a comparable order.
func (p EventPriority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether p is at or above the given minimum priority.
func (p EventPriority) AtLeast(min EventPriority) bool {
	return p.rank() >= min.rank()
}

// Event types emitted by the engine.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowComplete  = "workflow_complete"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowPaused    = "workflow_paused"
	EventWorkflowResumed   = "workflow_resumed"
	EventPhaseStarted      = "phase_started"
	EventPhaseCompleted    = "phase_completed"
	EventPhaseFailed       = "phase_failed"
	EventNodeStarted       = "node_started"
	EventNodeCompleted     = "node_completed"
	EventNodeRetried       = "node_retried"
	EventTaskSelected      = "task_selected"
	EventTaskStarted       = "task_started"
	EventTaskComplete      = "task_complete"
	EventTaskFailed        = "task_failed"
	EventLoopIteration     = "ralph_iteration"
	EventBudgetWarning     = "budget_warning"
	EventBudgetExceeded    = "budget_exceeded"
	EventEscalation        = "escalation"
	EventFixerStarted      = "fixer_started"
	EventFixerResolved     = "fixer_resolved"
	EventFixerFailed       = "fixer_failed"
	EventCircuitBreaker    = "circuit_breaker_tripped"
	EventHumanInterrupt    = "human_interrupt"
	EventCheckpointWritten = "checkpoint_written"
)

// Event is one observability record appended to the store.
type Event struct {
	ID            string         `json:"id"`
	EventType     string         `json:"event_type"`
	ProjectName   string         `json:"project_name"`
	Timestamp     time.Time      `json:"timestamp"`
	Priority      EventPriority  `json:"priority"`
	NodeName      string         `json:"node_name,omitempty"`
	TaskID        TaskID         `json:"task_id,omitempty"`
	Phase         *Phase         `json:"phase,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType, projectName string, priority EventPriority) Event {
	return Event{
		EventType:   eventType,
		ProjectName: projectName,
		Timestamp:   time.Now(),
		Priority:    priority,
	}
}

// WithNode sets the originating node name.
func (e Event) WithNode(node string) Event {
	e.NodeName = node
	return e
}

// WithTask sets the related task.
func (e Event) WithTask(id TaskID) Event {
	e.TaskID = id
	return e
}

// WithPhase sets the related phase.
func (e Event) WithPhase(p Phase) Event {
	e.Phase = &p
	return e
}

// WithData attaches free-form payload data.
func (e Event) WithData(data map[string]any) Event {
	e.Data = data
	return e
}
