package core

import (
	"fmt"
	"sort"
	"time"
)

// ExecutionMode selects between human-gated and best-effort automatic
// escalation decisions.
type ExecutionMode string

const (
	ModeInteractive ExecutionMode = "interactive"
	ModeAutonomous  ExecutionMode = "autonomous"
)

// Decision is the router hint a node emits.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionRetry    Decision = "retry"
	DecisionEscalate Decision = "escalate"
	DecisionAbort    Decision = "abort"
	DecisionNone     Decision = "none"
)

// WorkflowError is one entry on the state's append-only error list.
type WorkflowError struct {
	Type       string     `json:"type"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	TaskID     TaskID     `json:"task_id,omitempty"`
	Phase      *Phase     `json:"phase,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// FixAttempt tracks the fixer subgraph's current attempt.
type FixAttempt struct {
	ErrorType string         `json:"error_type"`
	Diagnosis string         `json:"diagnosis,omitempty"`
	Plan      string         `json:"plan,omitempty"`
	Risky     bool           `json:"risky,omitempty"`
	Research  string         `json:"research,omitempty"`
	Applied   bool           `json:"applied,omitempty"`
	Verified  bool           `json:"verified,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

// WorkflowState is the durable per-thread state that travels through the
// graph. All progress lives here; there is no process-wide state.
type WorkflowState struct {
	ProjectName string `json:"project_name"`
	ProjectDir  string `json:"project_dir"`
	ThreadID    string `json:"thread_id"`

	ExecutionMode ExecutionMode         `json:"execution_mode"`
	CurrentPhase  Phase                 `json:"current_phase"`
	EndPhase      Phase                 `json:"end_phase"`
	PhaseStatus   map[Phase]*PhaseState `json:"phase_status"`

	Plan *Plan `json:"plan,omitempty"`

	Tasks            []*Task         `json:"tasks"`
	CompletedTaskIDs map[TaskID]bool `json:"completed_task_ids"`
	FailedTaskIDs    map[TaskID]bool `json:"failed_task_ids"`
	CurrentTaskID    TaskID          `json:"current_task_id,omitempty"`
	CurrentTaskIDs   []TaskID        `json:"current_task_ids,omitempty"`
	InFlightTaskIDs  map[TaskID]bool `json:"in_flight_task_ids,omitempty"`

	ValidationFeedback   map[string]*Feedback `json:"validation_feedback,omitempty"`
	VerificationFeedback map[string]*Feedback `json:"verification_feedback,omitempty"`

	Errors       []WorkflowError `json:"errors"`
	NextDecision Decision        `json:"next_decision"`

	IterationCount        int `json:"iteration_count"`
	MaxTaskLoopIterations int `json:"max_task_loop_iterations"`

	ExecutionHistory []AgentExecution `json:"execution_history,omitempty"`

	FixAttempt         *FixAttempt `json:"fix_attempt,omitempty"`
	FixerFailures      int         `json:"fixer_failures"`
	CircuitBreakerOpen bool        `json:"circuit_breaker_open"`

	PhaseRetries  map[Phase]int `json:"phase_retries,omitempty"`
	ReviewSkipped bool          `json:"review_skipped,omitempty"`

	PauseRequested bool   `json:"pause_requested,omitempty"`
	PausedAtNode   string `json:"paused_at_node,omitempty"`

	HumanResponse *HumanResponse `json:"human_response,omitempty"`

	TotalCostUSD float64            `json:"total_cost_usd"`
	TaskCosts    map[TaskID]float64 `json:"task_costs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewWorkflowState initializes state for a project thread.
func NewWorkflowState(projectName, projectDir, threadID string, mode ExecutionMode) *WorkflowState {
	now := time.Now()
	s := &WorkflowState{
		ProjectName:           projectName,
		ProjectDir:            projectDir,
		ThreadID:              threadID,
		ExecutionMode:         mode,
		CurrentPhase:          PhasePrerequisites,
		EndPhase:              FinalPhase,
		PhaseStatus:           make(map[Phase]*PhaseState),
		CompletedTaskIDs:      make(map[TaskID]bool),
		FailedTaskIDs:         make(map[TaskID]bool),
		InFlightTaskIDs:       make(map[TaskID]bool),
		NextDecision:          DecisionNone,
		MaxTaskLoopIterations: 50,
		PhaseRetries:          make(map[Phase]int),
		TaskCosts:             make(map[TaskID]float64),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	for p := PhasePrerequisites; p <= FinalPhase; p++ {
		s.PhaseStatus[p] = NewPhaseState(3)
	}
	return s
}

// TaskByID returns the task with the given id.
func (s *WorkflowState) TaskByID(id TaskID) (*Task, bool) {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// PendingTasks returns tasks still pending, in declaration order.
func (s *WorkflowState) PendingTasks() []*Task {
	var pending []*Task
	for _, t := range s.Tasks {
		if t.Status == TaskStatusPending {
			pending = append(pending, t)
		}
	}
	return pending
}

// RunnableTasks returns pending tasks whose dependencies are all completed,
// ordered by task id.
func (s *WorkflowState) RunnableTasks() []*Task {
	var ready []*Task
	for _, t := range s.Tasks {
		if t.IsReady(s.CompletedTaskIDs) {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// RecordError appends an entry to the append-only error list.
func (s *WorkflowState) RecordError(errType, message string, taskID TaskID) {
	phase := s.CurrentPhase
	s.Errors = append(s.Errors, WorkflowError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		TaskID:    taskID,
		Phase:     &phase,
	})
}

// RecordExecution appends to the bounded agent execution history.
func (s *WorkflowState) RecordExecution(exec AgentExecution) {
	s.ExecutionHistory = append(s.ExecutionHistory, exec)
	if len(s.ExecutionHistory) > MaxExecutionHistory {
		s.ExecutionHistory = s.ExecutionHistory[len(s.ExecutionHistory)-MaxExecutionHistory:]
	}
}

// AddTaskCost accumulates cost against a task and the workflow total.
func (s *WorkflowState) AddTaskCost(id TaskID, cost float64) {
	if s.TaskCosts == nil {
		s.TaskCosts = make(map[TaskID]float64)
	}
	s.TaskCosts[id] += cost
	s.TotalCostUSD += cost
}

// Validate checks the state invariants that must hold in every reachable
// state.
func (s *WorkflowState) Validate() error {
	inProgress := 0
	for p, ps := range s.PhaseStatus {
		if ps.Status == PhaseInProgress {
			inProgress++
		}
		if ps.Attempts > ps.MaxAttempts {
			return ErrState(CodeInvalidState,
				fmt.Sprintf("phase %s attempts %d exceed max %d", p, ps.Attempts, ps.MaxAttempts))
		}
	}
	if inProgress > 1 {
		return ErrState(CodeInvalidState,
			fmt.Sprintf("%d phases in_progress, at most one allowed", inProgress))
	}
	for id := range s.CompletedTaskIDs {
		if s.FailedTaskIDs[id] {
			return ErrState(CodeInvalidState,
				fmt.Sprintf("task %s is both completed and failed", id))
		}
	}
	if len(s.CompletedTaskIDs)+len(s.FailedTaskIDs) > len(s.Tasks) {
		return ErrState(CodeInvalidState, "more terminal task ids than tasks")
	}
	if s.CurrentTaskID != "" {
		t, ok := s.TaskByID(s.CurrentTaskID)
		if !ok {
			return ErrState(CodeTaskNotFound, string(s.CurrentTaskID))
		}
		if t.Status != TaskStatusInProgress {
			return ErrState(CodeInvalidState,
				fmt.Sprintf("current task %s has status %s, want in_progress", t.ID, t.Status))
		}
	}
	return nil
}

// Clone returns a deep copy, used for fan-out where sibling nodes receive
// independent state copies.
func (s *WorkflowState) Clone() *WorkflowState {
	cp := *s
	cp.PhaseStatus = make(map[Phase]*PhaseState, len(s.PhaseStatus))
	for p, ps := range s.PhaseStatus {
		cp.PhaseStatus[p] = ps.Clone()
	}
	cp.Tasks = make([]*Task, len(s.Tasks))
	for i, t := range s.Tasks {
		cp.Tasks[i] = t.Clone()
	}
	cp.CompletedTaskIDs = cloneSet(s.CompletedTaskIDs)
	cp.FailedTaskIDs = cloneSet(s.FailedTaskIDs)
	cp.InFlightTaskIDs = cloneSet(s.InFlightTaskIDs)
	cp.CurrentTaskIDs = append([]TaskID(nil), s.CurrentTaskIDs...)
	cp.ValidationFeedback = cloneFeedback(s.ValidationFeedback)
	cp.VerificationFeedback = cloneFeedback(s.VerificationFeedback)
	cp.Errors = append([]WorkflowError(nil), s.Errors...)
	cp.ExecutionHistory = append([]AgentExecution(nil), s.ExecutionHistory...)
	if s.FixAttempt != nil {
		fa := *s.FixAttempt
		cp.FixAttempt = &fa
	}
	cp.PhaseRetries = make(map[Phase]int, len(s.PhaseRetries))
	for p, n := range s.PhaseRetries {
		cp.PhaseRetries[p] = n
	}
	cp.TaskCosts = make(map[TaskID]float64, len(s.TaskCosts))
	for id, c := range s.TaskCosts {
		cp.TaskCosts[id] = c
	}
	if s.HumanResponse != nil {
		hr := *s.HumanResponse
		cp.HumanResponse = &hr
	}
	if s.Plan != nil {
		plan := *s.Plan
		cp.Plan = &plan
	}
	return &cp
}

func cloneSet(m map[TaskID]bool) map[TaskID]bool {
	cp := make(map[TaskID]bool, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneFeedback(m map[string]*Feedback) map[string]*Feedback {
	if m == nil {
		return nil
	}
	cp := make(map[string]*Feedback, len(m))
	for k, v := range m {
		if v != nil {
			f := *v
			cp[k] = &f
		}
	}
	return cp
}
