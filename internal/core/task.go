package core

import (
	"fmt"
	"time"
)

// TaskID uniquely identifies a task within a workflow.
type TaskID string

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// Task represents a unit of implementation work derived from the plan.
type Task struct {
	ID                  TaskID     `json:"id"`
	Title               string     `json:"title"`
	UserStory           string     `json:"user_story,omitempty"`
	AcceptanceCriteria  []string   `json:"acceptance_criteria,omitempty"`
	FilesToCreate       []string   `json:"files_to_create,omitempty"`
	FilesToModify       []string   `json:"files_to_modify,omitempty"`
	TestFiles           []string   `json:"test_files,omitempty"`
	Dependencies        []TaskID   `json:"dependencies,omitempty"`
	Status              TaskStatus `json:"status"`
	Attempts            int        `json:"attempts"`
	MaxAttempts         int        `json:"max_attempts"`
	ResumeIteration     int        `json:"resume_iteration,omitempty"`
	Error               string     `json:"error,omitempty"`
	ImplementationNotes string     `json:"implementation_notes,omitempty"`
	AgentKind           string     `json:"agent_type,omitempty"`
	Model               string     `json:"model,omitempty"`
	CostUSD             float64    `json:"cost_usd,omitempty"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// NewTask creates a pending task with the default retry budget.
func NewTask(id TaskID, title string) *Task {
	return &Task{
		ID:          id,
		Title:       title,
		Status:      TaskStatusPending,
		MaxAttempts: 3,
	}
}

// WithUserStory sets the user story.
func (t *Task) WithUserStory(story string) *Task {
	t.UserStory = story
	return t
}

// WithAcceptanceCriteria sets the acceptance criteria.
func (t *Task) WithAcceptanceCriteria(criteria ...string) *Task {
	t.AcceptanceCriteria = criteria
	return t
}

// WithDependencies sets the task dependencies.
func (t *Task) WithDependencies(deps ...TaskID) *Task {
	t.Dependencies = deps
	return t
}

// WithTestFiles sets the test files that gate completion.
func (t *Task) WithTestFiles(files ...string) *Task {
	t.TestFiles = files
	return t
}

// WithMaxAttempts sets the retry budget.
func (t *Task) WithMaxAttempts(n int) *Task {
	t.MaxAttempts = n
	return t
}

// IsReady reports whether the task is pending with all dependencies completed.
func (t *Task) IsReady(completed map[TaskID]bool) bool {
	if t.Status != TaskStatusPending {
		return false
	}
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// MarkInProgress transitions the task to in_progress.
func (t *Task) MarkInProgress() error {
	if t.Status != TaskStatusPending {
		return fmt.Errorf("cannot start task in %s state", t.Status)
	}
	t.Status = TaskStatusInProgress
	t.Attempts++
	now := time.Now()
	t.StartedAt = &now
	return nil
}

// MarkCompleted transitions the task to completed.
func (t *Task) MarkCompleted(notes string) error {
	if t.Status != TaskStatusInProgress {
		return fmt.Errorf("cannot complete task in %s state", t.Status)
	}
	t.Status = TaskStatusCompleted
	t.ImplementationNotes = notes
	t.ResumeIteration = 0
	now := time.Now()
	t.CompletedAt = &now
	return nil
}

// MarkFailed transitions the task to failed.
func (t *Task) MarkFailed(err error) error {
	if t.Status != TaskStatusInProgress {
		return fmt.Errorf("cannot fail task in %s state", t.Status)
	}
	t.Status = TaskStatusFailed
	if err != nil {
		t.Error = err.Error()
	}
	now := time.Now()
	t.CompletedAt = &now
	return nil
}

// MarkBlocked transitions the task to blocked, recording the reason.
// Used when the implementer asks for clarification.
func (t *Task) MarkBlocked(reason string) error {
	if t.Status != TaskStatusInProgress && t.Status != TaskStatusPending {
		return fmt.Errorf("cannot block task in %s state", t.Status)
	}
	t.Status = TaskStatusBlocked
	t.Error = reason
	return nil
}

// CanRetry reports whether the task has retry budget remaining.
func (t *Task) CanRetry() bool {
	return (t.Status == TaskStatusFailed || t.Status == TaskStatusBlocked) &&
		t.Attempts < t.MaxAttempts
}

// Reset returns a failed or blocked task to pending for another attempt.
func (t *Task) Reset() error {
	if !t.CanRetry() {
		return fmt.Errorf("cannot retry task %s: attempts=%d, max=%d", t.ID, t.Attempts, t.MaxAttempts)
	}
	t.Status = TaskStatusPending
	t.Error = ""
	t.ResumeIteration = 0
	t.StartedAt = nil
	t.CompletedAt = nil
	return nil
}

// IsTerminal reports whether the task reached a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// Validate checks task invariants.
func (t *Task) Validate() error {
	if t.ID == "" {
		return ErrValidation("TASK_ID_REQUIRED", "task ID cannot be empty")
	}
	if t.Title == "" {
		return ErrValidation("TASK_TITLE_REQUIRED", "task title cannot be empty")
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	cp.FilesToCreate = append([]string(nil), t.FilesToCreate...)
	cp.FilesToModify = append([]string(nil), t.FilesToModify...)
	cp.TestFiles = append([]string(nil), t.TestFiles...)
	cp.Dependencies = append([]TaskID(nil), t.Dependencies...)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}
