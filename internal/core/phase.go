package core

import (
	"fmt"
	"time"
)

// Phase is one of the five ordinal workflow stages. Phase 0 covers
// prerequisite checks before planning starts.
type Phase int

const (
	PhasePrerequisites  Phase = 0
	PhasePlanning       Phase = 1
	PhaseValidation     Phase = 2
	PhaseImplementation Phase = 3
	PhaseVerification   Phase = 4
	PhaseCompletion     Phase = 5
)

// FinalPhase is the last phase in the lifecycle.
const FinalPhase = PhaseCompletion

// String returns the human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhasePrerequisites:
		return "prerequisites"
	case PhasePlanning:
		return "planning"
	case PhaseValidation:
		return "validation"
	case PhaseImplementation:
		return "implementation"
	case PhaseVerification:
		return "verification"
	case PhaseCompletion:
		return "completion"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Valid reports whether p is a defined phase.
func (p Phase) Valid() bool {
	return p >= PhasePrerequisites && p <= PhaseCompletion
}

// Next returns the phase that follows p, or p itself at the final phase.
func (p Phase) Next() Phase {
	if p >= FinalPhase {
		return p
	}
	return p + 1
}

// PhaseStatus represents the state of a single phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
	PhaseBlocked    PhaseStatus = "blocked"
)

// PhaseState tracks progress of one phase within a workflow.
type PhaseState struct {
	Status      PhaseStatus    `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
}

// NewPhaseState creates a pending phase state with the given retry budget.
func NewPhaseState(maxAttempts int) *PhaseState {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &PhaseState{
		Status:      PhasePending,
		MaxAttempts: maxAttempts,
	}
}

// CanRetry reports whether the phase has retry budget remaining.
func (ps *PhaseState) CanRetry() bool {
	return ps.Attempts < ps.MaxAttempts
}

// Clone returns a deep copy of the phase state.
func (ps *PhaseState) Clone() *PhaseState {
	if ps == nil {
		return nil
	}
	cp := *ps
	if ps.StartedAt != nil {
		t := *ps.StartedAt
		cp.StartedAt = &t
	}
	if ps.CompletedAt != nil {
		t := *ps.CompletedAt
		cp.CompletedAt = &t
	}
	if ps.Output != nil {
		cp.Output = make(map[string]any, len(ps.Output))
		for k, v := range ps.Output {
			cp.Output[k] = v
		}
	}
	return &cp
}
