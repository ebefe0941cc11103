package core

import "time"

// PartialState is a node's output: the subset of fields it wants changed.
// The merge policy is per field kind: scalars take the last writer, lists
// append, sets union, maps merge by key. Pointer fields that are nil leave
// the state untouched.
type PartialState struct {
	CurrentPhase  *Phase
	EndPhase      *Phase
	ExecutionMode *ExecutionMode
	NextDecision  *Decision

	PhaseStatus map[Phase]*PhaseState

	Plan *Plan

	Tasks            []*Task // appended; existing ids are replaced in place
	CompletedTaskIDs []TaskID
	FailedTaskIDs    []TaskID
	CurrentTaskID    *TaskID
	CurrentTaskIDs   []TaskID // replaces as a unit (batch selection is atomic)
	InFlightAdd      []TaskID
	InFlightRemove   []TaskID

	ValidationFeedback   map[string]*Feedback
	VerificationFeedback map[string]*Feedback
	ClearValidation      bool
	ClearVerification    bool

	Errors           []WorkflowError
	ResolveErrors    []ErrorResolution
	ExecutionHistory []AgentExecution

	IterationCount *int

	FixAttempt         *FixAttempt
	ClearFixAttempt    bool
	FixerFailures      *int
	CircuitBreakerOpen *bool

	PhaseRetries  map[Phase]int
	ReviewSkipped *bool

	PauseRequested *bool
	PausedAtNode   *string

	HumanResponse      *HumanResponse
	ClearHumanResponse bool

	TaskCosts map[TaskID]float64
}

// ErrorResolution marks the newest unresolved error of a type (and task,
// when set) as resolved.
type ErrorResolution struct {
	Type       string
	TaskID     TaskID
	Resolution string
}

// Apply merges a partial into the state. The operation is commutative for
// fields that can be written by fan-out siblings (lists, sets, maps); scalar
// fields must only be written by one sibling per step.
func (s *WorkflowState) Apply(p *PartialState) {
	if p == nil {
		return
	}
	if p.CurrentPhase != nil {
		s.CurrentPhase = *p.CurrentPhase
	}
	if p.EndPhase != nil {
		s.EndPhase = *p.EndPhase
	}
	if p.ExecutionMode != nil {
		s.ExecutionMode = *p.ExecutionMode
	}
	if p.NextDecision != nil {
		s.NextDecision = *p.NextDecision
	}
	for phase, ps := range p.PhaseStatus {
		s.PhaseStatus[phase] = ps
	}
	if p.Plan != nil {
		s.Plan = p.Plan
	}
	for _, t := range p.Tasks {
		if existing, ok := s.TaskByID(t.ID); ok {
			*existing = *t
		} else {
			s.Tasks = append(s.Tasks, t)
		}
	}
	for _, id := range p.CompletedTaskIDs {
		s.CompletedTaskIDs[id] = true
		delete(s.FailedTaskIDs, id)
	}
	for _, id := range p.FailedTaskIDs {
		if !s.CompletedTaskIDs[id] {
			s.FailedTaskIDs[id] = true
		}
	}
	if p.CurrentTaskID != nil {
		s.CurrentTaskID = *p.CurrentTaskID
	}
	if p.CurrentTaskIDs != nil {
		s.CurrentTaskIDs = append([]TaskID(nil), p.CurrentTaskIDs...)
	}
	for _, id := range p.InFlightAdd {
		if s.InFlightTaskIDs == nil {
			s.InFlightTaskIDs = make(map[TaskID]bool)
		}
		s.InFlightTaskIDs[id] = true
	}
	for _, id := range p.InFlightRemove {
		delete(s.InFlightTaskIDs, id)
	}
	if p.ClearValidation {
		s.ValidationFeedback = nil
	}
	for name, fb := range p.ValidationFeedback {
		if s.ValidationFeedback == nil {
			s.ValidationFeedback = make(map[string]*Feedback)
		}
		s.ValidationFeedback[name] = fb
	}
	if p.ClearVerification {
		s.VerificationFeedback = nil
	}
	for name, fb := range p.VerificationFeedback {
		if s.VerificationFeedback == nil {
			s.VerificationFeedback = make(map[string]*Feedback)
		}
		s.VerificationFeedback[name] = fb
	}
	s.Errors = append(s.Errors, p.Errors...)
	for _, res := range p.ResolveErrors {
		s.resolveError(res)
	}
	for _, exec := range p.ExecutionHistory {
		s.RecordExecution(exec)
	}
	if p.IterationCount != nil {
		s.IterationCount = *p.IterationCount
	}
	if p.ClearFixAttempt {
		s.FixAttempt = nil
	} else if p.FixAttempt != nil {
		s.FixAttempt = p.FixAttempt
	}
	if p.FixerFailures != nil {
		s.FixerFailures = *p.FixerFailures
	}
	if p.CircuitBreakerOpen != nil {
		s.CircuitBreakerOpen = *p.CircuitBreakerOpen
	}
	for phase, n := range p.PhaseRetries {
		if s.PhaseRetries == nil {
			s.PhaseRetries = make(map[Phase]int)
		}
		s.PhaseRetries[phase] = n
	}
	if p.ReviewSkipped != nil {
		s.ReviewSkipped = *p.ReviewSkipped
	}
	if p.PauseRequested != nil {
		s.PauseRequested = *p.PauseRequested
	}
	if p.PausedAtNode != nil {
		s.PausedAtNode = *p.PausedAtNode
	}
	if p.ClearHumanResponse {
		s.HumanResponse = nil
	} else if p.HumanResponse != nil {
		s.HumanResponse = p.HumanResponse
	}
	for id, cost := range p.TaskCosts {
		s.AddTaskCost(id, cost)
	}
	s.UpdatedAt = time.Now()
}

// resolveError stamps the newest matching unresolved entry. A miss is not
// an error; the entry may have been pruned.
func (s *WorkflowState) resolveError(res ErrorResolution) {
	for i := len(s.Errors) - 1; i >= 0; i-- {
		e := &s.Errors[i]
		if e.Resolution != "" || e.Type != res.Type {
			continue
		}
		if res.TaskID != "" && e.TaskID != res.TaskID {
			continue
		}
		e.Resolution = res.Resolution
		now := time.Now()
		e.ResolvedAt = &now
		return
	}
}

// MergePartials reduces fan-out sibling outputs into one partial, applied in
// the given order. List and map fields accumulate; scalar fields keep the
// last non-nil writer.
func MergePartials(parts ...*PartialState) *PartialState {
	merged := &PartialState{}
	for _, p := range parts {
		if p == nil {
			continue
		}
		if p.CurrentPhase != nil {
			merged.CurrentPhase = p.CurrentPhase
		}
		if p.EndPhase != nil {
			merged.EndPhase = p.EndPhase
		}
		if p.ExecutionMode != nil {
			merged.ExecutionMode = p.ExecutionMode
		}
		if p.NextDecision != nil {
			merged.NextDecision = p.NextDecision
		}
		for phase, ps := range p.PhaseStatus {
			if merged.PhaseStatus == nil {
				merged.PhaseStatus = make(map[Phase]*PhaseState)
			}
			merged.PhaseStatus[phase] = ps
		}
		if p.Plan != nil {
			merged.Plan = p.Plan
		}
		merged.Tasks = append(merged.Tasks, p.Tasks...)
		merged.CompletedTaskIDs = append(merged.CompletedTaskIDs, p.CompletedTaskIDs...)
		merged.FailedTaskIDs = append(merged.FailedTaskIDs, p.FailedTaskIDs...)
		if p.CurrentTaskID != nil {
			merged.CurrentTaskID = p.CurrentTaskID
		}
		if p.CurrentTaskIDs != nil {
			merged.CurrentTaskIDs = p.CurrentTaskIDs
		}
		merged.InFlightAdd = append(merged.InFlightAdd, p.InFlightAdd...)
		merged.InFlightRemove = append(merged.InFlightRemove, p.InFlightRemove...)
		merged.ClearValidation = merged.ClearValidation || p.ClearValidation
		for name, fb := range p.ValidationFeedback {
			if merged.ValidationFeedback == nil {
				merged.ValidationFeedback = make(map[string]*Feedback)
			}
			merged.ValidationFeedback[name] = fb
		}
		merged.ClearVerification = merged.ClearVerification || p.ClearVerification
		for name, fb := range p.VerificationFeedback {
			if merged.VerificationFeedback == nil {
				merged.VerificationFeedback = make(map[string]*Feedback)
			}
			merged.VerificationFeedback[name] = fb
		}
		merged.Errors = append(merged.Errors, p.Errors...)
		merged.ResolveErrors = append(merged.ResolveErrors, p.ResolveErrors...)
		merged.ExecutionHistory = append(merged.ExecutionHistory, p.ExecutionHistory...)
		if p.IterationCount != nil {
			merged.IterationCount = p.IterationCount
		}
		merged.ClearFixAttempt = merged.ClearFixAttempt || p.ClearFixAttempt
		if p.FixAttempt != nil {
			merged.FixAttempt = p.FixAttempt
		}
		if p.FixerFailures != nil {
			merged.FixerFailures = p.FixerFailures
		}
		if p.CircuitBreakerOpen != nil {
			merged.CircuitBreakerOpen = p.CircuitBreakerOpen
		}
		for phase, n := range p.PhaseRetries {
			if merged.PhaseRetries == nil {
				merged.PhaseRetries = make(map[Phase]int)
			}
			merged.PhaseRetries[phase] = n
		}
		if p.ReviewSkipped != nil {
			merged.ReviewSkipped = p.ReviewSkipped
		}
		if p.PauseRequested != nil {
			merged.PauseRequested = p.PauseRequested
		}
		if p.PausedAtNode != nil {
			merged.PausedAtNode = p.PausedAtNode
		}
		merged.ClearHumanResponse = merged.ClearHumanResponse || p.ClearHumanResponse
		if p.HumanResponse != nil {
			merged.HumanResponse = p.HumanResponse
		}
		for id, cost := range p.TaskCosts {
			if merged.TaskCosts == nil {
				merged.TaskCosts = make(map[TaskID]float64)
			}
			merged.TaskCosts[id] += cost
		}
	}
	return merged
}
