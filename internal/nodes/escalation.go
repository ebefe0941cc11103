package nodes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/graph"
	"github.com/maestro-ai/maestro/internal/hooks"
	"github.com/maestro-ai/maestro/internal/observability"
)

// handoffFile is written under the project's .workflow directory at every
// terminal state.
const handoffFile = "HANDOFF.md"

// skippableErrTypes are failures an autonomous run may wave through once
// its retry budget is spent: review and gate verdicts, not broken work.
var skippableErrTypes = map[string]bool{
	core.ErrTypeValidationFailed:   true,
	core.ErrTypeVerificationFailed: true,
	core.ErrTypeQualityGate:        true,
	core.ErrTypeSecurityGate:       true,
}

// approvalNode gates entry into a phase. Interactive runs with the gate
// enabled suspend with an approval interrupt; everything else passes
// through. The gated phase is recorded on the state before suspending so
// the post-resume router knows where approval leads.
func (w *Workflow) approvalNode(gated core.Phase) graph.NodeFunc {
	return func(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
		if !w.requiresApproval(gated) || state.ExecutionMode != core.ModeInteractive || state.HumanResponse != nil {
			return &core.PartialState{NextDecision: decisionPtr(core.DecisionContinue)}, nil
		}

		w.emitNow(core.NewEvent(core.EventHumanInterrupt, state.ProjectName, core.PriorityHigh).
			WithPhase(gated).WithData(map[string]any{"type": "approval"}))
		w.action(ctx, "awaiting approval for "+gated.String(), "", nil)
		return nil, graph.Interrupt(&core.InterruptPayload{
			Type:             "approval",
			Project:          state.ProjectName,
			Phase:            gated,
			Issue:            fmt.Sprintf("approval required before the %s phase", gated),
			SuggestedActions: []string{"continue", "abort"},
			Message:          "Resume with continue to proceed or abort to stop the workflow.",
		}, &core.PartialState{CurrentPhase: phasePtr(gated)})
	}
}

// approvalRouter routes past an approval gate, detouring through the
// response applier after a resume.
func (w *Workflow) approvalRouter(next string) graph.Router {
	return func(s *core.WorkflowState) []graph.Dispatch {
		if s.HumanResponse != nil {
			return graph.Goto(NodeApplyApproval)
		}
		return graph.Goto(next)
	}
}

// ApplyApproval consumes the human's answer to an approval interrupt.
func (w *Workflow) ApplyApproval(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	p := &core.PartialState{ClearHumanResponse: true}
	if state.HumanResponse != nil && state.HumanResponse.Action == core.ActionAbort {
		w.action(ctx, "approval denied", "", nil)
		p.NextDecision = decisionPtr(core.DecisionAbort)
		p.Errors = []core.WorkflowError{{
			Type:      core.ErrTypeUserAbort,
			Message:   "approval denied at " + state.CurrentPhase.String(),
			Timestamp: time.Now(),
		}}
		return p, nil
	}
	w.action(ctx, "approval granted", "", nil)
	p.NextDecision = decisionPtr(core.DecisionContinue)
	return p, nil
}

func (w *Workflow) requiresApproval(p core.Phase) bool {
	if !w.cfg.Workflow.Features.ApprovalGates {
		return false
	}
	for _, n := range w.cfg.Workflow.ApprovalPhases {
		if core.Phase(n) == p {
			return true
		}
	}
	return false
}

// ErrorDispatch is the single funnel every escalation passes through. The
// router behind it decides between the fixer and a human.
func (w *Workflow) ErrorDispatch(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	werr := lastError(state)
	data := map[string]any{}
	if werr != nil {
		data["error_type"] = werr.Type
		data["message"] = werr.Message
	}
	w.runHook(ctx, hooks.OnError, data)
	w.emitNow(core.NewEvent(core.EventEscalation, state.ProjectName, core.PriorityHigh).
		WithNode(NodeErrorDispatch).WithPhase(state.CurrentPhase).WithData(data))
	taskID := core.TaskID("")
	if werr != nil {
		taskID = werr.TaskID
	}
	w.action(ctx, "error dispatched", taskID, data)
	return &core.PartialState{}, nil
}

// HumanEscalation suspends an interactive run on the unresolved failure. In
// autonomous mode it decides on its own: retry while budget remains, skip
// review verdicts, abort anything else.
func (w *Workflow) HumanEscalation(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	werr := lastError(state)
	if state.ExecutionMode == core.ModeAutonomous {
		return w.autonomousDecision(ctx, state, werr), nil
	}
	if state.HumanResponse != nil {
		// Router sends this straight to the applier.
		return &core.PartialState{}, nil
	}

	payload := &core.InterruptPayload{
		Type:             "escalation",
		Project:          state.ProjectName,
		Phase:            state.CurrentPhase,
		SuggestedActions: []string{"retry", "skip", "continue", "abort"},
		Message:          "The workflow needs a decision before it can continue.",
	}
	if werr != nil {
		payload.Issue = werr.Type + ": " + werr.Message
		if werr.Type == core.ErrTypeTaskClarification {
			payload.Clarifications = []string{werr.Message}
			payload.SuggestedActions = append(payload.SuggestedActions, "answer_clarification")
		}
	}
	if state.FixAttempt != nil {
		payload.FixerDiagnosis = state.FixAttempt.Diagnosis
	}

	w.emitNow(core.NewEvent(core.EventHumanInterrupt, state.ProjectName, core.PriorityHigh).
		WithNode(NodeHumanEscalation).WithPhase(state.CurrentPhase).
		WithData(map[string]any{"issue": payload.Issue}))
	w.action(ctx, "escalated to human", "", map[string]any{"issue": payload.Issue})
	return nil, graph.Interrupt(payload, nil)
}

// autonomousDecision resolves an escalation without a human in the loop.
func (w *Workflow) autonomousDecision(ctx context.Context, state *core.WorkflowState, werr *core.WorkflowError) *core.PartialState {
	retries := state.PhaseRetries[state.CurrentPhase]
	if retries < AutonomousMaxRetries {
		w.log.Warn("autonomous retry", "phase", state.CurrentPhase.String(), "retries", retries)
		w.action(ctx, "autonomous retry", "", map[string]any{"retries": retries + 1})
		return &core.PartialState{
			NextDecision: decisionPtr(core.DecisionRetry),
			PhaseRetries: map[core.Phase]int{state.CurrentPhase: retries + 1},
		}
	}
	if werr != nil && skippableErrTypes[werr.Type] {
		w.log.Warn("autonomous skip of review verdict", "phase", state.CurrentPhase.String(), "error_type", werr.Type)
		w.action(ctx, "autonomous skip", "", map[string]any{"error_type": werr.Type})
		return &core.PartialState{
			NextDecision:  decisionPtr(core.DecisionContinue),
			ReviewSkipped: boolPtr(true),
		}
	}

	msg := "autonomous run out of retries with an unskippable failure"
	if werr != nil {
		msg += ": " + werr.Type
	}
	w.action(ctx, "autonomous abort", "", nil)
	return &core.PartialState{
		NextDecision: decisionPtr(core.DecisionAbort),
		Errors: []core.WorkflowError{{
			Type:      core.ErrTypeAutonomousAbort,
			Message:   msg,
			Timestamp: time.Now(),
		}},
	}
}

// ApplyHumanResponse translates a resume input into state changes and a
// routing decision.
func (w *Workflow) ApplyHumanResponse(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	resp := state.HumanResponse
	p := &core.PartialState{ClearHumanResponse: true}
	if resp == nil {
		p.NextDecision = decisionPtr(core.DecisionContinue)
		return p, nil
	}
	w.action(ctx, "human response applied", "", map[string]any{"action": string(resp.Action)})

	switch resp.Action {
	case core.ActionRetry:
		p.NextDecision = decisionPtr(core.DecisionRetry)
		p.PhaseRetries = map[core.Phase]int{state.CurrentPhase: state.PhaseRetries[state.CurrentPhase] + 1}
		if resp.TargetPhase != nil {
			p.CurrentPhase = phasePtr(*resp.TargetPhase)
		}
		if t, ok := state.TaskByID(state.CurrentTaskID); ok && t.CanRetry() {
			reset := t.Clone()
			if err := reset.Reset(); err == nil {
				p.Tasks = []*core.Task{reset}
			}
		}

	case core.ActionSkip:
		p.NextDecision = decisionPtr(core.DecisionContinue)
		p.ReviewSkipped = boolPtr(true)

	case core.ActionAbort:
		p.NextDecision = decisionPtr(core.DecisionAbort)
		p.Errors = []core.WorkflowError{{
			Type:      core.ErrTypeUserAbort,
			Message:   "aborted by operator",
			Timestamp: time.Now(),
		}}

	case core.ActionAnswerClarification:
		w.recordAnswers(ctx, state, resp.Answers)
		if t, ok := state.TaskByID(state.CurrentTaskID); ok && t.Status == core.TaskStatusBlocked {
			unblocked := t.Clone()
			if err := unblocked.Reset(); err == nil {
				p.Tasks = []*core.Task{unblocked}
			}
		}
		p.CurrentTaskID = taskIDPtr("")
		p.NextDecision = decisionPtr(core.DecisionRetry)

	default:
		p.NextDecision = decisionPtr(core.DecisionContinue)
	}
	return p, nil
}

// recordAnswers persists clarification answers so later loop iterations see
// them in their prompt context.
func (w *Workflow) recordAnswers(ctx context.Context, state *core.WorkflowState, answers map[string]string) {
	if w.d.Repo == nil {
		return
	}
	for question, answer := range answers {
		entry := &core.LogEntry{
			ProjectName: state.ProjectName,
			LogType:     core.LogTypeClarification,
			TaskID:      state.CurrentTaskID,
			Message:     "Q: " + question + " A: " + answer,
		}
		if err := w.d.Repo.AppendLog(ctx, entry); err != nil {
			w.log.Warn("failed to persist clarification answer", "error", err)
		}
	}
}

// Completion closes the workflow: handoff brief, completion hook, terminal
// event.
func (w *Workflow) Completion(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	started := startPhase(state, core.PhaseCompletion)
	path := w.writeHandoff(ctx, state)
	w.runHook(ctx, hooks.OnComplete, map[string]any{
		"project":   state.ProjectName,
		"completed": len(state.CompletedTaskIDs),
		"failed":    len(state.FailedTaskIDs),
		"cost_usd":  state.TotalCostUSD,
	})
	w.emitNow(core.NewEvent(core.EventWorkflowComplete, state.ProjectName, core.PriorityHigh).
		WithData(map[string]any{
			"completed": len(state.CompletedTaskIDs),
			"failed":    len(state.FailedTaskIDs),
			"cost_usd":  state.TotalCostUSD,
			"handoff":   path,
		}))
	w.action(ctx, "workflow complete", "", map[string]any{"handoff": path})

	return &core.PartialState{
		CurrentPhase: phasePtr(core.PhaseCompletion),
		PhaseStatus: map[core.Phase]*core.PhaseState{
			core.PhaseCompletion: finishPhase(started, core.PhaseCompleted, "", map[string]any{"handoff": path}),
		},
		NextDecision: decisionPtr(core.DecisionNone),
	}, nil
}

// Abort is the terminal node for operator aborts and exhausted autonomous
// runs. It still writes the handoff so the failure is reconstructable.
func (w *Workflow) Abort(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	path := w.writeHandoff(ctx, state)
	reason := "aborted"
	if werr := lastError(state); werr != nil {
		reason = werr.Type + ": " + werr.Message
	}
	w.emitNow(core.NewEvent(core.EventWorkflowFailed, state.ProjectName, core.PriorityHigh).
		WithData(map[string]any{"reason": reason, "handoff": path}))
	w.action(ctx, "workflow aborted", "", map[string]any{"reason": reason})
	return &core.PartialState{NextDecision: decisionPtr(core.DecisionAbort)}, nil
}

func (w *Workflow) writeHandoff(ctx context.Context, state *core.WorkflowState) string {
	if w.d.Handoff == nil {
		return ""
	}
	var actions []*core.LogEntry
	if w.d.Actions != nil {
		actions, _ = w.d.Actions.Recent(ctx, 50)
	}
	var unresolved []*observability.AggregatedError
	if w.d.Aggregator != nil {
		unresolved = w.d.Aggregator.Unresolved()
	}
	dir := filepath.Join(state.ProjectDir, ".workflow")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.log.Warn("failed to create handoff directory", "error", err)
		return ""
	}
	path := filepath.Join(dir, handoffFile)
	if _, err := w.d.Handoff.Write(ctx, path, state, actions, unresolved); err != nil {
		w.log.Warn("failed to write handoff brief", "error", err)
		return ""
	}
	return path
}
