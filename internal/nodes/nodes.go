// Package nodes implements the workflow's concrete node library and wires
// it into a runnable graph: prerequisites, planning, dual-reviewer
// validation, the task subgraph, quality and security gates, dual-reviewer
// verification, completion, and the escalation path into the fixer or a
// human.
package nodes

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-ai/maestro/internal/budget"
	"github.com/maestro-ai/maestro/internal/config"
	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/emitter"
	"github.com/maestro-ai/maestro/internal/fixer"
	"github.com/maestro-ai/maestro/internal/graph"
	"github.com/maestro-ai/maestro/internal/hooks"
	"github.com/maestro-ai/maestro/internal/logging"
	"github.com/maestro-ai/maestro/internal/loop"
	"github.com/maestro-ai/maestro/internal/observability"
	"github.com/maestro-ai/maestro/internal/worktree"
)

// Node names. The graph is cyclic; routers drive the loops.
const (
	NodePrerequisites      = "prerequisites"
	NodeApprovePlanning    = "approve_planning"
	NodePlanning           = "planning"
	NodeValidationSpread   = "validation_spread"
	NodeValidateCursor     = "validate_cursor"
	NodeValidateGemini     = "validate_gemini"
	NodeValidationMerge    = "validation_merge"
	NodeApproveTasks       = "approve_implementation"
	NodeTaskBreakdown      = "task_breakdown"
	NodeSelectTask         = "select_task"
	NodeWriteTests         = "write_tests"
	NodeImplementTask      = "implement_task"
	NodeImplementParallel  = "implement_tasks_parallel"
	NodeVerifyTask         = "verify_task"
	NodeFixBug             = "fix_bug"
	NodeQualityGate        = "quality_gate"
	NodeSecurityGate       = "security_gate"
	NodeApproveVerify      = "approve_verification"
	NodeVerificationSpread = "verification_spread"
	NodeVerifyCursor       = "verify_cursor"
	NodeVerifyGemini       = "verify_gemini"
	NodeVerificationMerge  = "verification_merge"
	NodeCompletion         = "completion"
	NodeErrorDispatch      = "error_dispatch"
	NodeHumanEscalation    = "human_escalation"
	NodeApplyResponse      = "apply_human_response"
	NodeApplyApproval      = "apply_approval"
	NodeAbort              = "abort"
)

// AutonomousMaxRetries bounds per-phase retries before an autonomous run
// gives up on a failing step.
const AutonomousMaxRetries = 3

// Deps are the node library's collaborators. Agent and Loop are required;
// the rest degrade gracefully when nil.
type Deps struct {
	Config     *config.Config
	Agent      core.AgentRunner
	Loop       *loop.Loop
	Budget     *budget.Manager
	Emitter    *emitter.Emitter
	Hooks      *hooks.Runner
	Repo       core.Repository
	Fixer      *fixer.Fixer
	Worktrees  *worktree.Manager
	Actions    *observability.ActionLogger
	Aggregator *observability.Aggregator
	Handoff    *observability.HandoffWriter
	Logger     *logging.Logger
}

// Workflow holds the node implementations for one project.
type Workflow struct {
	d    Deps
	cfg  *config.Config
	log  *logging.Logger
	corr string
}

// New creates the node library from its collaborators. Every event the
// node library emits carries the same correlation id, one per process
// invocation, so a thread's runs can be told apart in the event log.
func New(d Deps) *Workflow {
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	if d.Config == nil {
		d.Config = &config.Config{}
	}
	return &Workflow{d: d, cfg: d.Config, log: d.Logger, corr: uuid.NewString()}
}

// Build assembles the full workflow graph. The caller compiles it against a
// repository.
func (w *Workflow) Build() *graph.Builder {
	b := graph.NewBuilder()

	b.AddNode(NodePrerequisites, w.Prerequisites).
		AddNode(NodeApprovePlanning, w.approvalNode(core.PhasePlanning)).
		AddNode(NodePlanning, w.Planning).
		AddNode(NodeValidationSpread, w.ValidationSpread).
		AddNode(NodeValidateCursor, w.reviewer("cursor", core.PhaseValidation)).
		AddNode(NodeValidateGemini, w.reviewer("gemini", core.PhaseValidation)).
		AddNode(NodeValidationMerge, w.reviewMerge(core.PhaseValidation)).
		AddNode(NodeApproveTasks, w.approvalNode(core.PhaseImplementation)).
		AddNode(NodeTaskBreakdown, w.TaskBreakdown).
		AddNode(NodeSelectTask, w.SelectTask).
		AddNode(NodeWriteTests, w.WriteTests).
		AddNode(NodeImplementTask, w.ImplementTask).
		AddNode(NodeImplementParallel, w.ImplementTasksParallel).
		AddNode(NodeVerifyTask, w.VerifyTask).
		AddNode(NodeFixBug, w.FixBug).
		AddNode(NodeQualityGate, w.QualityGate).
		AddNode(NodeSecurityGate, w.SecurityGate).
		AddNode(NodeApproveVerify, w.approvalNode(core.PhaseVerification)).
		AddNode(NodeVerificationSpread, w.VerificationSpread).
		AddNode(NodeVerifyCursor, w.reviewer("cursor", core.PhaseVerification)).
		AddNode(NodeVerifyGemini, w.reviewer("gemini", core.PhaseVerification)).
		AddNode(NodeVerificationMerge, w.reviewMerge(core.PhaseVerification)).
		AddNode(NodeCompletion, w.Completion).
		AddNode(NodeErrorDispatch, w.ErrorDispatch).
		AddNode(NodeHumanEscalation, w.HumanEscalation).
		AddNode(NodeApplyResponse, w.ApplyHumanResponse).
		AddNode(NodeApplyApproval, w.ApplyApproval).
		AddNode(NodeAbort, w.Abort)

	b.AddRouter(NodePrerequisites, w.orDispatch(NodeApprovePlanning))
	b.AddRouter(NodeApprovePlanning, w.approvalRouter(NodePlanning))
	b.AddRouter(NodePlanning, func(s *core.WorkflowState) []graph.Dispatch {
		switch s.NextDecision {
		case core.DecisionRetry:
			return graph.Goto(NodePlanning)
		case core.DecisionEscalate:
			return graph.Goto(NodeErrorDispatch)
		default:
			return graph.Goto(NodeValidationSpread)
		}
	})
	b.AddRouter(NodeValidationSpread, func(*core.WorkflowState) []graph.Dispatch {
		return []graph.Dispatch{{Node: NodeValidateCursor}, {Node: NodeValidateGemini}}
	})
	b.AddEdge(NodeValidateCursor, NodeValidationMerge)
	b.AddEdge(NodeValidateGemini, NodeValidationMerge)
	b.AddRouter(NodeValidationMerge, func(s *core.WorkflowState) []graph.Dispatch {
		switch s.NextDecision {
		case core.DecisionRetry:
			return graph.Goto(NodePlanning)
		case core.DecisionEscalate:
			return graph.Goto(NodeErrorDispatch)
		default:
			return graph.Goto(NodeApproveTasks)
		}
	})
	b.AddRouter(NodeApproveTasks, w.approvalRouter(NodeTaskBreakdown))
	b.AddRouter(NodeTaskBreakdown, w.orDispatch(NodeSelectTask))
	b.AddRouter(NodeSelectTask, func(s *core.WorkflowState) []graph.Dispatch {
		switch {
		case s.NextDecision == core.DecisionEscalate:
			return graph.Goto(NodeErrorDispatch)
		case len(s.CurrentTaskIDs) > 1:
			return graph.Goto(NodeImplementParallel)
		case s.CurrentTaskID != "":
			return graph.Goto(NodeWriteTests)
		default:
			return graph.Goto(NodeQualityGate)
		}
	})
	b.AddEdge(NodeWriteTests, NodeImplementTask)
	b.AddRouter(NodeImplementTask, func(s *core.WorkflowState) []graph.Dispatch {
		switch {
		case s.PauseRequested:
			// Paused mid-task; the pending frontier points back here so a
			// resume re-enters the loop at the recorded iteration.
			return graph.Goto(NodeImplementTask)
		case s.NextDecision == core.DecisionRetry:
			return graph.Goto(NodeSelectTask)
		case s.NextDecision == core.DecisionEscalate:
			return graph.Goto(NodeErrorDispatch)
		default:
			return graph.Goto(NodeVerifyTask)
		}
	})
	b.AddRouter(NodeImplementParallel, w.orDispatch(NodeSelectTask))
	b.AddRouter(NodeVerifyTask, func(s *core.WorkflowState) []graph.Dispatch {
		switch s.NextDecision {
		case core.DecisionRetry:
			return graph.Goto(NodeFixBug)
		case core.DecisionEscalate:
			return graph.Goto(NodeErrorDispatch)
		default:
			return graph.Goto(NodeSelectTask)
		}
	})
	b.AddEdge(NodeFixBug, NodeVerifyTask)
	b.AddRouter(NodeQualityGate, w.orDispatch(NodeSecurityGate))
	b.AddRouter(NodeSecurityGate, w.orDispatch(NodeApproveVerify))
	b.AddRouter(NodeApproveVerify, w.approvalRouter(NodeVerificationSpread))
	b.AddRouter(NodeVerificationSpread, func(*core.WorkflowState) []graph.Dispatch {
		return []graph.Dispatch{{Node: NodeVerifyCursor}, {Node: NodeVerifyGemini}}
	})
	b.AddEdge(NodeVerifyCursor, NodeVerificationMerge)
	b.AddEdge(NodeVerifyGemini, NodeVerificationMerge)
	b.AddRouter(NodeVerificationMerge, w.orDispatch(NodeCompletion))
	b.AddEdge(NodeCompletion, graph.End)

	b.AddRouter(NodeErrorDispatch, func(s *core.WorkflowState) []graph.Dispatch {
		if w.d.Fixer != nil && w.d.Fixer.CanFix(s) {
			return graph.Goto("fixer_triage")
		}
		return graph.Goto(NodeHumanEscalation)
	})
	if w.d.Fixer != nil {
		w.d.Fixer.Attach(b, NodeSelectTask, NodeHumanEscalation)
	}
	b.AddRouter(NodeHumanEscalation, func(s *core.WorkflowState) []graph.Dispatch {
		if s.HumanResponse != nil {
			return graph.Goto(NodeApplyResponse)
		}
		return w.decisionTarget(s)
	})
	b.AddRouter(NodeApplyResponse, w.decisionTarget)
	b.AddRouter(NodeApplyApproval, func(s *core.WorkflowState) []graph.Dispatch {
		if s.NextDecision == core.DecisionAbort {
			return graph.Goto(NodeAbort)
		}
		return graph.Goto(approvalTarget(s.CurrentPhase))
	})
	b.AddEdge(NodeAbort, graph.End)

	b.SetEntry(NodePrerequisites)
	if w.cfg.Workflow.RecursionLimit > 0 {
		b.SetRecursionLimit(w.cfg.Workflow.RecursionLimit)
	}
	return b
}

// orDispatch routes to next unless the node escalated.
func (w *Workflow) orDispatch(next string) graph.Router {
	return func(s *core.WorkflowState) []graph.Dispatch {
		if s.NextDecision == core.DecisionEscalate {
			return graph.Goto(NodeErrorDispatch)
		}
		return graph.Goto(next)
	}
}

// decisionTarget routes an escalation decision back into the workflow.
func (w *Workflow) decisionTarget(s *core.WorkflowState) []graph.Dispatch {
	switch s.NextDecision {
	case core.DecisionAbort:
		return graph.Goto(NodeAbort)
	case core.DecisionRetry:
		return graph.Goto(retryTarget(s.CurrentPhase))
	default:
		return graph.Goto(continueTarget(s.CurrentPhase))
	}
}

// retryTarget names the node that re-runs the current phase.
func retryTarget(p core.Phase) string {
	switch p {
	case core.PhasePrerequisites:
		return NodePrerequisites
	case core.PhasePlanning, core.PhaseValidation:
		return NodePlanning
	case core.PhaseVerification:
		return NodeVerificationSpread
	case core.PhaseCompletion:
		return NodeCompletion
	default:
		return NodeSelectTask
	}
}

// approvalTarget names the node an approved phase entry proceeds to. The
// approval gate records the gated phase on the state before suspending.
func approvalTarget(p core.Phase) string {
	switch p {
	case core.PhaseImplementation:
		return NodeTaskBreakdown
	case core.PhaseVerification:
		return NodeVerificationSpread
	case core.PhaseCompletion:
		return NodeCompletion
	default:
		return NodePlanning
	}
}

// continueTarget names the node that skips past the current phase's failure.
func continueTarget(p core.Phase) string {
	switch p {
	case core.PhasePrerequisites:
		return NodeApprovePlanning
	case core.PhasePlanning:
		return NodeValidationSpread
	case core.PhaseValidation:
		return NodeApproveTasks
	case core.PhaseImplementation:
		return NodeSelectTask
	default:
		return NodeCompletion
	}
}

// --- shared helpers ---

func (w *Workflow) emit(event core.Event) {
	if w.d.Emitter != nil {
		event.CorrelationID = w.corr
		w.d.Emitter.Emit(event)
	}
}

func (w *Workflow) emitNow(event core.Event) {
	if w.d.Emitter != nil {
		event.CorrelationID = w.corr
		w.d.Emitter.EmitNow(event)
	}
}

func (w *Workflow) action(ctx context.Context, what string, taskID core.TaskID, data map[string]any) {
	if w.d.Actions != nil {
		w.d.Actions.Log(ctx, what, taskID, data)
	}
}

func (w *Workflow) runHook(ctx context.Context, name string, hookCtx map[string]any) {
	if w.d.Hooks != nil {
		w.d.Hooks.Run(ctx, name, hookCtx)
	}
}

// recordAggregated mirrors a workflow error into the aggregator.
func (w *Workflow) recordAggregated(errType, message string, phase core.Phase, agentKind string, taskID core.TaskID) {
	if w.d.Aggregator != nil {
		w.d.Aggregator.Record(errType, message, phase, agentKind, taskID)
	}
}

// startPhase builds the in-progress PhaseState for a partial, bumping the
// attempt counter.
func startPhase(state *core.WorkflowState, p core.Phase) *core.PhaseState {
	ps := state.PhaseStatus[p].Clone()
	if ps == nil {
		ps = core.NewPhaseState(3)
	}
	ps.Status = core.PhaseInProgress
	ps.Attempts++
	now := time.Now()
	ps.StartedAt = &now
	ps.CompletedAt = nil
	ps.Error = ""
	return ps
}

// finishPhase derives the terminal PhaseState from the in-progress one.
func finishPhase(started *core.PhaseState, status core.PhaseStatus, errMsg string, output map[string]any) *core.PhaseState {
	ps := started.Clone()
	if ps == nil {
		ps = core.NewPhaseState(3)
	}
	ps.Status = status
	now := time.Now()
	ps.CompletedAt = &now
	ps.Error = errMsg
	if output != nil {
		ps.Output = output
	}
	return ps
}

func decisionPtr(d core.Decision) *core.Decision { return &d }
func phasePtr(p core.Phase) *core.Phase          { return &p }
func boolPtr(b bool) *bool                       { return &b }
func taskIDPtr(id core.TaskID) *core.TaskID      { return &id }

// escalatePartial records an error and hands control to error dispatch.
func (w *Workflow) escalatePartial(state *core.WorkflowState, errType, message string, taskID core.TaskID) *core.PartialState {
	w.recordAggregated(errType, message, state.CurrentPhase, "", taskID)
	phase := state.CurrentPhase
	return &core.PartialState{
		NextDecision: decisionPtr(core.DecisionEscalate),
		Errors: []core.WorkflowError{{
			Type:      errType,
			Message:   message,
			Timestamp: time.Now(),
			TaskID:    taskID,
			Phase:     &phase,
		}},
	}
}

// agentFor resolves an agent kind to its configuration, falling back to the
// configured default.
func (w *Workflow) agentFor(kind string) (string, config.AgentConfig) {
	if kind == "" {
		kind = w.cfg.Agents.Default
	}
	if kind == "" {
		kind = "claude"
	}
	switch kind {
	case "cursor":
		return kind, w.cfg.Agents.Cursor
	case "gemini":
		return kind, w.cfg.Agents.Gemini
	default:
		return "claude", w.cfg.Agents.Claude
	}
}

// parseDur parses a config duration string with a fallback.
func parseDur(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func lastError(state *core.WorkflowState) *core.WorkflowError {
	if len(state.Errors) == 0 {
		return nil
	}
	return &state.Errors[len(state.Errors)-1]
}
