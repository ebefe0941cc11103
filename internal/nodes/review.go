package nodes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/maestro-ai/maestro/internal/agent"
	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/graph"
)

// singleAgentTag marks approvals that survived on one reviewer.
const singleAgentTag = "[Single-agent review, score penalty applied]"

// reviewerNames are the two agents consulted for every review.
var reviewerNames = []string{"cursor", "gemini"}

// ValidationSpread opens Phase 2 and clears stale reviewer feedback before
// the fan-out. The router dispatches to both reviewers.
func (w *Workflow) ValidationSpread(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	started := startPhase(state, core.PhaseValidation)
	w.emit(core.NewEvent(core.EventPhaseStarted, state.ProjectName, core.PriorityMedium).
		WithPhase(core.PhaseValidation).WithNode(NodeValidationSpread))
	w.action(ctx, "validation review started", "", nil)
	return &core.PartialState{
		CurrentPhase:    phasePtr(core.PhaseValidation),
		PhaseStatus:     map[core.Phase]*core.PhaseState{core.PhaseValidation: started},
		ClearValidation: true,
	}, nil
}

// VerificationSpread opens Phase 4 the same way for the verification review.
func (w *Workflow) VerificationSpread(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	started := startPhase(state, core.PhaseVerification)
	w.emit(core.NewEvent(core.EventPhaseStarted, state.ProjectName, core.PriorityMedium).
		WithPhase(core.PhaseVerification).WithNode(NodeVerificationSpread))
	w.action(ctx, "verification review started", "", nil)
	return &core.PartialState{
		CurrentPhase:      phasePtr(core.PhaseVerification),
		PhaseStatus:       map[core.Phase]*core.PhaseState{core.PhaseVerification: started},
		ClearVerification: true,
	}, nil
}

// reviewer builds the node that runs one reviewer agent. A reviewer that
// times out, crashes, or returns garbage contributes no feedback; the merge
// node treats the missing key as that reviewer's failure.
func (w *Workflow) reviewer(kind string, phase core.Phase) graph.NodeFunc {
	return func(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
		timeout := time.Duration(w.cfg.Review.ReviewerTimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 300 * time.Second
		}
		_, ac := w.agentFor(kind)
		res := w.d.Agent.Invoke(ctx, core.InvokeOptions{
			AgentKind: kind,
			Prompt:    w.reviewPrompt(state, phase),
			Model:     ac.Model,
			Timeout:   timeout,
			WorkDir:   state.ProjectDir,
		})
		if !res.Success {
			if w.cfg.Review.LogTimeouts {
				w.log.Warn("reviewer failed", "reviewer", kind, "phase", phase.String(), "error", res.Error)
			}
			return &core.PartialState{}, nil
		}

		text, cost, _, _ := agent.UnwrapResult(res.Stdout)
		if w.d.Budget != nil {
			w.d.Budget.Record("", cost)
		}
		var fb core.Feedback
		if err := agent.ParseJSON(text, &fb); err != nil {
			w.log.Warn("reviewer returned no parseable envelope", "reviewer", kind)
			return &core.PartialState{}, nil
		}
		if err := fb.Validate(); err != nil {
			w.log.Warn("reviewer envelope invalid", "reviewer", kind, "error", err)
			return &core.PartialState{}, nil
		}
		fb.RawOutput = text

		p := &core.PartialState{
			ExecutionHistory: []core.AgentExecution{
				core.NewAgentExecution(kind, "review_"+phase.String(), "", "review request", text, true, res.DurationSeconds, cost),
			},
		}
		if cost > 0 {
			p.TaskCosts = map[core.TaskID]float64{"": cost}
		}
		if phase == core.PhaseValidation {
			p.ValidationFeedback = map[string]*core.Feedback{kind: &fb}
		} else {
			p.VerificationFeedback = map[string]*core.Feedback{kind: &fb}
		}
		return p, nil
	}
}

func (w *Workflow) reviewPrompt(state *core.WorkflowState, phase core.Phase) string {
	var sb strings.Builder
	if phase == core.PhaseValidation {
		sb.WriteString("Review this implementation plan for completeness, ordering, and risk.\n\n")
		sb.WriteString(planSummaryForReview(state.Plan))
	} else {
		sb.WriteString("Review the implemented work against its plan and acceptance criteria.\n\n")
		sb.WriteString(planSummaryForReview(state.Plan))
		fmt.Fprintf(&sb, "\nCompleted tasks: %d of %d\n", len(state.CompletedTaskIDs), len(state.Tasks))
		for _, t := range state.Tasks {
			fmt.Fprintf(&sb, "  - [%s] %s: %s\n", t.ID, t.Title, t.Status)
		}
	}
	sb.WriteString(`
Respond with JSON only:
{"approved": <bool>, "score": <0-10>, "assessment": "...",
 "concerns": ["..."], "blocking_issues": ["..."], "summary": "..."}`)
	return sb.String()
}

// reviewMerge builds the fan-in node applying the dual-approval rule and
// the single-agent fallback.
func (w *Workflow) reviewMerge(phase core.Phase) graph.NodeFunc {
	return func(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
		feedback := state.ValidationFeedback
		threshold := w.cfg.Validation.ValidationThreshold
		if phase == core.PhaseVerification {
			feedback = state.VerificationFeedback
			threshold = w.cfg.Validation.VerificationThreshold
		}

		verdict := w.judgeReviews(feedback, threshold)
		w.action(ctx, phase.String()+" review merged", "", map[string]any{
			"approved":  verdict.approved,
			"reviewers": len(feedback),
		})

		started := state.PhaseStatus[phase]
		if verdict.approved {
			p := &core.PartialState{
				PhaseStatus: map[core.Phase]*core.PhaseState{
					phase: finishPhase(started, core.PhaseCompleted, "", map[string]any{"summary": verdict.summary}),
				},
				NextDecision: decisionPtr(core.DecisionContinue),
			}
			w.emit(core.NewEvent(core.EventPhaseCompleted, state.ProjectName, core.PriorityMedium).
				WithPhase(phase).WithData(map[string]any{"summary": verdict.summary}))
			return p, nil
		}

		// Rejected. Validation retries planning within its budget;
		// verification escalates directly.
		if phase == core.PhaseValidation {
			retries := state.PhaseRetries[core.PhasePlanning]
			if retries < w.maxPhaseRetries() {
				w.log.Warn("plan rejected, re-planning", "retries", retries, "reason", verdict.summary)
				return &core.PartialState{
					PhaseStatus: map[core.Phase]*core.PhaseState{
						phase: finishPhase(started, core.PhaseFailed, verdict.summary, nil),
					},
					PhaseRetries: map[core.Phase]int{core.PhasePlanning: retries + 1},
					NextDecision: decisionPtr(core.DecisionRetry),
				}, nil
			}
			esc := w.escalatePartial(state, core.ErrTypeValidationFailed, verdict.summary, "")
			esc.PhaseStatus = map[core.Phase]*core.PhaseState{
				phase: finishPhase(started, core.PhaseFailed, verdict.summary, nil),
			}
			w.emit(core.NewEvent(core.EventPhaseFailed, state.ProjectName, core.PriorityHigh).WithPhase(phase))
			return esc, nil
		}

		esc := w.escalatePartial(state, core.ErrTypeVerificationFailed, verdict.summary, "")
		esc.PhaseStatus = map[core.Phase]*core.PhaseState{
			phase: finishPhase(started, core.PhaseFailed, verdict.summary, nil),
		}
		w.emit(core.NewEvent(core.EventPhaseFailed, state.ProjectName, core.PriorityHigh).WithPhase(phase))
		return esc, nil
	}
}

type reviewVerdict struct {
	approved bool
	summary  string
}

// judgeReviews applies the dual-approval rule; with one reviewer missing it
// falls back to penalized single-agent approval when configured.
func (w *Workflow) judgeReviews(feedback map[string]*core.Feedback, threshold float64) reviewVerdict {
	present := make([]string, 0, len(feedback))
	for name := range feedback {
		present = append(present, name)
	}
	sort.Strings(present)

	switch len(present) {
	case 2:
		var blockers []string
		lowest := 10.0
		for _, name := range present {
			fb := feedback[name]
			if !fb.Approved {
				return reviewVerdict{summary: fmt.Sprintf("%s rejected: %s", name, fb.Summary)}
			}
			for _, b := range fb.BlockingIssues {
				blockers = append(blockers, name+": "+b)
			}
			if fb.Score < lowest {
				lowest = fb.Score
			}
		}
		if len(blockers) > 0 {
			return reviewVerdict{summary: "blocking issues remain: " + strings.Join(blockers, "; ")}
		}
		if lowest < threshold {
			return reviewVerdict{summary: fmt.Sprintf("score %.1f below threshold %.1f", lowest, threshold)}
		}
		return reviewVerdict{approved: true, summary: "approved by both reviewers"}

	case 1:
		name := present[0]
		fb := feedback[name]
		rc := w.cfg.Review
		if !rc.AllowSingleAgentApproval {
			return reviewVerdict{summary: "one reviewer unavailable and single-agent approval disabled"}
		}
		if rc.SingleAgentPreference != "" && rc.SingleAgentPreference != "any" && rc.SingleAgentPreference != name {
			return reviewVerdict{summary: fmt.Sprintf("surviving reviewer %s not the preferred %s", name, rc.SingleAgentPreference)}
		}
		penalized := fb.Score - rc.SingleAgentScorePenalty
		if !fb.Approved || len(fb.BlockingIssues) > 0 || penalized < rc.SingleAgentMinimumScore {
			return reviewVerdict{summary: fmt.Sprintf("single reviewer %s insufficient: penalized score %.1f, minimum %.1f",
				name, penalized, rc.SingleAgentMinimumScore)}
		}
		return reviewVerdict{
			approved: true,
			summary:  fmt.Sprintf("%s approved by %s, effective score %.1f", singleAgentTag, name, penalized),
		}

	default:
		return reviewVerdict{summary: "no reviewer produced feedback"}
	}
}

func (w *Workflow) maxPhaseRetries() int {
	if w.cfg.Validation.MaxPhaseRetries > 0 {
		return w.cfg.Validation.MaxPhaseRetries
	}
	return 3
}
