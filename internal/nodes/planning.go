package nodes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/maestro-ai/maestro/internal/agent"
	"github.com/maestro-ai/maestro/internal/core"
)

// maxProductBytes bounds how much of the product brief goes into prompts.
const maxProductBytes = 16 * 1024

// Planning invokes the planner agent for a structured plan envelope. Parse
// and execution failures retry within the phase's attempt budget before
// escalating.
func (w *Workflow) Planning(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	started := startPhase(state, core.PhasePlanning)
	w.emit(core.NewEvent(core.EventPhaseStarted, state.ProjectName, core.PriorityMedium).
		WithPhase(core.PhasePlanning).WithNode(NodePlanning))
	w.action(ctx, "planning attempt", "", map[string]any{"attempt": started.Attempts})

	fail := func(message string) *core.PartialState {
		p := &core.PartialState{CurrentPhase: phasePtr(core.PhasePlanning)}
		if started.Attempts < started.MaxAttempts {
			retrying := started.Clone()
			retrying.Status = core.PhasePending
			retrying.Error = message
			p.PhaseStatus = map[core.Phase]*core.PhaseState{core.PhasePlanning: retrying}
			p.NextDecision = decisionPtr(core.DecisionRetry)
			w.log.Warn("planning failed, retrying", "attempt", started.Attempts, "error", message)
			return p
		}
		esc := w.escalatePartial(state, core.ErrTypePlanning, message, "")
		esc.CurrentPhase = phasePtr(core.PhasePlanning)
		esc.PhaseStatus = map[core.Phase]*core.PhaseState{
			core.PhasePlanning: finishPhase(started, core.PhaseFailed, message, nil),
		}
		w.emit(core.NewEvent(core.EventPhaseFailed, state.ProjectName, core.PriorityHigh).
			WithPhase(core.PhasePlanning))
		return esc
	}

	kind, ac := w.agentFor(w.cfg.Agents.Default)
	res := w.d.Agent.Invoke(ctx, core.InvokeOptions{
		AgentKind: kind,
		Prompt:    w.planningPrompt(state),
		Model:     ac.Model,
		MaxTurns:  ac.MaxTurns,
		Timeout:   time.Duration(ac.TimeoutSeconds) * time.Second,
		WorkDir:   state.ProjectDir,
	})
	if !res.Success {
		return fail("planner agent failed: " + res.Error), nil
	}

	text, cost, _, _ := agent.UnwrapResult(res.Stdout)
	if w.d.Budget != nil {
		w.d.Budget.Record("", cost)
	}

	var plan core.Plan
	if err := agent.ParseJSON(text, &plan); err != nil {
		return fail("planner returned no parseable plan envelope"), nil
	}
	if err := plan.Validate(); err != nil {
		return fail("invalid plan envelope: " + err.Error()), nil
	}

	w.emit(core.NewEvent(core.EventPhaseCompleted, state.ProjectName, core.PriorityMedium).
		WithPhase(core.PhasePlanning).WithData(map[string]any{"plan_name": plan.PlanName}))
	if w.d.Repo != nil {
		out := &core.PhaseOutput{
			ProjectName: state.ProjectName,
			Phase:       core.PhasePlanning,
			Output:      map[string]any{"plan_name": plan.PlanName, "summary": plan.Summary},
			CreatedAt:   time.Now(),
		}
		if err := w.d.Repo.SavePhaseOutput(ctx, out); err != nil {
			w.log.Warn("failed to save planning output", "error", err)
		}
	}

	p := &core.PartialState{
		CurrentPhase: phasePtr(core.PhasePlanning),
		Plan:         &plan,
		PhaseStatus: map[core.Phase]*core.PhaseState{
			core.PhasePlanning: finishPhase(started, core.PhaseCompleted, "", map[string]any{"plan_name": plan.PlanName}),
		},
		NextDecision: decisionPtr(core.DecisionContinue),
		ExecutionHistory: []core.AgentExecution{
			core.NewAgentExecution(kind, NodePlanning, "", "plan request", text, true, res.DurationSeconds, cost),
		},
	}
	if cost > 0 {
		p.TaskCosts = map[core.TaskID]float64{"": cost}
	}
	return p, nil
}

func (w *Workflow) planningPrompt(state *core.WorkflowState) string {
	var sb strings.Builder
	sb.WriteString("You are the planner for an automated implementation workflow.\n")
	sb.WriteString("Study the project and produce an implementation plan.\n\n")
	if brief := readCapped(filepath.Join(state.ProjectDir, productFile), maxProductBytes); brief != "" {
		sb.WriteString("Product brief:\n")
		sb.WriteString(brief)
		sb.WriteString("\n\n")
	}
	sb.WriteString(`Respond with JSON only, matching exactly:
{
  "plan_name": "<short name>",
  "summary": "<one paragraph>",
  "phases": [
    {"name": "<phase>", "description": "<what it delivers>", "tasks": [
      {"id": "T1", "title": "...", "user_story": "...",
       "acceptance_criteria": ["..."],
       "files_to_create": ["..."], "files_to_modify": ["..."],
       "test_files": ["..."], "dependencies": []}
    ]}
  ],
  "test_strategy": {"unit_tests": "...", "integration_tests": "...", "test_commands": ["..."]},
  "estimated_complexity": "low|medium|high"
}`)
	return sb.String()
}

// TaskBreakdown derives the ordered task list from the approved plan.
func (w *Workflow) TaskBreakdown(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	started := startPhase(state, core.PhaseImplementation)
	if state.Plan == nil {
		esc := w.escalatePartial(state, core.ErrTypePlanning, "task breakdown entered without a plan", "")
		esc.CurrentPhase = phasePtr(core.PhaseImplementation)
		return esc, nil
	}

	var tasks []*core.Task
	seen := make(map[core.TaskID]bool)
	for _, phase := range state.Plan.Phases {
		for _, pt := range phase.Tasks {
			id := core.TaskID(pt.ID)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			t := core.NewTask(id, pt.Title).
				WithUserStory(pt.UserStory).
				WithAcceptanceCriteria(pt.AcceptanceCriteria...).
				WithTestFiles(pt.TestFiles...)
			t.FilesToCreate = append([]string(nil), pt.FilesToCreate...)
			t.FilesToModify = append([]string(nil), pt.FilesToModify...)
			for _, dep := range pt.Dependencies {
				t.Dependencies = append(t.Dependencies, core.TaskID(dep))
			}
			t.AgentKind = pt.AgentKind
			t.Model = pt.Model
			tasks = append(tasks, t)
		}
	}
	if len(tasks) == 0 {
		esc := w.escalatePartial(state, core.ErrTypePlanning, "plan contains no tasks", "")
		esc.CurrentPhase = phasePtr(core.PhaseImplementation)
		esc.PhaseStatus = map[core.Phase]*core.PhaseState{
			core.PhaseImplementation: finishPhase(started, core.PhaseFailed, "no tasks", nil),
		}
		return esc, nil
	}

	// Drop dependencies on unknown task ids so they cannot deadlock selection.
	for _, t := range tasks {
		kept := t.Dependencies[:0]
		for _, dep := range t.Dependencies {
			if seen[dep] {
				kept = append(kept, dep)
			}
		}
		t.Dependencies = kept
	}

	if w.d.Repo != nil {
		for _, t := range tasks {
			if err := w.d.Repo.SaveTask(ctx, state.ProjectName, t); err != nil {
				w.log.Warn("failed to persist task", "task_id", string(t.ID), "error", err)
			}
		}
	}
	w.action(ctx, "task breakdown", "", map[string]any{"tasks": len(tasks)})
	w.emit(core.NewEvent(core.EventPhaseStarted, state.ProjectName, core.PriorityMedium).
		WithPhase(core.PhaseImplementation).WithData(map[string]any{"tasks": len(tasks)}))

	return &core.PartialState{
		CurrentPhase: phasePtr(core.PhaseImplementation),
		PhaseStatus: map[core.Phase]*core.PhaseState{
			core.PhaseImplementation: started,
		},
		Tasks:        tasks,
		NextDecision: decisionPtr(core.DecisionContinue),
	}, nil
}

func readCapped(path string, max int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > max {
		data = data[:max]
	}
	return string(data)
}

// planSummaryForReview renders the plan for reviewer prompts.
func planSummaryForReview(plan *core.Plan) string {
	if plan == nil {
		return "(no plan recorded)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan: %s\nSummary: %s\nComplexity: %s\n",
		plan.PlanName, plan.Summary, plan.EstimatedComplexity)
	for _, ph := range plan.Phases {
		fmt.Fprintf(&sb, "\nPhase %s: %s\n", ph.Name, ph.Description)
		for _, t := range ph.Tasks {
			fmt.Fprintf(&sb, "  - [%s] %s (deps: %s)\n", t.ID, t.Title, strings.Join(t.Dependencies, ","))
		}
	}
	if len(plan.TestStrategy.TestCommands) > 0 {
		fmt.Fprintf(&sb, "\nTest commands: %s\n", strings.Join(plan.TestStrategy.TestCommands, "; "))
	}
	return sb.String()
}
