package nodes

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maestro-ai/maestro/internal/agent"
	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/hooks"
	"github.com/maestro-ai/maestro/internal/loop"
	"github.com/maestro-ai/maestro/internal/worktree"
)

// SelectTask picks the next runnable task, or a batch when parallel
// execution is enabled. With no runnable but pending tasks remaining it
// escalates a dependency deadlock; with nothing pending it advances to the
// gates.
func (w *Workflow) SelectTask(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	iter := state.IterationCount + 1
	p := &core.PartialState{IterationCount: &iter}
	if state.MaxTaskLoopIterations > 0 && iter > state.MaxTaskLoopIterations {
		esc := w.escalatePartial(state, core.ErrTypeTaskFailed,
			fmt.Sprintf("task loop exceeded %d iterations", state.MaxTaskLoopIterations), "")
		esc.IterationCount = &iter
		return esc, nil
	}

	runnable := state.RunnableTasks()
	if len(runnable) == 0 {
		if len(state.PendingTasks()) > 0 {
			esc := w.escalatePartial(state, core.ErrTypeDependencyDeadlock,
				"pending tasks remain but none are runnable (dependency deadlock)", "")
			esc.IterationCount = &iter
			return esc, nil
		}
		// All tasks terminal; clear selection and advance.
		p.CurrentTaskID = taskIDPtr("")
		p.CurrentTaskIDs = []core.TaskID{}
		p.NextDecision = decisionPtr(core.DecisionContinue)
		return p, nil
	}

	pc := w.cfg.Workflow.ParallelTasks
	if pc.Enabled && pc.MaxWidth > 1 && len(runnable) > 1 && w.d.Worktrees != nil {
		width := pc.MaxWidth
		if width > len(runnable) {
			width = len(runnable)
		}
		batch := runnable[:width]
		ids := make([]core.TaskID, 0, width)
		for _, t := range batch {
			clone := t.Clone()
			if err := clone.MarkInProgress(); err != nil {
				continue
			}
			p.Tasks = append(p.Tasks, clone)
			ids = append(ids, clone.ID)
		}
		p.CurrentTaskID = taskIDPtr("")
		p.CurrentTaskIDs = ids
		p.InFlightAdd = ids
		p.NextDecision = decisionPtr(core.DecisionContinue)
		w.emit(core.NewEvent(core.EventTaskSelected, state.ProjectName, core.PriorityLow).
			WithData(map[string]any{"batch": len(ids)}))
		w.action(ctx, "selected parallel batch", "", map[string]any{"tasks": len(ids)})
		return p, nil
	}

	t := runnable[0].Clone()
	if err := t.MarkInProgress(); err != nil {
		esc := w.escalatePartial(state, core.ErrTypeTaskFailed,
			fmt.Sprintf("cannot start task %s: %v", t.ID, err), t.ID)
		esc.IterationCount = &iter
		return esc, nil
	}
	p.Tasks = []*core.Task{t}
	p.CurrentTaskID = taskIDPtr(t.ID)
	p.CurrentTaskIDs = []core.TaskID{}
	p.InFlightAdd = []core.TaskID{t.ID}
	p.NextDecision = decisionPtr(core.DecisionContinue)
	w.emit(core.NewEvent(core.EventTaskSelected, state.ProjectName, core.PriorityLow).WithTask(t.ID))
	w.action(ctx, "selected task", t.ID, map[string]any{"attempt": t.Attempts})
	return p, nil
}

// WriteTests asks a test-writer agent for failing tests covering the
// selected task's acceptance criteria. Failures are logged, never fatal:
// the loop's own test gate still applies.
func (w *Workflow) WriteTests(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	task, ok := state.TaskByID(state.CurrentTaskID)
	if !ok || len(task.TestFiles) == 0 {
		return &core.PartialState{}, nil
	}

	kind, ac := w.agentFor(task.AgentKind)
	prompt := fmt.Sprintf(`Write failing tests for this task before it is implemented.

Task: %s
User story: %s
Acceptance criteria:
%s
Test files to create or extend: %s

Write only tests. They must fail until the task is implemented. When done
respond with JSON only: {"status": "completed", "tests_written": ["..."]}`,
		task.Title, task.UserStory,
		"- "+strings.Join(task.AcceptanceCriteria, "\n- "),
		strings.Join(task.TestFiles, ", "))

	res := w.d.Agent.Invoke(ctx, core.InvokeOptions{
		AgentKind: kind,
		Prompt:    prompt,
		Model:     ac.Model,
		MaxTurns:  ac.MaxTurns,
		Timeout:   time.Duration(ac.TimeoutSeconds) * time.Second,
		WorkDir:   state.ProjectDir,
	})
	if !res.Success {
		w.log.Warn("test writer failed, continuing to implementation",
			"task_id", string(task.ID), "error", res.Error)
		return &core.PartialState{}, nil
	}
	_, cost, _, _ := agent.UnwrapResult(res.Stdout)
	w.action(ctx, "tests written", task.ID, nil)
	p := &core.PartialState{}
	if cost > 0 {
		p.TaskCosts = map[core.TaskID]float64{task.ID: cost}
		if w.d.Budget != nil {
			w.d.Budget.Record(task.ID, cost)
		}
	}
	return p, nil
}

// ImplementTask drives the fresh-context loop for the selected task.
func (w *Workflow) ImplementTask(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	task, ok := state.TaskByID(state.CurrentTaskID)
	if !ok {
		return w.escalatePartial(state, core.ErrTypeTaskFailed,
			"implement entered without a selected task", ""), nil
	}

	w.emit(core.NewEvent(core.EventTaskStarted, state.ProjectName, core.PriorityMedium).WithTask(task.ID))
	w.runHook(ctx, hooks.PreTask, map[string]any{"task_id": string(task.ID), "title": task.Title})

	extra := w.clarificationContext(ctx, state.ProjectName, task.ID)
	res := w.d.Loop.Run(ctx, task, w.loopOptions(state, task, state.ProjectDir, extra))

	p := w.applyLoopResult(state, task, res)
	w.runHook(ctx, hooks.PostTask, map[string]any{
		"task_id": string(task.ID),
		"success": res.Success,
		"reason":  string(res.CompletionReason),
	})
	return p, nil
}

// applyLoopResult turns a loop outcome into the task's state transition.
func (w *Workflow) applyLoopResult(state *core.WorkflowState, task *core.Task, res *loop.Result) *core.PartialState {
	t := task.Clone()
	p := &core.PartialState{}
	if res.TotalCostUSD > 0 {
		p.TaskCosts = map[core.TaskID]float64{t.ID: res.TotalCostUSD}
	}

	if res.Success {
		// The implementer envelope may still ask for clarification.
		if tr, err := core.DecodeTaskResult([]byte(agentEnvelope(res.FinalOutput))); err == nil &&
			tr.Status == core.TaskResultNeedsClarification {
			return w.blockForClarification(state, t, tr, p)
		}
		t.ImplementationNotes = summarizeLoop(res)
		t.ResumeIteration = 0
		p.Tasks = []*core.Task{t}
		p.NextDecision = decisionPtr(core.DecisionContinue)
		return p
	}

	if res.CompletionReason == loop.ReasonPaused {
		// The loop stopped at an iteration boundary. The task stays
		// in_progress with its iteration count recorded; resuming the
		// thread re-enters the loop mid-task instead of starting over.
		t.ResumeIteration = res.Iterations
		p.Tasks = []*core.Task{t}
		p.PauseRequested = boolPtr(true)
		p.NextDecision = decisionPtr(core.DecisionNone)
		w.log.Info("task paused at iteration boundary",
			"task_id", string(t.ID), "iteration", res.Iterations)
		return p
	}

	if res.CompletionReason == loop.ReasonBudgetExhausted {
		_ = t.MarkFailed(fmt.Errorf("%s", res.Err))
		p.Tasks = []*core.Task{t}
		p.FailedTaskIDs = []core.TaskID{t.ID}
		p.InFlightRemove = []core.TaskID{t.ID}
		p.CurrentTaskID = taskIDPtr("")
		esc := w.escalatePartial(state, core.ErrTypeBudgetExceeded, res.Err, t.ID)
		return core.MergePartials(p, esc)
	}

	reason := res.Err
	if reason == "" {
		reason = string(res.CompletionReason)
	}
	_ = t.MarkFailed(fmt.Errorf("%s", reason))
	if t.CanRetry() {
		_ = t.Reset()
		p.Tasks = []*core.Task{t}
		p.InFlightRemove = []core.TaskID{t.ID}
		p.CurrentTaskID = taskIDPtr("")
		p.NextDecision = decisionPtr(core.DecisionRetry)
		w.log.Warn("task failed, returning to pending",
			"task_id", string(t.ID), "attempt", t.Attempts, "reason", reason)
		return p
	}

	p.Tasks = []*core.Task{t}
	p.FailedTaskIDs = []core.TaskID{t.ID}
	p.InFlightRemove = []core.TaskID{t.ID}
	p.CurrentTaskID = taskIDPtr("")
	w.emit(core.NewEvent(core.EventTaskFailed, state.ProjectName, core.PriorityHigh).WithTask(t.ID))
	esc := w.escalatePartial(state, core.ErrTypeTaskFailed,
		fmt.Sprintf("task %s exhausted %d attempts: %s", t.ID, t.MaxAttempts, reason), t.ID)
	return core.MergePartials(p, esc)
}

// blockForClarification suspends the task on the implementer's question.
func (w *Workflow) blockForClarification(state *core.WorkflowState, t *core.Task, tr *core.TaskResult, p *core.PartialState) *core.PartialState {
	_ = t.MarkBlocked(tr.Question)
	p.Tasks = []*core.Task{t}
	p.InFlightRemove = []core.TaskID{t.ID}
	esc := w.escalatePartial(state, core.ErrTypeTaskClarification, tr.Question, t.ID)
	w.emit(core.NewEvent(core.EventEscalation, state.ProjectName, core.PriorityHigh).
		WithTask(t.ID).WithData(map[string]any{"question": tr.Question, "options": tr.Options}))
	return core.MergePartials(p, esc)
}

// VerifyTask re-runs the selected task's tests in the project workspace and
// finalizes the task.
func (w *Workflow) VerifyTask(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	task, ok := state.TaskByID(state.CurrentTaskID)
	if !ok {
		return w.escalatePartial(state, core.ErrTypeTaskFailed,
			"verify entered without a selected task", ""), nil
	}

	testCmd := w.cfg.Loop.TestCommand
	if testCmd != "" && len(task.TestFiles) > 0 {
		if err := w.runTaskTests(ctx, testCmd, task.TestFiles, state.ProjectDir); err != nil {
			if task.Attempts < task.MaxAttempts {
				w.log.Warn("task verification failed, trying a fix pass",
					"task_id", string(task.ID), "error", err)
				bumped := task.Clone()
				bumped.Attempts++
				bumped.Error = err.Error()
				return &core.PartialState{
					Tasks:        []*core.Task{bumped},
					NextDecision: decisionPtr(core.DecisionRetry),
				}, nil
			}
			t := task.Clone()
			_ = t.MarkFailed(err)
			p := &core.PartialState{
				Tasks:          []*core.Task{t},
				FailedTaskIDs:  []core.TaskID{t.ID},
				InFlightRemove: []core.TaskID{t.ID},
				CurrentTaskID:  taskIDPtr(""),
			}
			w.emit(core.NewEvent(core.EventTaskFailed, state.ProjectName, core.PriorityHigh).WithTask(t.ID))
			esc := w.escalatePartial(state, core.ErrTypeTestFailure, err.Error(), t.ID)
			return core.MergePartials(p, esc), nil
		}
	}

	t := task.Clone()
	_ = t.MarkCompleted(t.ImplementationNotes)
	w.emit(core.NewEvent(core.EventTaskComplete, state.ProjectName, core.PriorityMedium).WithTask(t.ID))
	w.action(ctx, "task completed", t.ID, nil)
	return &core.PartialState{
		Tasks:            []*core.Task{t},
		CompletedTaskIDs: []core.TaskID{t.ID},
		InFlightRemove:   []core.TaskID{t.ID},
		CurrentTaskID:    taskIDPtr(""),
		NextDecision:     decisionPtr(core.DecisionContinue),
	}, nil
}

// FixBug runs a single enriched loop iteration against the failing task
// before verification tries again.
func (w *Workflow) FixBug(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	task, ok := state.TaskByID(state.CurrentTaskID)
	if !ok {
		return w.escalatePartial(state, core.ErrTypeTaskFailed,
			"fix_bug entered without a selected task", ""), nil
	}

	opts := w.loopOptions(state, task, state.ProjectDir, "The previous implementation attempt failed verification: "+task.Error+
		"\nFix the failing tests with the smallest possible change.")
	opts.MaxIterations = 1
	res := w.d.Loop.Run(ctx, task, opts)
	w.action(ctx, "bug fix pass", task.ID, map[string]any{"success": res.Success})

	p := &core.PartialState{}
	if res.TotalCostUSD > 0 {
		p.TaskCosts = map[core.TaskID]float64{task.ID: res.TotalCostUSD}
	}
	return p, nil
}

// ImplementTasksParallel runs the selected batch in isolated worktrees and
// merges completed work back in task-id order. A merge conflict fails only
// its own task.
func (w *Workflow) ImplementTasksParallel(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	if w.d.Worktrees == nil {
		return w.escalatePartial(state, core.ErrTypeWorktree,
			"parallel batch selected but worktrees are unavailable", ""), nil
	}

	type slot struct {
		task *core.Task
		wt   *worktree.Worktree
		res  *loop.Result
	}
	var slots []*slot

	// Worktree creation shells out to git; serialize it.
	for _, id := range state.CurrentTaskIDs {
		task, ok := state.TaskByID(id)
		if !ok {
			continue
		}
		wt, err := w.d.Worktrees.Create(ctx, id)
		if err != nil {
			w.log.Warn("worktree creation failed", "task_id", string(id), "error", err)
			t := task.Clone()
			_ = t.MarkFailed(err)
			slots = append(slots, &slot{task: t})
			continue
		}
		slots = append(slots, &slot{task: task.Clone(), wt: wt})
	}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, s := range slots {
		if s.wt == nil {
			continue
		}
		s := s
		g.Go(func() error {
			extra := w.clarificationContext(gctx, state.ProjectName, s.task.ID)
			res := w.d.Loop.Run(gctx, s.task, w.loopOptions(state, s.task, s.wt.Path, extra))
			mu.Lock()
			s.res = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Merge successful worktrees sequentially; MergeSequential orders by
	// task id for deterministic conflict reporting.
	var toMerge []*worktree.Worktree
	byTask := make(map[core.TaskID]*slot)
	for _, s := range slots {
		byTask[s.task.ID] = s
		if s.wt != nil && s.res != nil && s.res.Success {
			toMerge = append(toMerge, s.wt)
		}
	}
	mergeErr := make(map[core.TaskID]string)
	for _, mr := range w.d.Worktrees.MergeSequential(ctx, toMerge) {
		if !mr.Merged {
			mergeErr[mr.TaskID] = mr.Err
		}
	}

	p := &core.PartialState{
		CurrentTaskIDs: []core.TaskID{},
		NextDecision:   decisionPtr(core.DecisionContinue),
	}
	ids := make([]core.TaskID, 0, len(slots))
	for id := range byTask {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		s := byTask[id]
		t := s.task
		p.InFlightRemove = append(p.InFlightRemove, id)
		if s.res != nil && s.res.TotalCostUSD > 0 {
			if p.TaskCosts == nil {
				p.TaskCosts = make(map[core.TaskID]float64)
			}
			p.TaskCosts[id] = s.res.TotalCostUSD
		}

		switch {
		case t.Status == core.TaskStatusFailed:
			// Worktree creation already failed it.
			p.Tasks = append(p.Tasks, t)
			p.FailedTaskIDs = append(p.FailedTaskIDs, id)
			p.Errors = append(p.Errors, taskError(core.ErrTypeWorktree, t.Error, id, state.CurrentPhase))
		case s.res == nil || !s.res.Success:
			reason := "implementation loop failed"
			if s.res != nil && s.res.Err != "" {
				reason = s.res.Err
			}
			_ = t.MarkFailed(fmt.Errorf("%s", reason))
			if t.CanRetry() {
				_ = t.Reset()
			} else {
				p.FailedTaskIDs = append(p.FailedTaskIDs, id)
				p.Errors = append(p.Errors, taskError(core.ErrTypeTaskFailed, reason, id, state.CurrentPhase))
			}
			p.Tasks = append(p.Tasks, t)
		case mergeErr[id] != "":
			_ = t.MarkFailed(fmt.Errorf("merge failed: %s", mergeErr[id]))
			p.Tasks = append(p.Tasks, t)
			p.FailedTaskIDs = append(p.FailedTaskIDs, id)
			p.Errors = append(p.Errors, taskError(core.ErrTypeWorktree,
				"merge failed: "+mergeErr[id], id, state.CurrentPhase))
			w.emit(core.NewEvent(core.EventTaskFailed, state.ProjectName, core.PriorityHigh).WithTask(id))
		default:
			t.ImplementationNotes = summarizeLoop(s.res)
			_ = t.MarkCompleted(t.ImplementationNotes)
			p.Tasks = append(p.Tasks, t)
			p.CompletedTaskIDs = append(p.CompletedTaskIDs, id)
			w.emit(core.NewEvent(core.EventTaskComplete, state.ProjectName, core.PriorityMedium).WithTask(id))
		}

		if s.wt != nil && w.cfg.Worktree.AutoClean {
			if err := w.d.Worktrees.Remove(ctx, s.wt); err != nil {
				w.log.Warn("worktree cleanup failed", "task_id", string(id), "error", err)
			}
		}
	}
	return p, nil
}

// --- helpers ---

// loopOptions builds the loop configuration for one task run.
func (w *Workflow) loopOptions(state *core.WorkflowState, task *core.Task, workDir, extra string) loop.Options {
	lc := w.cfg.Loop
	kind, ac := w.agentFor(task.AgentKind)
	model := task.Model
	if model == "" {
		model = ac.Model
	}
	return loop.Options{
		ProjectName:        state.ProjectName,
		WorkDir:            workDir,
		AgentKind:          kind,
		Model:              model,
		FallbackModel:      ac.FallbackModel,
		MaxTurns:           lc.MaxTurnsPerIteration,
		MaxIterations:      lc.MaxIterations,
		StartIteration:     task.ResumeIteration,
		IterationTimeout:   parseDur(lc.IterationTimeout, 15*time.Minute),
		TestCommand:        lc.TestCommand,
		TestTimeout:        parseDur(lc.TestTimeout, 60*time.Second),
		BudgetPerIteration: lc.BudgetPerIteration,
		MaxBudget:          w.cfg.Budget.MaxPerTask,
		ExtraContext:       extra,
	}
}

// clarificationContext surfaces answered clarifications from the durable
// log into the next implementation prompt.
func (w *Workflow) clarificationContext(ctx context.Context, project string, taskID core.TaskID) string {
	if w.d.Repo == nil {
		return ""
	}
	entries, err := w.d.Repo.QueryLogs(ctx, project, core.LogTypeClarification, taskID, 5)
	if err != nil || len(entries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Answered clarifications:\n")
	for _, e := range entries {
		sb.WriteString("- " + e.Message + "\n")
	}
	return sb.String()
}

// runTaskTests executes the configured test command against the task's
// test files.
func (w *Workflow) runTaskTests(ctx context.Context, command string, testFiles []string, dir string) error {
	timeout := parseDur(w.cfg.Loop.TestTimeout, 60*time.Second)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := command + " " + strings.Join(testFiles, " ")
	cmd := exec.CommandContext(ctx, "sh", "-c", full)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return core.ErrTimeout("task tests timed out")
	}
	if err != nil {
		return fmt.Errorf("tests failed: %s", firstLine(string(out), err))
	}
	return nil
}

func firstLine(output string, err error) string {
	for _, line := range strings.Split(output, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return err.Error()
}

func taskError(errType, message string, id core.TaskID, phase core.Phase) core.WorkflowError {
	return core.WorkflowError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		TaskID:    id,
		Phase:     &phase,
	}
}

func summarizeLoop(res *loop.Result) string {
	return fmt.Sprintf("completed in %d iteration(s), reason %s", res.Iterations, res.CompletionReason)
}

// agentEnvelope extracts the JSON block from loop output for the
// implementer envelope decode.
func agentEnvelope(output string) string {
	if block := agent.ExtractJSON(output); block != "" {
		return block
	}
	return output
}
