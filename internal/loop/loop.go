// Package loop implements the fresh-context implementation loop: repeated
// independent agent invocations against one task until its tests pass or a
// budget or iteration cap stops it.
package loop

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/maestro-ai/maestro/internal/agent"
	"github.com/maestro-ai/maestro/internal/budget"
	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/emitter"
	"github.com/maestro-ai/maestro/internal/hooks"
	"github.com/maestro-ai/maestro/internal/logging"
)

//go:embed templates/iteration.tmpl
var iterationTemplate string

var promptTmpl = template.Must(template.New("iteration").Parse(iterationTemplate))

// DefaultCompletionToken is the literal the agent must print when all tests
// pass. It is a hint only; tests are always cross-checked.
const DefaultCompletionToken = "<promise>DONE</promise>"

// CompletionReason says why the loop stopped.
type CompletionReason string

const (
	ReasonCompletionSignal CompletionReason = "completion_signal_seen"
	ReasonTestsPass        CompletionReason = "tests_all_pass"
	ReasonMaxIterations    CompletionReason = "max_iterations"
	ReasonBudgetExhausted  CompletionReason = "budget_exhausted"
	ReasonTimeout          CompletionReason = "timeout"
	ReasonPaused           CompletionReason = "paused"
	ReasonError            CompletionReason = "error"
)

// carryforwardFailures bounds how many failing test names roll into the
// next iteration's context.
const carryforwardFailures = 5

// Options configures one loop run.
type Options struct {
	ProjectName string
	WorkDir     string
	LogDir      string

	AgentKind     string
	Model         string
	FallbackModel string
	AllowedTools  []string
	MaxTurns      int

	MaxIterations    int
	StartIteration   int // iterations already run before a pause
	IterationTimeout time.Duration
	TestCommand      string
	TestTimeout      time.Duration
	CompletionToken  string

	BudgetPerIteration float64
	MaxBudget          float64

	LogRetentionDays int

	// ExtraContext enriches the prompt, e.g. a fixer diagnosis on a
	// bug-fix pass.
	ExtraContext string
}

func (o *Options) applyDefaults() {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 10
	}
	if o.StartIteration < 0 {
		o.StartIteration = 0
	}
	if o.IterationTimeout <= 0 {
		o.IterationTimeout = 15 * time.Minute
	}
	if o.TestTimeout <= 0 {
		o.TestTimeout = 60 * time.Second
	}
	if o.CompletionToken == "" {
		o.CompletionToken = DefaultCompletionToken
	}
	if o.LogRetentionDays <= 0 {
		o.LogRetentionDays = 7
	}
	if o.LogDir == "" {
		o.LogDir = filepath.Join(o.WorkDir, ".workflow", "logs")
	}
}

// IterationResult records one iteration's outcome.
type IterationResult struct {
	Iteration          int      `json:"iteration"`
	Passed             bool     `json:"passed"`
	Summary            string   `json:"summary"`
	CompletionDetected bool     `json:"completion_detected"`
	FailingTests       []string `json:"failing_tests,omitempty"`
	ChangedFiles       []string `json:"changed_files,omitempty"`
	CostUSD            float64  `json:"cost_usd"`
	DurationSecs       float64  `json:"duration_seconds"`
}

// Result is the loop's terminal outcome.
type Result struct {
	Success          bool
	Iterations       int
	FinalOutput      string
	TestResults      []IterationResult
	TotalTime        time.Duration
	TotalCostUSD     float64
	CompletionReason CompletionReason
	Err              string
}

// Deps are the loop's collaborators. Agent is required; the rest degrade
// to no-ops when nil.
type Deps struct {
	Agent   core.AgentRunner
	Hooks   *hooks.Runner
	Budget  *budget.Manager
	Emitter *emitter.Emitter
	Repo    core.Repository
	Logger  *logging.Logger

	// PauseCheck is polled between iterations. A true return stops the
	// loop with ReasonPaused; Options.StartIteration resumes it.
	PauseCheck func() bool
}

// Loop drives the fresh-context iteration protocol for a single task at a
// time. A Loop value is reusable across tasks but not concurrently.
type Loop struct {
	deps Deps
}

// New creates a loop from its collaborators.
func New(deps Deps) *Loop {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	return &Loop{deps: deps}
}

// Run executes the loop for one task. The returned result is always
// populated; failures are encoded in CompletionReason and Err.
func (l *Loop) Run(ctx context.Context, task *core.Task, opts Options) *Result {
	opts.applyDefaults()
	start := time.Now()
	res := &Result{CompletionReason: ReasonError}
	defer func() { res.TotalTime = time.Since(start) }()

	logger := l.deps.Logger.WithTask(string(task.ID))
	l.pruneLogs(opts, logger)

	verifyWithTests := opts.TestCommand != "" && len(task.TestFiles) > 0
	model := opts.Model
	prevContext := ""
	res.Iterations = opts.StartIteration

	for i := opts.StartIteration + 1; i <= opts.MaxIterations; i++ {
		res.Iterations = i

		if stop := l.checkBudget(task.ID, i, opts, res, &model); stop {
			return res
		}

		hookCtx := map[string]any{
			"task_id":        string(task.ID),
			"iteration":      i,
			"max_iterations": opts.MaxIterations,
		}
		if l.deps.Hooks != nil {
			l.deps.Hooks.Run(ctx, hooks.PreIteration, hookCtx)
		}

		prompt, err := renderPrompt(task, opts, i, prevContext)
		if err != nil {
			res.Err = fmt.Sprintf("rendering prompt: %v", err)
			return res
		}

		iterStart := time.Now()
		inv := l.deps.Agent.Invoke(ctx, core.InvokeOptions{
			AgentKind:    opts.AgentKind,
			Prompt:       prompt,
			AllowedTools: opts.AllowedTools,
			MaxTurns:     opts.MaxTurns,
			Model:        model,
			Timeout:      opts.IterationTimeout,
			WorkDir:      opts.WorkDir,
		})

		ir := IterationResult{
			Iteration:          i,
			CompletionDetected: strings.Contains(inv.Stdout, opts.CompletionToken),
			DurationSecs:       time.Since(iterStart).Seconds(),
		}

		text, envCost, _, _ := agent.UnwrapResult(inv.Stdout)
		ir.CostUSD = inv.CostUSD
		if envCost > 0 {
			ir.CostUSD = envCost
		}
		res.TotalCostUSD += ir.CostUSD
		if l.deps.Budget != nil {
			l.deps.Budget.Record(task.ID, ir.CostUSD)
		}
		ir.ChangedFiles = parseChangedFiles(inv.Stdout)

		switch {
		case !inv.Success:
			// Agent timeout or crash counts as a failed iteration; the
			// reason carries forward.
			ir.Summary = "agent failed: " + inv.Error
		case !verifyWithTests:
			// No tests required; the completion token alone decides.
			if ir.CompletionDetected {
				ir.Passed = true
				ir.Summary = "completion signal seen, no tests configured"
			} else {
				ir.Summary = "no completion signal, no tests configured"
			}
		default:
			outcome := runTests(ctx, opts.TestCommand, task.TestFiles, opts.TestTimeout, opts.WorkDir)
			ir.Passed = outcome.Passed
			ir.Summary = outcome.Summary
			ir.FailingTests = outcome.Failing
		}

		res.TestResults = append(res.TestResults, ir)
		l.recordIteration(ctx, task.ID, opts, ir)

		hookCtx["tests_passed"] = ir.Passed
		hookCtx["summary"] = ir.Summary
		if l.deps.Hooks != nil {
			l.deps.Hooks.Run(ctx, hooks.PostIteration, hookCtx)
		}

		if ir.Passed {
			res.Success = true
			res.FinalOutput = text
			if ir.CompletionDetected {
				res.CompletionReason = ReasonCompletionSignal
			} else {
				res.CompletionReason = ReasonTestsPass
			}
			return res
		}
		if ir.CompletionDetected {
			logger.Warn("completion signal without passing tests, continuing", "iteration", i)
		}

		if err := ctx.Err(); err != nil {
			if err == context.DeadlineExceeded {
				res.CompletionReason = ReasonTimeout
			}
			res.Err = err.Error()
			return res
		}

		if l.deps.Hooks != nil && l.deps.Hooks.RunStopCheck(ctx, hookCtx) {
			res.Err = "stopped by stop-check hook"
			return res
		}

		// Iteration boundary: a pause request stops here, never mid-agent.
		// The caller checkpoints the iteration count and resumes from it.
		if l.deps.PauseCheck != nil && l.deps.PauseCheck() {
			res.CompletionReason = ReasonPaused
			logger.Info("pausing at iteration boundary", "iteration", i)
			return res
		}

		prevContext = buildCarryforward(ir)
	}

	res.CompletionReason = ReasonMaxIterations
	return res
}

// checkBudget applies the projected-cost cap and the budget manager's
// enforcement ladder. It may downgrade the model in place.
func (l *Loop) checkBudget(taskID core.TaskID, iteration int, opts Options, res *Result, model *string) bool {
	if opts.MaxBudget > 0 && opts.BudgetPerIteration > 0 {
		projected := float64(iteration) * opts.BudgetPerIteration
		if projected > opts.MaxBudget {
			res.CompletionReason = ReasonBudgetExhausted
			res.Err = fmt.Sprintf("projected cost $%.2f exceeds task budget $%.2f", projected, opts.MaxBudget)
			res.Iterations = iteration - 1
			return true
		}
	}
	if l.deps.Budget == nil {
		return false
	}
	d := l.deps.Budget.Enforce(taskID, opts.BudgetPerIteration)
	if !d.Allowed {
		res.CompletionReason = ReasonBudgetExhausted
		res.Err = d.Message
		res.Iterations = iteration - 1
		return true
	}
	if d.UseFallbackModel && opts.FallbackModel != "" && *model != opts.FallbackModel {
		l.deps.Logger.Info("switching to fallback model for remaining iterations",
			"task_id", string(taskID), "model", opts.FallbackModel)
		*model = opts.FallbackModel
	}
	return false
}

// recordIteration emits the iteration event and appends the durable log.
func (l *Loop) recordIteration(ctx context.Context, taskID core.TaskID, opts Options, ir IterationResult) {
	if l.deps.Emitter != nil {
		l.deps.Emitter.Emit(core.NewEvent(core.EventLoopIteration, opts.ProjectName, core.PriorityLow).
			WithTask(taskID).
			WithData(map[string]any{
				"iteration": ir.Iteration,
				"passed":    ir.Passed,
				"summary":   ir.Summary,
				"cost_usd":  ir.CostUSD,
			}))
	}
	if l.deps.Repo != nil {
		entry := &core.LogEntry{
			ProjectName: opts.ProjectName,
			LogType:     core.LogTypeIteration,
			TaskID:      taskID,
			Message:     ir.Summary,
			Data: map[string]any{
				"iteration":           ir.Iteration,
				"passed":              ir.Passed,
				"completion_detected": ir.CompletionDetected,
				"failing_tests":       ir.FailingTests,
				"changed_files":       ir.ChangedFiles,
				"cost_usd":            ir.CostUSD,
			},
		}
		if err := l.deps.Repo.AppendLog(ctx, entry); err != nil {
			l.deps.Logger.Warn("failed to append iteration log", "error", err)
		}
	}
	l.writeIterationFile(taskID, opts, ir)
}

// writeIterationFile keeps a per-iteration file for humans to tail.
func (l *Loop) writeIterationFile(taskID core.TaskID, opts Options, ir IterationResult) {
	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return
	}
	name := fmt.Sprintf("%s-iter-%03d.log", taskID, ir.Iteration)
	content := fmt.Sprintf("iteration %d\npassed: %t\nsummary: %s\nfailing: %s\nchanged: %s\n",
		ir.Iteration, ir.Passed, ir.Summary,
		strings.Join(ir.FailingTests, ", "), strings.Join(ir.ChangedFiles, ", "))
	if err := os.WriteFile(filepath.Join(opts.LogDir, name), []byte(content), 0o644); err != nil {
		l.deps.Logger.Warn("failed to write iteration log file", "error", err)
	}
}

// pruneLogs removes per-iteration log files past the retention window.
func (l *Loop) pruneLogs(opts Options, logger *logging.Logger) {
	entries, err := os.ReadDir(opts.LogDir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -opts.LogRetentionDays)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(opts.LogDir, e.Name())); err == nil {
				logger.Debug("pruned old iteration log", "file", e.Name())
			}
		}
	}
}

type promptData struct {
	TaskID             string
	Title              string
	UserStory          string
	AcceptanceCriteria []string
	FilesToCreate      []string
	FilesToModify      []string
	TestFiles          []string
	PreviousContext    string
	ExtraContext       string
	Iteration          int
	MaxIterations      int
	TestCommand        string
	CompletionToken    string
}

func renderPrompt(task *core.Task, opts Options, iteration int, prevContext string) (string, error) {
	var sb strings.Builder
	err := promptTmpl.Execute(&sb, promptData{
		TaskID:             string(task.ID),
		Title:              task.Title,
		UserStory:          task.UserStory,
		AcceptanceCriteria: task.AcceptanceCriteria,
		FilesToCreate:      task.FilesToCreate,
		FilesToModify:      task.FilesToModify,
		TestFiles:          task.TestFiles,
		PreviousContext:    prevContext,
		ExtraContext:       opts.ExtraContext,
		Iteration:          iteration,
		MaxIterations:      opts.MaxIterations,
		TestCommand:        opts.TestCommand,
		CompletionToken:    opts.CompletionToken,
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// buildCarryforward summarizes an iteration for the next one's prompt.
func buildCarryforward(ir IterationResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Iteration %d did not complete the task.\n", ir.Iteration)
	if len(ir.ChangedFiles) > 0 {
		fmt.Fprintf(&sb, "Changed files: %s\n", strings.Join(ir.ChangedFiles, ", "))
	}
	fmt.Fprintf(&sb, "Test result: %s\n", ir.Summary)
	if len(ir.FailingTests) > 0 {
		failing := ir.FailingTests
		if len(failing) > carryforwardFailures {
			failing = failing[:carryforwardFailures]
		}
		fmt.Fprintf(&sb, "Failing tests: %s\n", strings.Join(failing, ", "))
	}
	return sb.String()
}

// parseChangedFiles pulls the changed-file list out of the agent's JSON
// envelope when present.
func parseChangedFiles(stdout string) []string {
	var envelope struct {
		FilesChanged []string `json:"files_changed"`
		ChangedFiles []string `json:"changed_files"`
	}
	if err := agent.ParseJSON(stdout, &envelope); err != nil {
		return nil
	}
	if len(envelope.FilesChanged) > 0 {
		return envelope.FilesChanged
	}
	return envelope.ChangedFiles
}
