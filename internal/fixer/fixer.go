// Package fixer implements the self-healing subgraph that tries to repair
// escalated errors before a human sees them: triage picks a route, diagnose
// and research gather context, risky fixes pass validation, apply edits the
// project, and verify checks the result.
package fixer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maestro-ai/maestro/internal/agent"
	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/graph"
	"github.com/maestro-ai/maestro/internal/logging"
	"github.com/maestro-ai/maestro/internal/observability"
)

// Route is triage's choice of path through the subgraph.
type Route string

const (
	RouteDirect   Route = "direct"   // diagnose -> apply
	RouteValidate Route = "validate" // diagnose -> validate -> apply
	RouteResearch Route = "research" // diagnose -> research -> validate -> apply
)

// Config tunes the fixer.
type Config struct {
	Enabled                bool
	AgentKind              string
	Model                  string
	Timeout                time.Duration
	MaxConsecutiveFailures int
	AutoFixable            []string
	TestCommand            string
	TestTimeout            time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	if len(c.AutoFixable) == 0 {
		c.AutoFixable = []string{
			core.ErrTypeImplementation,
			core.ErrTypeTestFailure,
			core.ErrTypeTaskFailed,
			core.ErrTypeVerificationFailed,
			core.ErrTypeQualityGate,
			core.ErrTypeWorktree,
		}
	}
	if c.TestTimeout <= 0 {
		c.TestTimeout = 60 * time.Second
	}
}

// Fixer holds the subgraph's node implementations.
type Fixer struct {
	cfg        Config
	agent      core.AgentRunner
	aggregator *observability.Aggregator
	logger     *logging.Logger
}

// New creates a fixer. aggregator may be nil.
func New(cfg Config, agentRunner core.AgentRunner, aggregator *observability.Aggregator, logger *logging.Logger) *Fixer {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Fixer{cfg: cfg, agent: agentRunner, aggregator: aggregator, logger: logger}
}

// CanFix reports whether an escalation should enter the fixer instead of
// going straight to a human.
func (f *Fixer) CanFix(state *core.WorkflowState) bool {
	if !f.cfg.Enabled || state.CircuitBreakerOpen {
		return false
	}
	last := lastError(state)
	if last == nil {
		return false
	}
	for _, t := range f.cfg.AutoFixable {
		if last.Type == t {
			return true
		}
	}
	return false
}

// RouteFor classifies the current error into a subgraph path. Gate failures
// touch sensitive surfaces and must pass validation; errors without an
// obvious cause go through research first.
func (f *Fixer) RouteFor(state *core.WorkflowState) Route {
	last := lastError(state)
	if last == nil {
		return RouteResearch
	}
	switch last.Type {
	case core.ErrTypeImplementation, core.ErrTypeTestFailure, core.ErrTypeTaskFailed:
		return RouteDirect
	case core.ErrTypeQualityGate, core.ErrTypeSecurityGate:
		return RouteValidate
	default:
		return RouteResearch
	}
}

// Triage opens a fix attempt for the latest error.
func (f *Fixer) Triage(_ context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	last := lastError(state)
	if last == nil {
		return f.failure(state, "no recorded error to fix"), nil
	}
	f.logger.Info("fixer triage", "error_type", last.Type, "route", string(f.RouteFor(state)))
	return &core.PartialState{
		FixAttempt: &core.FixAttempt{ErrorType: last.Type},
	}, nil
}

type diagnosisEnvelope struct {
	Diagnosis string `json:"diagnosis"`
	Plan      string `json:"plan"`
	Risky     bool   `json:"risky"`
}

// Diagnose asks the agent for a root cause and a fix plan.
func (f *Fixer) Diagnose(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	last := lastError(state)
	prompt := fmt.Sprintf(`An automated workflow hit this error and needs a fix plan.

Error type: %s
Error message: %s
Current phase: %s
Task: %s

Investigate the project and respond with JSON only:
{"diagnosis": "<root cause>", "plan": "<concrete fix steps>", "risky": <true if the fix touches security-sensitive or destructive surfaces>}`,
		last.Type, last.Message, state.CurrentPhase, state.CurrentTaskID)

	var env diagnosisEnvelope
	if err := f.invoke(ctx, state, prompt, &env); err != nil {
		return f.failure(state, "diagnose: "+err.Error()), nil
	}

	attempt := cloneAttempt(state.FixAttempt)
	attempt.Diagnosis = env.Diagnosis
	attempt.Plan = env.Plan
	attempt.Risky = env.Risky
	return &core.PartialState{FixAttempt: attempt}, nil
}

type researchEnvelope struct {
	Findings string `json:"findings"`
}

// Research gathers extra context for errors diagnose could not pin down.
func (f *Fixer) Research(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	attempt := cloneAttempt(state.FixAttempt)
	prompt := fmt.Sprintf(`Research the following failure before any fix is applied.

Diagnosis so far: %s
Planned fix: %s

Look at relevant files, logs, and recent changes. Respond with JSON only:
{"findings": "<what you learned that changes or confirms the plan>"}`,
		attempt.Diagnosis, attempt.Plan)

	var env researchEnvelope
	if err := f.invoke(ctx, state, prompt, &env); err != nil {
		return f.failure(state, "research: "+err.Error()), nil
	}
	attempt.Research = env.Findings
	return &core.PartialState{FixAttempt: attempt}, nil
}

type validationEnvelope struct {
	Approved bool     `json:"approved"`
	Concerns []string `json:"concerns"`
}

// Validate has the agent review a risky plan before it is applied.
func (f *Fixer) Validate(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	attempt := cloneAttempt(state.FixAttempt)
	prompt := fmt.Sprintf(`Review this fix plan before execution. Reject anything that could
damage the project or weaken security.

Diagnosis: %s
Plan: %s
Research: %s

Respond with JSON only: {"approved": <bool>, "concerns": ["..."]}`,
		attempt.Diagnosis, attempt.Plan, attempt.Research)

	var env validationEnvelope
	if err := f.invoke(ctx, state, prompt, &env); err != nil {
		return f.failure(state, "validate: "+err.Error()), nil
	}
	if !env.Approved {
		return f.failure(state,
			fmt.Sprintf("fix plan rejected: %s", strings.Join(env.Concerns, "; "))), nil
	}
	return &core.PartialState{FixAttempt: attempt}, nil
}

type applyEnvelope struct {
	Status        string   `json:"status"`
	FilesModified []string `json:"files_modified"`
	Notes         string   `json:"notes"`
}

// Apply executes the fix plan against the project.
func (f *Fixer) Apply(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	attempt := cloneAttempt(state.FixAttempt)
	prompt := fmt.Sprintf(`Apply this fix now.

Diagnosis: %s
Plan: %s
%s
When finished respond with JSON only:
{"status": "completed", "files_modified": ["..."], "notes": "<what changed>"}`,
		attempt.Diagnosis, attempt.Plan, researchSection(attempt))

	var env applyEnvelope
	if err := f.invoke(ctx, state, prompt, &env); err != nil {
		return f.failure(state, "apply: "+err.Error()), nil
	}
	if env.Status != "completed" {
		return f.failure(state,
			fmt.Sprintf("apply step reported status %q", env.Status)), nil
	}

	attempt.Applied = true
	attempt.Result = map[string]any{
		"files_modified": env.FilesModified,
		"notes":          env.Notes,
	}
	return &core.PartialState{FixAttempt: attempt}, nil
}

// Verify checks the fix. With a test command configured the tests are the
// arbiter; otherwise the applied flag stands.
func (f *Fixer) Verify(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	attempt := cloneAttempt(state.FixAttempt)
	if !attempt.Applied {
		return f.failure(state, "fix was never applied"), nil
	}

	if f.cfg.TestCommand != "" {
		if err := f.runVerifyCommand(ctx, state.ProjectDir); err != nil {
			f.logger.Warn("fix verification failed", "error", err)
			return f.failure(state, err.Error()), nil
		}
	}

	attempt.Verified = true
	f.logger.Info("fix verified", "error_type", attempt.ErrorType)

	resolution := "auto-fixed: " + attempt.Diagnosis
	zero := 0
	resume := core.DecisionContinue
	p := &core.PartialState{
		NextDecision:    &resume,
		ClearFixAttempt: true,
		FixerFailures:   &zero,
	}
	if last := lastError(state); last != nil {
		if f.aggregator != nil {
			fp := observability.Fingerprint(last.Type, last.Message, state.CurrentPhase, "", last.TaskID)
			f.aggregator.Resolve(fp, resolution)
		}
		// The state's errors entry gets the same resolution stamp.
		p.ResolveErrors = []core.ErrorResolution{{
			Type:       last.Type,
			TaskID:     last.TaskID,
			Resolution: resolution,
		}}
	}
	return p, nil
}

// failure builds the partial for a failed fix attempt, tripping the circuit
// breaker after too many consecutive failures.
func (f *Fixer) failure(state *core.WorkflowState, reason string) *core.PartialState {
	failures := state.FixerFailures + 1
	escalate := core.DecisionEscalate
	p := &core.PartialState{
		NextDecision:    &escalate,
		ClearFixAttempt: true,
		FixerFailures:   &failures,
		Errors: []core.WorkflowError{{
			Type:      core.ErrTypeNodeFailure,
			Message:   "fixer failed: " + reason,
			Timestamp: time.Now(),
			TaskID:    state.CurrentTaskID,
		}},
	}
	if failures >= f.cfg.MaxConsecutiveFailures {
		open := true
		p.CircuitBreakerOpen = &open
		f.logger.Warn("fixer circuit breaker opened", "consecutive_failures", failures)
	}
	return p
}

// Attach wires the subgraph into a builder. resumeNode receives control on
// a verified fix; escalateNode on failure or an open breaker.
func (f *Fixer) Attach(b *graph.Builder, resumeNode, escalateNode string) {
	b.AddNode("fixer_triage", f.Triage).
		AddNode("fixer_diagnose", f.Diagnose).
		AddNode("fixer_research", f.Research).
		AddNode("fixer_validate", f.Validate).
		AddNode("fixer_apply", f.Apply).
		AddNode("fixer_verify", f.Verify)

	b.AddRouter("fixer_triage", func(state *core.WorkflowState) []graph.Dispatch {
		if state.NextDecision == core.DecisionEscalate && state.FixAttempt == nil {
			return graph.Goto(escalateNode)
		}
		return graph.Goto("fixer_diagnose")
	})
	b.AddRouter("fixer_diagnose", func(state *core.WorkflowState) []graph.Dispatch {
		if state.NextDecision == core.DecisionEscalate {
			return graph.Goto(escalateNode)
		}
		switch f.RouteFor(state) {
		case RouteDirect:
			if state.FixAttempt != nil && state.FixAttempt.Risky {
				return graph.Goto("fixer_validate")
			}
			return graph.Goto("fixer_apply")
		case RouteValidate:
			return graph.Goto("fixer_validate")
		default:
			return graph.Goto("fixer_research")
		}
	})
	b.AddRouter("fixer_research", f.orEscalate(escalateNode, "fixer_validate"))
	b.AddRouter("fixer_validate", f.orEscalate(escalateNode, "fixer_apply"))
	b.AddRouter("fixer_apply", f.orEscalate(escalateNode, "fixer_verify"))
	b.AddRouter("fixer_verify", func(state *core.WorkflowState) []graph.Dispatch {
		if state.NextDecision == core.DecisionContinue {
			return graph.Goto(resumeNode)
		}
		return graph.Goto(escalateNode)
	})
}

// orEscalate routes to next unless the engine marked the step escalated.
func (f *Fixer) orEscalate(escalateNode, next string) graph.Router {
	return func(state *core.WorkflowState) []graph.Dispatch {
		if state.NextDecision == core.DecisionEscalate {
			return graph.Goto(escalateNode)
		}
		return graph.Goto(next)
	}
}

// invoke runs one agent step and decodes its JSON envelope.
func (f *Fixer) invoke(ctx context.Context, state *core.WorkflowState, prompt string, v any) error {
	res := f.agent.Invoke(ctx, core.InvokeOptions{
		AgentKind: f.cfg.AgentKind,
		Prompt:    prompt,
		Model:     f.cfg.Model,
		Timeout:   f.cfg.Timeout,
		WorkDir:   state.ProjectDir,
	})
	if !res.Success {
		return core.ErrExecution("FIXER_AGENT_FAILED", res.Error)
	}
	text, _, _, _ := agent.UnwrapResult(res.Stdout)
	if err := agent.ParseJSON(text, v); err != nil {
		return &core.DomainError{
			Category: core.ErrCatExecution,
			Code:     core.CodeParseFailed,
			Message:  "fixer agent returned no parseable envelope",
			Cause:    err,
		}
	}
	return nil
}

func (f *Fixer) runVerifyCommand(ctx context.Context, dir string) error {
	return runCommand(ctx, f.cfg.TestCommand, dir, f.cfg.TestTimeout)
}

func researchSection(attempt *core.FixAttempt) string {
	if attempt.Research == "" {
		return ""
	}
	return "Research findings: " + attempt.Research + "\n"
}

func cloneAttempt(a *core.FixAttempt) *core.FixAttempt {
	if a == nil {
		return &core.FixAttempt{}
	}
	clone := *a
	return &clone
}

func lastError(state *core.WorkflowState) *core.WorkflowError {
	if len(state.Errors) == 0 {
		return nil
	}
	return &state.Errors[len(state.Errors)-1]
}
