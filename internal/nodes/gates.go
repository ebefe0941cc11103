package nodes

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/maestro-ai/maestro/internal/agent"
	"github.com/maestro-ai/maestro/internal/core"
)

var coverageRE = regexp.MustCompile(`coverage:\s*([0-9.]+)%`)

// QualityGate closes the implementation phase and runs the build and
// coverage checks over the merged workspace.
func (w *Workflow) QualityGate(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	implStatus := core.PhaseCompleted
	if len(state.FailedTaskIDs) > 0 {
		// Skipped or failed tasks do not block the gate by themselves;
		// the phase record keeps the truth.
		w.log.Warn("closing implementation with failed tasks", "failed", len(state.FailedTaskIDs))
	}
	closed := finishPhase(state.PhaseStatus[core.PhaseImplementation], implStatus, "", map[string]any{
		"completed": len(state.CompletedTaskIDs),
		"failed":    len(state.FailedTaskIDs),
	})
	p := &core.PartialState{
		PhaseStatus:  map[core.Phase]*core.PhaseState{core.PhaseImplementation: closed},
		NextDecision: decisionPtr(core.DecisionContinue),
	}
	w.emit(core.NewEvent(core.EventPhaseCompleted, state.ProjectName, core.PriorityMedium).
		WithPhase(core.PhaseImplementation))

	if !w.cfg.Workflow.Features.BuildVerification {
		return p, nil
	}

	output, err := w.runGateCommand(ctx, state.ProjectDir)
	if err != nil {
		msg := "build verification failed: " + err.Error()
		w.action(ctx, "quality gate failed", "", map[string]any{"error": err.Error()})
		if w.cfg.Quality.BuildRequired {
			esc := w.escalatePartial(state, core.ErrTypeQualityGate, msg, "")
			esc.PhaseStatus = p.PhaseStatus
			return esc, nil
		}
		w.log.Warn("quality gate failure is non-blocking", "error", err)
		return p, nil
	}

	if w.cfg.Workflow.Features.CoverageCheck {
		if cov, ok := parseCoverage(output); ok && cov < w.cfg.Quality.CoverageThreshold {
			msg := fmt.Sprintf("coverage %.1f%% below threshold %.1f%%", cov, w.cfg.Quality.CoverageThreshold)
			w.action(ctx, "coverage below threshold", "", map[string]any{"coverage": cov})
			if w.cfg.Quality.CoverageBlocking {
				esc := w.escalatePartial(state, core.ErrTypeQualityGate, msg, "")
				esc.PhaseStatus = p.PhaseStatus
				return esc, nil
			}
			w.log.Warn(msg)
		}
	}

	w.action(ctx, "quality gate passed", "", nil)
	return p, nil
}

// runGateCommand runs the configured test command over the whole workspace.
func (w *Workflow) runGateCommand(ctx context.Context, dir string) (string, error) {
	command := w.cfg.Loop.TestCommand
	if command == "" {
		return "", nil
	}
	timeout := parseDur(w.cfg.Loop.TestTimeout, 60*time.Second)
	// The full suite gets headroom over a single task's test run.
	ctx, cancel := context.WithTimeout(ctx, 3*timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return string(out), core.ErrTimeout("quality gate command timed out")
	}
	if err != nil {
		return string(out), fmt.Errorf("%s", firstLine(string(out), err))
	}
	return string(out), nil
}

func parseCoverage(output string) (float64, bool) {
	m := coverageRE.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	cov, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return cov, true
}

// securityFinding is one entry in the scanner agent's envelope.
type securityFinding struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
	File        string `json:"file,omitempty"`
}

type securityReport struct {
	Findings []securityFinding `json:"findings"`
}

// SecurityGate asks an agent for a focused security review of the changed
// code. Findings at a blocking severity escalate; a scanner failure is
// logged and waved through rather than stalling the workflow.
func (w *Workflow) SecurityGate(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
	p := &core.PartialState{NextDecision: decisionPtr(core.DecisionContinue)}
	if !w.cfg.Security.Enabled || !w.cfg.Workflow.Features.SecurityScan {
		return p, nil
	}

	kind, ac := w.agentFor(w.cfg.Agents.Default)
	res := w.d.Agent.Invoke(ctx, core.InvokeOptions{
		AgentKind: kind,
		Prompt:    securityPrompt(state),
		Model:     ac.Model,
		MaxTurns:  ac.MaxTurns,
		Timeout:   time.Duration(ac.TimeoutSeconds) * time.Second,
		WorkDir:   state.ProjectDir,
	})
	if !res.Success {
		w.log.Warn("security scanner failed, gate skipped", "error", res.Error)
		w.action(ctx, "security scan skipped", "", map[string]any{"error": res.Error})
		return p, nil
	}

	text, cost, _, _ := agent.UnwrapResult(res.Stdout)
	if w.d.Budget != nil {
		w.d.Budget.Record("", cost)
	}
	if cost > 0 {
		p.TaskCosts = map[core.TaskID]float64{"": cost}
	}

	var report securityReport
	if err := agent.ParseJSON(text, &report); err != nil {
		w.log.Warn("security scanner returned no parseable report")
		return p, nil
	}

	blocking := blockingFindings(report.Findings, w.cfg.Security.BlockingSeverities)
	w.action(ctx, "security scan", "", map[string]any{
		"findings": len(report.Findings),
		"blocking": len(blocking),
	})
	if len(blocking) == 0 {
		return p, nil
	}

	var lines []string
	for _, f := range blocking {
		line := f.Severity + ": " + f.Description
		if f.File != "" {
			line += " (" + f.File + ")"
		}
		lines = append(lines, line)
	}
	esc := w.escalatePartial(state, core.ErrTypeSecurityGate,
		"security findings: "+strings.Join(lines, "; "), "")
	if p.TaskCosts != nil {
		esc.TaskCosts = p.TaskCosts
	}
	w.emitNow(core.NewEvent(core.EventEscalation, state.ProjectName, core.PriorityHigh).
		WithNode(NodeSecurityGate).WithData(map[string]any{"blocking": len(blocking)}))
	return esc, nil
}

func securityPrompt(state *core.WorkflowState) string {
	var sb strings.Builder
	sb.WriteString("Perform a focused security review of the code implemented in this workspace.\n")
	sb.WriteString("Look for injection, secrets in code, path traversal, unsafe deserialization, and unvalidated input at trust boundaries.\n\n")
	sb.WriteString("Files touched:\n")
	for _, t := range state.Tasks {
		for _, f := range append(append([]string{}, t.FilesToCreate...), t.FilesToModify...) {
			sb.WriteString("  - " + f + "\n")
		}
	}
	sb.WriteString(`
Respond with JSON only:
{"findings": [{"severity": "critical|high|medium|low", "description": "...", "file": "..."}]}
An empty findings list means the scan is clean.`)
	return sb.String()
}

func blockingFindings(findings []securityFinding, severities []string) []securityFinding {
	if len(severities) == 0 {
		severities = []string{"critical", "high"}
	}
	block := make(map[string]bool, len(severities))
	for _, s := range severities {
		block[strings.ToLower(s)] = true
	}
	var out []securityFinding
	for _, f := range findings {
		if block[strings.ToLower(f.Severity)] {
			out = append(out, f)
		}
	}
	return out
}
