// Package agent spawns external AI coding tools as subprocesses and
// normalizes their results.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maestro-ai/maestro/internal/config"
	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/logging"
)

// killGracePeriod is how long a terminated subprocess gets before SIGKILL.
const killGracePeriod = 5 * time.Second

// Runner implements core.AgentRunner on top of os/exec. One Runner serves
// all agent kinds; per-kind binary paths and defaults come from config.
type Runner struct {
	cfg       config.AgentsConfig
	logger    *logging.Logger
	preflight *Preflight
	limits    *RateLimits

	mu        sync.Mutex
	activeCmd *exec.Cmd
}

// NewRunner creates a runner.
func NewRunner(cfg config.AgentsConfig, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{cfg: cfg, logger: logger}
}

// WithPreflight enables resource checks before each invocation.
func (r *Runner) WithPreflight(p *Preflight) *Runner {
	r.preflight = p
	return r
}

// WithRateLimits spaces out invocations per agent kind.
func (r *Runner) WithRateLimits(rl *RateLimits) *Runner {
	r.limits = rl
	return r
}

func (r *Runner) agentConfig(kind string) (config.AgentConfig, error) {
	var ac config.AgentConfig
	switch kind {
	case "claude":
		ac = r.cfg.Claude
	case "cursor":
		ac = r.cfg.Cursor
	case "gemini":
		ac = r.cfg.Gemini
	default:
		return ac, core.ErrValidation("UNKNOWN_AGENT", fmt.Sprintf("unknown agent kind %q", kind))
	}
	if !ac.Enabled {
		return ac, core.ErrExecution(core.CodeAgentUnavailable, fmt.Sprintf("agent %q is disabled", kind))
	}
	if ac.Path == "" {
		return ac, core.ErrValidation("NO_PATH", fmt.Sprintf("agent %q has no binary path configured", kind))
	}
	return ac, nil
}

// buildArgs assembles the argv tail for an invocation. The prompt always
// travels via stdin; there is no shell involved anywhere.
func buildArgs(kind string, ac config.AgentConfig, opts core.InvokeOptions) []string {
	model := opts.Model
	if model == "" {
		model = ac.Model
	}
	maxTurns := opts.MaxTurns
	if maxTurns == 0 {
		maxTurns = ac.MaxTurns
	}

	var args []string
	switch kind {
	case "claude":
		args = append(args, "-p", "--output-format", "json")
		if model != "" {
			args = append(args, "--model", model)
		}
		if maxTurns > 0 {
			args = append(args, "--max-turns", strconv.Itoa(maxTurns))
		}
		if len(opts.AllowedTools) > 0 {
			args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
		}
	case "cursor":
		args = append(args, "-p", "--output-format", "json")
		if model != "" {
			args = append(args, "--model", model)
		}
	case "gemini":
		if model != "" {
			args = append(args, "--model", model)
		}
		args = append(args, "--prompt-interactive=false")
	}
	return args
}

// Invoke runs one agent subprocess to completion. Every path, including
// timeout and spawn failure, returns a populated InvokeResult.
func (r *Runner) Invoke(ctx context.Context, opts core.InvokeOptions) core.InvokeResult {
	start := time.Now()
	fail := func(errMsg string) core.InvokeResult {
		return core.InvokeResult{
			Success:         false,
			ExitCode:        -1,
			DurationSeconds: time.Since(start).Seconds(),
			Error:           errMsg,
		}
	}

	ac, err := r.agentConfig(opts.AgentKind)
	if err != nil {
		return fail(err.Error())
	}

	if r.preflight != nil {
		if err := r.preflight.Check(); err != nil {
			return fail(err.Error())
		}
	}

	if r.limits != nil {
		if err := r.limits.Get(opts.AgentKind).Acquire(ctx); err != nil {
			return fail(fmt.Sprintf("waiting for rate limit: %v", err))
		}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Duration(ac.TimeoutSeconds) * time.Second
	}
	if timeout == 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := buildArgs(opts.AgentKind, ac, opts)
	// #nosec G204 -- binary path comes from validated config, args are built here
	cmd := exec.CommandContext(ctx, ac.Path, args...)
	configureProcAttr(cmd)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Stdin = strings.NewReader(opts.Prompt)

	cmd.Env = append(os.Environ(),
		"TERM=dumb",
		"MAESTRO_MANAGED=true",
		"MAESTRO_AGENT="+opts.AgentKind,
	)
	for k, v := range opts.EnvOverrides {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderrPipe, pipeErr := cmd.StderrPipe()
	var stderr bytes.Buffer
	if pipeErr != nil {
		cmd.Stderr = &stderr
		stderrPipe = nil
	}

	log := r.logger.WithAgent(opts.AgentKind)
	log.Info("agent: invoking",
		"path", ac.Path,
		"args", args,
		"work_dir", cmd.Dir,
		"prompt_length", len(opts.Prompt),
		"timeout", timeout,
	)

	if err := cmd.Start(); err != nil {
		if stderrPipe != nil {
			_ = stderrPipe.Close()
		}
		return fail(fmt.Sprintf("starting agent: %v", err))
	}
	r.setActive(cmd)
	defer r.clearActive()

	var wg sync.WaitGroup
	if stderrPipe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.streamStderr(stderrPipe, &stderr, log)
		}()
	}

	// On cancellation or timeout, terminate the process group ourselves so
	// the agent's own children die too, with the graceful TERM-then-KILL
	// escalation.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.terminate(cmd, log)
		case <-waitDone:
		}
	}()

	waitErr := cmd.Wait()
	close(waitDone)
	wg.Wait()

	result := core.InvokeResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		DurationSeconds: time.Since(start).Seconds(),
	}
	result.TokensIn = EstimateTokens(opts.Prompt)
	result.TokensOut = EstimateTokens(result.Stdout)
	model := opts.Model
	if model == "" {
		model = ac.Model
	}
	result.CostUSD = EstimateCost(model, result.TokensIn, result.TokensOut)

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		result.ExitCode = -1
		result.Error = "timeout"
		log.Error("agent: timed out", "timeout", timeout, "stderr_length", len(result.Stderr))
	case ctx.Err() == context.Canceled:
		result.ExitCode = -1
		result.Error = "cancelled"
		log.Info("agent: cancelled", "duration", result.DurationSeconds)
	case waitErr != nil:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			result.Error = fmt.Sprintf("exit code %d", result.ExitCode)
		} else {
			result.ExitCode = -1
			result.Error = waitErr.Error()
		}
		log.Error("agent: failed",
			"exit_code", result.ExitCode,
			"stderr", truncateForLog(result.Stderr, 2000),
		)
	default:
		result.Success = true
		log.Info("agent: completed",
			"duration", result.DurationSeconds,
			"stdout_length", len(result.Stdout),
			"cost_usd", result.CostUSD,
		)
	}
	return result
}

// CheckAvailability verifies an agent binary is on PATH.
func (r *Runner) CheckAvailability(kind string) error {
	ac, err := r.agentConfig(kind)
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(ac.Path); err != nil {
		return core.ErrNotFound("agent binary", ac.Path)
	}
	return nil
}

func (r *Runner) setActive(cmd *exec.Cmd) {
	r.mu.Lock()
	r.activeCmd = cmd
	r.mu.Unlock()
}

func (r *Runner) clearActive() {
	r.mu.Lock()
	r.activeCmd = nil
	r.mu.Unlock()
}

func (r *Runner) streamStderr(pipe io.ReadCloser, buf *bytes.Buffer, log *logging.Logger) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteString("\n")
		log.Debug("agent stderr", "line", line)
	}
	// Scanner errors are expected when the pipe closes on kill.
}

func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "... [truncated]"
}
