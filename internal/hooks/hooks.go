// Package hooks runs user-provided lifecycle scripts around workflow
// stages.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maestro-ai/maestro/internal/logging"
)

// Hook names the engine recognizes. Each maps to an executable script
// `<name>.sh` in the hooks directory.
const (
	PreIteration  = "pre-iteration"
	PostIteration = "post-iteration"
	StopCheck     = "stop-check"
	PreTask       = "pre-task"
	PostTask      = "post-task"
	OnError       = "on-error"
	OnComplete    = "on-complete"
)

// DefaultTimeout bounds a single hook script run.
const DefaultTimeout = 30 * time.Second

// manifest is the optional hooks.yaml next to the scripts, overriding
// per-hook timeout or disabling hooks entirely.
type manifest struct {
	Disabled []string       `yaml:"disabled"`
	Timeouts map[string]int `yaml:"timeout_seconds"`
}

// Runner locates and executes hook scripts for one project.
type Runner struct {
	dir      string
	timeout  time.Duration
	logger   *logging.Logger
	manifest manifest
}

// NewRunner creates a hook runner rooted at the given hooks directory.
// A hooks.yaml manifest in the directory is honored if present.
func NewRunner(dir string, timeout time.Duration, logger *logging.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Runner{dir: dir, timeout: timeout, logger: logger}
	r.loadManifest()
	return r
}

func (r *Runner) loadManifest() {
	data, err := os.ReadFile(filepath.Join(r.dir, "hooks.yaml"))
	if err != nil {
		return
	}
	if err := yaml.Unmarshal(data, &r.manifest); err != nil {
		r.logger.Warn("hooks: malformed hooks.yaml, ignoring", "error", err)
	}
}

func (r *Runner) disabled(name string) bool {
	for _, d := range r.manifest.Disabled {
		if d == name {
			return true
		}
	}
	return false
}

func (r *Runner) timeoutFor(name string) time.Duration {
	if secs, ok := r.manifest.Timeouts[name]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return r.timeout
}

// scriptPath returns the hook script path, or "" when no script exists.
func (r *Runner) scriptPath(name string) string {
	path := filepath.Join(r.dir, name+".sh")
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}

// EncodeEnv converts a context map to HOOK_* environment variables.
// Strings pass through, booleans become "true"/"false", numbers are
// formatted, and anything else is JSON-encoded.
func EncodeEnv(context map[string]any) []string {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		var val string
		switch v := context[k].(type) {
		case string:
			val = v
		case bool:
			val = strconv.FormatBool(v)
		case int:
			val = strconv.Itoa(v)
		case float64:
			val = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			val = string(b)
		}
		env = append(env, fmt.Sprintf("HOOK_%s=%s", envKey(k), val))
	}
	return env
}

func envKey(k string) string {
	out := make([]byte, len(k))
	for i := 0; i < len(k); i++ {
		c := k[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		case c == '-' || c == '.':
			out[i] = '_'
		default:
			out[i] = c
		}
	}
	return string(out)
}

// Run executes the named hook with the context encoded into HOOK_*
// variables. A missing script is not an error. Failures are logged and
// swallowed: hooks never block the workflow. Use RunStopCheck for the one
// hook whose exit code matters.
func (r *Runner) Run(ctx context.Context, name string, hookCtx map[string]any) {
	if r.disabled(name) {
		return
	}
	path := r.scriptPath(name)
	if path == "" {
		return
	}

	exitCode, err := r.exec(ctx, name, path, hookCtx)
	if err != nil {
		r.logger.Warn("hook failed", "hook", name, "exit_code", exitCode, "error", err)
	}
}

// RunStopCheck executes the stop-check hook. It reports stop=true when the
// script exists and exits 0. A missing script, failure, or timeout means
// continue.
func (r *Runner) RunStopCheck(ctx context.Context, hookCtx map[string]any) bool {
	if r.disabled(StopCheck) {
		return false
	}
	path := r.scriptPath(StopCheck)
	if path == "" {
		return false
	}

	exitCode, err := r.exec(ctx, StopCheck, path, hookCtx)
	if err != nil && exitCode <= 0 {
		// Script could not run at all; do not stop the loop for that.
		r.logger.Warn("stop-check hook failed to run", "error", err)
		return false
	}
	return exitCode == 0
}

// exec runs one script and returns its exit code. exitCode -1 means the
// script never ran or was killed.
func (r *Runner) exec(ctx context.Context, name, path string, hookCtx map[string]any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeoutFor(name))
	defer cancel()

	// #nosec G204 -- path is constrained to <hooks-dir>/<known-name>.sh
	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = filepath.Dir(r.dir)
	cmd.Env = append(os.Environ(), EncodeEnv(hookCtx)...)

	start := time.Now()
	out, err := cmd.CombinedOutput()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		if ctx.Err() == context.DeadlineExceeded {
			return -1, fmt.Errorf("hook %s timed out after %v", name, r.timeoutFor(name))
		}
		return exitCode, fmt.Errorf("hook %s: %w (output: %s)", name, err, truncate(string(out), 500))
	}

	r.logger.Debug("hook completed", "hook", name, "duration", duration)
	return exitCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
