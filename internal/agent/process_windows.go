//go:build windows

package agent

import (
	"os/exec"

	"github.com/maestro-ai/maestro/internal/logging"
)

// configureProcAttr is a no-op on Windows (Setpgid not supported).
func configureProcAttr(_ *exec.Cmd) {}

// terminate on Windows falls back to Process.Kill().
func (r *Runner) terminate(cmd *exec.Cmd, log *logging.Logger) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Kill(); err != nil {
		log.Warn("agent: kill failed", "error", err)
	}
}
