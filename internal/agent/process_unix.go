//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/maestro-ai/maestro/internal/logging"
)

// configureProcAttr puts the child in its own process group so the whole
// tree can be signaled at once.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGTERM to the process group, waits the grace period,
// then sends SIGKILL if the group is still alive.
func (r *Runner) terminate(cmd *exec.Cmd, log *logging.Logger) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// Already gone.
		return
	}
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return
		}
		log.Warn("agent: sigterm failed", "pgid", pgid, "error", err)
	}

	deadline := time.After(killGracePeriod)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			log.Warn("agent: escalated to sigkill", "pgid", pgid)
			return
		case <-tick.C:
			// Signal 0 probes for existence.
			if err := syscall.Kill(-pgid, syscall.Signal(0)); err == syscall.ESRCH {
				return
			}
		}
	}
}
