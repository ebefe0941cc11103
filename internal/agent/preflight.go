package agent

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/logging"
)

// Preflight checks system headroom before spawning an agent subprocess.
// Agent CLIs routinely hold hundreds of megabytes; starting one on a
// starved machine produces confusing downstream failures.
type Preflight struct {
	// MinAvailableMB is the minimum available memory required.
	MinAvailableMB uint64
	// MaxLoadPerCPU blocks when load1/NumCPU exceeds it.
	MaxLoadPerCPU float64
	logger        *logging.Logger
}

// NewPreflight creates a preflight with default thresholds.
func NewPreflight(logger *logging.Logger) *Preflight {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Preflight{
		MinAvailableMB: 512,
		MaxLoadPerCPU:  4.0,
		logger:         logger,
	}
}

// Check returns an error when the system lacks headroom. Probe failures are
// logged and ignored: an unreadable metric must not block the workflow.
func (p *Preflight) Check() error {
	if vm, err := mem.VirtualMemory(); err == nil {
		availMB := vm.Available / (1024 * 1024)
		if availMB < p.MinAvailableMB {
			return core.ErrExecution("PREFLIGHT_MEMORY",
				fmt.Sprintf("only %d MB memory available, need %d MB", availMB, p.MinAvailableMB))
		}
	} else {
		p.logger.Debug("preflight: memory probe failed", "error", err)
	}

	if avg, err := load.Avg(); err == nil {
		perCPU := avg.Load1 / float64(runtime.NumCPU())
		if perCPU > p.MaxLoadPerCPU {
			return core.ErrExecution("PREFLIGHT_LOAD",
				fmt.Sprintf("load %.1f per cpu exceeds %.1f", perCPU, p.MaxLoadPerCPU))
		}
	} else {
		p.logger.Debug("preflight: load probe failed", "error", err)
	}

	return nil
}
