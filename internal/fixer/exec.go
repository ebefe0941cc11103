package fixer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/maestro-ai/maestro/internal/core"
)

// runCommand executes the verification command under a timeout.
func runCommand(ctx context.Context, command, dir string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return core.ErrTimeout("verification command timed out")
	}
	if err != nil {
		return fmt.Errorf("verification failed: %s", firstNonEmptyLine(string(out), err))
	}
	return nil
}

func firstNonEmptyLine(output string, err error) string {
	for _, line := range strings.Split(output, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return err.Error()
}
