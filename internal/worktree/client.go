// Package worktree isolates parallel task implementation in git worktrees
// and merges completed work back in deterministic task order.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/maestro-ai/maestro/internal/core"
)

// gitClient runs git commands rooted at one directory.
type gitClient struct {
	dir     string
	timeout time.Duration
}

func newGitClient(dir string) (*gitClient, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	c := &gitClient{dir: abs, timeout: 30 * time.Second}
	if _, err := c.run(context.Background(), "rev-parse", "--git-dir"); err != nil {
		return nil, core.ErrValidation("NOT_GIT_REPO",
			fmt.Sprintf("%s is not a git repository", abs))
	}
	return c, nil
}

// at returns a client for a subdirectory (a worktree) sharing the timeout.
func (c *gitClient) at(dir string) *gitClient {
	return &gitClient{dir: dir, timeout: c.timeout}
}

func (c *gitClient) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", core.ErrTimeout(fmt.Sprintf("git %s timed out", strings.Join(args, " ")))
		}
		return "", fmt.Errorf("git %s: %s: %w",
			strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// commitAll stages and commits everything in the client's directory.
// A clean tree is not an error.
func (c *gitClient) commitAll(ctx context.Context, message string) error {
	if _, err := c.run(ctx, "add", "-A"); err != nil {
		return err
	}
	status, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return err
	}
	if status == "" {
		return nil
	}
	_, err = c.run(ctx, "commit", "-m", message)
	return err
}

func (c *gitClient) merge(ctx context.Context, branch, message string) error {
	_, err := c.run(ctx, "merge", "--no-ff", "-m", message, branch)
	return err
}

func (c *gitClient) abortMerge(ctx context.Context) {
	_, _ = c.run(ctx, "merge", "--abort")
}

func (c *gitClient) deleteBranch(ctx context.Context, branch string) error {
	_, err := c.run(ctx, "branch", "-D", branch)
	return err
}
