package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/logging"
)

// Worktree is one task's isolated workspace.
type Worktree struct {
	TaskID    core.TaskID
	Path      string
	Branch    string
	CreatedAt time.Time
}

// MergeResult reports one task's merge back into the main workspace.
type MergeResult struct {
	TaskID core.TaskID
	Merged bool
	Err    string
}

// Manager creates per-task worktrees under the repository and merges them
// back sequentially. Each worktree is exclusively owned by its task while
// implementation runs.
type Manager struct {
	git          *gitClient
	baseDir      string
	branchPrefix string
	logger       *logging.Logger
}

// NewManager binds a manager to a git repository. baseDir defaults to
// <repo>/.maestro/worktrees.
func NewManager(repoPath, baseDir string, logger *logging.Logger) (*Manager, error) {
	git, err := newGitClient(repoPath)
	if err != nil {
		return nil, err
	}
	if baseDir == "" {
		baseDir = filepath.Join(git.dir, ".maestro", "worktrees")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		git:          git,
		baseDir:      baseDir,
		branchPrefix: "maestro/",
		logger:       logger,
	}, nil
}

// Create makes a fresh worktree for a task, branched off the current HEAD.
func (m *Manager) Create(ctx context.Context, taskID core.TaskID) (*Worktree, error) {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktree base directory: %w", err)
	}

	path := filepath.Join(m.baseDir, "task-"+string(taskID))
	if _, err := os.Stat(path); err == nil {
		return nil, core.ErrState(core.CodeWorktreeFailed,
			fmt.Sprintf("worktree for task %s already exists", taskID))
	}

	branch := m.branchPrefix + string(taskID)
	if _, err := m.git.run(ctx, "worktree", "add", "-b", branch, path); err != nil {
		return nil, &core.DomainError{
			Category: core.ErrCatExecution,
			Code:     core.CodeWorktreeFailed,
			Message:  fmt.Sprintf("creating worktree for task %s", taskID),
			Cause:    err,
		}
	}

	m.logger.Debug("worktree created", "task_id", string(taskID), "path", path)
	return &Worktree{TaskID: taskID, Path: path, Branch: branch, CreatedAt: time.Now()}, nil
}

// Remove deletes a worktree and its branch.
func (m *Manager) Remove(ctx context.Context, wt *Worktree) error {
	if _, err := m.git.run(ctx, "worktree", "remove", "--force", wt.Path); err != nil {
		return err
	}
	if wt.Branch != "" {
		if err := m.git.deleteBranch(ctx, wt.Branch); err != nil {
			m.logger.Debug("branch cleanup failed", "branch", wt.Branch, "error", err)
		}
	}
	return nil
}

// MergeSequential commits each worktree's changes and merges them into the
// main workspace in ascending task-id order, so conflict reporting is
// deterministic. A failed merge marks that task only; the rest proceed.
func (m *Manager) MergeSequential(ctx context.Context, worktrees []*Worktree) []MergeResult {
	sorted := append([]*Worktree(nil), worktrees...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TaskID < sorted[j].TaskID })

	results := make([]MergeResult, 0, len(sorted))
	for _, wt := range sorted {
		res := MergeResult{TaskID: wt.TaskID}
		if err := m.mergeOne(ctx, wt); err != nil {
			res.Err = err.Error()
			m.logger.Warn("worktree merge failed", "task_id", string(wt.TaskID), "error", err)
		} else {
			res.Merged = true
			m.logger.Info("worktree merged", "task_id", string(wt.TaskID))
		}
		results = append(results, res)
	}
	return results
}

func (m *Manager) mergeOne(ctx context.Context, wt *Worktree) error {
	msg := fmt.Sprintf("task %s implementation", wt.TaskID)
	if err := m.git.at(wt.Path).commitAll(ctx, msg); err != nil {
		return fmt.Errorf("committing worktree changes: %w", err)
	}
	if err := m.git.merge(ctx, wt.Branch, fmt.Sprintf("merge task %s", wt.TaskID)); err != nil {
		m.git.abortMerge(ctx)
		return fmt.Errorf("merging branch %s: %w", wt.Branch, err)
	}
	return nil
}

// CleanupStale removes managed worktrees older than maxAge, plus stale git
// bookkeeping. It returns how many were removed.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.baseDir, e.Name())
		if _, err := m.git.run(ctx, "worktree", "remove", "--force", path); err != nil {
			continue
		}
		removed++
	}
	_, _ = m.git.run(ctx, "worktree", "prune")
	return removed, nil
}
