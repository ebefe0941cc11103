package cmd

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/maestro-ai/maestro/internal/agent"
	"github.com/maestro-ai/maestro/internal/budget"
	"github.com/maestro-ai/maestro/internal/config"
	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/emitter"
	"github.com/maestro-ai/maestro/internal/fixer"
	"github.com/maestro-ai/maestro/internal/graph"
	"github.com/maestro-ai/maestro/internal/hooks"
	"github.com/maestro-ai/maestro/internal/logging"
	"github.com/maestro-ai/maestro/internal/loop"
	"github.com/maestro-ai/maestro/internal/nodes"
	"github.com/maestro-ai/maestro/internal/observability"
	"github.com/maestro-ai/maestro/internal/repo"
	"github.com/maestro-ai/maestro/internal/worktree"
)

// stateDirName is the per-project directory holding the database, control
// file, and worktrees.
const stateDirName = ".maestro"

// workflowDirName is the project-visible directory for workflow artifacts:
// hook scripts, iteration logs, handoff briefs.
const workflowDirName = ".workflow"

// orchestrator bundles everything a run or resume needs, built once from
// the effective configuration.
type orchestrator struct {
	cfg       *config.Config
	log       *logging.Logger
	store     *repo.SQLiteRepository
	emit      *emitter.Emitter
	runner    *graph.Runner
	pauseFlag *atomic.Bool
}

// requestPause stops the run at the next safe boundary: the graph runner's
// node boundary and the implementation loop's iteration boundary share the
// signal.
func (o *orchestrator) requestPause() {
	o.pauseFlag.Store(true)
	o.runner.RequestPause()
}

// buildOrchestrator wires the full dependency graph for one project. The
// caller owns Close.
func buildOrchestrator(cfg *config.Config, logger *logging.Logger, projectName, projectDir string) (*orchestrator, error) {
	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = filepath.Join(stateDirName, "maestro.db")
	}
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(projectDir, dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	store, err := repo.NewSQLiteRepository(dbPath)
	if err != nil {
		return nil, err
	}

	if cfg.Events.RetentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -cfg.Events.RetentionDays)
		if n, err := store.DeleteEventsBefore(context.Background(), cutoff); err == nil && n > 0 {
			logger.Debug("pruned old events", "count", n, "cutoff", cutoff)
		}
	}

	agents := agent.NewRunner(cfg.Agents, logger).
		WithPreflight(agent.NewPreflight(logger)).
		WithRateLimits(agent.NewRateLimits())
	budgets := budget.NewManager(cfg.Budget, logger)

	flush := parseDuration(cfg.Events.FlushInterval, 5*time.Second)
	minPriority := core.EventPriority(cfg.Events.MinPriority)
	if minPriority == "" {
		minPriority = core.PriorityLow
	}
	emit := emitter.New(store, cfg.Events.BatchSize, flush, minPriority, logger)

	var hookRunner *hooks.Runner
	if cfg.Hooks.Enabled {
		dir := cfg.Hooks.Dir
		if dir == "" {
			dir = filepath.Join(projectDir, workflowDirName, "hooks")
		} else if !filepath.IsAbs(dir) {
			dir = filepath.Join(projectDir, dir)
		}
		hookRunner = hooks.NewRunner(dir, time.Duration(cfg.Hooks.TimeoutSeconds)*time.Second, logger)
	}

	actions := observability.NewActionLogger(store, projectName, logger)
	aggregator := observability.NewAggregator(0)
	handoff := observability.NewHandoffWriter(store, logger)

	var fix *fixer.Fixer
	if cfg.Fixer.Enabled {
		fix = fixer.New(fixer.Config{
			Enabled:                true,
			AgentKind:              cfg.Fixer.Agent,
			Model:                  cfg.Fixer.Model,
			Timeout:                time.Duration(cfg.Fixer.TimeoutSeconds) * time.Second,
			MaxConsecutiveFailures: cfg.Fixer.MaxConsecutiveFailures,
			AutoFixable:            cfg.Fixer.AutoFixable,
			TestCommand:            cfg.Loop.TestCommand,
			TestTimeout:            parseDuration(cfg.Loop.TestTimeout, 60*time.Second),
		}, agents, aggregator, logger)
	}

	// Worktrees need a git repository; elsewhere parallel execution simply
	// degrades to serial.
	var worktrees *worktree.Manager
	if cfg.Workflow.ParallelTasks.Enabled {
		wtDir := cfg.Worktree.Dir
		if wtDir == "" {
			wtDir = filepath.Join(projectDir, stateDirName, "worktrees")
		}
		worktrees, err = worktree.NewManager(projectDir, wtDir, logger)
		if err != nil {
			logger.Warn("worktree manager unavailable, parallel tasks disabled", "error", err)
			worktrees = nil
		}
	}

	pauseFlag := new(atomic.Bool)
	taskLoop := loop.New(loop.Deps{
		Agent:      agents,
		Hooks:      hookRunner,
		Budget:     budgets,
		Emitter:    emit,
		Repo:       store,
		Logger:     logger,
		PauseCheck: pauseFlag.Load,
	})

	workflow := nodes.New(nodes.Deps{
		Config:     cfg,
		Agent:      agents,
		Loop:       taskLoop,
		Budget:     budgets,
		Emitter:    emit,
		Hooks:      hookRunner,
		Repo:       store,
		Fixer:      fix,
		Worktrees:  worktrees,
		Actions:    actions,
		Aggregator: aggregator,
		Handoff:    handoff,
		Logger:     logger,
	})

	runner, err := workflow.Build().Compile(store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &orchestrator{cfg: cfg, log: logger, store: store, emit: emit, runner: runner, pauseFlag: pauseFlag}, nil
}

// Close flushes pending events and releases the store.
func (o *orchestrator) Close() {
	o.emit.Close()
	_ = o.store.Close()
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// resolveProject returns the project name and absolute directory for a
// positional dir argument, defaulting the name to the directory base.
func resolveProject(name, dir string) (string, string, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", "", err
	}
	if name == "" {
		name = filepath.Base(abs)
	}
	return name, abs, nil
}
