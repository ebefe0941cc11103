package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maestro-ai/maestro/internal/control"
	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/graph"
)

var (
	runProjectName string
	runMode        string
	runThreadID    string
)

var runCmd = &cobra.Command{
	Use:   "run [project-dir]",
	Short: "Start a workflow for a project",
	Long: `Run starts the workflow against the given project directory (default:
the current directory). The run checkpoints after every node; an interrupt
or pause leaves a resumable thread behind.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}
		name, projectDir, err := resolveProject(runProjectName, dir)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		mode := core.ExecutionMode(runMode)
		if mode != core.ModeInteractive && mode != core.ModeAutonomous {
			mode = core.ExecutionMode(cfg.Workflow.ExecutionMode)
		}
		if mode != core.ModeInteractive && mode != core.ModeAutonomous {
			mode = core.ModeInteractive
		}

		orch, err := buildOrchestrator(cfg, logger, name, projectDir)
		if err != nil {
			return err
		}
		defer orch.Close()

		threadID := runThreadID
		if threadID == "" {
			threadID = name
		}
		state := core.NewWorkflowState(name, projectDir, threadID, mode)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			<-sigCh
			logger.Info("signal received, pausing workflow")
			orch.requestPause()
			<-sigCh
			cancel()
		}()

		ctrl, err := control.New(filepath.Join(projectDir, stateDirName), orch.requestPause, cancel, logger)
		if err != nil {
			logger.Warn("control watcher unavailable", "error", err)
		} else {
			ctrl.Start(ctx)
			defer ctrl.Stop()
		}

		final, err := orch.runner.Run(ctx, state)
		return reportOutcome(cmd.Context(), orch, threadID, final, err)
	},
}

// reportOutcome prints the run's terminal condition. Interrupts and pauses
// are not failures; they leave a resumable checkpoint.
func reportOutcome(ctx context.Context, orch *orchestrator, threadID string, final *core.WorkflowState, err error) error {
	switch {
	case errors.Is(err, graph.ErrInterrupted):
		cp, cpErr := orch.store.LatestCheckpoint(ctx, threadID)
		fmt.Println("Workflow is waiting for human input.")
		if cpErr == nil && cp.Interrupt != nil {
			printInterrupt(cp.Interrupt)
		}
		fmt.Printf("Resume with: maestro resume --thread %s --action <action>\n", threadID)
		return nil
	case errors.Is(err, graph.ErrPaused) || errors.Is(err, context.Canceled):
		fmt.Println("Workflow paused.")
		fmt.Printf("Resume with: maestro resume --thread %s\n", threadID)
		return nil
	case err != nil:
		return err
	}

	printSummary(final)
	if final != nil && final.NextDecision == core.DecisionAbort {
		return fmt.Errorf("workflow aborted")
	}
	return nil
}

func printInterrupt(p *core.InterruptPayload) {
	fmt.Printf("  type:  %s\n", p.Type)
	if p.Issue != "" {
		fmt.Printf("  issue: %s\n", p.Issue)
	}
	if p.Message != "" {
		fmt.Printf("  note:  %s\n", p.Message)
	}
	for _, q := range p.Clarifications {
		fmt.Printf("  question: %s\n", q)
	}
	if len(p.SuggestedActions) > 0 {
		fmt.Printf("  actions: %v\n", p.SuggestedActions)
	}
}

func printSummary(s *core.WorkflowState) {
	if s == nil {
		return
	}
	fmt.Printf("Workflow finished in phase %s.\n", s.CurrentPhase)
	fmt.Printf("  tasks: %d completed, %d failed, %d total\n",
		len(s.CompletedTaskIDs), len(s.FailedTaskIDs), len(s.Tasks))
	fmt.Printf("  cost:  $%.4f\n", s.TotalCostUSD)
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runProjectName, "name", "", "project name (default: directory name)")
	runCmd.Flags().StringVar(&runMode, "mode", "", "execution mode: interactive or autonomous")
	runCmd.Flags().StringVar(&runThreadID, "thread", "", "thread id (default: project name)")
}
