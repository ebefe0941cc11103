package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/maestro-ai/maestro/internal/config"
	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/repo"
)

var (
	statusProjectName string
	statusThreadID    string
	statusJSON        bool
	statusStaleAfter  time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status [project-dir]",
	Short: "Show workflow progress for a project",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}
		name, projectDir, err := resolveProject(statusProjectName, dir)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg, projectDir)
		if err != nil {
			return err
		}
		defer store.Close()

		state, err := store.LoadState(cmd.Context(), name)
		if err != nil {
			return fmt.Errorf("no workflow state for project %q: %w", name, err)
		}

		threadID := statusThreadID
		if threadID == "" {
			threadID = state.ThreadID
		}
		cp, _ := store.LatestCheckpoint(cmd.Context(), threadID)

		if statusJSON {
			return outputJSON(statusReport(state, cp))
		}
		printStatus(state, cp)
		return nil
	},
}

// openStore opens the project's database without building the full
// orchestrator; read-only commands share it.
func openStore(cfg *config.Config, projectDir string) (*repo.SQLiteRepository, error) {
	dbPath := cfg.Storage.Path
	if dbPath == "" {
		dbPath = filepath.Join(stateDirName, "maestro.db")
	}
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(projectDir, dbPath)
	}
	return repo.NewSQLiteRepository(dbPath)
}

func statusReport(state *core.WorkflowState, cp *core.Checkpoint) map[string]any {
	report := map[string]any{
		"project":        state.ProjectName,
		"thread":         state.ThreadID,
		"mode":           state.ExecutionMode,
		"current_phase":  state.CurrentPhase.String(),
		"phases":         state.PhaseStatus,
		"tasks":          state.Tasks,
		"completed":      len(state.CompletedTaskIDs),
		"failed":         len(state.FailedTaskIDs),
		"total_cost_usd": state.TotalCostUSD,
		"updated_at":     state.UpdatedAt,
	}
	if cp != nil {
		report["checkpoint_status"] = cp.Status
		report["checkpoint_at"] = cp.Timestamp
		report["stale"] = isStale(state, cp)
	}
	return report
}

// isStale flags a thread that looks in-flight but whose last checkpoint is
// old enough that its process is probably gone.
func isStale(state *core.WorkflowState, cp *core.Checkpoint) bool {
	if cp == nil {
		return false
	}
	if cp.Status == core.CheckpointInterrupted || cp.Status == core.CheckpointPaused {
		return false
	}
	if state.CurrentPhase == core.PhaseCompletion || state.NextDecision == core.DecisionAbort {
		return false
	}
	return time.Since(cp.Timestamp) > statusStaleAfter
}

func printStatus(state *core.WorkflowState, cp *core.Checkpoint) {
	fmt.Printf("Project: %s (thread %s, %s mode)\n", state.ProjectName, state.ThreadID, state.ExecutionMode)
	fmt.Printf("Phase:   %s\n", state.CurrentPhase)
	if cp != nil {
		fmt.Printf("Checkpoint: %s at %s\n", cp.Status, cp.Timestamp.Format(time.RFC3339))
		if isStale(state, cp) {
			fmt.Printf("WARNING: no checkpoint for %s; the run may be dead. Resume with: maestro resume --thread %s\n",
				time.Since(cp.Timestamp).Round(time.Second), state.ThreadID)
		}
	}
	fmt.Printf("Cost:    $%.4f\n", state.TotalCostUSD)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nPHASE\tSTATUS\tATTEMPTS")
	for p := core.PhasePrerequisites; p <= core.FinalPhase; p++ {
		ps := state.PhaseStatus[p]
		if ps == nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\n", p, ps.Status, ps.Attempts, ps.MaxAttempts)
	}
	if len(state.Tasks) > 0 {
		fmt.Fprintln(w, "\nTASK\tSTATUS\tATTEMPTS\tTITLE")
		for _, t := range state.Tasks {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n", t.ID, t.Status, t.Attempts, t.MaxAttempts, t.Title)
		}
	}
	w.Flush()
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusProjectName, "name", "", "project name (default: directory name)")
	statusCmd.Flags().StringVar(&statusThreadID, "thread", "", "thread id (default: the state's thread)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output JSON")
	statusCmd.Flags().DurationVar(&statusStaleAfter, "stale-after", 10*time.Minute, "age after which an in-flight run is flagged as stale")
}
