package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/maestro-ai/maestro/internal/control"
)

var pauseCmd = &cobra.Command{
	Use:   "pause [project-dir]",
	Short: "Ask a running workflow to pause at the next node boundary",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		if err := control.Request(filepath.Join(abs, stateDirName), control.CommandPause); err != nil {
			return err
		}
		fmt.Println("Pause requested. The run checkpoints and stops after the current node.")
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [project-dir]",
	Short: "Ask a running workflow to stop",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		if err := control.Request(filepath.Join(abs, stateDirName), control.CommandCancel); err != nil {
			return err
		}
		fmt.Println("Cancel requested.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(cancelCmd)
}
