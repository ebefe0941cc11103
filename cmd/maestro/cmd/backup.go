package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var backupOut string

var backupCmd = &cobra.Command{
	Use:   "backup [project-dir]",
	Short: "Snapshot the project database",
	Long: `Backup writes a consistent copy of the workflow database. The default
destination is a timestamped file next to the live database.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}
		_, projectDir, err := resolveProject("", dir)
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

		dest := backupOut
		if dest == "" {
			stamp := time.Now().Format("20060102-150405")
			dest = filepath.Join(projectDir, stateDirName, "backups", "maestro-"+stamp+".db")
		}
		if err := store.Backup(cmd.Context(), dest); err != nil {
			return err
		}
		fmt.Printf("Backup written to %s\n", dest)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().StringVar(&backupOut, "out", "", "destination file (must not exist)")
}
