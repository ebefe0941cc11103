package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/maestro-ai/maestro/internal/config"
)

var initForce bool

const productTemplate = `# Product Brief

Describe what you want built. The planner reads this file.

## Goals

-

## Constraints

-
`

var initCmd = &cobra.Command{
	Use:   "init [project-dir]",
	Short: "Set up a project for maestro",
	Long: `Init writes a starter .maestro.yaml, a PRODUCT.md brief, and the state
directory into the project. Existing files are left alone unless --force
is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return err
		}

		wrote, err := writeIfAbsent(filepath.Join(abs, ".maestro.yaml"), config.DefaultConfigYAML, initForce)
		if err != nil {
			return err
		}
		report(".maestro.yaml", wrote)

		wrote, err = writeIfAbsent(filepath.Join(abs, "PRODUCT.md"), productTemplate, initForce)
		if err != nil {
			return err
		}
		report("PRODUCT.md", wrote)

		for _, sub := range []string{stateDirName, filepath.Join(workflowDirName, "hooks")} {
			if err := os.MkdirAll(filepath.Join(abs, sub), 0o755); err != nil {
				return err
			}
		}
		fmt.Printf("Created %s/ and %s/\n", stateDirName, workflowDirName)
		fmt.Println("\nEdit PRODUCT.md, then start with: maestro run")
		return nil
	},
}

func writeIfAbsent(path, content string, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	return true, os.WriteFile(path, []byte(content), 0o644)
}

func report(name string, wrote bool) {
	if wrote {
		fmt.Printf("Wrote %s\n", name)
	} else {
		fmt.Printf("Kept existing %s\n", name)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing files")
}
