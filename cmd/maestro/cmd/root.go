// Package cmd implements the maestro command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/maestro-ai/maestro/internal/config"
	"github.com/maestro-ai/maestro/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "Multi-agent workflow orchestrator",
	Long: `Maestro drives AI coding agents through a phased workflow:
prerequisites, planning, dual-reviewer validation, task implementation,
verification, and completion. Progress is checkpointed in SQLite so runs
can be paused, resumed, and inspected.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// SetVersion records build metadata for the version command.
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default .maestro.yaml, then $HOME/.config/maestro)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (auto, text, json)")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// loadConfig builds the effective configuration: flags over env over the
// project config over the user config over defaults.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	return loader.Load()
}

func newLogger(cfg *config.Config) *logging.Logger {
	lc := logging.DefaultConfig()
	if cfg.Log.Level != "" {
		lc.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		lc.Format = cfg.Log.Format
	}
	if cfg.Log.File != "" {
		if f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			lc.Output = f
			if cfg.Log.Format == "" || cfg.Log.Format == "auto" {
				lc.Format = "json"
			}
		}
	}
	return logging.New(lc)
}
