package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "MAESTRO",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "MAESTRO",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (MAESTRO_*)
// 3. Project config (.maestro.yaml in current directory)
// 4. User config (~/.config/maestro/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".maestro")
		l.v.SetConfigType("yaml")

		// Project config takes precedence over user config.
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "maestro"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	// Workflow defaults
	l.v.SetDefault("workflow.execution_mode", "interactive")
	l.v.SetDefault("workflow.recursion_limit", 100)
	l.v.SetDefault("workflow.features.product_validation", true)
	l.v.SetDefault("workflow.features.environment_check", true)
	l.v.SetDefault("workflow.features.build_verification", true)
	l.v.SetDefault("workflow.features.coverage_check", false)
	l.v.SetDefault("workflow.features.security_scan", true)
	l.v.SetDefault("workflow.features.approval_gates", false)
	l.v.SetDefault("workflow.approval_phases", []int{})
	l.v.SetDefault("workflow.parallel_tasks.enabled", false)
	l.v.SetDefault("workflow.parallel_tasks.max_width", 3)

	// Reviewer thresholds
	l.v.SetDefault("validation.validation_threshold", 6.0)
	l.v.SetDefault("validation.verification_threshold", 7.0)
	l.v.SetDefault("validation.max_phase_retries", 3)

	// Quality gate
	l.v.SetDefault("quality.coverage_threshold", 70.0)
	l.v.SetDefault("quality.coverage_blocking", false)
	l.v.SetDefault("quality.build_required", true)
	l.v.SetDefault("quality.lint_required", false)

	// Security gate
	l.v.SetDefault("security.enabled", true)
	l.v.SetDefault("security.blocking_severities", []string{"critical", "high"})

	// Retry policies
	l.v.SetDefault("retry.agent.max_attempts", 3)
	l.v.SetDefault("retry.agent.initial_interval", "2s")
	l.v.SetDefault("retry.agent.backoff_factor", 2.0)
	l.v.SetDefault("retry.agent.jitter", true)
	l.v.SetDefault("retry.implementation.max_attempts", 2)
	l.v.SetDefault("retry.implementation.initial_interval", "5s")
	l.v.SetDefault("retry.implementation.backoff_factor", 2.0)
	l.v.SetDefault("retry.implementation.jitter", true)
	l.v.SetDefault("retry.max_task_loop_iterations", 50)

	// Review fallback
	l.v.SetDefault("review.reviewer_timeout_seconds", 300)
	l.v.SetDefault("review.allow_single_agent_approval", false)
	l.v.SetDefault("review.single_agent_score_penalty", 1.0)
	l.v.SetDefault("review.single_agent_minimum_score", 7.0)
	l.v.SetDefault("review.single_agent_preference", "any")
	l.v.SetDefault("review.log_timeouts", true)

	// Agent defaults
	l.v.SetDefault("agents.default", "claude")
	l.v.SetDefault("agents.claude.enabled", true)
	l.v.SetDefault("agents.claude.path", "claude")
	l.v.SetDefault("agents.claude.model", "claude-sonnet-4-20250514")
	l.v.SetDefault("agents.claude.fallback_model", "claude-3-5-haiku-20241022")
	l.v.SetDefault("agents.claude.max_turns", 30)
	l.v.SetDefault("agents.claude.timeout_seconds", 600)
	l.v.SetDefault("agents.cursor.enabled", true)
	l.v.SetDefault("agents.cursor.path", "cursor-agent")
	l.v.SetDefault("agents.cursor.timeout_seconds", 300)
	l.v.SetDefault("agents.gemini.enabled", true)
	l.v.SetDefault("agents.gemini.path", "gemini")
	l.v.SetDefault("agents.gemini.model", "gemini-2.5-flash")
	l.v.SetDefault("agents.gemini.timeout_seconds", 300)

	// Budget defaults
	l.v.SetDefault("budget.max_per_workflow", 50.0)
	l.v.SetDefault("budget.max_per_task", 5.0)
	l.v.SetDefault("budget.hard_limit", 100.0)
	l.v.SetDefault("budget.fallback_ratio", 0.5)
	l.v.SetDefault("budget.warn_threshold", 0.8)

	// Implementation loop defaults
	l.v.SetDefault("loop.max_iterations", 10)
	l.v.SetDefault("loop.iteration_timeout", "15m")
	l.v.SetDefault("loop.test_command", "")
	l.v.SetDefault("loop.test_timeout", "60s")
	l.v.SetDefault("loop.max_turns_per_iteration", 30)
	l.v.SetDefault("loop.budget_per_iteration", 1.0)

	// Fixer defaults
	l.v.SetDefault("fixer.enabled", true)
	l.v.SetDefault("fixer.agent", "claude")
	l.v.SetDefault("fixer.timeout_seconds", 300)
	l.v.SetDefault("fixer.max_consecutive_failures", 3)

	// Hooks defaults
	l.v.SetDefault("hooks.enabled", true)
	l.v.SetDefault("hooks.dir", ".workflow/hooks")
	l.v.SetDefault("hooks.timeout_seconds", 30)

	// Events defaults
	l.v.SetDefault("events.batch_size", 10)
	l.v.SetDefault("events.flush_interval", "1s")
	l.v.SetDefault("events.min_priority", "low")
	l.v.SetDefault("events.retention_days", 7)

	// Storage defaults
	l.v.SetDefault("storage.path", ".maestro/maestro.db")

	// Worktree defaults
	l.v.SetDefault("worktree.dir", ".worktrees")
	l.v.SetDefault("worktree.auto_clean", true)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Set sets a configuration value.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}
