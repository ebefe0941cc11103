package config

// Config holds all orchestrator configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Validation ValidationConfig `mapstructure:"validation"`
	Quality    QualityConfig    `mapstructure:"quality"`
	Security   SecurityConfig   `mapstructure:"security"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Review     ReviewConfig     `mapstructure:"review"`
	Agents     AgentsConfig     `mapstructure:"agents"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Loop       LoopConfig       `mapstructure:"loop"`
	Fixer      FixerConfig      `mapstructure:"fixer"`
	Hooks      HooksConfig      `mapstructure:"hooks"`
	Events     EventsConfig     `mapstructure:"events"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Worktree   WorktreeConfig   `mapstructure:"worktree"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// WorkflowConfig configures graph execution.
type WorkflowConfig struct {
	ExecutionMode  string         `mapstructure:"execution_mode"`
	RecursionLimit int            `mapstructure:"recursion_limit"`
	Features       FeaturesConfig `mapstructure:"features"`
	ApprovalPhases []int          `mapstructure:"approval_phases"`
	ParallelTasks  ParallelConfig `mapstructure:"parallel_tasks"`
}

// FeaturesConfig toggles optional workflow stages.
type FeaturesConfig struct {
	ProductValidation bool `mapstructure:"product_validation"`
	EnvironmentCheck  bool `mapstructure:"environment_check"`
	BuildVerification bool `mapstructure:"build_verification"`
	CoverageCheck     bool `mapstructure:"coverage_check"`
	SecurityScan      bool `mapstructure:"security_scan"`
	ApprovalGates     bool `mapstructure:"approval_gates"`
}

// ParallelConfig configures batch task execution.
type ParallelConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	MaxWidth int  `mapstructure:"max_width"`
}

// ValidationConfig holds the reviewer score thresholds.
type ValidationConfig struct {
	ValidationThreshold   float64 `mapstructure:"validation_threshold"`
	VerificationThreshold float64 `mapstructure:"verification_threshold"`
	MaxPhaseRetries       int     `mapstructure:"max_phase_retries"`
}

// QualityConfig configures the quality gate.
type QualityConfig struct {
	CoverageThreshold float64 `mapstructure:"coverage_threshold"`
	CoverageBlocking  bool    `mapstructure:"coverage_blocking"`
	BuildRequired     bool    `mapstructure:"build_required"`
	LintRequired      bool    `mapstructure:"lint_required"`
}

// SecurityConfig configures the security gate.
type SecurityConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	BlockingSeverities []string `mapstructure:"blocking_severities"`
}

// RetryConfig groups the retry policies.
type RetryConfig struct {
	Agent                 RetrySettings `mapstructure:"agent"`
	Implementation        RetrySettings `mapstructure:"implementation"`
	MaxTaskLoopIterations int           `mapstructure:"max_task_loop_iterations"`
}

// RetrySettings is one exponential-backoff retry policy.
type RetrySettings struct {
	MaxAttempts     int     `mapstructure:"max_attempts"`
	InitialInterval string  `mapstructure:"initial_interval"`
	BackoffFactor   float64 `mapstructure:"backoff_factor"`
	Jitter          bool    `mapstructure:"jitter"`
}

// ReviewConfig configures dual-reviewer behavior and the single-agent
// fallback.
type ReviewConfig struct {
	ReviewerTimeoutSeconds   int     `mapstructure:"reviewer_timeout_seconds"`
	AllowSingleAgentApproval bool    `mapstructure:"allow_single_agent_approval"`
	SingleAgentScorePenalty  float64 `mapstructure:"single_agent_score_penalty"`
	SingleAgentMinimumScore  float64 `mapstructure:"single_agent_minimum_score"`
	SingleAgentPreference    string  `mapstructure:"single_agent_preference"`
	LogTimeouts              bool    `mapstructure:"log_timeouts"`
}

// AgentsConfig configures the agent subprocesses.
type AgentsConfig struct {
	Default string      `mapstructure:"default"`
	Claude  AgentConfig `mapstructure:"claude"`
	Cursor  AgentConfig `mapstructure:"cursor"`
	Gemini  AgentConfig `mapstructure:"gemini"`
}

// AgentConfig configures a single agent binary.
type AgentConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Path           string `mapstructure:"path"`
	Model          string `mapstructure:"model"`
	FallbackModel  string `mapstructure:"fallback_model"`
	MaxTurns       int    `mapstructure:"max_turns"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// BudgetConfig configures cost limits.
type BudgetConfig struct {
	MaxPerWorkflow float64 `mapstructure:"max_per_workflow"`
	MaxPerTask     float64 `mapstructure:"max_per_task"`
	HardLimit      float64 `mapstructure:"hard_limit"`
	FallbackRatio  float64 `mapstructure:"fallback_ratio"`
	WarnThreshold  float64 `mapstructure:"warn_threshold"`
}

// LoopConfig configures the fresh-context implementation loop.
type LoopConfig struct {
	MaxIterations        int     `mapstructure:"max_iterations"`
	IterationTimeout     string  `mapstructure:"iteration_timeout"`
	TestCommand          string  `mapstructure:"test_command"`
	TestTimeout          string  `mapstructure:"test_timeout"`
	MaxTurnsPerIteration int     `mapstructure:"max_turns_per_iteration"`
	BudgetPerIteration   float64 `mapstructure:"budget_per_iteration"`
}

// FixerConfig configures the self-healing subgraph.
type FixerConfig struct {
	Enabled                bool     `mapstructure:"enabled"`
	Agent                  string   `mapstructure:"agent"`
	Model                  string   `mapstructure:"model"`
	TimeoutSeconds         int      `mapstructure:"timeout_seconds"`
	MaxConsecutiveFailures int      `mapstructure:"max_consecutive_failures"`
	AutoFixable            []string `mapstructure:"auto_fixable"`
}

// HooksConfig configures lifecycle hook scripts.
type HooksConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Dir            string `mapstructure:"dir"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// EventsConfig configures the batched event emitter and retention.
type EventsConfig struct {
	BatchSize     int    `mapstructure:"batch_size"`
	FlushInterval string `mapstructure:"flush_interval"`
	MinPriority   string `mapstructure:"min_priority"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// WorktreeConfig configures git worktree isolation for parallel tasks.
type WorktreeConfig struct {
	Dir       string `mapstructure:"dir"`
	AutoClean bool   `mapstructure:"auto_clean"`
}
