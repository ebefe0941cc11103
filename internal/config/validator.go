package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateWorkflow(&cfg.Workflow)
	v.validateValidation(&cfg.Validation)
	v.validateQuality(&cfg.Quality)
	v.validateSecurity(&cfg.Security)
	v.validateRetry(&cfg.Retry)
	v.validateReview(&cfg.Review)
	v.validateAgents(&cfg.Agents)
	v.validateBudget(&cfg.Budget)
	v.validateLoop(&cfg.Loop)
	v.validateHooks(&cfg.Hooks)
	v.validateEvents(&cfg.Events)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: msg})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}
	switch cfg.Format {
	case "auto", "text", "json":
	default:
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateWorkflow(cfg *WorkflowConfig) {
	switch cfg.ExecutionMode {
	case "interactive", "autonomous":
	default:
		v.addError("workflow.execution_mode", cfg.ExecutionMode, "must be interactive or autonomous")
	}
	if cfg.RecursionLimit <= 0 {
		v.addError("workflow.recursion_limit", cfg.RecursionLimit, "must be positive")
	}
	for _, p := range cfg.ApprovalPhases {
		if p < 0 || p > 5 {
			v.addError("workflow.approval_phases", p, "phase index must be between 0 and 5")
		}
	}
	if cfg.ParallelTasks.Enabled && (cfg.ParallelTasks.MaxWidth < 2 || cfg.ParallelTasks.MaxWidth > 8) {
		v.addError("workflow.parallel_tasks.max_width", cfg.ParallelTasks.MaxWidth, "must be between 2 and 8")
	}
}

func (v *Validator) validateValidation(cfg *ValidationConfig) {
	if cfg.ValidationThreshold < 0 || cfg.ValidationThreshold > 10 {
		v.addError("validation.validation_threshold", cfg.ValidationThreshold, "must be between 0 and 10")
	}
	if cfg.VerificationThreshold < 0 || cfg.VerificationThreshold > 10 {
		v.addError("validation.verification_threshold", cfg.VerificationThreshold, "must be between 0 and 10")
	}
	if cfg.MaxPhaseRetries < 0 || cfg.MaxPhaseRetries > 10 {
		v.addError("validation.max_phase_retries", cfg.MaxPhaseRetries, "must be between 0 and 10")
	}
}

func (v *Validator) validateQuality(cfg *QualityConfig) {
	if cfg.CoverageThreshold < 0 || cfg.CoverageThreshold > 100 {
		v.addError("quality.coverage_threshold", cfg.CoverageThreshold, "must be between 0 and 100")
	}
}

func (v *Validator) validateSecurity(cfg *SecurityConfig) {
	for _, s := range cfg.BlockingSeverities {
		switch s {
		case "critical", "high", "medium", "low":
		default:
			v.addError("security.blocking_severities", s, "unknown severity")
		}
	}
}

func (v *Validator) validateRetry(cfg *RetryConfig) {
	v.validateRetrySettings("retry.agent", &cfg.Agent)
	v.validateRetrySettings("retry.implementation", &cfg.Implementation)
	if cfg.MaxTaskLoopIterations <= 0 {
		v.addError("retry.max_task_loop_iterations", cfg.MaxTaskLoopIterations, "must be positive")
	}
}

func (v *Validator) validateRetrySettings(prefix string, cfg *RetrySettings) {
	if cfg.MaxAttempts < 1 || cfg.MaxAttempts > 10 {
		v.addError(prefix+".max_attempts", cfg.MaxAttempts, "must be between 1 and 10")
	}
	if _, err := time.ParseDuration(cfg.InitialInterval); err != nil {
		v.addError(prefix+".initial_interval", cfg.InitialInterval, "invalid duration format")
	}
	if cfg.BackoffFactor < 1 {
		v.addError(prefix+".backoff_factor", cfg.BackoffFactor, "must be >= 1")
	}
}

func (v *Validator) validateReview(cfg *ReviewConfig) {
	if cfg.ReviewerTimeoutSeconds <= 0 {
		v.addError("review.reviewer_timeout_seconds", cfg.ReviewerTimeoutSeconds, "must be positive")
	}
	if cfg.SingleAgentScorePenalty < 0 || cfg.SingleAgentScorePenalty > 10 {
		v.addError("review.single_agent_score_penalty", cfg.SingleAgentScorePenalty, "must be between 0 and 10")
	}
	if cfg.SingleAgentMinimumScore < 0 || cfg.SingleAgentMinimumScore > 10 {
		v.addError("review.single_agent_minimum_score", cfg.SingleAgentMinimumScore, "must be between 0 and 10")
	}
	switch cfg.SingleAgentPreference {
	case "any", "cursor", "gemini":
	default:
		v.addError("review.single_agent_preference", cfg.SingleAgentPreference, "must be one of: any, cursor, gemini")
	}
}

func (v *Validator) validateAgents(cfg *AgentsConfig) {
	enabled := map[string]bool{
		"claude": cfg.Claude.Enabled,
		"cursor": cfg.Cursor.Enabled,
		"gemini": cfg.Gemini.Enabled,
	}
	if _, known := enabled[cfg.Default]; !known {
		v.addError("agents.default", cfg.Default, "unknown agent")
	} else if !enabled[cfg.Default] {
		v.addError("agents.default", cfg.Default, "default agent must be enabled")
	}

	v.validateAgent("agents.claude", &cfg.Claude)
	v.validateAgent("agents.cursor", &cfg.Cursor)
	v.validateAgent("agents.gemini", &cfg.Gemini)
}

func (v *Validator) validateAgent(prefix string, cfg *AgentConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Path == "" {
		v.addError(prefix+".path", cfg.Path, "path required when enabled")
	}
	if cfg.MaxTurns < 0 {
		v.addError(prefix+".max_turns", cfg.MaxTurns, "must be non-negative")
	}
	if cfg.TimeoutSeconds <= 0 {
		v.addError(prefix+".timeout_seconds", cfg.TimeoutSeconds, "must be positive")
	}
}

func (v *Validator) validateBudget(cfg *BudgetConfig) {
	if cfg.MaxPerWorkflow < 0 {
		v.addError("budget.max_per_workflow", cfg.MaxPerWorkflow, "must be non-negative")
	}
	if cfg.MaxPerTask < 0 {
		v.addError("budget.max_per_task", cfg.MaxPerTask, "must be non-negative")
	}
	if cfg.HardLimit > 0 && cfg.HardLimit < cfg.MaxPerWorkflow {
		v.addError("budget.hard_limit", cfg.HardLimit, "must be >= budget.max_per_workflow")
	}
	if cfg.FallbackRatio <= 0 || cfg.FallbackRatio > 1 {
		v.addError("budget.fallback_ratio", cfg.FallbackRatio, "must be in (0, 1]")
	}
	if cfg.WarnThreshold < 0 || cfg.WarnThreshold > 1 {
		v.addError("budget.warn_threshold", cfg.WarnThreshold, "must be between 0 and 1")
	}
}

func (v *Validator) validateLoop(cfg *LoopConfig) {
	if cfg.MaxIterations <= 0 {
		v.addError("loop.max_iterations", cfg.MaxIterations, "must be positive")
	}
	if _, err := time.ParseDuration(cfg.IterationTimeout); err != nil {
		v.addError("loop.iteration_timeout", cfg.IterationTimeout, "invalid duration format")
	}
	if _, err := time.ParseDuration(cfg.TestTimeout); err != nil {
		v.addError("loop.test_timeout", cfg.TestTimeout, "invalid duration format")
	}
	if cfg.BudgetPerIteration < 0 {
		v.addError("loop.budget_per_iteration", cfg.BudgetPerIteration, "must be non-negative")
	}
}

func (v *Validator) validateHooks(cfg *HooksConfig) {
	if cfg.Enabled && cfg.Dir == "" {
		v.addError("hooks.dir", cfg.Dir, "directory required when hooks are enabled")
	}
	if cfg.TimeoutSeconds <= 0 {
		v.addError("hooks.timeout_seconds", cfg.TimeoutSeconds, "must be positive")
	}
}

func (v *Validator) validateEvents(cfg *EventsConfig) {
	if cfg.BatchSize <= 0 {
		v.addError("events.batch_size", cfg.BatchSize, "must be positive")
	}
	if _, err := time.ParseDuration(cfg.FlushInterval); err != nil {
		v.addError("events.flush_interval", cfg.FlushInterval, "invalid duration format")
	}
	switch cfg.MinPriority {
	case "high", "medium", "low":
	default:
		v.addError("events.min_priority", cfg.MinPriority, "must be one of: high, medium, low")
	}
	if cfg.RetentionDays <= 0 {
		v.addError("events.retention_days", cfg.RetentionDays, "must be positive")
	}
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}
