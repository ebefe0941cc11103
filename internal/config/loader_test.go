package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "interactive", cfg.Workflow.ExecutionMode)
	assert.Equal(t, 100, cfg.Workflow.RecursionLimit)
	assert.Equal(t, 6.0, cfg.Validation.ValidationThreshold)
	assert.Equal(t, 7.0, cfg.Validation.VerificationThreshold)
	assert.Equal(t, 3, cfg.Validation.MaxPhaseRetries)
	assert.Equal(t, 70.0, cfg.Quality.CoverageThreshold)
	assert.True(t, cfg.Quality.BuildRequired)
	assert.True(t, cfg.Security.Enabled)
	assert.Equal(t, []string{"critical", "high"}, cfg.Security.BlockingSeverities)
	assert.Equal(t, 50, cfg.Retry.MaxTaskLoopIterations)
	assert.Equal(t, "any", cfg.Review.SingleAgentPreference)
	assert.Equal(t, 10, cfg.Events.BatchSize)
	assert.Equal(t, "1s", cfg.Events.FlushInterval)
	assert.Equal(t, 7, cfg.Events.RetentionDays)
	assert.Equal(t, 30, cfg.Hooks.TimeoutSeconds)

	require.NoError(t, ValidateConfig(cfg))
}

func TestLoadProjectFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
validation:
  validation_threshold: 8.5
review:
  allow_single_agent_approval: true
  single_agent_preference: cursor
agents:
  claude:
    model: claude-opus-4
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".maestro.yaml"), yaml, 0o644))
	t.Chdir(dir)

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 8.5, cfg.Validation.ValidationThreshold)
	assert.True(t, cfg.Review.AllowSingleAgentApproval)
	assert.Equal(t, "cursor", cfg.Review.SingleAgentPreference)
	assert.Equal(t, "claude-opus-4", cfg.Agents.Claude.Model)
	// Untouched keys keep their defaults.
	assert.Equal(t, 7.0, cfg.Validation.VerificationThreshold)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAESTRO_LOG_LEVEL", "debug")
	t.Setenv("MAESTRO_WORKFLOW_EXECUTION_MODE", "autonomous")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "autonomous", cfg.Workflow.ExecutionMode)
}

func TestLoadExplicitFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml: ["), 0o644))

	_, err := NewLoader().WithConfigFile(path).Load()
	assert.Error(t, err)
}
