package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/internal/config"
	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/logging"
)

func TestRootCommandStructure(t *testing.T) {
	assert.Equal(t, "maestro", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)

	want := map[string]bool{
		"run": false, "resume": false, "status": false, "events": false,
		"pause": false, "cancel": false, "init": false, "version": false, "backup": false,
	}
	for _, c := range rootCmd.Commands() {
		name := c.Name()
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		assert.True(t, found, "command %s not registered", name)
	}
}

func TestResolveProject(t *testing.T) {
	name, dir, err := resolveProject("", "/tmp/demo-app")
	require.NoError(t, err)
	assert.Equal(t, "demo-app", name)
	assert.Equal(t, "/tmp/demo-app", dir)

	name, _, err = resolveProject("custom", "/tmp/demo-app")
	require.NoError(t, err)
	assert.Equal(t, "custom", name)
}

func TestBuildHumanResponse(t *testing.T) {
	resumeAction = ""
	resp, err := buildHumanResponse()
	require.NoError(t, err)
	assert.Nil(t, resp)

	resumeAction = "retry"
	resumeTargetPhase = 1
	resumeAnswers = nil
	t.Cleanup(func() { resumeAction = ""; resumeTargetPhase = -1 })

	resp, err = buildHumanResponse()
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, core.ActionRetry, resp.Action)
	require.NotNil(t, resp.TargetPhase)
	assert.Equal(t, core.PhasePlanning, *resp.TargetPhase)

	resumeAction = "answer_clarification"
	resumeTargetPhase = -1
	resumeAnswers = []string{"db=postgres"}
	resp, err = buildHumanResponse()
	require.NoError(t, err)
	assert.Equal(t, "postgres", resp.Answers["db"])

	resumeAnswers = []string{"no-equals-sign"}
	_, err = buildHumanResponse()
	require.Error(t, err)
}

func TestIsStale(t *testing.T) {
	statusStaleAfter = 10 * time.Minute
	state := core.NewWorkflowState("p", t.TempDir(), "t", core.ModeAutonomous)

	old := &core.Checkpoint{Status: core.CheckpointOK, Timestamp: time.Now().Add(-time.Hour)}
	assert.True(t, isStale(state, old))

	fresh := &core.Checkpoint{Status: core.CheckpointOK, Timestamp: time.Now()}
	assert.False(t, isStale(state, fresh))

	// Suspended threads are waiting on a human, not dead.
	paused := &core.Checkpoint{Status: core.CheckpointPaused, Timestamp: time.Now().Add(-time.Hour)}
	assert.False(t, isStale(state, paused))

	state.CurrentPhase = core.PhaseCompletion
	assert.False(t, isStale(state, old))
}

func TestInitCommandWritesProjectFiles(t *testing.T) {
	dir := t.TempDir()

	rootCmd.SetArgs([]string{"init", dir})
	require.NoError(t, rootCmd.Execute())

	for _, f := range []string{".maestro.yaml", "PRODUCT.md"} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.NoError(t, err, f)
	}
	for _, sub := range []string{stateDirName, filepath.Join(workflowDirName, "hooks")} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err, sub)
		assert.True(t, info.IsDir())
	}

	// A second init keeps edited files.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "PRODUCT.md"), []byte("edited"), 0o644))
	rootCmd.SetArgs([]string{"init", dir})
	require.NoError(t, rootCmd.Execute())
	data, err := os.ReadFile(filepath.Join(dir, "PRODUCT.md"))
	require.NoError(t, err)
	assert.Equal(t, "edited", string(data))
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseDuration("", 5*time.Second))
	assert.Equal(t, 2*time.Minute, parseDuration("2m", time.Second))
	assert.Equal(t, time.Second, parseDuration("garbage", time.Second))
}

func TestBuildOrchestratorWiresDependencies(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Events.BatchSize = 5
	cfg.Fixer.Enabled = true
	cfg.Hooks.Enabled = true

	orch, err := buildOrchestrator(cfg, logging.NewNop(), "demo", dir)
	require.NoError(t, err)
	defer orch.Close()

	require.NotNil(t, orch.runner)
	_, err = os.Stat(filepath.Join(dir, stateDirName, "maestro.db"))
	assert.NoError(t, err)
}
