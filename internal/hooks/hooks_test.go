//go:build !windows

package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/internal/logging"
)

func writeHook(t *testing.T, dir, name, script string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".sh"), []byte("#!/bin/sh\n"+script), 0o755))
}

func newTestRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".workflow", "hooks")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return NewRunner(dir, 5*time.Second, logging.NewNop()), dir
}

func TestEncodeEnv(t *testing.T) {
	env := EncodeEnv(map[string]any{
		"task_id":       "T3",
		"iteration":     4,
		"tests_passed":  true,
		"score":         7.5,
		"failing_tests": []string{"TestA", "TestB"},
	})
	assert.Contains(t, env, "HOOK_TASK_ID=T3")
	assert.Contains(t, env, "HOOK_ITERATION=4")
	assert.Contains(t, env, "HOOK_TESTS_PASSED=true")
	assert.Contains(t, env, "HOOK_SCORE=7.5")
	assert.Contains(t, env, `HOOK_FAILING_TESTS=["TestA","TestB"]`)
}

func TestRunPassesContextThroughEnv(t *testing.T) {
	r, dir := newTestRunner(t)
	out := filepath.Join(dir, "seen.txt")
	writeHook(t, dir, PreTask, `echo "$HOOK_TASK_ID" > `+out)

	r.Run(context.Background(), PreTask, map[string]any{"task_id": "T7"})

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "T7\n", string(data))
}

func TestRunMissingScriptIsNoop(t *testing.T) {
	r, _ := newTestRunner(t)
	// Must not panic or error on absent hooks.
	r.Run(context.Background(), OnComplete, nil)
}

func TestRunFailureIsNonBlocking(t *testing.T) {
	r, dir := newTestRunner(t)
	writeHook(t, dir, OnError, `exit 9`)
	r.Run(context.Background(), OnError, nil)
}

func TestStopCheckSemantics(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   bool
	}{
		{"exit zero means stop", "exit 0", true},
		{"non-zero means continue", "exit 1", false},
		{"inspects context", `[ "$HOOK_ITERATION" -ge 3 ] && exit 0 || exit 1`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, dir := newTestRunner(t)
			writeHook(t, dir, StopCheck, tt.script)
			got := r.RunStopCheck(context.Background(), map[string]any{"iteration": 5})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStopCheckMissingScriptContinues(t *testing.T) {
	r, _ := newTestRunner(t)
	assert.False(t, r.RunStopCheck(context.Background(), nil))
}

func TestStopCheckTimeoutContinues(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hooks")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	r := NewRunner(dir, 200*time.Millisecond, logging.NewNop())
	writeHook(t, dir, StopCheck, "sleep 10")

	start := time.Now()
	assert.False(t, r.RunStopCheck(context.Background(), nil))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestManifestDisablesHook(t *testing.T) {
	r, dir := newTestRunner(t)
	out := filepath.Join(dir, "ran.txt")
	writeHook(t, dir, PostTask, `touch `+out)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hooks.yaml"),
		[]byte("disabled:\n  - post-task\n"), 0o644))

	// Reload manifest by constructing a fresh runner.
	r = NewRunner(dir, 5*time.Second, logging.NewNop())
	r.Run(context.Background(), PostTask, nil)

	_, err := os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestManifestTimeoutOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hooks")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hooks.yaml"),
		[]byte("timeout_seconds:\n  pre-iteration: 1\n"), 0o644))
	r := NewRunner(dir, time.Hour, logging.NewNop())
	assert.Equal(t, time.Second, r.timeoutFor(PreIteration))
	assert.Equal(t, time.Hour, r.timeoutFor(PostIteration))
}
