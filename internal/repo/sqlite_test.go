package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/internal/core"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	r, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "maestro.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestSaveAndLoadState(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	state := core.NewWorkflowState("demo", "/tmp/demo", "th-1", core.ModeInteractive)
	state.Tasks = []*core.Task{core.NewTask("T1", "first task")}
	require.NoError(t, r.SaveState(ctx, state))

	loaded, err := r.LoadState(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "th-1", loaded.ThreadID)
	require.Len(t, loaded.Tasks, 1)
	assert.Equal(t, core.TaskID("T1"), loaded.Tasks[0].ID)

	// Upsert replaces.
	state.IterationCount = 4
	require.NoError(t, r.SaveState(ctx, state))
	loaded, err = r.LoadState(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.IterationCount)
}

func TestLoadStateNotFound(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.LoadState(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))
}

func TestCheckpointChain(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	state := core.NewWorkflowState("demo", "/tmp/demo", "th-1", core.ModeInteractive)

	cp1 := &core.Checkpoint{ThreadID: "th-1", Status: core.CheckpointOK, State: state}
	require.NoError(t, r.SaveCheckpoint(ctx, cp1))
	require.NotEmpty(t, cp1.ID)

	cp2 := &core.Checkpoint{
		ThreadID:     "th-1",
		PreviousID:   cp1.ID,
		Status:       core.CheckpointOK,
		State:        state,
		PendingNodes: []string{"select_task"},
	}
	require.NoError(t, r.SaveCheckpoint(ctx, cp2))

	latest, err := r.LatestCheckpoint(ctx, "th-1")
	require.NoError(t, err)
	assert.Equal(t, cp2.ID, latest.ID)
	assert.Equal(t, []string{"select_task"}, latest.PendingNodes)

	history, err := r.CheckpointHistory(ctx, "th-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, cp2.ID, history[0].ID)
	assert.Equal(t, cp1.ID, history[1].ID)
}

func TestCheckpointConflictRejected(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	state := core.NewWorkflowState("demo", "/tmp/demo", "th-1", core.ModeInteractive)

	cp1 := &core.Checkpoint{ThreadID: "th-1", Status: core.CheckpointOK, State: state}
	require.NoError(t, r.SaveCheckpoint(ctx, cp1))

	// A writer that did not observe cp1 must be rejected.
	stale := &core.Checkpoint{ThreadID: "th-1", Status: core.CheckpointOK, State: state}
	err := r.SaveCheckpoint(ctx, stale)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatConflict))
}

func TestCheckpointInterruptRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	state := core.NewWorkflowState("demo", "/tmp/demo", "th-1", core.ModeInteractive)

	cp := &core.Checkpoint{
		ThreadID: "th-1",
		Status:   core.CheckpointInterrupted,
		State:    state,
		Interrupt: &core.InterruptPayload{
			Type:             "human_escalation",
			Project:          "demo",
			Phase:            core.PhaseImplementation,
			Issue:            "task T3 failed twice",
			SuggestedActions: []string{"retry", "skip", "abort"},
		},
	}
	require.NoError(t, r.SaveCheckpoint(ctx, cp))

	latest, err := r.LatestCheckpoint(ctx, "th-1")
	require.NoError(t, err)
	require.NotNil(t, latest.Interrupt)
	assert.Equal(t, "human_escalation", latest.Interrupt.Type)
	assert.Equal(t, core.PhaseImplementation, latest.Interrupt.Phase)
}

func TestPhaseOutputLatestWins(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.SavePhaseOutput(ctx, &core.PhaseOutput{
		ProjectName: "demo", Phase: core.PhasePlanning,
		Output: map[string]any{"plan_name": "v1"},
	}))
	require.NoError(t, r.SavePhaseOutput(ctx, &core.PhaseOutput{
		ProjectName: "demo", Phase: core.PhasePlanning,
		Output: map[string]any{"plan_name": "v2"},
	}))

	out, err := r.LatestPhaseOutput(ctx, "demo", core.PhasePlanning)
	require.NoError(t, err)
	assert.Equal(t, "v2", out.Output["plan_name"])
}

func TestTasksRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	t2 := core.NewTask("T2", "second")
	require.NoError(t, r.SaveTask(ctx, "demo", t2))
	require.NoError(t, r.SaveTask(ctx, "demo", core.NewTask("T1", "first")))

	t2.Status = core.TaskStatusCompleted
	require.NoError(t, r.SaveTask(ctx, "demo", t2))

	tasks, err := r.LoadTasks(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, core.TaskID("T1"), tasks[0].ID)
	assert.Equal(t, core.TaskStatusCompleted, tasks[1].Status)
}

func TestLogsAppendAndQuery(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.AppendLog(ctx, &core.LogEntry{
		ProjectName: "demo", LogType: core.LogTypeAction, Message: "planning started",
	}))
	require.NoError(t, r.AppendLog(ctx, &core.LogEntry{
		ProjectName: "demo", LogType: core.LogTypeIteration, TaskID: "T1",
		Message: "iteration 1", Data: map[string]any{"passed": float64(3)},
	}))

	all, err := r.QueryLogs(ctx, "demo", "", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	iter, err := r.QueryLogs(ctx, "demo", core.LogTypeIteration, "T1", 10)
	require.NoError(t, err)
	require.Len(t, iter, 1)
	assert.Equal(t, float64(3), iter[0].Data["passed"])
}

func TestEventsBatchAndRetention(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	old := core.NewEvent(core.EventNodeCompleted, "demo", core.PriorityLow)
	old.Timestamp = time.Now().AddDate(0, 0, -10)
	recent := core.NewEvent(core.EventPhaseCompleted, "demo", core.PriorityHigh).
		WithPhase(core.PhasePlanning)
	require.NoError(t, r.AppendEvents(ctx, []core.Event{old, recent}))

	events, err := r.QueryEvents(ctx, "demo", time.Now().AddDate(0, 0, -30), core.PriorityLow, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	// High-priority filter drops the low event.
	events, err = r.QueryEvents(ctx, "demo", time.Now().AddDate(0, 0, -30), core.PriorityHigh, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventPhaseCompleted, events[0].EventType)
	require.NotNil(t, events[0].Phase)
	assert.Equal(t, core.PhasePlanning, *events[0].Phase)

	// Retention prune: only the 10-day-old event is older than 7 days.
	n, err := r.DeleteEventsBefore(ctx, time.Now().AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err = r.QueryEvents(ctx, "demo", time.Time{}, core.PriorityLow, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestQueryEventsPriorityFilterBeatsLimit(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	// A busy window: many low-priority events precede the one that matters.
	batch := make([]core.Event, 0, 21)
	for i := 0; i < 20; i++ {
		batch = append(batch, core.NewEvent(core.EventLoopIteration, "demo", core.PriorityLow))
	}
	batch = append(batch, core.NewEvent(core.EventEscalation, "demo", core.PriorityHigh))
	require.NoError(t, r.AppendEvents(ctx, batch))

	events, err := r.QueryEvents(ctx, "demo", time.Time{}, core.PriorityHigh, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventEscalation, events[0].EventType)

	events, err = r.QueryEvents(ctx, "demo", time.Time{}, core.PriorityMedium, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.PriorityHigh, events[0].Priority)
}

func TestBackupProducesReadableCopy(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	state := core.NewWorkflowState("demo", t.TempDir(), "t1", core.ModeAutonomous)
	require.NoError(t, r.SaveState(ctx, state))

	dest := filepath.Join(t.TempDir(), "backups", "maestro.db")
	require.NoError(t, r.Backup(ctx, dest))

	snap, err := NewSQLiteRepository(dest)
	require.NoError(t, err)
	defer snap.Close()

	got, err := snap.LoadState(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ThreadID)

	// SQLite refuses to vacuum into an existing file.
	require.Error(t, r.Backup(ctx, dest))
}
