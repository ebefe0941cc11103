package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkflowState(t *testing.T) {
	s := NewWorkflowState("demo", "/tmp/demo", "thread-1", ModeInteractive)

	assert.Equal(t, "demo", s.ProjectName)
	assert.Equal(t, PhasePrerequisites, s.CurrentPhase)
	assert.Equal(t, FinalPhase, s.EndPhase)
	assert.Len(t, s.PhaseStatus, 6)
	for p := PhasePrerequisites; p <= FinalPhase; p++ {
		assert.Equal(t, PhasePending, s.PhaseStatus[p].Status)
	}
	require.NoError(t, s.Validate())
}

func TestValidateSingleInProgressPhase(t *testing.T) {
	s := NewWorkflowState("demo", "/tmp/demo", "t1", ModeAutonomous)
	s.PhaseStatus[PhasePlanning].Status = PhaseInProgress
	require.NoError(t, s.Validate())

	s.PhaseStatus[PhaseValidation].Status = PhaseInProgress
	err := s.Validate()
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCatState))
}

func TestValidateTaskDisjointness(t *testing.T) {
	s := NewWorkflowState("demo", "/tmp/demo", "t1", ModeInteractive)
	s.Tasks = []*Task{NewTask("T1", "one"), NewTask("T2", "two")}
	s.CompletedTaskIDs["T1"] = true
	require.NoError(t, s.Validate())

	s.FailedTaskIDs["T1"] = true
	require.Error(t, s.Validate())
}

func TestValidateCurrentTaskMustBeInProgress(t *testing.T) {
	s := NewWorkflowState("demo", "/tmp/demo", "t1", ModeInteractive)
	task := NewTask("T1", "one")
	s.Tasks = []*Task{task}
	s.CurrentTaskID = "T1"
	require.Error(t, s.Validate())

	require.NoError(t, task.MarkInProgress())
	require.NoError(t, s.Validate())
}

func TestValidatePhaseAttemptsBounded(t *testing.T) {
	s := NewWorkflowState("demo", "/tmp/demo", "t1", ModeInteractive)
	s.PhaseStatus[PhasePlanning].Attempts = 4
	s.PhaseStatus[PhasePlanning].MaxAttempts = 3
	require.Error(t, s.Validate())
}

func TestRunnableTasksOrderedByID(t *testing.T) {
	s := NewWorkflowState("demo", "/tmp/demo", "t1", ModeInteractive)
	tB := NewTask("T2", "b")
	tA := NewTask("T1", "a")
	tC := NewTask("T3", "c").WithDependencies("T1")
	s.Tasks = []*Task{tB, tA, tC}

	ready := s.RunnableTasks()
	require.Len(t, ready, 2)
	assert.Equal(t, TaskID("T1"), ready[0].ID)
	assert.Equal(t, TaskID("T2"), ready[1].ID)

	s.CompletedTaskIDs["T1"] = true
	tA.Status = TaskStatusCompleted
	ready = s.RunnableTasks()
	require.Len(t, ready, 2)
	assert.Equal(t, TaskID("T2"), ready[0].ID)
	assert.Equal(t, TaskID("T3"), ready[1].ID)
}

func TestRecordErrorAppendsWithPhase(t *testing.T) {
	s := NewWorkflowState("demo", "/tmp/demo", "t1", ModeInteractive)
	s.CurrentPhase = PhaseImplementation
	s.RecordError(ErrTypeTaskFailed, "boom", "T1")

	require.Len(t, s.Errors, 1)
	assert.Equal(t, ErrTypeTaskFailed, s.Errors[0].Type)
	assert.Equal(t, TaskID("T1"), s.Errors[0].TaskID)
	require.NotNil(t, s.Errors[0].Phase)
	assert.Equal(t, PhaseImplementation, *s.Errors[0].Phase)
}

func TestExecutionHistoryBounded(t *testing.T) {
	s := NewWorkflowState("demo", "/tmp/demo", "t1", ModeInteractive)
	for i := 0; i < MaxExecutionHistory+5; i++ {
		s.RecordExecution(AgentExecution{AgentKind: "claude"})
	}
	assert.Len(t, s.ExecutionHistory, MaxExecutionHistory)
}

func TestAddTaskCostAccumulates(t *testing.T) {
	s := NewWorkflowState("demo", "/tmp/demo", "t1", ModeInteractive)
	s.AddTaskCost("T1", 0.25)
	s.AddTaskCost("T1", 0.50)
	s.AddTaskCost("T2", 0.10)

	assert.InDelta(t, 0.75, s.TaskCosts["T1"], 1e-9)
	assert.InDelta(t, 0.85, s.TotalCostUSD, 1e-9)
}

func TestCloneIsIndependent(t *testing.T) {
	s := NewWorkflowState("demo", "/tmp/demo", "t1", ModeInteractive)
	s.Tasks = []*Task{NewTask("T1", "one")}
	s.CompletedTaskIDs["T0"] = true
	s.ValidationFeedback = map[string]*Feedback{"cursor": {Approved: true, Score: 8}}

	cp := s.Clone()
	cp.Tasks[0].Title = "changed"
	cp.CompletedTaskIDs["T9"] = true
	cp.ValidationFeedback["cursor"].Score = 1

	assert.Equal(t, "one", s.Tasks[0].Title)
	assert.False(t, s.CompletedTaskIDs["T9"])
	assert.Equal(t, 8.0, s.ValidationFeedback["cursor"].Score)
}
