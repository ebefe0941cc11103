package nodes

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/internal/config"
	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/graph"
	"github.com/maestro-ai/maestro/internal/logging"
	"github.com/maestro-ai/maestro/internal/observability"
)

func TestAutonomousEscalationRetriesFirst(t *testing.T) {
	w := newWorkflow(&config.Config{}, nil, nil)
	state := newState(t, core.ModeAutonomous)
	state.CurrentPhase = core.PhasePlanning
	state.RecordError(core.ErrTypePlanning, "parse failed", "")

	p, err := w.HumanEscalation(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, p.NextDecision)
	assert.Equal(t, core.DecisionRetry, *p.NextDecision)
	assert.Equal(t, 1, p.PhaseRetries[core.PhasePlanning])
}

func TestAutonomousEscalationSkipsReviewVerdictsAfterRetries(t *testing.T) {
	w := newWorkflow(&config.Config{}, nil, nil)
	state := newState(t, core.ModeAutonomous)
	state.CurrentPhase = core.PhaseValidation
	state.PhaseRetries[core.PhaseValidation] = AutonomousMaxRetries
	state.RecordError(core.ErrTypeValidationFailed, "score too low", "")

	p, err := w.HumanEscalation(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, p.NextDecision)
	assert.Equal(t, core.DecisionContinue, *p.NextDecision)
	require.NotNil(t, p.ReviewSkipped)
	assert.True(t, *p.ReviewSkipped)
}

func TestAutonomousEscalationAbortsOnUnskippableFailure(t *testing.T) {
	w := newWorkflow(&config.Config{}, nil, nil)
	state := newState(t, core.ModeAutonomous)
	state.CurrentPhase = core.PhaseImplementation
	state.PhaseRetries[core.PhaseImplementation] = AutonomousMaxRetries
	state.RecordError(core.ErrTypeTaskFailed, "exhausted", "T1")

	p, err := w.HumanEscalation(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, p.NextDecision)
	assert.Equal(t, core.DecisionAbort, *p.NextDecision)
	require.NotEmpty(t, p.Errors)
	assert.Equal(t, core.ErrTypeAutonomousAbort, p.Errors[0].Type)
}

func TestInteractiveEscalationInterrupts(t *testing.T) {
	w := newWorkflow(&config.Config{}, nil, nil)
	state := newState(t, core.ModeInteractive)
	state.CurrentPhase = core.PhaseImplementation
	state.RecordError(core.ErrTypeTaskClarification, "which schema version?", "T1")
	state.FixAttempt = &core.FixAttempt{ErrorType: core.ErrTypeTaskFailed, Diagnosis: "config drift"}

	_, err := w.HumanEscalation(context.Background(), state)
	require.Error(t, err)
	var ie *graph.InterruptError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "escalation", ie.Payload.Type)
	assert.Contains(t, ie.Payload.Issue, "which schema version")
	assert.Equal(t, []string{"which schema version?"}, ie.Payload.Clarifications)
	assert.Equal(t, "config drift", ie.Payload.FixerDiagnosis)
	assert.Contains(t, ie.Payload.SuggestedActions, "answer_clarification")
}

func TestApplyHumanResponseRetry(t *testing.T) {
	w := newWorkflow(&config.Config{}, nil, nil)
	state := newState(t, core.ModeInteractive)
	state.CurrentPhase = core.PhasePlanning
	state.HumanResponse = &core.HumanResponse{Action: core.ActionRetry}

	p, err := w.ApplyHumanResponse(context.Background(), state)
	require.NoError(t, err)
	assert.True(t, p.ClearHumanResponse)
	require.NotNil(t, p.NextDecision)
	assert.Equal(t, core.DecisionRetry, *p.NextDecision)
	assert.Equal(t, 1, p.PhaseRetries[core.PhasePlanning])
}

func TestApplyHumanResponseRetryResetsFailedTask(t *testing.T) {
	w := newWorkflow(&config.Config{}, nil, nil)
	state := newState(t, core.ModeInteractive)
	state.CurrentPhase = core.PhaseImplementation
	failed := inProgressTask("T1", 3)
	require.NoError(t, failed.MarkFailed(assert.AnError))
	state.Tasks = []*core.Task{failed}
	state.CurrentTaskID = "T1"
	state.HumanResponse = &core.HumanResponse{Action: core.ActionRetry}

	p, err := w.ApplyHumanResponse(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, core.TaskStatusPending, p.Tasks[0].Status)
}

func TestApplyHumanResponseSkipAndContinue(t *testing.T) {
	w := newWorkflow(&config.Config{}, nil, nil)
	state := newState(t, core.ModeInteractive)

	state.HumanResponse = &core.HumanResponse{Action: core.ActionSkip}
	p, err := w.ApplyHumanResponse(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionContinue, *p.NextDecision)
	require.NotNil(t, p.ReviewSkipped)
	assert.True(t, *p.ReviewSkipped)

	state.HumanResponse = &core.HumanResponse{Action: core.ActionContinue}
	p, err = w.ApplyHumanResponse(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionContinue, *p.NextDecision)
	assert.Nil(t, p.ReviewSkipped)
}

func TestApplyHumanResponseAbort(t *testing.T) {
	w := newWorkflow(&config.Config{}, nil, nil)
	state := newState(t, core.ModeInteractive)
	state.HumanResponse = &core.HumanResponse{Action: core.ActionAbort}

	p, err := w.ApplyHumanResponse(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAbort, *p.NextDecision)
	require.NotEmpty(t, p.Errors)
	assert.Equal(t, core.ErrTypeUserAbort, p.Errors[0].Type)
}

func TestApplyHumanResponseAnswerUnblocksTask(t *testing.T) {
	repo := &memRepo{}
	w := newWorkflow(&config.Config{}, nil, repo)
	state := newState(t, core.ModeInteractive)
	blocked := inProgressTask("T1", 3)
	require.NoError(t, blocked.MarkBlocked("which schema?"))
	state.Tasks = []*core.Task{blocked}
	state.CurrentTaskID = "T1"
	state.HumanResponse = &core.HumanResponse{
		Action:  core.ActionAnswerClarification,
		Answers: map[string]string{"which schema?": "v2"},
	}

	p, err := w.ApplyHumanResponse(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionRetry, *p.NextDecision)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, core.TaskStatusPending, p.Tasks[0].Status)
	require.NotNil(t, p.CurrentTaskID)
	assert.Empty(t, string(*p.CurrentTaskID))

	entries, err := repo.QueryLogs(context.Background(), "demo", core.LogTypeClarification, "T1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "v2")
}

func TestApprovalNodePassesThroughWhenUngated(t *testing.T) {
	w := newWorkflow(&config.Config{}, nil, nil)
	node := w.approvalNode(core.PhasePlanning)

	// Gates disabled entirely.
	p, err := node(context.Background(), newState(t, core.ModeInteractive))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionContinue, *p.NextDecision)

	// Autonomous runs never stop at gates.
	cfg := &config.Config{}
	cfg.Workflow.Features.ApprovalGates = true
	cfg.Workflow.ApprovalPhases = []int{1}
	w = newWorkflow(cfg, nil, nil)
	p, err = w.approvalNode(core.PhasePlanning)(context.Background(), newState(t, core.ModeAutonomous))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionContinue, *p.NextDecision)
}

func TestApprovalNodeInterruptsInteractiveRun(t *testing.T) {
	cfg := &config.Config{}
	cfg.Workflow.Features.ApprovalGates = true
	cfg.Workflow.ApprovalPhases = []int{1, 3}
	w := newWorkflow(cfg, nil, nil)

	_, err := w.approvalNode(core.PhasePlanning)(context.Background(), newState(t, core.ModeInteractive))
	require.Error(t, err)
	var ie *graph.InterruptError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "approval", ie.Payload.Type)
	assert.Equal(t, core.PhasePlanning, ie.Payload.Phase)
	require.NotNil(t, ie.Partial)
	require.NotNil(t, ie.Partial.CurrentPhase)
	assert.Equal(t, core.PhasePlanning, *ie.Partial.CurrentPhase)

	// Ungated phase passes through even with gates on.
	p, err := w.approvalNode(core.PhaseVerification)(context.Background(), newState(t, core.ModeInteractive))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionContinue, *p.NextDecision)
}

func TestApplyApproval(t *testing.T) {
	w := newWorkflow(&config.Config{}, nil, nil)

	state := newState(t, core.ModeInteractive)
	state.HumanResponse = &core.HumanResponse{Action: core.ActionContinue}
	p, err := w.ApplyApproval(context.Background(), state)
	require.NoError(t, err)
	assert.True(t, p.ClearHumanResponse)
	assert.Equal(t, core.DecisionContinue, *p.NextDecision)

	state.HumanResponse = &core.HumanResponse{Action: core.ActionAbort}
	p, err = w.ApplyApproval(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionAbort, *p.NextDecision)
	require.NotEmpty(t, p.Errors)
	assert.Equal(t, core.ErrTypeUserAbort, p.Errors[0].Type)
}

func TestCompletionWritesHandoffBrief(t *testing.T) {
	repo := &memRepo{}
	w := New(Deps{
		Config:  &config.Config{},
		Repo:    repo,
		Actions: observability.NewActionLogger(repo, "demo", logging.NewNop()),
		Handoff: observability.NewHandoffWriter(repo, logging.NewNop()),
		Logger:  logging.NewNop(),
	})

	state := newState(t, core.ModeAutonomous)
	state.CurrentPhase = core.PhaseVerification
	state.CompletedTaskIDs["T1"] = true

	p, err := w.Completion(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, p.PhaseStatus[core.PhaseCompletion])
	assert.Equal(t, core.PhaseCompleted, p.PhaseStatus[core.PhaseCompletion].Status)

	brief, err := os.ReadFile(filepath.Join(state.ProjectDir, ".workflow", "HANDOFF.md"))
	require.NoError(t, err)
	assert.Contains(t, string(brief), "Handoff brief: demo")
	assert.Contains(t, string(brief), "1 completed")
}

func TestAbortWritesHandoffAndFails(t *testing.T) {
	repo := &memRepo{}
	w := New(Deps{
		Config:  &config.Config{},
		Repo:    repo,
		Handoff: observability.NewHandoffWriter(repo, logging.NewNop()),
		Logger:  logging.NewNop(),
	})

	state := newState(t, core.ModeInteractive)
	state.RecordError(core.ErrTypeUserAbort, "operator stop", "")

	p, err := w.Abort(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, p.NextDecision)
	assert.Equal(t, core.DecisionAbort, *p.NextDecision)

	_, err = os.Stat(filepath.Join(state.ProjectDir, ".workflow", "HANDOFF.md"))
	require.NoError(t, err)
}
