package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTaskResult(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		status  TaskResultStatus
	}{
		{
			name:   "completed",
			input:  `{"task_id":"T1","status":"completed","files_created":["a.go"],"tests_passed":true}`,
			status: TaskResultCompleted,
		},
		{
			name:   "needs clarification with question",
			input:  `{"task_id":"T2","status":"needs_clarification","question":"which db?","options":["sqlite","postgres"]}`,
			status: TaskResultNeedsClarification,
		},
		{
			name:    "needs clarification without question",
			input:   `{"task_id":"T2","status":"needs_clarification"}`,
			wantErr: true,
		},
		{
			name:    "unknown status",
			input:   `{"task_id":"T3","status":"partial"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `I finished the task, everything works!`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := DecodeTaskResult([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsCategory(err, ErrCatValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, r.Status)
		})
	}
}

func TestPlanValidate(t *testing.T) {
	p := &Plan{PlanName: "add-auth", Phases: []PlanPhase{{Name: "setup"}}}
	require.NoError(t, p.Validate())

	assert.Error(t, (&Plan{Phases: []PlanPhase{{Name: "setup"}}}).Validate())
	assert.Error(t, (&Plan{PlanName: "add-auth"}).Validate())
}

func TestFeedbackScoreRange(t *testing.T) {
	require.NoError(t, (&Feedback{Score: 0}).Validate())
	require.NoError(t, (&Feedback{Score: 10}).Validate())
	assert.Error(t, (&Feedback{Score: 10.5}).Validate())
	assert.Error(t, (&Feedback{Score: -1}).Validate())
}

func TestHumanResponseValidate(t *testing.T) {
	for _, a := range []HumanAction{ActionRetry, ActionSkip, ActionContinue, ActionAbort, ActionAnswerClarification} {
		assert.NoError(t, (&HumanResponse{Action: a}).Validate())
	}
	assert.Error(t, (&HumanResponse{Action: "restart"}).Validate())
}

func TestNewAgentExecutionTruncates(t *testing.T) {
	long := strings.Repeat("x", ExecutionPrefixLen*2)
	exec := NewAgentExecution("claude", "implement_task", "T1", long, long, true, 1.5, 0.02)
	assert.Len(t, exec.PromptPrefix, ExecutionPrefixLen)
	assert.Len(t, exec.OutputPrefix, ExecutionPrefixLen)
	assert.Equal(t, TaskID("T1"), exec.TaskID)
}
