package fixer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/graph"
	"github.com/maestro-ai/maestro/internal/logging"
	"github.com/maestro-ai/maestro/internal/observability"
)

// promptAgent answers each step by sniffing its prompt.
type promptAgent struct {
	mu        sync.Mutex
	responses map[string]string // prompt substring -> stdout
	calls     []string
}

func (p *promptAgent) Invoke(_ context.Context, opts core.InvokeOptions) core.InvokeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	for marker, stdout := range p.responses {
		if strings.Contains(opts.Prompt, marker) {
			p.calls = append(p.calls, marker)
			return core.InvokeResult{Success: true, Stdout: stdout}
		}
	}
	return core.InvokeResult{Success: false, Error: "unexpected prompt"}
}

func stateWithError(errType, message string) *core.WorkflowState {
	s := core.NewWorkflowState("demo", "/tmp/demo", "t1", core.ModeAutonomous)
	s.CurrentPhase = core.PhaseImplementation
	s.RecordError(errType, message, "T1")
	return s
}

func TestCanFixRespectsConfigAndBreaker(t *testing.T) {
	f := New(Config{Enabled: true}, nil, nil, logging.NewNop())

	s := stateWithError(core.ErrTypeImplementation, "boom")
	assert.True(t, f.CanFix(s))

	s.CircuitBreakerOpen = true
	assert.False(t, f.CanFix(s))

	s = stateWithError(core.ErrTypeUserAbort, "stop")
	assert.False(t, f.CanFix(s))

	disabled := New(Config{Enabled: false}, nil, nil, logging.NewNop())
	assert.False(t, disabled.CanFix(stateWithError(core.ErrTypeImplementation, "boom")))
}

func TestRouteForClassification(t *testing.T) {
	f := New(Config{Enabled: true}, nil, nil, logging.NewNop())
	tests := []struct {
		errType string
		want    Route
	}{
		{core.ErrTypeImplementation, RouteDirect},
		{core.ErrTypeTestFailure, RouteDirect},
		{core.ErrTypeQualityGate, RouteValidate},
		{core.ErrTypeSecurityGate, RouteValidate},
		{core.ErrTypeWorktree, RouteResearch},
	}
	for _, tt := range tests {
		t.Run(tt.errType, func(t *testing.T) {
			assert.Equal(t, tt.want, f.RouteFor(stateWithError(tt.errType, "x")))
		})
	}
}

func TestDiagnoseParsesEnvelope(t *testing.T) {
	ag := &promptAgent{responses: map[string]string{
		"needs a fix plan": `{"diagnosis": "missing nil check", "plan": "guard the pointer", "risky": false}`,
	}}
	f := New(Config{Enabled: true}, ag, nil, logging.NewNop())

	s := stateWithError(core.ErrTypeImplementation, "panic: nil deref")
	s.FixAttempt = &core.FixAttempt{ErrorType: core.ErrTypeImplementation}

	p, err := f.Diagnose(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, p.FixAttempt)
	assert.Equal(t, "missing nil check", p.FixAttempt.Diagnosis)
	assert.Equal(t, "guard the pointer", p.FixAttempt.Plan)
	assert.False(t, p.FixAttempt.Risky)
}

func TestValidateRejectionCountsAsFailure(t *testing.T) {
	ag := &promptAgent{responses: map[string]string{
		"Review this fix plan": `{"approved": false, "concerns": ["deletes auth checks"]}`,
	}}
	f := New(Config{Enabled: true}, ag, nil, logging.NewNop())

	s := stateWithError(core.ErrTypeSecurityGate, "secret in code")
	s.FixAttempt = &core.FixAttempt{ErrorType: core.ErrTypeSecurityGate, Plan: "remove the check"}

	p, err := f.Validate(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, p.NextDecision)
	assert.Equal(t, core.DecisionEscalate, *p.NextDecision)
	assert.True(t, p.ClearFixAttempt)
	require.NotNil(t, p.FixerFailures)
	assert.Equal(t, 1, *p.FixerFailures)
	require.NotEmpty(t, p.Errors)
	assert.Contains(t, p.Errors[0].Message, "deletes auth checks")
}

func TestDiagnoseAgentCrashCountsTowardBreaker(t *testing.T) {
	// No canned responses: every invocation fails like a crashed agent.
	ag := &promptAgent{}
	f := New(Config{Enabled: true, MaxConsecutiveFailures: 3}, ag, nil, logging.NewNop())

	s := stateWithError(core.ErrTypeImplementation, "boom")
	s.FixAttempt = &core.FixAttempt{ErrorType: core.ErrTypeImplementation}
	s.FixerFailures = 2

	p, err := f.Diagnose(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, p.NextDecision)
	assert.Equal(t, core.DecisionEscalate, *p.NextDecision)
	assert.True(t, p.ClearFixAttempt)
	require.NotNil(t, p.FixerFailures)
	assert.Equal(t, 3, *p.FixerFailures)
	require.NotNil(t, p.CircuitBreakerOpen)
	assert.True(t, *p.CircuitBreakerOpen)
}

func TestVerifySuccessClearsAttemptAndResolves(t *testing.T) {
	agg := observability.NewAggregator(0)
	f := New(Config{Enabled: true}, nil, agg, logging.NewNop())

	s := stateWithError(core.ErrTypeImplementation, "build broken")
	agg.Record(core.ErrTypeImplementation, "build broken", s.CurrentPhase, "", "T1")
	s.FixAttempt = &core.FixAttempt{ErrorType: core.ErrTypeImplementation, Diagnosis: "typo", Applied: true}

	p, err := f.Verify(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, p.ClearFixAttempt)
	require.NotNil(t, p.FixerFailures)
	assert.Zero(t, *p.FixerFailures)
	require.NotNil(t, p.NextDecision)
	assert.Equal(t, core.DecisionContinue, *p.NextDecision)

	assert.Empty(t, agg.Unresolved())
	require.Len(t, agg.Resolved(), 1)
	assert.Contains(t, agg.Resolved()[0].Resolution, "typo")

	// The state's own errors entry carries the resolution once applied.
	require.Len(t, p.ResolveErrors, 1)
	s.Apply(p)
	require.NotEmpty(t, s.Errors)
	assert.Contains(t, s.Errors[0].Resolution, "typo")
	require.NotNil(t, s.Errors[0].ResolvedAt)
}

func TestVerifyFailureTripsCircuitBreaker(t *testing.T) {
	f := New(Config{Enabled: true, TestCommand: "exit 1", MaxConsecutiveFailures: 3}, nil, nil, logging.NewNop())

	s := stateWithError(core.ErrTypeImplementation, "still broken")
	s.FixerFailures = 2
	s.FixAttempt = &core.FixAttempt{ErrorType: core.ErrTypeImplementation, Applied: true}

	p, err := f.Verify(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, p.FixerFailures)
	assert.Equal(t, 3, *p.FixerFailures)
	require.NotNil(t, p.CircuitBreakerOpen)
	assert.True(t, *p.CircuitBreakerOpen)
	require.NotNil(t, p.NextDecision)
	assert.Equal(t, core.DecisionEscalate, *p.NextDecision)
}

func TestVerifyUnappliedFixFails(t *testing.T) {
	f := New(Config{Enabled: true}, nil, nil, logging.NewNop())
	s := stateWithError(core.ErrTypeImplementation, "boom")
	s.FixAttempt = &core.FixAttempt{ErrorType: core.ErrTypeImplementation}

	p, err := f.Verify(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, p.NextDecision)
	assert.Equal(t, core.DecisionEscalate, *p.NextDecision)
	assert.Equal(t, 1, *p.FixerFailures)
}

// fixRepo is the minimal repository the graph runner needs.
type fixRepo struct {
	mu   sync.Mutex
	seq  int
	last map[string]*core.Checkpoint
}

func (r *fixRepo) SaveCheckpoint(_ context.Context, cp *core.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		r.last = make(map[string]*core.Checkpoint)
	}
	prev := ""
	if l := r.last[cp.ThreadID]; l != nil {
		prev = l.ID
	}
	if prev != cp.PreviousID {
		return core.ErrConflict("chain moved")
	}
	r.seq++
	cp.ID = fmt.Sprintf("%06d", r.seq)
	r.last[cp.ThreadID] = cp
	return nil
}

func (r *fixRepo) LatestCheckpoint(_ context.Context, threadID string) (*core.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cp := r.last[threadID]; cp != nil {
		return cp, nil
	}
	return nil, core.ErrNotFound("checkpoint", threadID)
}

func (r *fixRepo) CheckpointHistory(context.Context, string, int) ([]*core.Checkpoint, error) {
	return nil, nil
}
func (r *fixRepo) SaveState(context.Context, *core.WorkflowState) error { return nil }
func (r *fixRepo) LoadState(_ context.Context, name string) (*core.WorkflowState, error) {
	return nil, core.ErrNotFound("workflow", name)
}
func (r *fixRepo) SavePhaseOutput(context.Context, *core.PhaseOutput) error { return nil }
func (r *fixRepo) LatestPhaseOutput(_ context.Context, name string, _ core.Phase) (*core.PhaseOutput, error) {
	return nil, core.ErrNotFound("phase_output", name)
}
func (r *fixRepo) SaveTask(context.Context, string, *core.Task) error      { return nil }
func (r *fixRepo) LoadTasks(context.Context, string) ([]*core.Task, error) { return nil, nil }
func (r *fixRepo) AppendLog(context.Context, *core.LogEntry) error         { return nil }
func (r *fixRepo) QueryLogs(context.Context, string, string, core.TaskID, int) ([]*core.LogEntry, error) {
	return nil, nil
}
func (r *fixRepo) AppendEvents(context.Context, []core.Event) error { return nil }
func (r *fixRepo) QueryEvents(context.Context, string, time.Time, core.EventPriority, int) ([]core.Event, error) {
	return nil, nil
}
func (r *fixRepo) DeleteEventsBefore(context.Context, time.Time) (int, error) { return 0, nil }
func (r *fixRepo) Close() error                                               { return nil }

func TestSubgraphHappyPathResumesWorkflow(t *testing.T) {
	ag := &promptAgent{responses: map[string]string{
		"needs a fix plan": `{"diagnosis": "off by one", "plan": "fix the bound", "risky": false}`,
		"Apply this fix":   `{"status": "completed", "files_modified": ["loop.go"], "notes": "bound fixed"}`,
	}}
	f := New(Config{Enabled: true}, ag, nil, logging.NewNop())

	resumed := false
	escalated := false
	b := graph.NewBuilder()
	f.Attach(b, "resume", "escalate")
	b.AddNode("resume", func(context.Context, *core.WorkflowState) (*core.PartialState, error) {
		resumed = true
		return nil, nil
	}).
		AddNode("escalate", func(context.Context, *core.WorkflowState) (*core.PartialState, error) {
			escalated = true
			return nil, nil
		}).
		AddEdge("resume", graph.End).
		AddEdge("escalate", graph.End).
		SetEntry("fixer_triage")

	r, err := b.Compile(&fixRepo{}, logging.NewNop())
	require.NoError(t, err)

	final, err := r.Run(context.Background(), stateWithError(core.ErrTypeImplementation, "index out of range"))
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.False(t, escalated)
	assert.Nil(t, final.FixAttempt)
	assert.Zero(t, final.FixerFailures)
	require.NotEmpty(t, final.Errors)
	assert.Contains(t, final.Errors[0].Resolution, "off by one")
	assert.NotNil(t, final.Errors[0].ResolvedAt)
}
