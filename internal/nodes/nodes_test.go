package nodes

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/internal/config"
	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/logging"
	"github.com/maestro-ai/maestro/internal/loop"
)

// promptAgent answers each invocation by sniffing its prompt.
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
			p.calls = append(p.calls, marker+"/"+opts.AgentKind)
			return core.InvokeResult{Success: true, Stdout: stdout}
		}
	}
	return core.InvokeResult{Success: false, Error: "unexpected prompt"}
}

// memRepo is the minimal repository the graph runner and the nodes need.
type memRepo struct {
	mu   sync.Mutex
	seq  int
	last map[string]*core.Checkpoint
	logs []*core.LogEntry
}

func (r *memRepo) SaveCheckpoint(_ context.Context, cp *core.Checkpoint) error {
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

func (r *memRepo) LatestCheckpoint(_ context.Context, threadID string) (*core.Checkpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cp := r.last[threadID]; cp != nil {
		return cp, nil
	}
	return nil, core.ErrNotFound("checkpoint", threadID)
}

func (r *memRepo) CheckpointHistory(context.Context, string, int) ([]*core.Checkpoint, error) {
	return nil, nil
}
func (r *memRepo) SaveState(context.Context, *core.WorkflowState) error { return nil }
func (r *memRepo) LoadState(_ context.Context, name string) (*core.WorkflowState, error) {
	return nil, core.ErrNotFound("workflow", name)
}
func (r *memRepo) SavePhaseOutput(context.Context, *core.PhaseOutput) error { return nil }
func (r *memRepo) LatestPhaseOutput(_ context.Context, name string, _ core.Phase) (*core.PhaseOutput, error) {
	return nil, core.ErrNotFound("phase_output", name)
}
func (r *memRepo) SaveTask(context.Context, string, *core.Task) error      { return nil }
func (r *memRepo) LoadTasks(context.Context, string) ([]*core.Task, error) { return nil, nil }

func (r *memRepo) AppendLog(_ context.Context, entry *core.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, entry)
	return nil
}

func (r *memRepo) QueryLogs(_ context.Context, _ string, logType string, taskID core.TaskID, limit int) ([]*core.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*core.LogEntry
	for _, e := range r.logs {
		if e.LogType != logType {
			continue
		}
		if taskID != "" && e.TaskID != taskID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) AppendEvents(context.Context, []core.Event) error { return nil }
func (r *memRepo) QueryEvents(context.Context, string, time.Time, core.EventPriority, int) ([]core.Event, error) {
	return nil, nil
}
func (r *memRepo) DeleteEventsBefore(context.Context, time.Time) (int, error) { return 0, nil }
func (r *memRepo) Close() error                                               { return nil }

func newWorkflow(cfg *config.Config, ag core.AgentRunner, repo core.Repository) *Workflow {
	d := Deps{
		Config: cfg,
		Agent:  ag,
		Repo:   repo,
		Logger: logging.NewNop(),
	}
	if ag != nil {
		d.Loop = loop.New(loop.Deps{Agent: ag, Repo: repo, Logger: logging.NewNop()})
	}
	return New(d)
}

func newState(t *testing.T, mode core.ExecutionMode) *core.WorkflowState {
	t.Helper()
	return core.NewWorkflowState("demo", t.TempDir(), "t1", mode)
}

func inProgressTask(id core.TaskID, maxAttempts int) *core.Task {
	task := core.NewTask(id, "task "+string(id)).WithMaxAttempts(maxAttempts)
	if err := task.MarkInProgress(); err != nil {
		panic(err)
	}
	return task
}

func TestBuildCompiles(t *testing.T) {
	w := newWorkflow(&config.Config{}, &promptAgent{}, &memRepo{})
	_, err := w.Build().Compile(&memRepo{}, logging.NewNop())
	require.NoError(t, err)
}

const planEnvelope = `{
  "plan_name": "demo plan",
  "summary": "one task end to end",
  "phases": [{"name": "core", "description": "the work", "tasks": [
    {"id": "T1", "title": "implement the feature",
     "user_story": "as a user I want the feature",
     "acceptance_criteria": ["it works"], "dependencies": []}
  ]}],
  "estimated_complexity": "low"
}`

func TestWorkflowHappyPathEndToEnd(t *testing.T) {
	ag := &promptAgent{responses: map[string]string{
		"You are the planner":             planEnvelope,
		"Review this implementation plan": `{"approved": true, "score": 9, "assessment": "solid", "summary": "good plan"}`,
		"You are implementing task":       "<promise>DONE</promise>\n{\"status\": \"completed\", \"task_id\": \"T1\"}",
		"Review the implemented work":     `{"approved": true, "score": 9, "assessment": "matches plan", "summary": "done"}`,
	}}
	w := newWorkflow(&config.Config{}, ag, &memRepo{})

	runner, err := w.Build().Compile(&memRepo{}, logging.NewNop())
	require.NoError(t, err)

	final, err := runner.Run(context.Background(), newState(t, core.ModeAutonomous))
	require.NoError(t, err)

	assert.Equal(t, core.PhaseCompletion, final.CurrentPhase)
	require.NotNil(t, final.PhaseStatus[core.PhaseCompletion])
	assert.Equal(t, core.PhaseCompleted, final.PhaseStatus[core.PhaseCompletion].Status)

	require.Len(t, final.Tasks, 1)
	assert.Equal(t, core.TaskStatusCompleted, final.Tasks[0].Status)
	assert.True(t, final.CompletedTaskIDs["T1"])
	assert.Empty(t, final.FailedTaskIDs)
	assert.Empty(t, final.InFlightTaskIDs)

	for _, phase := range []core.Phase{
		core.PhasePrerequisites, core.PhasePlanning, core.PhaseValidation,
		core.PhaseImplementation, core.PhaseVerification,
	} {
		require.NotNil(t, final.PhaseStatus[phase], phase.String())
		assert.Equal(t, core.PhaseCompleted, final.PhaseStatus[phase].Status, phase.String())
	}
}

func TestWorkflowSingleReviewerFallbackEndToEnd(t *testing.T) {
	// Gemini never answers; cursor alone must carry the review under the
	// penalty rule.
	ag := &reviewerDownAgent{
		down: "gemini",
		inner: &promptAgent{responses: map[string]string{
			"You are the planner":             planEnvelope,
			"Review this implementation plan": `{"approved": true, "score": 9.5, "summary": "good"}`,
			"You are implementing task":       "<promise>DONE</promise>\n{\"status\": \"completed\", \"task_id\": \"T1\"}",
			"Review the implemented work":     `{"approved": true, "score": 9.5, "summary": "done"}`,
		}},
	}
	cfg := &config.Config{}
	cfg.Review.AllowSingleAgentApproval = true
	cfg.Review.SingleAgentScorePenalty = 1.0
	cfg.Review.SingleAgentMinimumScore = 7.0
	cfg.Review.SingleAgentPreference = "any"
	w := newWorkflow(cfg, ag, &memRepo{})

	runner, err := w.Build().Compile(&memRepo{}, logging.NewNop())
	require.NoError(t, err)

	final, err := runner.Run(context.Background(), newState(t, core.ModeAutonomous))
	require.NoError(t, err)
	assert.Equal(t, core.PhaseCompletion, final.CurrentPhase)
	assert.True(t, final.CompletedTaskIDs["T1"])

	require.NotNil(t, final.ValidationFeedback["cursor"])
	assert.Nil(t, final.ValidationFeedback["gemini"])
}

// reviewerDownAgent fails every call for one agent kind.
type reviewerDownAgent struct {
	down  string
	inner *promptAgent
}

func (a *reviewerDownAgent) Invoke(ctx context.Context, opts core.InvokeOptions) core.InvokeResult {
	if opts.AgentKind == a.down {
		return core.InvokeResult{Success: false, Error: "binary not found"}
	}
	return a.inner.Invoke(ctx, opts)
}

func TestRetryTargetsCoverAllPhases(t *testing.T) {
	assert.Equal(t, NodePrerequisites, retryTarget(core.PhasePrerequisites))
	assert.Equal(t, NodePlanning, retryTarget(core.PhasePlanning))
	assert.Equal(t, NodePlanning, retryTarget(core.PhaseValidation))
	assert.Equal(t, NodeSelectTask, retryTarget(core.PhaseImplementation))
	assert.Equal(t, NodeVerificationSpread, retryTarget(core.PhaseVerification))
	assert.Equal(t, NodeCompletion, retryTarget(core.PhaseCompletion))
}

func TestAgentForFallsBackToClaude(t *testing.T) {
	cfg := &config.Config{}
	cfg.Agents.Default = "claude"
	cfg.Agents.Claude.Model = "opus"
	cfg.Agents.Cursor.Model = "gpt"
	w := newWorkflow(cfg, nil, nil)

	kind, ac := w.agentFor("")
	assert.Equal(t, "claude", kind)
	assert.Equal(t, "opus", ac.Model)

	kind, ac = w.agentFor("cursor")
	assert.Equal(t, "cursor", kind)
	assert.Equal(t, "gpt", ac.Model)

	kind, _ = w.agentFor("unknown")
	assert.Equal(t, "claude", kind)
}
