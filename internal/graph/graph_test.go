package graph

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/logging"
)

// memRepo is an in-memory Repository covering what the engine touches.
type memRepo struct {
	mu          sync.Mutex
	seq         int
	checkpoints map[string][]*core.Checkpoint
}

func newMemRepo() *memRepo {
	return &memRepo{checkpoints: make(map[string][]*core.Checkpoint)}
}

func (m *memRepo) SaveCheckpoint(_ context.Context, cp *core.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.checkpoints[cp.ThreadID]
	last := ""
	if len(chain) > 0 {
		last = chain[len(chain)-1].ID
	}
	if last != cp.PreviousID {
		return core.ErrConflict(fmt.Sprintf("have %q, expected %q", last, cp.PreviousID))
	}
	m.seq++
	cp.ID = fmt.Sprintf("%06d", m.seq)
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	m.checkpoints[cp.ThreadID] = append(chain, cp)
	return nil
}

func (m *memRepo) LatestCheckpoint(_ context.Context, threadID string) (*core.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.checkpoints[threadID]
	if len(chain) == 0 {
		return nil, core.ErrNotFound("checkpoint", threadID)
	}
	return chain[len(chain)-1], nil
}

func (m *memRepo) CheckpointHistory(_ context.Context, threadID string, limit int) ([]*core.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.checkpoints[threadID]
	var out []*core.Checkpoint
	for i := len(chain) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, chain[i])
	}
	return out, nil
}

func (m *memRepo) all(threadID string) []*core.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*core.Checkpoint(nil), m.checkpoints[threadID]...)
}

func (m *memRepo) SaveState(context.Context, *core.WorkflowState) error { return nil }
func (m *memRepo) LoadState(_ context.Context, name string) (*core.WorkflowState, error) {
	return nil, core.ErrNotFound("workflow", name)
}
func (m *memRepo) SavePhaseOutput(context.Context, *core.PhaseOutput) error { return nil }
func (m *memRepo) LatestPhaseOutput(_ context.Context, name string, _ core.Phase) (*core.PhaseOutput, error) {
	return nil, core.ErrNotFound("phase_output", name)
}
func (m *memRepo) SaveTask(context.Context, string, *core.Task) error { return nil }
func (m *memRepo) LoadTasks(context.Context, string) ([]*core.Task, error) {
	return nil, nil
}
func (m *memRepo) AppendLog(context.Context, *core.LogEntry) error { return nil }
func (m *memRepo) QueryLogs(context.Context, string, string, core.TaskID, int) ([]*core.LogEntry, error) {
	return nil, nil
}
func (m *memRepo) AppendEvents(context.Context, []core.Event) error { return nil }
func (m *memRepo) QueryEvents(context.Context, string, time.Time, core.EventPriority, int) ([]core.Event, error) {
	return nil, nil
}
func (m *memRepo) DeleteEventsBefore(context.Context, time.Time) (int, error) { return 0, nil }
func (m *memRepo) Close() error                                               { return nil }

func newState(t *testing.T) *core.WorkflowState {
	t.Helper()
	return core.NewWorkflowState("demo", t.TempDir(), "demo-thread", core.ModeAutonomous)
}

func bumpIteration() NodeFunc {
	return func(_ context.Context, state *core.WorkflowState) (*core.PartialState, error) {
		n := state.IterationCount + 1
		return &core.PartialState{IterationCount: &n}, nil
	}
}

func TestRunLinearGraph(t *testing.T) {
	repo := newMemRepo()
	b := NewBuilder().
		AddNode("first", bumpIteration()).
		AddNode("second", bumpIteration()).
		AddEdge("first", "second").
		AddEdge("second", End).
		SetEntry("first")
	r, err := b.Compile(repo, logging.NewNop())
	require.NoError(t, err)

	final, err := r.Run(context.Background(), newState(t))
	require.NoError(t, err)
	assert.Equal(t, 2, final.IterationCount)

	cps := repo.all("demo-thread")
	require.Len(t, cps, 2)
	assert.Empty(t, cps[0].PreviousID)
	assert.Equal(t, cps[0].ID, cps[1].PreviousID)
	assert.Equal(t, []string{"second"}, cps[0].PendingNodes)
	assert.Empty(t, cps[1].PendingNodes)
	assert.Equal(t, core.CheckpointOK, cps[1].Status)
}

func TestRouterDispatchesOnDecision(t *testing.T) {
	repo := newMemRepo()
	visited := make(map[string]bool)
	mark := func(name string) NodeFunc {
		return func(context.Context, *core.WorkflowState) (*core.PartialState, error) {
			visited[name] = true
			return nil, nil
		}
	}
	decide := func(_ context.Context, _ *core.WorkflowState) (*core.PartialState, error) {
		d := core.DecisionRetry
		return &core.PartialState{NextDecision: &d}, nil
	}

	r, err := NewBuilder().
		AddNode("decide", decide).
		AddNode("retry_path", mark("retry_path")).
		AddNode("other_path", mark("other_path")).
		AddRouter("decide", func(state *core.WorkflowState) []Dispatch {
			if state.NextDecision == core.DecisionRetry {
				return Goto("retry_path")
			}
			return Goto("other_path")
		}).
		AddEdge("retry_path", End).
		AddEdge("other_path", End).
		SetEntry("decide").
		Compile(repo, logging.NewNop())
	require.NoError(t, err)

	_, err = r.Run(context.Background(), newState(t))
	require.NoError(t, err)
	assert.True(t, visited["retry_path"])
	assert.False(t, visited["other_path"])
}

func TestFanOutMergesSiblingOutputs(t *testing.T) {
	repo := newMemRepo()
	review := func(name string, score float64) NodeFunc {
		return func(context.Context, *core.WorkflowState) (*core.PartialState, error) {
			return &core.PartialState{
				ValidationFeedback: map[string]*core.Feedback{
					name: {Score: score, Approved: score >= 6},
				},
			}, nil
		}
	}
	var joinSaw int
	r, err := NewBuilder().
		AddNode("spread", func(context.Context, *core.WorkflowState) (*core.PartialState, error) {
			return nil, nil
		}).
		AddNode("reviewer_a", review("reviewer_a", 8)).
		AddNode("reviewer_b", review("reviewer_b", 7)).
		AddNode("join", func(_ context.Context, state *core.WorkflowState) (*core.PartialState, error) {
			joinSaw = len(state.ValidationFeedback)
			return nil, nil
		}).
		AddRouter("spread", func(*core.WorkflowState) []Dispatch {
			return []Dispatch{{Node: "reviewer_a"}, {Node: "reviewer_b"}}
		}).
		AddEdge("reviewer_a", "join").
		AddEdge("reviewer_b", "join").
		AddEdge("join", End).
		SetEntry("spread").
		Compile(repo, logging.NewNop())
	require.NoError(t, err)

	final, err := r.Run(context.Background(), newState(t))
	require.NoError(t, err)
	assert.Equal(t, 2, joinSaw)
	require.Len(t, final.ValidationFeedback, 2)
	assert.Equal(t, 8.0, final.ValidationFeedback["reviewer_a"].Score)
	assert.Equal(t, 7.0, final.ValidationFeedback["reviewer_b"].Score)
}

func TestNodeRetriesTransientFailures(t *testing.T) {
	repo := newMemRepo()
	attempts := 0
	flaky := func(context.Context, *core.WorkflowState) (*core.PartialState, error) {
		attempts++
		if attempts < 3 {
			return nil, core.ErrExecution("FLAKY", "transient")
		}
		return nil, nil
	}
	r, err := NewBuilder().
		AddNodeWithRetry("flaky", flaky, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}).
		AddEdge("flaky", End).
		SetEntry("flaky").
		Compile(repo, logging.NewNop())
	require.NoError(t, err)

	_, err = r.Run(context.Background(), newState(t))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExhaustedRetriesEscalateThroughRouter(t *testing.T) {
	repo := newMemRepo()
	escalated := false
	r, err := NewBuilder().
		AddNodeWithRetry("doomed", func(context.Context, *core.WorkflowState) (*core.PartialState, error) {
			return nil, core.ErrExecution("AGENT_CRASH", "boom")
		}, RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2}).
		AddNode("escalate", func(context.Context, *core.WorkflowState) (*core.PartialState, error) {
			escalated = true
			return nil, nil
		}).
		AddRouter("doomed", func(state *core.WorkflowState) []Dispatch {
			if state.NextDecision == core.DecisionEscalate {
				return Goto("escalate")
			}
			return nil
		}).
		AddEdge("escalate", End).
		SetEntry("doomed").
		Compile(repo, logging.NewNop())
	require.NoError(t, err)

	final, err := r.Run(context.Background(), newState(t))
	require.NoError(t, err)
	assert.True(t, escalated)
	require.NotEmpty(t, final.Errors)
	assert.Contains(t, final.Errors[0].Message, "boom")
}

func TestExhaustedRetriesWithoutRouterAreFatal(t *testing.T) {
	repo := newMemRepo()
	r, err := NewBuilder().
		AddNode("doomed", func(context.Context, *core.WorkflowState) (*core.PartialState, error) {
			return nil, core.ErrValidation("BAD_INPUT", "not retryable")
		}).
		AddEdge("doomed", End).
		SetEntry("doomed").
		Compile(repo, logging.NewNop())
	require.NoError(t, err)

	_, err = r.Run(context.Background(), newState(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not retryable")
}

func TestInterruptAndResume(t *testing.T) {
	repo := newMemRepo()
	var resumedWith *core.HumanResponse
	r, err := NewBuilder().
		AddNode("ask", func(_ context.Context, state *core.WorkflowState) (*core.PartialState, error) {
			if state.HumanResponse != nil {
				return nil, nil
			}
			return nil, Interrupt(&core.InterruptPayload{
				Type:    "approval",
				Project: state.ProjectName,
				Issue:   "plan needs sign-off",
			}, nil)
		}).
		AddNode("after", func(_ context.Context, state *core.WorkflowState) (*core.PartialState, error) {
			resumedWith = state.HumanResponse
			return nil, nil
		}).
		AddEdge("ask", "after").
		AddEdge("after", End).
		SetEntry("ask").
		Compile(repo, logging.NewNop())
	require.NoError(t, err)

	_, err = r.Run(context.Background(), newState(t))
	require.ErrorIs(t, err, ErrInterrupted)

	cps := repo.all("demo-thread")
	require.Len(t, cps, 1)
	assert.Equal(t, core.CheckpointInterrupted, cps[0].Status)
	require.NotNil(t, cps[0].Interrupt)
	assert.Equal(t, "approval", cps[0].Interrupt.Type)
	assert.Equal(t, "ask", cps[0].State.PausedAtNode)

	_, err = r.Resume(context.Background(), "demo-thread", &core.HumanResponse{Action: core.ActionContinue})
	require.NoError(t, err)
	require.NotNil(t, resumedWith)
	assert.Equal(t, core.ActionContinue, resumedWith.Action)
}

func TestResumeInterruptedRequiresInput(t *testing.T) {
	repo := newMemRepo()
	r, err := NewBuilder().
		AddNode("ask", func(context.Context, *core.WorkflowState) (*core.PartialState, error) {
			return nil, Interrupt(&core.InterruptPayload{Type: "approval"}, nil)
		}).
		AddEdge("ask", End).
		SetEntry("ask").
		Compile(repo, logging.NewNop())
	require.NoError(t, err)

	_, err = r.Run(context.Background(), newState(t))
	require.ErrorIs(t, err, ErrInterrupted)

	_, err = r.Resume(context.Background(), "demo-thread", nil)
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatState))
}

func TestPauseStopsAtNodeBoundary(t *testing.T) {
	repo := newMemRepo()
	var r *Runner
	ran := make(map[string]int)
	step := func(name string) NodeFunc {
		return func(context.Context, *core.WorkflowState) (*core.PartialState, error) {
			ran[name]++
			return nil, nil
		}
	}
	r, err := NewBuilder().
		AddNode("first", func(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error) {
			r.RequestPause()
			ran["first"]++
			return nil, nil
		}).
		AddNode("second", step("second")).
		AddEdge("first", "second").
		AddEdge("second", End).
		SetEntry("first").
		Compile(repo, logging.NewNop())
	require.NoError(t, err)

	_, err = r.Run(context.Background(), newState(t))
	require.ErrorIs(t, err, ErrPaused)
	assert.Equal(t, 1, ran["first"])
	assert.Zero(t, ran["second"])

	cps := repo.all("demo-thread")
	last := cps[len(cps)-1]
	assert.Equal(t, core.CheckpointPaused, last.Status)
	assert.Equal(t, []string{"second"}, last.PendingNodes)

	_, err = r.Resume(context.Background(), "demo-thread", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ran["second"])
	assert.Equal(t, 1, ran["first"])
}

func TestStatePauseRequestSuspendsAndResumesSameNode(t *testing.T) {
	repo := newMemRepo()
	ran := 0
	work := func(context.Context, *core.WorkflowState) (*core.PartialState, error) {
		ran++
		if ran == 1 {
			paused := true
			return &core.PartialState{PauseRequested: &paused}, nil
		}
		return nil, nil
	}
	r, err := NewBuilder().
		AddNode("work", work).
		AddRouter("work", func(s *core.WorkflowState) []Dispatch {
			if s.PauseRequested {
				return Goto("work")
			}
			return Goto(End)
		}).
		SetEntry("work").
		Compile(repo, logging.NewNop())
	require.NoError(t, err)

	// The node raises the pause through the state; the runner suspends
	// with the same node pending so resume re-enters it.
	_, err = r.Run(context.Background(), newState(t))
	require.ErrorIs(t, err, ErrPaused)
	assert.Equal(t, 1, ran)

	cps := repo.all("demo-thread")
	last := cps[len(cps)-1]
	assert.Equal(t, core.CheckpointPaused, last.Status)
	assert.Equal(t, []string{"work"}, last.PendingNodes)
	assert.True(t, last.State.PauseRequested)

	final, err := r.Resume(context.Background(), "demo-thread", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ran)
	assert.False(t, final.PauseRequested)
}

func TestCancellationWritesPausedCheckpoint(t *testing.T) {
	repo := newMemRepo()
	ctx, cancel := context.WithCancel(context.Background())
	r, err := NewBuilder().
		AddNode("first", func(context.Context, *core.WorkflowState) (*core.PartialState, error) {
			cancel()
			return nil, nil
		}).
		AddNode("second", bumpIteration()).
		AddEdge("first", "second").
		AddEdge("second", End).
		SetEntry("first").
		Compile(repo, logging.NewNop())
	require.NoError(t, err)

	_, err = r.Run(ctx, newState(t))
	require.ErrorIs(t, err, context.Canceled)

	cps := repo.all("demo-thread")
	last := cps[len(cps)-1]
	assert.Equal(t, core.CheckpointPaused, last.Status)
	assert.True(t, last.State.PauseRequested)
}

func TestRecursionLimitTrips(t *testing.T) {
	repo := newMemRepo()
	r, err := NewBuilder().
		AddNode("spin", bumpIteration()).
		AddRouter("spin", func(*core.WorkflowState) []Dispatch { return Goto("spin") }).
		SetEntry("spin").
		SetRecursionLimit(5).
		Compile(repo, logging.NewNop())
	require.NoError(t, err)

	_, err = r.Run(context.Background(), newState(t))
	require.Error(t, err)
	var de *core.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, core.CodeRecursionLimit, de.Code)
}

func TestRecursionLimitCountsFanOutSiblings(t *testing.T) {
	repo := newMemRepo()
	var mu sync.Mutex
	ran := 0
	count := func(context.Context, *core.WorkflowState) (*core.PartialState, error) {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil, nil
	}
	// Each round is one spread execution plus two router-driven siblings;
	// all three charge against the limit.
	r, err := NewBuilder().
		AddNode("spread", count).
		AddNode("left", count).
		AddNode("right", count).
		AddRouter("spread", func(*core.WorkflowState) []Dispatch {
			return []Dispatch{{Node: "left"}, {Node: "right"}}
		}).
		AddEdge("left", "spread").
		AddEdge("right", "spread").
		SetEntry("spread").
		SetRecursionLimit(6).
		Compile(repo, logging.NewNop())
	require.NoError(t, err)

	_, err = r.Run(context.Background(), newState(t))
	require.Error(t, err)
	var de *core.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, core.CodeRecursionLimit, de.Code)
	assert.Equal(t, 6, ran)
}

func TestCompileRejectsBrokenGraphs(t *testing.T) {
	noop := func(context.Context, *core.WorkflowState) (*core.PartialState, error) { return nil, nil }
	tests := []struct {
		name  string
		build func() *Builder
	}{
		{"no entry", func() *Builder {
			return NewBuilder().AddNode("a", noop).AddEdge("a", End)
		}},
		{"undefined entry", func() *Builder {
			return NewBuilder().AddNode("a", noop).SetEntry("missing")
		}},
		{"edge to undefined node", func() *Builder {
			return NewBuilder().AddNode("a", noop).AddEdge("a", "ghost").SetEntry("a")
		}},
		{"edge and router on same node", func() *Builder {
			return NewBuilder().AddNode("a", noop).AddNode("b", noop).
				AddEdge("a", "b").
				AddRouter("a", func(*core.WorkflowState) []Dispatch { return Goto("b") }).
				SetEntry("a")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Compile(newMemRepo(), logging.NewNop())
			require.Error(t, err)
			assert.True(t, core.IsCategory(err, core.ErrCatValidation))
		})
	}
}

func TestRetryPolicyDelayGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
}
