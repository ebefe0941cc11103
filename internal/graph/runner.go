package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/logging"
)

// ErrInterrupted is returned from Run/Resume when a node suspended the
// graph for human input. The state at the interrupt is also returned.
var ErrInterrupted = errors.New("workflow interrupted: human input required")

// ErrPaused is returned when a pause request or context cancellation
// stopped the run between nodes. Resume continues from the checkpoint.
var ErrPaused = errors.New("workflow paused")

// InterruptError is raised by a node to suspend the graph. Partial, if
// set, is applied to the state before the interrupt checkpoint is written.
type InterruptError struct {
	Payload *core.InterruptPayload
	Partial *core.PartialState
	Node    string // filled in by the engine
}

func (e *InterruptError) Error() string {
	if e.Payload != nil {
		return fmt.Sprintf("interrupt: %s", e.Payload.Type)
	}
	return "interrupt"
}

// Interrupt builds the error a node returns to suspend the graph.
func Interrupt(payload *core.InterruptPayload, partial *core.PartialState) error {
	return &InterruptError{Payload: payload, Partial: partial}
}

// Runner executes a compiled graph. A runner drives one thread at a time;
// independent threads use independent runners.
type Runner struct {
	nodes          map[string]*node
	edges          map[string]string
	routers        map[string]Router
	entry          string
	recursionLimit int
	repo           core.Repository
	logger         *logging.Logger

	pause atomic.Bool

	mu               sync.Mutex
	state            *core.WorkflowState
	lastCheckpointID string
}

// RequestPause asks the runner to stop at the next node boundary. Safe to
// call from any goroutine.
func (r *Runner) RequestPause() {
	r.pause.Store(true)
}

// State returns a snapshot of the thread state as of the last completed
// node, or nil before the first run.
func (r *Runner) State() *core.WorkflowState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return nil
	}
	return r.state.Clone()
}

// History returns the most recent checkpoints for a thread, newest first.
func (r *Runner) History(ctx context.Context, threadID string, limit int) ([]*core.Checkpoint, error) {
	return r.repo.CheckpointHistory(ctx, threadID, limit)
}

// Run executes the graph from the entry node with the given initial state.
// It returns the final state, or the state as of the suspension together
// with ErrInterrupted or ErrPaused.
func (r *Runner) Run(ctx context.Context, initial *core.WorkflowState) (*core.WorkflowState, error) {
	if initial == nil {
		return nil, core.ErrState(core.CodeInvalidState, "run requires an initial state")
	}
	last, err := r.repo.LatestCheckpoint(ctx, initial.ThreadID)
	if err != nil && !core.IsCategory(err, core.ErrCatNotFound) {
		return nil, err
	}
	lastID := ""
	if last != nil {
		lastID = last.ID
	}

	r.mu.Lock()
	r.state = initial
	r.lastCheckpointID = lastID
	r.mu.Unlock()

	return r.loop(ctx, []string{r.entry})
}

// Resume continues a thread from its latest checkpoint. input is required
// when that checkpoint is an interrupt; it becomes the suspended node's
// completion value.
func (r *Runner) Resume(ctx context.Context, threadID string, input *core.HumanResponse) (*core.WorkflowState, error) {
	cp, err := r.repo.LatestCheckpoint(ctx, threadID)
	if err != nil {
		return nil, err
	}

	state := cp.State
	pending := cp.PendingNodes

	switch cp.Status {
	case core.CheckpointInterrupted:
		if input == nil {
			return nil, core.ErrState(core.CodeInvalidState, "interrupted workflow requires a human response to resume")
		}
		if err := input.Validate(); err != nil {
			return nil, err
		}
		state.HumanResponse = input
		// The suspended node completes with the human input; routing picks
		// up at its sink.
		pending, err = r.namesAfter(cp.State.PausedAtNode, state)
		if err != nil {
			return nil, err
		}
		state.PausedAtNode = ""
	case core.CheckpointPaused:
		state.PauseRequested = false
		state.PausedAtNode = ""
	}

	if len(pending) == 0 {
		// Nothing left to do; the thread already reached a terminal state.
		return state, nil
	}

	r.mu.Lock()
	r.state = state
	r.lastCheckpointID = cp.ID
	r.pause.Store(false)
	r.mu.Unlock()

	return r.loop(ctx, pending)
}

// loop drives node execution until the frontier empties, an interrupt or
// pause suspends the run, or the recursion limit trips.
func (r *Runner) loop(ctx context.Context, frontier []string) (*core.WorkflowState, error) {
	steps := 0
	for len(frontier) > 0 {
		if err := r.checkSuspend(ctx, frontier); err != nil {
			return r.State(), err
		}

		if err := r.countSteps(&steps, len(frontier)); err != nil {
			return r.State(), err
		}

		next, err := r.step(ctx, frontier, &steps)
		if err != nil {
			return r.State(), err
		}
		frontier = next
	}
	return r.State(), nil
}

// countSteps charges n node executions against the recursion limit. Every
// execution counts, including fan-out siblings a router spawns mid-step.
func (r *Runner) countSteps(steps *int, n int) error {
	*steps += n
	if *steps > r.recursionLimit {
		return &core.DomainError{
			Category: core.ErrCatState,
			Code:     core.CodeRecursionLimit,
			Message:  fmt.Sprintf("exceeded %d node executions in one invocation", r.recursionLimit),
		}
	}
	return nil
}

// step executes one frontier (a single node, or fan-out siblings), merges
// the outputs into the thread state, checkpoints, and returns the next
// frontier.
func (r *Runner) step(ctx context.Context, frontier []string, steps *int) ([]string, error) {
	state := r.State()

	var merged *core.PartialState
	var err error
	if len(frontier) == 1 {
		merged, err = r.runSingle(ctx, frontier[0], state)
	} else {
		dispatches := make([]Dispatch, len(frontier))
		for i, name := range frontier {
			dispatches[i] = Dispatch{Node: name}
		}
		merged, err = r.runFanOut(ctx, dispatches, state)
	}
	if err != nil {
		var intr *InterruptError
		if errors.As(err, &intr) {
			return nil, r.suspendInterrupt(ctx, intr)
		}
		if ctx.Err() != nil {
			return nil, r.suspendPause(ctx, frontier)
		}
		// Retries exhausted. Hand the failure to the router as an
		// escalation; nodes without a router make the failure fatal.
		name := frontier[0]
		if _, routed := r.routers[name]; routed {
			r.logger.Warn("node failed, escalating", "node", name, "error", err)
			r.applyFailure(name, err)
			return r.finishStep(ctx, name, steps)
		}
		return nil, err
	}

	r.applyPartial(merged)
	if len(frontier) == 1 {
		return r.finishStep(ctx, frontier[0], steps)
	}
	return r.finishFanOut(ctx, frontier)
}

// runSingle executes one node with its retry policy.
func (r *Runner) runSingle(ctx context.Context, name string, state *core.WorkflowState) (*core.PartialState, error) {
	n, ok := r.nodes[name]
	if !ok {
		return nil, core.ErrState(core.CodeInvalidState, fmt.Sprintf("dispatch to undefined node %q", name))
	}

	var lastErr error
	for attempt := 1; attempt <= n.retry.MaxAttempts; attempt++ {
		partial, err := n.fn(ctx, state)
		if err == nil {
			return partial, nil
		}
		var intr *InterruptError
		if errors.As(err, &intr) {
			if intr.Node == "" {
				intr.Node = name
			}
			return nil, err
		}
		lastErr = err
		if !core.IsRetryable(err) || attempt == n.retry.MaxAttempts || ctx.Err() != nil {
			break
		}
		delay := n.retry.Delay(attempt)
		r.logger.Warn("node attempt failed, retrying",
			"node", name, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("node %s: %w", name, lastErr)
}

// runFanOut executes sibling nodes concurrently on cloned states and
// reduces their outputs with the per-field merge policy.
func (r *Runner) runFanOut(ctx context.Context, dispatches []Dispatch, state *core.WorkflowState) (*core.PartialState, error) {
	partials := make([]*core.PartialState, len(dispatches))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range dispatches {
		input := d.State
		if input == nil {
			input = state
		}
		g.Go(func() error {
			partial, err := r.runSingle(gctx, d.Node, input.Clone())
			if err != nil {
				return err
			}
			partials[i] = partial
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return core.MergePartials(partials...), nil
}

// finishStep checkpoints after a single node and computes the next frontier.
func (r *Runner) finishStep(ctx context.Context, name string, steps *int) ([]string, error) {
	dispatches := r.dispatchesAfter(name, r.State())
	names := dispatchNames(dispatches)
	if err := r.checkpoint(ctx, core.CheckpointOK, names, nil); err != nil {
		return nil, err
	}
	if len(names) > 1 {
		// Router fanned out with per-destination states; run them now so
		// the custom states are not lost, then continue past the join.
		// The siblings execute inside this step and still count.
		if err := r.countSteps(steps, len(names)); err != nil {
			return nil, err
		}
		merged, err := r.runFanOut(ctx, dispatches, r.State())
		if err != nil {
			var intr *InterruptError
			if errors.As(err, &intr) {
				return nil, r.suspendInterrupt(ctx, intr)
			}
			return nil, err
		}
		r.applyPartial(merged)
		return r.finishFanOut(ctx, names)
	}
	return names, nil
}

// finishFanOut checkpoints after a fan-out reduction. The sibling nodes'
// successors are unioned into the next frontier.
func (r *Runner) finishFanOut(ctx context.Context, siblings []string) ([]string, error) {
	state := r.State()
	seen := make(map[string]bool)
	var next []string
	for _, name := range siblings {
		for _, d := range r.dispatchesAfter(name, state) {
			if d.Node == End || seen[d.Node] {
				continue
			}
			seen[d.Node] = true
			next = append(next, d.Node)
		}
	}
	if err := r.checkpoint(ctx, core.CheckpointOK, next, nil); err != nil {
		return nil, err
	}
	return next, nil
}

// dispatchesAfter resolves the outgoing edge of a node against the state.
func (r *Runner) dispatchesAfter(name string, state *core.WorkflowState) []Dispatch {
	if router, ok := r.routers[name]; ok {
		ds := router(state)
		out := ds[:0]
		for _, d := range ds {
			if d.Node != End {
				out = append(out, d)
			}
		}
		return out
	}
	if to, ok := r.edges[name]; ok && to != End {
		return []Dispatch{{Node: to}}
	}
	return nil
}

func (r *Runner) namesAfter(name string, state *core.WorkflowState) ([]string, error) {
	if name == "" {
		return nil, core.ErrState(core.CodeInvalidState, "interrupt checkpoint does not record its node")
	}
	if _, ok := r.nodes[name]; !ok {
		return nil, core.ErrState(core.CodeInvalidState, fmt.Sprintf("interrupted at undefined node %q", name))
	}
	return dispatchNames(r.dispatchesAfter(name, state)), nil
}

func dispatchNames(ds []Dispatch) []string {
	names := make([]string, 0, len(ds))
	for _, d := range ds {
		names = append(names, d.Node)
	}
	return names
}

// checkSuspend honors pause requests and context cancellation at node
// boundaries. A node can raise the request through the state, e.g. when
// the implementation loop stops at an iteration boundary.
func (r *Runner) checkSuspend(ctx context.Context, frontier []string) error {
	if ctx.Err() != nil || r.pause.Load() || r.statePaused() {
		return r.suspendPause(ctx, frontier)
	}
	return nil
}

func (r *Runner) statePaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != nil && r.state.PauseRequested
}

// suspendPause writes a paused checkpoint holding the unexecuted frontier.
func (r *Runner) suspendPause(ctx context.Context, frontier []string) error {
	cause := ErrPaused
	if err := ctx.Err(); err != nil {
		cause = err
	}

	r.mu.Lock()
	if r.state != nil {
		r.state.PauseRequested = true
		if len(frontier) > 0 {
			r.state.PausedAtNode = frontier[0]
		}
	}
	r.mu.Unlock()

	if err := r.checkpoint(ctx, core.CheckpointPaused, frontier, nil); err != nil {
		r.logger.Error("failed to write pause checkpoint", "error", err)
	}
	r.logger.Info("workflow paused", "pending_nodes", frontier)
	return cause
}

// suspendInterrupt applies the interrupt's partial, writes an interrupted
// checkpoint, and surfaces ErrInterrupted to the caller.
func (r *Runner) suspendInterrupt(ctx context.Context, intr *InterruptError) error {
	r.applyPartial(intr.Partial)

	r.mu.Lock()
	if r.state != nil {
		r.state.PausedAtNode = intr.Node
	}
	r.mu.Unlock()

	if err := r.checkpoint(ctx, core.CheckpointInterrupted, nil, intr.Payload); err != nil {
		return err
	}
	r.logger.Info("workflow interrupted", "node", intr.Node)
	return ErrInterrupted
}

func (r *Runner) applyPartial(p *core.PartialState) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Apply(p)
}

// applyFailure records an exhausted node failure and hints the router to
// escalate.
func (r *Runner) applyFailure(nodeName string, err error) {
	errType := core.ErrTypeNodeFailure
	var de *core.DomainError
	if errors.As(err, &de) {
		errType = de.Code
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.RecordError(errType, fmt.Sprintf("node %s: %v", nodeName, err), r.state.CurrentTaskID)
	r.state.NextDecision = core.DecisionEscalate
}

// checkpoint persists the current state with its pending frontier, chained
// to the previous checkpoint via the optimistic concurrency check.
func (r *Runner) checkpoint(ctx context.Context, status core.CheckpointStatus, pending []string, interrupt *core.InterruptPayload) error {
	if ctx.Err() != nil {
		// The run context is gone; the checkpoint still has to land.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	r.mu.Lock()
	cp := &core.Checkpoint{
		ThreadID:     r.state.ThreadID,
		PreviousID:   r.lastCheckpointID,
		Status:       status,
		State:        r.state.Clone(),
		PendingNodes: pending,
		Interrupt:    interrupt,
	}
	r.mu.Unlock()

	if err := r.repo.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}

	r.mu.Lock()
	r.lastCheckpointID = cp.ID
	r.mu.Unlock()
	return nil
}
