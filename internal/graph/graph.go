// Package graph compiles node-and-edge workflow definitions into runnable
// state machines with checkpointing, retries, fan-out, and interrupts.
package graph

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/logging"
)

// End is the terminal pseudo-node. Routing to it finishes the run.
const End = "__end__"

// DefaultRecursionLimit bounds node executions per run/resume invocation.
const DefaultRecursionLimit = 100

// NodeFunc is a node body: it reads the state and returns the subset of
// fields it wants changed. It must not mutate the input state.
type NodeFunc func(ctx context.Context, state *core.WorkflowState) (*core.PartialState, error)

// Dispatch names a destination node and, optionally, the state to pass it.
// A nil State means the current thread state.
type Dispatch struct {
	Node  string
	State *core.WorkflowState
}

// Router picks the next node(s) after a conditional edge. Returning more
// than one dispatch fans out; returning none ends the run.
type Router func(state *core.WorkflowState) []Dispatch

// Goto is a convenience for routers dispatching to a single node.
func Goto(name string) []Dispatch {
	return []Dispatch{{Node: name}}
}

// RetryPolicy controls node-level retries with exponential backoff.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0 to 1.0
}

// DefaultRetryPolicy retries transient failures three times, starting at
// one second and doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// NoRetry runs the node exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Delay computes the backoff before re-running after the given attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.JitterFactor > 0 {
		jitter := delay * p.JitterFactor
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

type node struct {
	name  string
	fn    NodeFunc
	retry RetryPolicy
}

// Builder accumulates a graph definition. Compile validates it and
// produces a Runner.
type Builder struct {
	nodes          map[string]*node
	edges          map[string]string
	routers        map[string]Router
	entry          string
	recursionLimit int
}

// NewBuilder creates an empty graph definition.
func NewBuilder() *Builder {
	return &Builder{
		nodes:          make(map[string]*node),
		edges:          make(map[string]string),
		routers:        make(map[string]Router),
		recursionLimit: DefaultRecursionLimit,
	}
}

// AddNode registers a node with the default retry policy.
func (b *Builder) AddNode(name string, fn NodeFunc) *Builder {
	return b.AddNodeWithRetry(name, fn, NoRetry())
}

// AddNodeWithRetry registers a node with an explicit retry policy.
func (b *Builder) AddNodeWithRetry(name string, fn NodeFunc, retry RetryPolicy) *Builder {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	b.nodes[name] = &node{name: name, fn: fn, retry: retry}
	return b
}

// AddEdge adds an unconditional edge. to may be End.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges[from] = to
	return b
}

// AddRouter attaches a conditional edge to a node.
func (b *Builder) AddRouter(from string, r Router) *Builder {
	b.routers[from] = r
	return b
}

// SetEntry names the node a fresh run starts at.
func (b *Builder) SetEntry(name string) *Builder {
	b.entry = name
	return b
}

// SetRecursionLimit overrides the per-invocation node execution cap.
func (b *Builder) SetRecursionLimit(n int) *Builder {
	if n > 0 {
		b.recursionLimit = n
	}
	return b
}

// Compile validates the definition and binds it to a repository.
func (b *Builder) Compile(repo core.Repository, logger *logging.Logger) (*Runner, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if b.entry == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "graph has no entry node")
	}
	if _, ok := b.nodes[b.entry]; !ok {
		return nil, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("entry node %q is not defined", b.entry))
	}
	for from, to := range b.edges {
		if _, ok := b.nodes[from]; !ok {
			return nil, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("edge from undefined node %q", from))
		}
		if to != End {
			if _, ok := b.nodes[to]; !ok {
				return nil, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("edge %q -> undefined node %q", from, to))
			}
		}
		if _, dup := b.routers[from]; dup {
			return nil, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("node %q has both an edge and a router", from))
		}
	}
	for from := range b.routers {
		if _, ok := b.nodes[from]; !ok {
			return nil, core.ErrValidation(core.CodeInvalidConfig, fmt.Sprintf("router on undefined node %q", from))
		}
	}
	return &Runner{
		nodes:          b.nodes,
		edges:          b.edges,
		routers:        b.routers,
		entry:          b.entry,
		recursionLimit: b.recursionLimit,
		repo:           repo,
		logger:         logger,
	}, nil
}
