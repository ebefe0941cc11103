// Package emitter batches observability events and writes them to the
// store without ever blocking or failing the workflow.
package emitter

import (
	"context"
	"sync"
	"time"

	"github.com/maestro-ai/maestro/internal/core"
	"github.com/maestro-ai/maestro/internal/logging"
)

// Appender is the slice of the repository the emitter needs.
type Appender interface {
	AppendEvents(ctx context.Context, events []core.Event) error
}

// Callback receives every accepted event synchronously at emit time.
type Callback func(core.Event)

// Emitter batches events up to a size or age threshold. Writes that fail
// are logged and dropped; events are advisory, never load-bearing.
type Emitter struct {
	store         Appender
	batchSize     int
	flushInterval time.Duration
	minPriority   core.EventPriority
	logger        *logging.Logger

	mu        sync.Mutex
	batch     []core.Event
	timer     *time.Timer
	callbacks map[int]Callback
	nextCB    int
	closed    bool
}

// New creates an emitter. batchSize and flushInterval fall back to the
// defaults (10 events, 1 s) when unset.
func New(store Appender, batchSize int, flushInterval time.Duration, minPriority core.EventPriority, logger *logging.Logger) *Emitter {
	if batchSize <= 0 {
		batchSize = 10
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	if minPriority == "" {
		minPriority = core.PriorityLow
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Emitter{
		store:         store,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		minPriority:   minPriority,
		logger:        logger,
		callbacks:     make(map[int]Callback),
	}
}

// AddCallback registers a synchronous observer and returns a handle for
// RemoveCallback. Panics inside callbacks are caught and logged.
func (e *Emitter) AddCallback(cb Callback) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextCB
	e.nextCB++
	e.callbacks[id] = cb
	return id
}

// RemoveCallback unregisters a callback.
func (e *Emitter) RemoveCallback(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.callbacks, id)
}

// Emit queues an event for batched persistence. Events below the minimum
// priority are dropped at the door.
func (e *Emitter) Emit(event core.Event) {
	if !event.Priority.AtLeast(e.minPriority) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	cbs := e.snapshotCallbacks()
	e.batch = append(e.batch, event)
	var toWrite []core.Event
	if len(e.batch) >= e.batchSize {
		toWrite = e.takeBatchLocked()
	} else if e.timer == nil {
		// Lazy timer, armed by the first queued event.
		e.timer = time.AfterFunc(e.flushInterval, e.flushOnTimer)
	}
	e.mu.Unlock()

	e.invoke(cbs, event)
	if toWrite != nil {
		e.write(toWrite)
	}
}

// EmitNow persists an event immediately, ahead of a step that may not
// return. Pending batched events are written first to keep store order.
func (e *Emitter) EmitNow(event core.Event) {
	if !event.Priority.AtLeast(e.minPriority) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	cbs := e.snapshotCallbacks()
	toWrite := append(e.takeBatchLocked(), event)
	e.mu.Unlock()

	e.invoke(cbs, event)
	e.write(toWrite)
}

// Flush writes any queued events.
func (e *Emitter) Flush() {
	e.mu.Lock()
	toWrite := e.takeBatchLocked()
	e.mu.Unlock()
	e.write(toWrite)
}

// Close flushes and stops the emitter. Further emits are dropped.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	toWrite := e.takeBatchLocked()
	e.mu.Unlock()
	e.write(toWrite)
}

func (e *Emitter) flushOnTimer() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	toWrite := e.takeBatchLocked()
	e.mu.Unlock()
	e.write(toWrite)
}

// takeBatchLocked detaches the current batch and disarms the timer.
// Callers hold e.mu.
func (e *Emitter) takeBatchLocked() []core.Event {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	batch := e.batch
	e.batch = nil
	return batch
}

func (e *Emitter) snapshotCallbacks() []Callback {
	cbs := make([]Callback, 0, len(e.callbacks))
	for _, cb := range e.callbacks {
		cbs = append(cbs, cb)
	}
	return cbs
}

func (e *Emitter) invoke(cbs []Callback, event core.Event) {
	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("event callback panicked", "event_type", event.EventType, "panic", r)
				}
			}()
			cb(event)
		}()
	}
}

func (e *Emitter) write(events []core.Event) {
	if len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.AppendEvents(ctx, events); err != nil {
		e.logger.Warn("event write failed, dropping batch", "count", len(events), "error", err)
	}
}
