// Package inmem provides an in-memory graph.Checkpointer, graph.EventSink,
// and per-workflow goroutine runner suitable for local development, tests,
// and single-process deployments. It is not durable across process restarts;
// internal/engine/temporal is the durable counterpart.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentflow/agentflow/internal/eventbus"
	"github.com/agentflow/agentflow/internal/graph"
	"github.com/agentflow/agentflow/internal/state"
)

// Store is an in-memory graph.Checkpointer keyed by workflowId, guarded by a
// single mutex since checkpoint writes happen at most once per node
// completion and contention is never a bottleneck at this scale.
type Store struct {
	mu          sync.RWMutex
	checkpoints map[string]graph.Checkpoint
}

// NewStore returns an empty checkpoint store.
func NewStore() *Store {
	return &Store{checkpoints: make(map[string]graph.Checkpoint)}
}

func (s *Store) Save(_ context.Context, cp graph.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.WorkflowID] = cp
	return nil
}

func (s *Store) Load(_ context.Context, workflowID string) (graph.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[workflowID]
	return cp, ok, nil
}

// BusSink adapts an eventbus.Bus into a graph.EventSink, assigning each
// event a monotonic per-workflow sequence before publishing (spec §4.G's
// stream emitter).
type BusSink struct {
	Bus eventbus.Bus

	mu  sync.Mutex
	seq map[string]int64
}

// NewBusSink wraps bus as a graph.EventSink.
func NewBusSink(bus eventbus.Bus) *BusSink {
	return &BusSink{Bus: bus, seq: make(map[string]int64)}
}

func (b *BusSink) Append(_ context.Context, workflowID string, events []state.WorkflowEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		b.seq[workflowID]++
		ev.WorkflowID = workflowID
		ev.Sequence = b.seq[workflowID]
		b.Bus.Publish(ev)
	}
	return nil
}

// Engine runs graph.Interpreters as background goroutines, one per
// workflowId, and lets the orchestrator await or resume them.
type Engine struct {
	Interpreter *graph.Interpreter

	mu   sync.Mutex
	runs map[string]*run
}

// New returns an Engine driving interp. interp's Checkpointer and Sink are
// typically a *Store and *BusSink from this package.
func New(interp *graph.Interpreter) *Engine {
	return &Engine{Interpreter: interp, runs: make(map[string]*run)}
}

type run struct {
	done  chan struct{}
	state *state.WorkflowState
	node  graph.NodeName
	err   error
}

// ErrAlreadyRunning is returned by Start when workflowID already has a run
// in flight.
var ErrAlreadyRunning = errors.New("inmem: workflow already running")

// Start launches a new graph run for workflowID at startNode in a background
// goroutine. It returns immediately; callers observe completion via Wait.
func (e *Engine) Start(ctx context.Context, workflowID string, st *state.WorkflowState, startNode graph.NodeName) error {
	e.mu.Lock()
	if existing, ok := e.runs[workflowID]; ok && !isDone(existing) {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	r := &run{done: make(chan struct{})}
	e.runs[workflowID] = r
	e.mu.Unlock()

	go e.drive(ctx, workflowID, r, func() (*state.WorkflowState, graph.NodeName, bool, error) {
		return e.Interpreter.Run(ctx, workflowID, st, startNode)
	})
	return nil
}

// Resume continues a paused run after an interrupt node, merging updates
// into the checkpointed state (spec's resume(workflowId, updates)).
func (e *Engine) Resume(ctx context.Context, workflowID string, updates *state.Update) error {
	e.mu.Lock()
	if existing, ok := e.runs[workflowID]; ok && !isDone(existing) {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	r := &run{done: make(chan struct{})}
	e.runs[workflowID] = r
	e.mu.Unlock()

	go e.drive(ctx, workflowID, r, func() (*state.WorkflowState, graph.NodeName, bool, error) {
		return e.Interpreter.Resume(ctx, workflowID, updates)
	})
	return nil
}

func (e *Engine) drive(_ context.Context, _ string, r *run, fn func() (*state.WorkflowState, graph.NodeName, bool, error)) {
	defer close(r.done)
	st, node, interrupted, err := fn()
	r.state, r.node, r.err = st, node, err
	_ = interrupted
}

// Wait blocks until workflowID's current run halts (completion, interrupt,
// or error), then reports the resulting state and the node it halted at.
func (e *Engine) Wait(ctx context.Context, workflowID string) (*state.WorkflowState, graph.NodeName, error) {
	e.mu.Lock()
	r, ok := e.runs[workflowID]
	e.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("inmem: no run found for %q", workflowID)
	}
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-r.done:
		return r.state, r.node, r.err
	}
}

func isDone(r *run) bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
