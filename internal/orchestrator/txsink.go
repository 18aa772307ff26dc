package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentflow/agentflow/internal/eventbus"
	"github.com/agentflow/agentflow/internal/graph"
	"github.com/agentflow/agentflow/internal/state"
	"github.com/agentflow/agentflow/internal/store"
)

// txSink is both a graph.Checkpointer and a graph.EventSink. It assigns each
// node's events a monotonic sequence on Append, then commits the
// checkpointed state together with those buffered events (and any usage
// recorded meanwhile) in one store.CommitTransition call on Save, and only
// then publishes to the bus — the durable write and the live update happen
// from the same place, so a crash between them is impossible (spec §4.G).
type txSink struct {
	store store.Store
	bus   eventbus.Bus
	usage *usageLedger

	mu      sync.Mutex
	nextSeq map[string]int64
	pending map[string][]state.WorkflowEvent
}

func newTxSink(st store.Store, bus eventbus.Bus, usage *usageLedger) *txSink {
	return &txSink{
		store:   st,
		bus:     bus,
		usage:   usage,
		nextSeq: make(map[string]int64),
		pending: make(map[string][]state.WorkflowEvent),
	}
}

func (s *txSink) Append(ctx context.Context, workflowID string, events []state.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.seqLocked(ctx, workflowID)
	if err != nil {
		return err
	}
	out := make([]state.WorkflowEvent, len(events))
	for i, ev := range events {
		seq++
		ev.WorkflowID = workflowID
		ev.Sequence = seq
		out[i] = ev
	}
	s.nextSeq[workflowID] = seq
	s.pending[workflowID] = append(s.pending[workflowID], out...)
	return nil
}

func (s *txSink) seqLocked(ctx context.Context, workflowID string) (int64, error) {
	if seq, ok := s.nextSeq[workflowID]; ok {
		return seq, nil
	}
	seq, err := s.store.LatestSequence(ctx, workflowID)
	if err != nil {
		return 0, fmt.Errorf("txsink: load latest sequence for %q: %w", workflowID, err)
	}
	s.nextSeq[workflowID] = seq
	return seq, nil
}

func (s *txSink) Save(ctx context.Context, cp graph.Checkpoint) error {
	s.mu.Lock()
	events := s.pending[cp.WorkflowID]
	delete(s.pending, cp.WorkflowID)
	s.mu.Unlock()

	tx := store.Transaction{
		WorkflowID: cp.WorkflowID,
		State:      cp.State,
		Events:     events,
		Usage:      s.usage.drain(cp.WorkflowID),
	}
	if err := s.store.CommitTransition(ctx, tx); err != nil {
		return fmt.Errorf("txsink: commit transition for %q: %w", cp.WorkflowID, err)
	}
	if err := s.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("txsink: save checkpoint for %q: %w", cp.WorkflowID, err)
	}
	for _, ev := range events {
		s.bus.Publish(ev)
	}
	return nil
}

func (s *txSink) Load(ctx context.Context, workflowID string) (graph.Checkpoint, bool, error) {
	return s.store.Load(ctx, workflowID)
}
