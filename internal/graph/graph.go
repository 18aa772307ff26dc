// Package graph implements the explicit state-machine interpreter over node
// functions described in the spec's design notes: rather than compose nodes
// through a third-party graph/workflow DSL, a Graph is a flat map of named
// node functions plus a routing function, and Interpreter walks it one node
// at a time, checkpointing after every node and detecting interrupt nodes
// via a sentinel field on NodeResult rather than an exception.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/agentflow/agentflow/internal/state"
)

// NodeName identifies one of the graph's compiled nodes.
type NodeName string

// End is the sentinel NodeName that terminates a run; it has no entry in a
// Graph's Nodes map.
const End NodeName = "end"

// Node is a single step in the graph: given the current state, it returns a
// partial update to merge, any events observed, and whether the runtime
// should checkpoint and pause here rather than continue to the next node.
type Node func(ctx context.Context, st *state.WorkflowState) (NodeResult, error)

// NodeResult is what a Node yields. If Interrupt is true, the Interpreter
// merges Update and appends Events as usual, persists a checkpoint, and
// returns to the caller without routing to a next node; a later Resume call
// supplies the client update and continues from this node's output edge.
type NodeResult struct {
	Update    *state.Update
	Events    []state.WorkflowEvent
	Interrupt bool
}

// Router computes the next node given the state produced by completedNode.
// It returns End to terminate the run.
type Router func(st *state.WorkflowState, completedNode NodeName) NodeName

// Graph is a compiled, static graph: a fixed node set plus one routing
// function. The orchestrator binds agents into Nodes at graph-compile time;
// there is no runtime agent discovery (spec §9).
type Graph struct {
	Nodes map[NodeName]Node
	Route Router
}

// Checkpoint is a durable snapshot of a halted or completed run, keyed by
// workflowId, used to resume after an interrupt or to audit a finished run.
type Checkpoint struct {
	WorkflowID string
	State      *state.WorkflowState
	Node       NodeName
	Interrupt  bool
}

// Checkpointer persists and loads Checkpoints. Implementations back it with
// the in-memory engine or a durable store (spec §4.C's checkpoint table).
type Checkpointer interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, workflowID string) (Checkpoint, bool, error)
}

// EventSink receives every event a node yields, in emission order, so the
// caller can assign a monotonic sequence and publish to the event bus in
// the same transaction as the state update (spec §4.G's stream emitter).
type EventSink interface {
	Append(ctx context.Context, workflowID string, events []state.WorkflowEvent) error
}

// Clock is injected so tests and replays can control Now().
type Clock func() time.Time

// Interpreter drives a Graph to completion or interruption, checkpointing
// after every node.
type Interpreter struct {
	Graph        Graph
	Checkpointer Checkpointer
	Sink         EventSink
	Clock        Clock
}

func (in *Interpreter) now() time.Time {
	if in.Clock != nil {
		return in.Clock()
	}
	return time.Now()
}

// Run executes the graph starting at startNode until it reaches End or an
// interrupt node. It returns the resulting state, the node it halted at
// (End on normal completion), and whether that halt was an interrupt.
func (in *Interpreter) Run(ctx context.Context, workflowID string, st *state.WorkflowState, startNode NodeName) (*state.WorkflowState, NodeName, bool, error) {
	current := startNode
	for {
		if current == End {
			if err := in.checkpoint(ctx, workflowID, st, End, false); err != nil {
				return st, End, false, err
			}
			return st, End, false, nil
		}

		node, ok := in.Graph.Nodes[current]
		if !ok {
			return st, current, false, fmt.Errorf("graph: no node registered for %q", current)
		}

		result, err := node(ctx, st)
		if err != nil {
			return st, current, false, fmt.Errorf("graph: node %q failed: %w", current, err)
		}

		st = st.With(result.Update, in.now())
		if len(result.Events) > 0 && in.Sink != nil {
			if err := in.Sink.Append(ctx, workflowID, result.Events); err != nil {
				return st, current, false, fmt.Errorf("graph: append events for %q: %w", current, err)
			}
		}

		if err := in.checkpoint(ctx, workflowID, st, current, result.Interrupt); err != nil {
			return st, current, result.Interrupt, err
		}
		if result.Interrupt {
			return st, current, true, nil
		}

		current = in.Graph.Route(st, current)
	}
}

// Resume merges updates into the checkpointed state for workflowID and
// continues the run from the interrupted node's output edge, per the
// checkpoint/interrupt protocol in spec §4.F.
func (in *Interpreter) Resume(ctx context.Context, workflowID string, updates *state.Update) (*state.WorkflowState, NodeName, bool, error) {
	cp, ok, err := in.Checkpointer.Load(ctx, workflowID)
	if err != nil {
		return nil, "", false, fmt.Errorf("graph: load checkpoint for %q: %w", workflowID, err)
	}
	if !ok {
		return nil, "", false, fmt.Errorf("graph: no checkpoint found for %q", workflowID)
	}
	if !cp.Interrupt {
		return nil, "", false, fmt.Errorf("graph: workflow %q is not paused at an interrupt", workflowID)
	}

	merged := cp.State.With(updates, in.now())
	next := in.Graph.Route(merged, cp.Node)
	return in.Run(ctx, workflowID, merged, next)
}

func (in *Interpreter) checkpoint(ctx context.Context, workflowID string, st *state.WorkflowState, node NodeName, interrupt bool) error {
	if in.Checkpointer == nil {
		return nil
	}
	return in.Checkpointer.Save(ctx, Checkpoint{WorkflowID: workflowID, State: st, Node: node, Interrupt: interrupt})
}
