package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/eventbus"
	"github.com/agentflow/agentflow/internal/graph"
	"github.com/agentflow/agentflow/internal/state"
)

func twoNodeGraph() graph.Graph {
	start := graph.NodeName("start")
	pause := graph.NodeName("pause")
	return graph.Graph{
		Nodes: map[graph.NodeName]graph.Node{
			start: func(_ context.Context, _ *state.WorkflowState) (graph.NodeResult, error) {
				goal := "started"
				return graph.NodeResult{
					Update: &state.Update{Goal: &goal},
					Events: []state.WorkflowEvent{{EventType: state.EventAgentStarted, Agent: "architect"}},
				}, nil
			},
			pause: func(_ context.Context, _ *state.WorkflowState) (graph.NodeResult, error) {
				return graph.NodeResult{Interrupt: true}, nil
			},
		},
		Route: func(_ *state.WorkflowState, completed graph.NodeName) graph.NodeName {
			if completed == start {
				return pause
			}
			return graph.End
		},
	}
}

func TestEngineRunsToInterruptThenResumesToEnd(t *testing.T) {
	bus := eventbus.New(nil)
	ch, sub := bus.Subscribe("wf1")
	defer sub.Close()

	store := NewStore()
	sink := NewBusSink(bus)
	interp := &graph.Interpreter{Graph: twoNodeGraph(), Checkpointer: store, Sink: sink}
	eng := New(interp)

	st := state.New("wf1", "ISSUE-1", "default", time.Now())
	require.NoError(t, eng.Start(context.Background(), "wf1", st, graph.NodeName("start")))

	resultState, node, err := eng.Wait(context.Background(), "wf1")
	require.NoError(t, err)
	require.Equal(t, graph.NodeName("pause"), node)
	require.Equal(t, "started", resultState.Goal)

	select {
	case ev := <-ch:
		require.Equal(t, state.EventAgentStarted, ev.EventType)
		require.Equal(t, int64(1), ev.Sequence)
	case <-time.After(time.Second):
		t.Fatal("expected an event from the start node")
	}

	cp, ok, err := store.Load(context.Background(), "wf1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, cp.Interrupt)

	require.NoError(t, eng.Resume(context.Background(), "wf1", &state.Update{}))
	_, node, err = eng.Wait(context.Background(), "wf1")
	require.NoError(t, err)
	require.Equal(t, graph.End, node)
}

func TestStartRejectsConcurrentRunForSameWorkflow(t *testing.T) {
	store := NewStore()
	interp := &graph.Interpreter{Graph: twoNodeGraph(), Checkpointer: store}
	eng := New(interp)

	st := state.New("wf1", "ISSUE-1", "default", time.Now())
	require.NoError(t, eng.Start(context.Background(), "wf1", st, graph.NodeName("start")))
	err := eng.Start(context.Background(), "wf1", st, graph.NodeName("start"))
	require.ErrorIs(t, err, ErrAlreadyRunning)
}
