package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/state"
)

type memCheckpointer struct {
	saved map[string]Checkpoint
}

func newMemCheckpointer() *memCheckpointer {
	return &memCheckpointer{saved: map[string]Checkpoint{}}
}

func (m *memCheckpointer) Save(_ context.Context, cp Checkpoint) error {
	m.saved[cp.WorkflowID] = cp
	return nil
}

func (m *memCheckpointer) Load(_ context.Context, workflowID string) (Checkpoint, bool, error) {
	cp, ok := m.saved[workflowID]
	return cp, ok, nil
}

type memSink struct {
	events []state.WorkflowEvent
}

func (m *memSink) Append(_ context.Context, _ string, events []state.WorkflowEvent) error {
	m.events = append(m.events, events...)
	return nil
}

func TestRunWalksNodesToEnd(t *testing.T) {
	a := NodeName("a")
	b := NodeName("b")
	g := Graph{
		Nodes: map[NodeName]Node{
			a: func(_ context.Context, st *state.WorkflowState) (NodeResult, error) {
				goal := "from-a"
				return NodeResult{Update: &state.Update{Goal: &goal}}, nil
			},
			b: func(_ context.Context, st *state.WorkflowState) (NodeResult, error) {
				goal := st.Goal + "+b"
				return NodeResult{Update: &state.Update{Goal: &goal}}, nil
			},
		},
		Route: func(_ *state.WorkflowState, completed NodeName) NodeName {
			if completed == a {
				return b
			}
			return End
		},
	}

	interp := &Interpreter{Graph: g, Checkpointer: newMemCheckpointer(), Sink: &memSink{}}
	st := state.New("wf1", "ISSUE-1", "default", time.Now())

	final, node, interrupted, err := interp.Run(context.Background(), "wf1", st, a)
	require.NoError(t, err)
	require.Equal(t, End, node)
	require.False(t, interrupted)
	require.Equal(t, "from-a+b", final.Goal)
}

func TestRunHaltsAtInterruptAndResumeContinues(t *testing.T) {
	pause := NodeName("pause")
	after := NodeName("after")
	g := Graph{
		Nodes: map[NodeName]Node{
			pause: func(_ context.Context, _ *state.WorkflowState) (NodeResult, error) {
				return NodeResult{Interrupt: true}, nil
			},
			after: func(_ context.Context, st *state.WorkflowState) (NodeResult, error) {
				return NodeResult{}, nil
			},
		},
		Route: func(st *state.WorkflowState, completed NodeName) NodeName {
			if completed == pause {
				if st.HumanApproved == state.ApprovalYes {
					return after
				}
				return End
			}
			return End
		},
	}

	cp := newMemCheckpointer()
	interp := &Interpreter{Graph: g, Checkpointer: cp, Sink: &memSink{}}
	st := state.New("wf1", "ISSUE-1", "default", time.Now())

	_, node, interrupted, err := interp.Run(context.Background(), "wf1", st, pause)
	require.NoError(t, err)
	require.True(t, interrupted)
	require.Equal(t, pause, node)
	require.True(t, cp.saved["wf1"].Interrupt)

	approved := state.ApprovalYes
	final, node, interrupted, err := interp.Resume(context.Background(), "wf1", &state.Update{HumanApproved: &approved})
	require.NoError(t, err)
	require.False(t, interrupted)
	require.Equal(t, End, node)
	require.Equal(t, state.ApprovalYes, final.HumanApproved)
}

func TestResumeRejectsNonInterruptedCheckpoint(t *testing.T) {
	cp := newMemCheckpointer()
	cp.saved["wf1"] = Checkpoint{WorkflowID: "wf1", State: state.New("wf1", "i", "p", time.Now()), Node: End, Interrupt: false}
	interp := &Interpreter{Graph: Graph{Nodes: map[NodeName]Node{}, Route: func(*state.WorkflowState, NodeName) NodeName { return End }}, Checkpointer: cp}

	_, _, _, err := interp.Resume(context.Background(), "wf1", &state.Update{})
	require.Error(t, err)
}
