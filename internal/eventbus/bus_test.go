package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/state"
)

func TestPublishFiltersByWorkflowID(t *testing.T) {
	bus := New(nil)
	chA, subA := bus.Subscribe("wf-a")
	defer subA.Close()
	chB, subB := bus.Subscribe("wf-b")
	defer subB.Close()

	bus.Publish(state.WorkflowEvent{WorkflowID: "wf-a", EventType: state.EventAgentStarted})

	select {
	case evt := <-chA:
		require.Equal(t, "wf-a", evt.WorkflowID)
	case <-time.After(time.Second):
		t.Fatal("expected event on wf-a subscriber")
	}

	select {
	case <-chB:
		t.Fatal("wf-b subscriber should not receive wf-a events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryWorkflow(t *testing.T) {
	bus := New(nil)
	ch, sub := bus.Subscribe(AllWorkflows)
	defer sub.Close()

	bus.Publish(state.WorkflowEvent{WorkflowID: "wf-1"})
	bus.Publish(state.WorkflowEvent{WorkflowID: "wf-2"})

	first := <-ch
	second := <-ch
	require.Equal(t, "wf-1", first.WorkflowID)
	require.Equal(t, "wf-2", second.WorkflowID)
}

func TestPublishDropsOldestOnFullBacklog(t *testing.T) {
	bus := New(nil)
	ch, sub := bus.Subscribe("wf-1")
	defer sub.Close()

	for i := 0; i < backlogSize+10; i++ {
		bus.Publish(state.WorkflowEvent{WorkflowID: "wf-1", Sequence: int64(i)})
	}

	require.Len(t, ch, backlogSize)
	first := <-ch
	require.Greater(t, first.Sequence, int64(0), "oldest entries should have been dropped to make room")
}

func TestCloseStopsDeliveryAndClosesChannel(t *testing.T) {
	bus := New(nil)
	ch, sub := bus.Subscribe("wf-1")
	sub.Close()

	bus.Publish(state.WorkflowEvent{WorkflowID: "wf-1"})

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after Close")
}
