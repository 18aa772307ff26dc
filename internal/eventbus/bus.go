// Package eventbus is the process-wide, in-memory publisher of typed
// WorkflowEvents. It fans events out to subscribers filtered by workflowId
// (or the wildcard "all" subscription used by dashboards and the WS
// gateway). Delivery is non-blocking to the publisher: a subscriber with a
// full backlog has its oldest-pending delivery dropped rather than stalling
// the emitter that owns the database transaction.
//
// Durability is not this package's job: the orchestrator's stream emitter
// writes each event to the store in the same transaction it publishes here,
// so a dropped delivery never means a lost event, only a lost live update.
package eventbus

import (
	"context"
	"sync"

	"github.com/agentflow/agentflow/internal/state"
	"github.com/agentflow/agentflow/internal/telemetry"
)

// AllWorkflows is the filter value that subscribes to every workflow's events.
const AllWorkflows = "all"

// backlogSize bounds how many undelivered events queue per subscriber before
// the bus starts dropping the oldest pending one.
const backlogSize = 256

type (
	// Bus publishes WorkflowEvents to subscribers registered for a specific
	// workflowId or for AllWorkflows.
	Bus interface {
		// Publish fans event out to every subscriber whose filter matches
		// event.WorkflowID or AllWorkflows. Never blocks on a slow subscriber.
		Publish(event state.WorkflowEvent)
		// Subscribe registers a new subscriber for workflowID (or
		// AllWorkflows) and returns a receive channel plus a Subscription
		// handle. Closing the Subscription stops delivery and closes the
		// channel; callers must keep draining it until then to avoid goroutine
		// leaks from the delivery-side select never completing — delivery is
		// non-blocking so this is purely for clean shutdown, not correctness.
		Subscribe(workflowID string) (<-chan state.WorkflowEvent, Subscription)
	}

	// Subscription is a cancellable handle returned by Subscribe. Close is
	// idempotent.
	Subscription interface {
		Close()
	}

	bus struct {
		log telemetry.Logger

		mu   sync.RWMutex
		subs map[*subscription]struct{}
	}

	subscription struct {
		bus        *bus
		workflowID string
		ch         chan state.WorkflowEvent
		once       sync.Once
	}
)

// New constructs a ready-to-use in-memory event bus. log may be nil, in
// which case drop warnings are discarded.
func New(log telemetry.Logger) Bus {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &bus{log: log, subs: make(map[*subscription]struct{})}
}

func (b *bus) Subscribe(workflowID string) (<-chan state.WorkflowEvent, Subscription) {
	s := &subscription{
		bus:        b,
		workflowID: workflowID,
		ch:         make(chan state.WorkflowEvent, backlogSize),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s.ch, s
}

func (b *bus) Publish(event state.WorkflowEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.workflowID != AllWorkflows && s.workflowID != event.WorkflowID {
			continue
		}
		select {
		case s.ch <- event:
		default:
			// Backlog full: drop the oldest queued event to make room rather
			// than block the publisher, then retry once.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- event:
			default:
			}
			b.log.Warn(context.Background(), "eventbus: subscriber backlog full, dropped event",
				"workflowId", event.WorkflowID, "eventType", string(event.EventType))
		}
	}
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
