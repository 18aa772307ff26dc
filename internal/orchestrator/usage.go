package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/agentflow/agentflow/internal/driver"
	"github.com/agentflow/agentflow/internal/state"
)

// usageLedger buffers TokenUsage rows recorded by usageDriver between one
// node's agent calls and the next checkpoint, keyed by workflowId, so
// txSink.Save can hand them to store.CommitTransition alongside that node's
// events and state (spec §4.C: token_usage rows committed with the
// transition that produced them).
type usageLedger struct {
	mu      sync.Mutex
	pending map[string][]state.TokenUsage
}

func newUsageLedger() *usageLedger {
	return &usageLedger{pending: make(map[string][]state.TokenUsage)}
}

func (l *usageLedger) record(workflowID string, u state.TokenUsage) {
	u.WorkflowID = workflowID
	l.mu.Lock()
	l.pending[workflowID] = append(l.pending[workflowID], u)
	l.mu.Unlock()
}

func (l *usageLedger) drain(workflowID string) []state.TokenUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending[workflowID]
	delete(l.pending, workflowID)
	return out
}

// usageDriver wraps a driver.Driver so every completed Generate or
// ExecuteAgentic call records the transport's accumulated usage into the
// ledger under (workflowID, agent) — agents themselves never touch
// TokenUsage, matching spec §4.D's "driver exposes GetUsage, callers are
// responsible for persisting it".
type usageDriver struct {
	driver.Driver
	workflowID string
	agent      string
	ledger     *usageLedger
}

func wrapDriver(d driver.Driver, workflowID, agent string, ledger *usageLedger) driver.Driver {
	return &usageDriver{Driver: d, workflowID: workflowID, agent: agent, ledger: ledger}
}

func (d *usageDriver) Generate(ctx context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
	res, err := d.Driver.Generate(ctx, req)
	d.capture()
	return res, err
}

func (d *usageDriver) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	ch, err := d.Driver.ExecuteAgentic(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan driver.AgenticMessage)
	go func() {
		defer close(out)
		for msg := range ch {
			out <- msg
		}
		d.capture()
	}()
	return out, nil
}

func (d *usageDriver) capture() {
	u := d.Driver.GetUsage()
	if u == nil {
		return
	}
	d.ledger.record(d.workflowID, state.TokenUsage{
		Agent:             d.agent,
		Model:             u.Model,
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		CacheReadTokens:   u.CacheReadTokens,
		CacheCreateTokens: u.CacheCreateTokens,
		CostUSD:           u.CostUSD,
		DurationMs:        u.DurationMs,
		NumTurns:          u.NumTurns,
		Timestamp:         time.Now(),
	})
}
