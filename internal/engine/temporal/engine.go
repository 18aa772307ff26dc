// Package temporal adapts the internal/graph interpreter onto Temporal as a
// durable execution backend: every graph node runs as a Temporal activity
// (so driver calls, subprocess waits, and git I/O survive worker restarts),
// while the routing decision between nodes runs directly in workflow code
// since internal/engine's Router is a pure function of already-computed
// state. Interrupt nodes pause on a Temporal signal channel, whereas
// internal/engine/inmem pauses by returning from the interpreter run once
// the interrupt is checkpointed.
package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/agentflow/agentflow/internal/graph"
	"github.com/agentflow/agentflow/internal/state"
	"github.com/agentflow/agentflow/internal/telemetry"
)

// resumeSignal is the Temporal signal name a client sends to continue a
// workflow paused at an interrupt node.
const resumeSignal = "resume"

// StartInput is the Temporal workflow input for AgentflowWorkflowName.
type StartInput struct {
	WorkflowID string
	State      *state.WorkflowState
	StartNode  graph.NodeName
}

// Result is what the workflow function returns on completion.
type Result struct {
	State *state.WorkflowState
	Node  graph.NodeName
}

// Options configures the Temporal engine adapter.
type Options struct {
	// Client is a pre-configured Temporal client; required.
	Client client.Client
	// TaskQueue is the queue every node activity and the workflow itself run on.
	TaskQueue string
	// Graph is the compiled graph whose nodes are registered as activities.
	Graph graph.Graph
	// Sink receives node-yielded events; required to observe anything beyond
	// the final state.
	Sink graph.EventSink
	// ActivityTimeout bounds a single node activity's StartToClose duration.
	// Defaults to 10 minutes, generous enough for an agentic driver turn.
	ActivityTimeout time.Duration
	// Logger is used for worker-lifecycle diagnostics only; nil is a noop.
	Logger telemetry.Logger
}

// WorkflowName is the Temporal workflow type name every graph is registered
// under.
const WorkflowName = "AgentflowWorkflow"

// Engine owns a Temporal worker running the compiled graph as one workflow
// type plus one activity per node.
type Engine struct {
	client    client.Client
	taskQueue string
	worker    worker.Worker
	graph     graph.Graph
	sink      graph.EventSink
	timeout   time.Duration
	logger    telemetry.Logger

	startOnce sync.Once
}

// New builds an Engine and registers the graph's nodes as activities plus
// the agentflow workflow function. Call Start to begin polling.
func New(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("temporal engine: client is required")
	}
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: task queue is required")
	}
	timeout := opts.ActivityTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	e := &Engine{
		client:    opts.Client,
		taskQueue: opts.TaskQueue,
		graph:     opts.Graph,
		sink:      opts.Sink,
		timeout:   timeout,
		logger:    logger,
		worker:    worker.New(opts.Client, opts.TaskQueue, worker.Options{}),
	}

	e.worker.RegisterWorkflowWithOptions(e.workflowFunc(), workflow.RegisterOptions{Name: WorkflowName})
	for name, node := range opts.Graph.Nodes {
		e.worker.RegisterActivityWithOptions(nodeActivity(node), activity.RegisterOptions{Name: string(name)})
	}
	e.worker.RegisterActivityWithOptions(e.appendEventsActivity(), activity.RegisterOptions{Name: "appendEvents"})

	return e, nil
}

// Start begins polling the task queue. Call Stop (or cancel the worker's
// interrupt channel) during shutdown.
func (e *Engine) Start() error {
	var startErr error
	e.startOnce.Do(func() {
		startErr = e.worker.Start()
	})
	return startErr
}

// Stop gracefully drains and stops the worker.
func (e *Engine) Stop() {
	e.worker.Stop()
}

// StartWorkflow launches a new agentflow run on Temporal, returning
// immediately with a handle the orchestrator can Wait or Signal.
func (e *Engine) StartWorkflow(ctx context.Context, in StartInput) (client.WorkflowRun, error) {
	opts := client.StartWorkflowOptions{ID: in.WorkflowID, TaskQueue: e.taskQueue}
	return e.client.ExecuteWorkflow(ctx, opts, WorkflowName, in)
}

// Resume signals a paused workflow with the client-supplied update, mirroring
// spec's resume(workflowId, updates).
func (e *Engine) Resume(ctx context.Context, workflowID string, updates *state.Update) error {
	return e.client.SignalWorkflow(ctx, workflowID, "", resumeSignal, updates)
}

// workflowFunc closes over e.graph so every run of AgentflowWorkflow drives
// the same compiled graph; routing runs inline (pure, deterministic), while
// each node's actual work is delegated to an activity.
func (e *Engine) workflowFunc() func(workflow.Context, StartInput) (*Result, error) {
	return func(wCtx workflow.Context, in StartInput) (*Result, error) {
		ao := workflow.ActivityOptions{StartToCloseTimeout: e.timeout}
		actCtx := workflow.WithActivityOptions(wCtx, ao)

		st := in.State
		current := in.StartNode
		for current != graph.End {
			var result graph.NodeResult
			if err := workflow.ExecuteActivity(actCtx, string(current), st).Get(wCtx, &result); err != nil {
				return nil, fmt.Errorf("temporal workflow: node %q failed: %w", current, err)
			}

			st = st.With(result.Update, workflow.Now(wCtx))
			if len(result.Events) > 0 {
				eventsIn := appendEventsInput{WorkflowID: in.WorkflowID, Events: result.Events}
				if err := workflow.ExecuteActivity(actCtx, "appendEvents", eventsIn).Get(wCtx, nil); err != nil {
					return nil, fmt.Errorf("temporal workflow: append events: %w", err)
				}
			}

			if result.Interrupt {
				var upd state.Update
				sel := workflow.NewSelector(wCtx)
				sel.AddReceive(workflow.GetSignalChannel(wCtx, resumeSignal), func(c workflow.ReceiveChannel, _ bool) {
					c.Receive(wCtx, &upd)
				})
				sel.Select(wCtx)
				st = st.With(&upd, workflow.Now(wCtx))
			}

			current = e.graph.Route(st, current)
		}
		return &Result{State: st, Node: current}, nil
	}
}

// nodeActivity adapts a graph.Node (context.Context-based) into a plain
// Temporal activity function.
func nodeActivity(node graph.Node) func(context.Context, *state.WorkflowState) (graph.NodeResult, error) {
	return func(ctx context.Context, st *state.WorkflowState) (graph.NodeResult, error) {
		return node(ctx, st)
	}
}

type appendEventsInput struct {
	WorkflowID string
	Events     []state.WorkflowEvent
}

func (e *Engine) appendEventsActivity() func(context.Context, appendEventsInput) error {
	return func(ctx context.Context, in appendEventsInput) error {
		if e.sink == nil {
			return nil
		}
		return e.sink.Append(ctx, in.WorkflowID, in.Events)
	}
}
