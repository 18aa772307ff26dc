// Package orchestrator implements the workflow lifecycle service from spec
// §4.G: starting a workflow spins up its worktree, binds drivers for the
// configured profile, compiles a graph, and drives it on a per-workflow
// goroutine; approve/resolve-blocker/cancel calls resume or interrupt that
// goroutine from outside. txsink.go and usage.go (already in this package)
// are the pieces that make one node's state update, its events, and its
// token-usage rows commit in a single transaction before anything is
// published; this file is the service that drives the graph through them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow/agentflow/internal/agents"
	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/driver"
	"github.com/agentflow/agentflow/internal/engine"
	"github.com/agentflow/agentflow/internal/eventbus"
	"github.com/agentflow/agentflow/internal/gitisolation"
	"github.com/agentflow/agentflow/internal/graph"
	"github.com/agentflow/agentflow/internal/state"
	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/internal/telemetry"
)

// ErrAtCapacity is returned by StartWorkflow when max_concurrent in-flight
// workflows are already running; the caller decides whether to retry.
var ErrAtCapacity = errors.New("orchestrator: at max concurrent workflows")

// ErrUnsafeState is returned by SetWorkflowPlan when the workflow is not in
// a state where replacing the plan is safe and force was not set.
var ErrUnsafeState = errors.New("orchestrator: workflow is not in a safe state to replace its plan")

// Clock lets tests control time; defaults to time.Now.
type Clock func() time.Time

// Service is the singleton orchestrator described in spec §4.G. One Service
// owns the admission semaphore, the driver registry, git isolation, and the
// durable store/event-bus pairing; every workflow it starts shares these.
type Service struct {
	store   store.Store
	bus     eventbus.Bus
	drivers *driver.Registry
	git     *gitisolation.Isolation
	clock   Clock
	log     telemetry.Logger

	settings config.ServerSettings
	sem      chan struct{}
	usage    *usageLedger
	sink     *txSink

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	done    map[string]chan struct{}
}

// New builds a Service. drivers must already have every Kind a profile this
// service will run references registered (spec §4.D factory).
func New(st store.Store, bus eventbus.Bus, drivers *driver.Registry, git *gitisolation.Isolation, settings config.ServerSettings, log telemetry.Logger) *Service {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	ledger := newUsageLedger()
	return &Service{
		store:    st,
		bus:      bus,
		drivers:  drivers,
		git:      git,
		clock:    time.Now,
		log:      log,
		settings: settings,
		sem:      make(chan struct{}, maxConcurrent(settings)),
		usage:    ledger,
		sink:     newTxSink(st, bus, ledger),
		cancels:  make(map[string]context.CancelFunc),
		done:     make(map[string]chan struct{}),
	}
}

func maxConcurrent(s config.ServerSettings) int {
	if s.MaxConcurrent <= 0 {
		return 8
	}
	return s.MaxConcurrent
}

func (s *Service) now() time.Time {
	if s.clock != nil {
		return s.clock()
	}
	return time.Now()
}

// StartWorkflow creates a new WorkflowState for issue under profile, sets up
// its worktree, and launches the graph on a background goroutine starting at
// architect_node. It admits the new workflow against the global concurrency
// semaphore (ErrAtCapacity if full) and enforces
// workflow_start_timeout_seconds: a run that makes no progress within that
// window is cancelled (spec §5).
func (s *Service) StartWorkflow(ctx context.Context, issueID string, issue *state.Issue, profile config.Profile) (string, error) {
	return s.startAt(ctx, issueID, issue, profile, engine.NodeArchitect, nil)
}

// StartWorkflowFromPlan creates a workflow whose plan is already decided —
// used by the brainstorm subsystem's handoffToImplementation (spec §4.I) to
// mint a workflow from a design artifact without re-running architect_node.
// The graph starts at plan_validator_node, which re-derives goal/keyFiles
// from the seeded planMarkdown the same way it would from one architect_node
// just wrote.
func (s *Service) StartWorkflowFromPlan(ctx context.Context, issueID string, issue *state.Issue, profile config.Profile, planPath, planMarkdown string) (string, error) {
	seed := &state.Update{PlanPath: &planPath, PlanMarkdown: &planMarkdown}
	return s.startAt(ctx, issueID, issue, profile, engine.NodePlanValidator, seed)
}

func (s *Service) startAt(ctx context.Context, issueID string, issue *state.Issue, profile config.Profile, startNode graph.NodeName, seed *state.Update) (string, error) {
	select {
	case s.sem <- struct{}{}:
	default:
		return "", ErrAtCapacity
	}

	workflowID := uuid.NewString()
	now := s.now()

	wt, err := s.git.Create(ctx, workflowID, "HEAD")
	if err != nil {
		<-s.sem
		return "", fmt.Errorf("orchestrator: create worktree for %q: %w", workflowID, err)
	}

	st := state.New(workflowID, issueID, profile.ID, now)
	inProgress := state.StatusInProgress
	st = st.With(&state.Update{
		Issue:          issue,
		WorktreePath:   &wt.Path,
		WorktreeName:   &wt.Name,
		BaseCommit:     &wt.BaseCommit,
		WorkflowStatus: &inProgress,
	}, now)
	if seed != nil {
		st = st.With(seed, now)
	}

	if err := s.store.CreateWorkflow(ctx, st); err != nil {
		<-s.sem
		return "", fmt.Errorf("orchestrator: persist workflow %q: %w", workflowID, err)
	}

	deps, err := s.buildDeps(ctx, workflowID, profile)
	if err != nil {
		<-s.sem
		return "", fmt.Errorf("orchestrator: wire agents for %q: %w", workflowID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[workflowID] = cancel
	doneCh := make(chan struct{})
	s.done[workflowID] = doneCh
	s.mu.Unlock()

	interp := &graph.Interpreter{Graph: engine.Build(deps), Checkpointer: s.sink, Sink: s.sink, Clock: graph.Clock(s.clock)}

	go s.drive(runCtx, workflowID, doneCh, func() (*state.WorkflowState, graph.NodeName, bool, error) {
		return interp.Run(runCtx, workflowID, st, startNode)
	})

	s.watchStartTimeout(workflowID)
	return workflowID, nil
}

// watchStartTimeout cancels workflowID if it has produced no event within
// workflow_start_timeout_seconds of being started (spec §5).
func (s *Service) watchStartTimeout(workflowID string) {
	timeout := s.settings.WorkflowStartTimeout
	if timeout <= 0 {
		return
	}
	go func() {
		time.Sleep(timeout)
		s.mu.Lock()
		doneCh, running := s.done[workflowID]
		s.mu.Unlock()
		if !running {
			return
		}
		select {
		case <-doneCh:
			return
		default:
		}
		n, err := s.store.LatestSequence(context.Background(), workflowID)
		if err == nil && n == 0 {
			_ = s.CancelWorkflow(context.Background(), workflowID, "no progress within workflow_start_timeout_seconds")
		}
	}()
}

// buildDeps resolves a Driver for each agent role from profile via the
// registry, wraps each in a usageDriver so every Generate/ExecuteAgentic
// call records token usage into the ledger keyed by workflowID, and
// compiles the engine.Deps the graph closes over.
func (s *Service) buildDeps(ctx context.Context, workflowID string, profile config.Profile) (engine.Deps, error) {
	architectDriver, err := s.drivers.New(ctx, profile.Architect.Kind, profile.Architect.Model)
	if err != nil {
		return engine.Deps{}, fmt.Errorf("architect driver: %w", err)
	}
	developerDriver, err := s.drivers.New(ctx, profile.Developer.Kind, profile.Developer.Model)
	if err != nil {
		return engine.Deps{}, fmt.Errorf("developer driver: %w", err)
	}
	reviewerDriver, err := s.drivers.New(ctx, profile.Reviewer.Kind, profile.Reviewer.Model)
	if err != nil {
		return engine.Deps{}, fmt.Errorf("reviewer driver: %w", err)
	}

	return engine.Deps{
		Architect:     &agents.Architect{Driver: wrapDriver(architectDriver, workflowID, "architect", s.usage)},
		Developer:     &agents.Developer{Driver: wrapDriver(developerDriver, workflowID, "developer", s.usage)},
		Reviewer:      &agents.Reviewer{Driver: wrapDriver(reviewerDriver, workflowID, "reviewer", s.usage)},
		Profile:       profile,
		Clock:         s.clock,
		WorkDirOfPlan: func(st *state.WorkflowState) string { return st.WorktreePath },
		HeadCommit:    s.git.HeadCommit,
	}, nil
}

// ConsultOracle drives an Oracle consultation outside the main workflow
// graph: it resolves the profile's Oracle driver, bundles files under
// workingDir up to profile.OracleTokenBudget, and appends the resulting
// ORACLE_* events directly to workflowID's log (spec §4.E "Oracle").
func (s *Service) ConsultOracle(ctx context.Context, workflowID, problem, workingDir string, files []string, profile config.Profile) (string, error) {
	d, err := s.drivers.New(ctx, profile.Oracle.Kind, profile.Oracle.Model)
	if err != nil {
		return "", fmt.Errorf("orchestrator: oracle driver: %w", err)
	}
	oracle := &agents.Oracle{Driver: wrapDriver(d, workflowID, "oracle", s.usage)}
	events, result, err := oracle.Consult(ctx, workflowID, problem, workingDir, files, profile.OracleTokenBudget)
	if len(events) > 0 {
		if appendErr := s.sink.Append(ctx, workflowID, events); appendErr != nil {
			s.log.Error(ctx, "orchestrator: append oracle events", "workflowId", workflowID, "error", appendErr)
		} else if st, loadErr := s.store.LoadWorkflow(ctx, workflowID); loadErr == nil {
			_ = s.sink.Save(ctx, graph.Checkpoint{WorkflowID: workflowID, State: st, Node: graph.End, Interrupt: wasInterrupted(st)})
		}
	}
	return result, err
}

// drive runs fn to completion (End, interrupt, or error), records the
// outcome's terminal event if the run ended the workflow, releases the
// admission semaphore and the workflow's run bookkeeping, and closes doneCh.
func (s *Service) drive(ctx context.Context, workflowID string, doneCh chan struct{}, fn func() (*state.WorkflowState, graph.NodeName, bool, error)) {
	defer close(doneCh)
	defer func() {
		<-s.sem
		s.mu.Lock()
		delete(s.cancels, workflowID)
		delete(s.done, workflowID)
		s.mu.Unlock()
	}()

	st, _, interrupted, err := fn()
	if err != nil {
		s.log.Error(ctx, "orchestrator: workflow run failed", "workflowId", workflowID, "error", err)
		s.failWorkflow(context.Background(), workflowID, st, err)
		return
	}
	if interrupted {
		return
	}
	s.completeWorkflow(context.Background(), workflowID, st)
}

// completeWorkflow marks a normally-ended run completed or failed depending
// on whether the final review approved, and appends the matching terminal
// event (spec §4.F: reviewer_node routes to end both on approval and on
// exhausting the review loop).
func (s *Service) completeWorkflow(ctx context.Context, workflowID string, st *state.WorkflowState) {
	if st == nil {
		return
	}
	status := state.StatusCompleted
	eventType := state.EventWorkflowCompleted
	msg := "workflow completed"
	if st.LastReview == nil || !st.LastReview.Approved {
		status = state.StatusFailed
		eventType = state.EventWorkflowFailed
		msg = "workflow failed: review was not approved within the bounded fix loop"
	}
	s.terminate(ctx, workflowID, st, status, eventType, msg, false)
}

func (s *Service) failWorkflow(ctx context.Context, workflowID string, st *state.WorkflowState, cause error) {
	if st == nil {
		return
	}
	s.terminate(ctx, workflowID, st, state.StatusFailed, state.EventWorkflowFailed, cause.Error(), false)
}

// terminate validates the status transition, persists it, appends the
// terminal event, and tears down the worktree per retention policy.
func (s *Service) terminate(ctx context.Context, workflowID string, st *state.WorkflowState, status state.WorkflowStatus, eventType state.EventType, msg string, isError bool) {
	if st.WorkflowStatus == status {
		return
	}
	if !state.ValidateTransition(st.WorkflowStatus, status) {
		s.log.Warn(ctx, "orchestrator: refusing invalid terminal transition", "workflowId", workflowID, "from", st.WorkflowStatus, "to", status)
		return
	}
	now := s.now()
	next := st.With(&state.Update{WorkflowStatus: &status}, now)
	ev := state.WorkflowEvent{WorkflowID: workflowID, Timestamp: now, Agent: "orchestrator", EventType: eventType, Message: msg, IsError: isError}
	if err := s.sink.Append(ctx, workflowID, []state.WorkflowEvent{ev}); err != nil {
		s.log.Error(ctx, "orchestrator: append terminal event", "workflowId", workflowID, "error", err)
		return
	}
	if err := s.sink.Save(ctx, graph.Checkpoint{WorkflowID: workflowID, State: next, Node: graph.End}); err != nil {
		s.log.Error(ctx, "orchestrator: commit terminal transition", "workflowId", workflowID, "error", err)
		return
	}
	retain := status == state.StatusFailed && s.settings.WorktreeRetentionOnFailed
	if err := s.git.Teardown(ctx, next.WorktreePath, next.WorktreeName, retain); err != nil {
		s.log.Warn(ctx, "orchestrator: worktree teardown failed", "workflowId", workflowID, "error", err)
	}
}

// GetWorkflow returns the persisted state for workflowID.
func (s *Service) GetWorkflow(ctx context.Context, workflowID string) (*state.WorkflowState, error) {
	return s.store.LoadWorkflow(ctx, workflowID)
}

// ListWorkflows returns every workflow matching filter.
func (s *Service) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*state.WorkflowState, error) {
	return s.store.ListWorkflows(ctx, filter)
}

// ApproveBatch resumes a workflow paused at human_approval_node or
// batch_approval_node's checkpoint, supplying humanApproved/humanFeedback.
func (s *Service) ApproveBatch(ctx context.Context, workflowID string, approved bool, feedback string) error {
	av := state.ApprovalNo
	if approved {
		av = state.ApprovalYes
	}
	return s.resume(ctx, workflowID, &state.Update{HumanApproved: &av, HumanFeedback: &feedback})
}

// ResolveBlocker resumes a workflow paused at blocker_resolution_node,
// supplying blockerResolution (free text, or the "skip"/"abort" sentinels).
func (s *Service) ResolveBlocker(ctx context.Context, workflowID, resolution string) error {
	return s.resume(ctx, workflowID, &state.Update{BlockerResolution: &resolution})
}

// resume loads the current workflow, validates it is actually paused, and
// relaunches the graph from the interrupted node's output edge on a fresh
// per-workflow goroutine, admission-controlled the same as StartWorkflow.
func (s *Service) resume(ctx context.Context, workflowID string, update *state.Update) error {
	st, err := s.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("orchestrator: load workflow %q: %w", workflowID, err)
	}
	if st.WorkflowStatus.IsTerminal() {
		return fmt.Errorf("orchestrator: workflow %q is terminal, cannot resume", workflowID)
	}

	select {
	case s.sem <- struct{}{}:
	default:
		return ErrAtCapacity
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[workflowID] = cancel
	doneCh := make(chan struct{})
	s.done[workflowID] = doneCh
	s.mu.Unlock()

	profile, err := s.store.LoadProfile(ctx, st.ProfileID)
	if err == nil {
		var deps engine.Deps
		deps, err = s.buildDeps(ctx, workflowID, profile)
		if err == nil {
			interp := &graph.Interpreter{Graph: engine.Build(deps), Checkpointer: s.sink, Sink: s.sink, Clock: graph.Clock(s.clock)}
			go s.drive(runCtx, workflowID, doneCh, func() (*state.WorkflowState, graph.NodeName, bool, error) {
				return interp.Resume(runCtx, workflowID, update)
			})
			return nil
		}
	}
	cancel()
	<-s.sem
	s.mu.Lock()
	delete(s.cancels, workflowID)
	delete(s.done, workflowID)
	s.mu.Unlock()
	return fmt.Errorf("orchestrator: rewire agents for resume of %q: %w", workflowID, err)
}

// SetWorkflowPlan replaces planMarkdown/planPath between nodes. It refuses
// when the workflow is mid-flight (a run goroutine currently owns it) unless
// force is set, since the graph's own node output could otherwise race a
// concurrent plan replacement (spec §4.G).
func (s *Service) SetWorkflowPlan(ctx context.Context, workflowID, planPath, planContent string, force bool) error {
	s.mu.Lock()
	_, running := s.cancels[workflowID]
	s.mu.Unlock()
	if running && !force {
		return ErrUnsafeState
	}

	st, err := s.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("orchestrator: load workflow %q: %w", workflowID, err)
	}
	now := s.now()
	next := st.With(&state.Update{PlanPath: &planPath, PlanMarkdown: &planContent}, now)
	return s.sink.Save(ctx, graph.Checkpoint{WorkflowID: workflowID, State: next, Node: graph.End, Interrupt: wasInterrupted(st)})
}

func wasInterrupted(st *state.WorkflowState) bool {
	return st.WorkflowStatus == state.StatusInProgress || st.WorkflowStatus == state.StatusBlocked
}

// CancelWorkflow atomically marks workflowID cancelled and signals its
// per-workflow goroutine (if any) to stop at the next node boundary (spec
// §5's cooperative cancellation).
func (s *Service) CancelWorkflow(ctx context.Context, workflowID, reason string) error {
	st, err := s.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("orchestrator: load workflow %q: %w", workflowID, err)
	}
	if st.WorkflowStatus.IsTerminal() {
		return nil
	}
	if !state.ValidateTransition(st.WorkflowStatus, state.StatusCancelled) {
		return fmt.Errorf("orchestrator: cannot cancel workflow %q from status %q", workflowID, st.WorkflowStatus)
	}

	s.mu.Lock()
	if cancel, ok := s.cancels[workflowID]; ok {
		cancel()
	}
	s.mu.Unlock()

	now := s.now()
	cancelled := state.StatusCancelled
	next := st.With(&state.Update{WorkflowStatus: &cancelled}, now)
	ev := state.WorkflowEvent{WorkflowID: workflowID, Timestamp: now, Agent: "orchestrator", EventType: state.EventWorkflowCancelled, Message: reason}
	if err := s.sink.Append(ctx, workflowID, []state.WorkflowEvent{ev}); err != nil {
		return fmt.Errorf("orchestrator: append cancellation event: %w", err)
	}
	if err := s.sink.Save(ctx, graph.Checkpoint{WorkflowID: workflowID, State: next, Node: graph.End}); err != nil {
		return fmt.Errorf("orchestrator: commit cancellation: %w", err)
	}
	return s.git.Teardown(ctx, next.WorktreePath, next.WorktreeName, s.settings.WorktreeRetentionOnFailed)
}

// Subscribe exposes the underlying event bus so HTTP/WS surfaces (out of
// scope for this package) can stream events for workflowID.
func (s *Service) Subscribe(workflowID string) (<-chan state.WorkflowEvent, eventbus.Subscription) {
	return s.bus.Subscribe(workflowID)
}
