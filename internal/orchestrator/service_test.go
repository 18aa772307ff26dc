package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/driver"
	"github.com/agentflow/agentflow/internal/eventbus"
	"github.com/agentflow/agentflow/internal/gitisolation"
	"github.com/agentflow/agentflow/internal/graph"
	"github.com/agentflow/agentflow/internal/state"
	"github.com/agentflow/agentflow/internal/store"
)

// fakeStore is an in-memory store.Store good enough to exercise the
// orchestrator service's transaction and checkpoint boundaries without a
// real database.
type fakeStore struct {
	mu        sync.Mutex
	workflows map[string]*state.WorkflowState
	log       map[string][]state.WorkflowEvent
	usage     map[string][]state.TokenUsage
	cps       map[string]graph.Checkpoint
	profiles  map[string]config.Profile
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		workflows: map[string]*state.WorkflowState{},
		log:       map[string][]state.WorkflowEvent{},
		usage:     map[string][]state.TokenUsage{},
		cps:       map[string]graph.Checkpoint{},
		profiles:  map[string]config.Profile{},
	}
}

func (f *fakeStore) CreateWorkflow(_ context.Context, st *state.WorkflowState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows[st.WorkflowID] = st
	return nil
}
func (f *fakeStore) LoadWorkflow(_ context.Context, id string) (*state.WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return st, nil
}
func (f *fakeStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*state.WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*state.WorkflowState
	for _, st := range f.workflows {
		if filter.ProfileID != "" && st.ProfileID != filter.ProfileID {
			continue
		}
		if filter.Status != "" && st.WorkflowStatus != filter.Status {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}
func (f *fakeStore) DeleteWorkflow(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.workflows, id)
	delete(f.log, id)
	return nil
}
func (f *fakeStore) CommitTransition(_ context.Context, tx store.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workflows[tx.WorkflowID] = tx.State
	f.log[tx.WorkflowID] = append(f.log[tx.WorkflowID], tx.Events...)
	f.usage[tx.WorkflowID] = append(f.usage[tx.WorkflowID], tx.Usage...)
	return nil
}
func (f *fakeStore) WorkflowEvents(_ context.Context, id string, after int64) ([]state.WorkflowEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []state.WorkflowEvent
	for _, ev := range f.log[id] {
		if ev.Sequence > after {
			out = append(out, ev)
		}
	}
	return out, nil
}
func (f *fakeStore) LatestSequence(_ context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	log := f.log[id]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Sequence, nil
}
func (f *fakeStore) SaveProfile(_ context.Context, p config.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.ID] = p
	return nil
}
func (f *fakeStore) LoadProfile(_ context.Context, id string) (config.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return config.Profile{}, store.ErrNotFound
	}
	return p, nil
}
func (f *fakeStore) SaveServerSettings(context.Context, config.ServerSettings) error { return nil }
func (f *fakeStore) LoadServerSettings(context.Context) (config.ServerSettings, error) {
	return config.ServerSettings{}, nil
}
func (f *fakeStore) CreateBrainstormSession(context.Context, store.BrainstormSession) error {
	return nil
}
func (f *fakeStore) LoadBrainstormSession(context.Context, string) (store.BrainstormSession, error) {
	return store.BrainstormSession{}, store.ErrNotFound
}
func (f *fakeStore) ListBrainstormSessions(context.Context) ([]store.BrainstormSession, error) {
	return nil, nil
}
func (f *fakeStore) UpdateBrainstormSessionStatus(context.Context, string, string) error { return nil }
func (f *fakeStore) DeleteBrainstormSession(context.Context, string) error               { return nil }
func (f *fakeStore) AppendBrainstormMessage(context.Context, store.BrainstormMessage) error {
	return nil
}
func (f *fakeStore) BrainstormMessages(context.Context, string) ([]store.BrainstormMessage, error) {
	return nil, nil
}
func (f *fakeStore) SaveArtifact(context.Context, store.Artifact) error { return nil }
func (f *fakeStore) ArtifactByPath(context.Context, string, string) (store.Artifact, error) {
	return store.Artifact{}, store.ErrNotFound
}

func (f *fakeStore) Save(_ context.Context, cp graph.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cps[cp.WorkflowID] = cp
	return nil
}
func (f *fakeStore) Load(_ context.Context, id string) (graph.Checkpoint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.cps[id]
	return cp, ok, nil
}

// scriptedDriver replays a fixed sequence of agentic messages and generate
// results, used to stand in for the architect/developer/reviewer drivers in
// orchestrator tests without talking to a real model.
type scriptedDriver struct {
	agenticBatches [][]driver.AgenticMessage
	generateResults []driver.GenerateResult
	agenticCalls   int
	generateCalls  int
}

func (s *scriptedDriver) Generate(_ context.Context, _ driver.GenerateRequest) (driver.GenerateResult, error) {
	if len(s.generateResults) == 0 {
		s.generateCalls++
		return driver.GenerateResult{}, nil
	}
	r := s.generateResults[s.generateCalls%len(s.generateResults)]
	s.generateCalls++
	return r, nil
}
func (s *scriptedDriver) ExecuteAgentic(_ context.Context, _ driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	batch := s.agenticBatches[s.agenticCalls%len(s.agenticBatches)]
	s.agenticCalls++
	ch := make(chan driver.AgenticMessage, len(batch))
	for _, m := range batch {
		ch <- m
	}
	close(ch)
	return ch, nil
}
func (s *scriptedDriver) GetUsage() *driver.Usage { return &driver.Usage{InputTokens: 10, OutputTokens: 5} }
func (s *scriptedDriver) Model() string            { return "stub" }

func approveResult(t *testing.T) driver.GenerateResult {
	t.Helper()
	return driver.GenerateResult{Parsed: map[string]any{"approved": true, "comments": []any{}, "severity": "low"}}
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-q", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func newTestService(t *testing.T, st *fakeStore, bus eventbus.Bus, repo string) (*Service, config.Profile) {
	t.Helper()
	registry := driver.NewRegistry()
	architectDriver := &scriptedDriver{
		agenticBatches: [][]driver.AgenticMessage{{
			{Type: driver.MessageResult, Result: &driver.ResultMsg{Content: "wrote plan", SessionID: "sess-arch"}},
		}},
	}
	developerDriver := &scriptedDriver{
		agenticBatches: [][]driver.AgenticMessage{{
			{Type: driver.MessageResult, Result: &driver.ResultMsg{Content: "diff --git a b\n+ok", SessionID: "sess-dev"}},
		}},
	}
	reviewerDriver := &scriptedDriver{generateResults: []driver.GenerateResult{approveResult(t), approveResult(t), approveResult(t)}}

	registry.Register(driver.Kind("architect-stub"), func(context.Context, string) (driver.Driver, error) { return architectDriver, nil })
	registry.Register(driver.Kind("developer-stub"), func(context.Context, string) (driver.Driver, error) { return developerDriver, nil })
	registry.Register(driver.Kind("reviewer-stub"), func(context.Context, string) (driver.Driver, error) { return reviewerDriver, nil })

	workDir := t.TempDir()
	git := gitisolation.New(repo, workDir)

	profile := config.Profile{
		ID:               "default",
		WorkingDir:       repo,
		PlanPathPattern:  "plan-{issueKey}.md",
		BatchCheckpoints: true,
		TrustLevel:       config.TrustStandard,
		Architect:        config.AgentModel{Kind: driver.Kind("architect-stub"), Model: "m"},
		Developer:        config.AgentModel{Kind: driver.Kind("developer-stub"), Model: "m"},
		Reviewer:         config.AgentModel{Kind: driver.Kind("reviewer-stub"), Model: "m"},
	}
	require.NoError(t, st.SaveProfile(context.Background(), profile))

	settings := config.NewServerSettings(config.WithMaxConcurrent(2))
	svc := New(st, bus, registry, git, settings, nil)

	// Architect writes the plan file itself in the real system; the stub
	// driver above doesn't touch the filesystem, so pre-seed it here, at the
	// path the service will derive from profile.WorkingDir/PlanPathPattern.
	planPath := filepath.Join(profile.WorkingDir, "plan-test-123.md")
	require.NoError(t, os.WriteFile(planPath, []byte("**Goal:** Implement feature X\n"), 0o644))
	return svc, profile
}

func TestStartWorkflowPausesAtHumanApproval(t *testing.T) {
	st := newFakeStore()
	bus := eventbus.New(nil)
	repo := initTestRepo(t)
	svc, profile := newTestService(t, st, bus, repo)

	workflowID, err := svc.StartWorkflow(context.Background(), "TEST-123", &state.Issue{ID: "TEST-123", Title: "Add X"}, profile)
	require.NoError(t, err)
	require.NotEmpty(t, workflowID)

	require.Eventually(t, func() bool {
		wf, err := svc.GetWorkflow(context.Background(), workflowID)
		return err == nil && wf.WorkflowStatus == state.StatusInProgress && wf.PlanPath != ""
	}, 2*time.Second, 10*time.Millisecond)

	wf, err := svc.GetWorkflow(context.Background(), workflowID)
	require.NoError(t, err)
	require.Equal(t, "Implement feature X", wf.Goal)
}

// TestApproveBatchResumesWorkflowToCompletion drives a workflow past its
// human_approval_node pause through the developer and a competitive
// (security/performance/usability) reviewer pass that unanimously approves,
// landing on workflowStatus=completed.
func TestApproveBatchResumesWorkflowToCompletion(t *testing.T) {
	st := newFakeStore()
	bus := eventbus.New(nil)
	repo := initTestRepo(t)
	svc, profile := newTestService(t, st, bus, repo)

	workflowID, err := svc.StartWorkflow(context.Background(), "TEST-123", &state.Issue{ID: "TEST-123", Title: "Add X"}, profile)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		wf, err := svc.GetWorkflow(context.Background(), workflowID)
		return err == nil && wf.WorkflowStatus == state.StatusInProgress && wf.Goal != ""
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.ApproveBatch(context.Background(), workflowID, true, "looks good"))

	require.Eventually(t, func() bool {
		wf, err := svc.GetWorkflow(context.Background(), workflowID)
		return err == nil && wf.WorkflowStatus.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)

	wf, err := svc.GetWorkflow(context.Background(), workflowID)
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, wf.WorkflowStatus)
	require.NotNil(t, wf.LastReview)
	require.True(t, wf.LastReview.Approved)
}

func TestCancelWorkflowTransitionsAndTearsDownWorktree(t *testing.T) {
	st := newFakeStore()
	bus := eventbus.New(nil)
	repo := initTestRepo(t)
	svc, profile := newTestService(t, st, bus, repo)

	workflowID, err := svc.StartWorkflow(context.Background(), "TEST-123", &state.Issue{ID: "TEST-123", Title: "Add X"}, profile)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		wf, err := svc.GetWorkflow(context.Background(), workflowID)
		return err == nil && wf.WorkflowStatus == state.StatusInProgress
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.CancelWorkflow(context.Background(), workflowID, "operator requested"))

	wf, err := svc.GetWorkflow(context.Background(), workflowID)
	require.NoError(t, err)
	require.Equal(t, state.StatusCancelled, wf.WorkflowStatus)
	require.NoDirExists(t, wf.WorktreePath)
}

func TestStartWorkflowRespectsMaxConcurrent(t *testing.T) {
	st := newFakeStore()
	bus := eventbus.New(nil)
	repo := initTestRepo(t)
	svc, profile := newTestService(t, st, bus, repo)
	svc.sem = make(chan struct{}, 1)
	svc.sem <- struct{}{} // simulate one in-flight workflow already occupying the only slot

	_, err := svc.StartWorkflow(context.Background(), "TEST-456", &state.Issue{ID: "TEST-456"}, profile)
	require.ErrorIs(t, err, ErrAtCapacity)
}
