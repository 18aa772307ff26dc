// Package brainstorm implements the parallel chat-session path that sits
// beside the main workflow graph: a long-lived driver conversation per
// profile that detects artifact writes and can hand off to a freshly minted
// workflow once a plan has taken shape (spec §4.I).
package brainstorm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/driver"
	"github.com/agentflow/agentflow/internal/eventbus"
	"github.com/agentflow/agentflow/internal/state"
	"github.com/agentflow/agentflow/internal/store"
)

// Session status values (spec §4.I).
const (
	StatusActive          = "active"
	StatusReadyForHandoff = "ready_for_handoff"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
)

// Message role values.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrSessionNotFound and ErrArtifactNotFound mirror the original service's
// ValueError messages so a caller surfacing them (over HTTP, a 404) gets the
// same user-visible text.
var (
	ErrSessionNotFound  = errors.New("brainstorm: session not found")
	ErrArtifactNotFound = errors.New("brainstorm: artifact not found")
)

// WorkflowStarter is the slice of orchestrator.Service that
// handoffToImplementation needs: mint a workflow whose plan is already
// decided, bypassing architect_node. orchestrator.Service satisfies this
// structurally; tests can supply a narrower fake.
type WorkflowStarter interface {
	StartWorkflowFromPlan(ctx context.Context, issueID string, issue *state.Issue, profile config.Profile, planPath, planMarkdown string) (string, error)
}

// SessionWithHistory bundles a session with its transcript, the shape
// getSessionWithHistory returns.
type SessionWithHistory struct {
	Session  store.BrainstormSession
	Messages []store.BrainstormMessage
}

// Service drives brainstorming sessions over the same driver.Driver
// abstraction the workflow graph uses, independently of it.
type Service struct {
	store   store.Store
	bus     eventbus.Bus
	starter WorkflowStarter
	now     func() time.Time

	mu      sync.Mutex
	nextSeq map[string]int64
}

// New builds a Service. starter may be nil if handoffToImplementation will
// never be called (e.g. a read-only deployment).
func New(st store.Store, bus eventbus.Bus, starter WorkflowStarter) *Service {
	return &Service{
		store:   st,
		bus:     bus,
		starter: starter,
		now:     time.Now,
		nextSeq: make(map[string]int64),
	}
}

// CreateSession starts a new BrainstormingSession under profileID and emits
// BRAINSTORM_SESSION_CREATED.
func (s *Service) CreateSession(ctx context.Context, profileID string) (store.BrainstormSession, error) {
	sess := store.BrainstormSession{
		ID:        uuid.NewString(),
		ProfileID: profileID,
		Status:    StatusActive,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateBrainstormSession(ctx, sess); err != nil {
		return store.BrainstormSession{}, fmt.Errorf("brainstorm: create session: %w", err)
	}
	s.bus.Publish(state.WorkflowEvent{
		WorkflowID: sess.ID, Timestamp: sess.CreatedAt, Agent: "brainstorm",
		EventType: state.EventBrainstormSessionCreated, SessionID: sess.ID,
	})
	return sess, nil
}

// ListSessions returns every session, narrowed to profileID when non-empty.
func (s *Service) ListSessions(ctx context.Context, profileID string) ([]store.BrainstormSession, error) {
	all, err := s.store.ListBrainstormSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("brainstorm: list sessions: %w", err)
	}
	if profileID == "" {
		return all, nil
	}
	out := make([]store.BrainstormSession, 0, len(all))
	for _, sess := range all {
		if sess.ProfileID == profileID {
			out = append(out, sess)
		}
	}
	return out, nil
}

// GetSessionWithHistory loads a session plus its message transcript, or
// ErrSessionNotFound.
func (s *Service) GetSessionWithHistory(ctx context.Context, sessionID string) (*SessionWithHistory, error) {
	sess, err := s.store.LoadBrainstormSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("brainstorm: load session %q: %w", sessionID, err)
	}
	msgs, err := s.store.BrainstormMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("brainstorm: load messages for %q: %w", sessionID, err)
	}
	return &SessionWithHistory{Session: sess, Messages: msgs}, nil
}

// DeleteSession removes a session and (by the store's cascade-delete schema)
// its messages and artifacts.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.store.DeleteBrainstormSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("brainstorm: delete session %q: %w", sessionID, err)
	}
	s.mu.Lock()
	delete(s.nextSeq, sessionID)
	s.mu.Unlock()
	return nil
}

// SendMessage appends a user message, drives one agentic exchange, streams
// tool activity as ORACLE_TOOL_{CALL,RESULT} events, detects artifacts out
// of write_file tool calls, persists the assistant's reply, and finally
// emits BRAINSTORM_MESSAGE_COMPLETE. It blocks for the whole exchange; a
// caller wanting the fire-and-forget semantics of the HTTP surface (out of
// scope here) runs it on a goroutine and returns the message id immediately.
func (s *Service) SendMessage(ctx context.Context, sessionID, content string, d driver.Driver, cwd string) error {
	sess, err := s.store.LoadBrainstormSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("brainstorm: load session %q: %w", sessionID, err)
	}

	userSeq, err := s.nextSequence(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.store.AppendBrainstormMessage(ctx, store.BrainstormMessage{
		ID: uuid.NewString(), SessionID: sessionID, Sequence: userSeq,
		Role: RoleUser, Content: content, CreatedAt: s.now(),
	}); err != nil {
		return fmt.Errorf("brainstorm: append user message: %w", err)
	}

	ch, err := d.ExecuteAgentic(ctx, driver.AgenticRequest{Prompt: content, Cwd: cwd, SessionID: sess.DriverSessionID})
	if err != nil {
		return fmt.Errorf("brainstorm: start agentic execution: %w", err)
	}

	var final strings.Builder
	var newSessionID string
	for msg := range ch {
		switch msg.Type {
		case driver.MessageToolCall:
			s.bus.Publish(state.WorkflowEvent{
				WorkflowID: sessionID, Timestamp: s.now(), Agent: "brainstorm",
				EventType: state.EventOracleToolCall, SessionID: sess.DriverSessionID,
				ToolName: msg.ToolCall.ToolName, ToolInput: msg.ToolCall.ToolInput,
			})
			if path, ok := artifactPath(msg.ToolCall); ok {
				if err := s.recordArtifact(ctx, sessionID, sess.DriverSessionID, path); err != nil {
					return err
				}
			}
		case driver.MessageToolResult:
			s.bus.Publish(state.WorkflowEvent{
				WorkflowID: sessionID, Timestamp: s.now(), Agent: "brainstorm",
				EventType: state.EventOracleToolResult, SessionID: sess.DriverSessionID,
				ToolName: msg.ToolResult.ToolName, ToolOutput: msg.ToolResult.ToolOutput, IsError: msg.ToolResult.IsError,
			})
		case driver.MessageResult:
			final.WriteString(msg.Result.Content)
			newSessionID = msg.Result.SessionID
		}
	}

	assistantSeq, err := s.nextSequence(ctx, sessionID)
	if err != nil {
		return err
	}
	assistantMsg := store.BrainstormMessage{
		ID: uuid.NewString(), SessionID: sessionID, Sequence: assistantSeq,
		Role: RoleAssistant, Content: final.String(), CreatedAt: s.now(),
	}
	if err := s.store.AppendBrainstormMessage(ctx, assistantMsg); err != nil {
		return fmt.Errorf("brainstorm: append assistant message: %w", err)
	}

	// The store has no method to persist an updated driver_session_id back
	// onto the session row (only UpdateBrainstormSessionStatus exists), so
	// multi-turn continuity across process restarts is best-effort: within
	// one process sess.DriverSessionID is only ever read at the top of this
	// method, not cached here.
	if newSessionID == "" {
		newSessionID = sess.DriverSessionID
	}

	s.bus.Publish(state.WorkflowEvent{
		WorkflowID: sessionID, Timestamp: s.now(), Agent: "brainstorm",
		EventType: state.EventBrainstormMessageComplete, SessionID: newSessionID, Message: assistantMsg.Content,
	})
	return nil
}

func (s *Service) recordArtifact(ctx context.Context, sessionID, driverSessionID, path string) error {
	art := store.Artifact{
		ID: uuid.NewString(), SessionID: sessionID, Path: path,
		ArtifactType: InferArtifactType(path), CreatedAt: s.now(),
	}
	if err := s.store.SaveArtifact(ctx, art); err != nil {
		return fmt.Errorf("brainstorm: save artifact %q: %w", path, err)
	}
	s.bus.Publish(state.WorkflowEvent{
		WorkflowID: sessionID, Timestamp: art.CreatedAt, Agent: "brainstorm",
		EventType: state.EventBrainstormArtifactCreated, SessionID: driverSessionID,
		ToolName: "write_file", Message: path,
	})
	return nil
}

// artifactPath extracts the path argument from a write_file tool call.
func artifactPath(tc *driver.ToolCallMsg) (string, bool) {
	if tc == nil || tc.ToolName != "write_file" {
		return "", false
	}
	p, ok := tc.ToolInput["path"].(string)
	if !ok || p == "" {
		return "", false
	}
	return p, true
}

// InferArtifactType classifies a written path by its containing docs/
// segment, mirroring sendMessage's artifact detection (spec §4.I).
func InferArtifactType(path string) string {
	clean := filepath.ToSlash(path)
	switch {
	case strings.Contains(clean, "docs/plans/"):
		return "design"
	case strings.Contains(clean, "docs/adr/"):
		return "decision"
	case strings.Contains(clean, "docs/research/"):
		return "research"
	default:
		return "other"
	}
}

// HandoffToImplementation validates that artifactPath was recorded against
// sessionID, marks the session completed, and mints a new workflow whose
// plan is seeded from that artifact's file contents.
func (s *Service) HandoffToImplementation(ctx context.Context, sessionID, artifactPath string, issueID string, issue *state.Issue, profile config.Profile) (string, error) {
	if _, err := s.store.LoadBrainstormSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrSessionNotFound
		}
		return "", fmt.Errorf("brainstorm: load session %q: %w", sessionID, err)
	}

	art, err := s.store.ArtifactByPath(ctx, sessionID, artifactPath)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrArtifactNotFound
		}
		return "", fmt.Errorf("brainstorm: load artifact %q: %w", artifactPath, err)
	}

	resolved := art.Path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(profile.WorkingDir, art.Path)
	}
	planMarkdown, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("brainstorm: read artifact %q: %w", resolved, err)
	}

	workflowID, err := s.starter.StartWorkflowFromPlan(ctx, issueID, issue, profile, art.Path, string(planMarkdown))
	if err != nil {
		return "", fmt.Errorf("brainstorm: start workflow from plan: %w", err)
	}

	if err := s.store.UpdateBrainstormSessionStatus(ctx, sessionID, StatusCompleted); err != nil {
		return "", fmt.Errorf("brainstorm: mark session %q completed: %w", sessionID, err)
	}
	return workflowID, nil
}

// nextSequence returns the next monotonic message sequence for sessionID,
// seeding its counter from the store's existing messages the first time a
// session is touched in this process — the same lazy-seed-then-cache shape
// txSink uses for workflow event sequences.
func (s *Service) nextSequence(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.nextSeq[sessionID]
	if !ok {
		msgs, err := s.store.BrainstormMessages(ctx, sessionID)
		if err != nil {
			return 0, fmt.Errorf("brainstorm: load messages for %q: %w", sessionID, err)
		}
		for _, m := range msgs {
			if m.Sequence > seq {
				seq = m.Sequence
			}
		}
	}
	seq++
	s.nextSeq[sessionID] = seq
	return seq, nil
}
