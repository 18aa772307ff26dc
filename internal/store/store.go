// Package store defines the durable persistence boundary for workflow
// state, the append-only workflow_log, token usage, profiles, checkpoints,
// prompts, and the brainstorm subsystem's records. Concrete backends live in
// internal/store/sqlite and internal/store/postgres; internal/store/migrations
// holds the goose-managed schema shared by both.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/graph"
	"github.com/agentflow/agentflow/internal/state"
)

// ErrNotFound is returned by single-row lookups when nothing matches.
var ErrNotFound = errors.New("store: not found")

// WorkflowFilter narrows ListWorkflows; a zero-value filter matches everything.
type WorkflowFilter struct {
	ProfileID string
	Status    state.WorkflowStatus
}

// Transaction is what CommitTransition applies atomically: per spec §7, "any
// exception rolls back state+events+usage together" — the new state, every
// event observed since the last commit, and every token_usage row recorded
// by driver calls made while producing them.
type Transaction struct {
	WorkflowID string
	State      *state.WorkflowState
	Events     []state.WorkflowEvent
	Usage      []state.TokenUsage
}

// Artifact is a file the brainstorm subsystem detected a driver writing
// during a session (spec §4.I).
type Artifact struct {
	ID           string
	SessionID    string
	Path         string
	ArtifactType string
	CreatedAt    time.Time
}

// BrainstormMessage is one turn of a BrainstormingSession.
type BrainstormMessage struct {
	ID        string
	SessionID string
	Sequence  int64
	Role      string
	Content   string
	CreatedAt time.Time
}

// BrainstormSession is a multi-turn driver conversation outside the main
// workflow graph (spec §4.I).
type BrainstormSession struct {
	ID              string
	ProfileID       string
	DriverSessionID string
	Status          string
	CreatedAt       time.Time
}

// Store is the full persistence surface the orchestrator and brainstorm
// subsystem depend on. It also satisfies graph.Checkpointer so the graph
// runtime can use it directly as its checkpoint backend.
type Store interface {
	graph.Checkpointer

	CreateWorkflow(ctx context.Context, st *state.WorkflowState) error
	LoadWorkflow(ctx context.Context, workflowID string) (*state.WorkflowState, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*state.WorkflowState, error)
	DeleteWorkflow(ctx context.Context, workflowID string) error
	CommitTransition(ctx context.Context, tx Transaction) error
	WorkflowEvents(ctx context.Context, workflowID string, afterSequence int64) ([]state.WorkflowEvent, error)
	LatestSequence(ctx context.Context, workflowID string) (int64, error)

	SaveProfile(ctx context.Context, p config.Profile) error
	LoadProfile(ctx context.Context, profileID string) (config.Profile, error)

	SaveServerSettings(ctx context.Context, s config.ServerSettings) error
	LoadServerSettings(ctx context.Context) (config.ServerSettings, error)

	CreateBrainstormSession(ctx context.Context, s BrainstormSession) error
	LoadBrainstormSession(ctx context.Context, sessionID string) (BrainstormSession, error)
	ListBrainstormSessions(ctx context.Context) ([]BrainstormSession, error)
	UpdateBrainstormSessionStatus(ctx context.Context, sessionID, status string) error
	DeleteBrainstormSession(ctx context.Context, sessionID string) error
	AppendBrainstormMessage(ctx context.Context, m BrainstormMessage) error
	BrainstormMessages(ctx context.Context, sessionID string) ([]BrainstormMessage, error)
	SaveArtifact(ctx context.Context, a Artifact) error
	ArtifactByPath(ctx context.Context, sessionID, path string) (Artifact, error)
}
