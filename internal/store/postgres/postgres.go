// Package postgres is the pgx-backed store.Store implementation for
// deployments that run the orchestrator against a shared Postgres server
// instead of the embedded sqlite backend, migrated via the same goose
// schema under internal/store/migrations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/graph"
	"github.com/agentflow/agentflow/internal/state"
	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/internal/store/migrations"
)

// Client is a goose-migrated Postgres connection pool backing store.Store.
type Client struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, applies every pending migration using a standalone
// database/sql handle (goose needs one), then hands back a Client backed by
// a pgxpool.Pool for the query path.
func Open(ctx context.Context, dsn string) (*Client, error) {
	if err := migrate(ctx, dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect %w", err)
	}
	return &Client{pool: pool}, nil
}

// Close releases the connection pool.
func (c *Client) Close() { c.pool.Close() }

func (c *Client) CreateWorkflow(ctx context.Context, st *state.WorkflowState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("postgres: encode state: %w", err)
	}
	_, err = c.pool.Exec(ctx,
		`INSERT INTO workflows (id, issue_id, profile_id, status, state_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		st.WorkflowID, st.IssueID, st.ProfileID, string(st.WorkflowStatus), string(payload), st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create workflow %q: %w", st.WorkflowID, err)
	}
	return nil
}

func (c *Client) LoadWorkflow(ctx context.Context, workflowID string) (*state.WorkflowState, error) {
	var payload string
	err := c.pool.QueryRow(ctx, `SELECT state_json FROM workflows WHERE id = $1`, workflowID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load workflow %q: %w", workflowID, err)
	}
	var st state.WorkflowState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return nil, fmt.Errorf("postgres: decode workflow %q: %w", workflowID, err)
	}
	return &st, nil
}

func (c *Client) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*state.WorkflowState, error) {
	query := `SELECT state_json FROM workflows WHERE 1=1`
	var args []any
	argN := 1
	if filter.ProfileID != "" {
		query += fmt.Sprintf(" AND profile_id = $%d", argN)
		args = append(args, filter.ProfileID)
		argN++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, string(filter.Status))
		argN++
	}
	query += ` ORDER BY created_at ASC`

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list workflows: %w", err)
	}
	defer rows.Close()

	var out []*state.WorkflowState
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan workflow row: %w", err)
		}
		var st state.WorkflowState
		if err := json.Unmarshal([]byte(payload), &st); err != nil {
			return nil, fmt.Errorf("postgres: decode workflow row: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (c *Client) DeleteWorkflow(ctx context.Context, workflowID string) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin delete workflow %q: %w", workflowID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	for _, stmt := range []string{
		`DELETE FROM token_usage WHERE workflow_id = $1`,
		`DELETE FROM workflow_log WHERE workflow_id = $1`,
		`DELETE FROM workflow_checkpoints WHERE workflow_id = $1`,
		`DELETE FROM workflows WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, workflowID); err != nil {
			return fmt.Errorf("postgres: delete workflow %q: %w", workflowID, err)
		}
	}
	return tx.Commit(ctx)
}

func (c *Client) LatestSequence(ctx context.Context, workflowID string) (int64, error) {
	var seq *int64
	err := c.pool.QueryRow(ctx, `SELECT MAX(sequence) FROM workflow_log WHERE workflow_id = $1`, workflowID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("postgres: latest sequence for %q: %w", workflowID, err)
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

func (c *Client) CommitTransition(ctx context.Context, tx store.Transaction) error {
	pgTx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin transition: %w", err)
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck // no-op once committed

	payload, err := json.Marshal(tx.State)
	if err != nil {
		return fmt.Errorf("postgres: encode state: %w", err)
	}
	if _, err := pgTx.Exec(ctx,
		`UPDATE workflows SET status = $1, state_json = $2, updated_at = $3 WHERE id = $4`,
		string(tx.State.WorkflowStatus), string(payload), tx.State.UpdatedAt, tx.WorkflowID,
	); err != nil {
		return fmt.Errorf("postgres: update workflow %q: %w", tx.WorkflowID, err)
	}

	for _, ev := range tx.Events {
		toolInput, err := json.Marshal(ev.ToolInput)
		if err != nil {
			return fmt.Errorf("postgres: encode tool input: %w", err)
		}
		if _, err := pgTx.Exec(ctx,
			`INSERT INTO workflow_log (id, workflow_id, sequence, timestamp, agent, event_type, message, tool_name, tool_input, tool_output, is_error, session_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			eventID(ev), tx.WorkflowID, ev.Sequence, ev.Timestamp, ev.Agent, string(ev.EventType),
			ev.Message, ev.ToolName, string(toolInput), ev.ToolOutput, ev.IsError, ev.SessionID,
		); err != nil {
			return fmt.Errorf("postgres: append event (seq %d): %w", ev.Sequence, err)
		}
	}

	for _, u := range tx.Usage {
		if _, err := pgTx.Exec(ctx,
			`INSERT INTO token_usage (id, workflow_id, agent, model, input_tokens, output_tokens, cache_read_tokens, cache_create_tokens, cost_usd, duration_ms, num_turns, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			usageID(u), tx.WorkflowID, u.Agent, u.Model, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreateTokens,
			u.CostUSD, u.DurationMs, u.NumTurns, u.Timestamp,
		); err != nil {
			return fmt.Errorf("postgres: record token usage: %w", err)
		}
	}

	return pgTx.Commit(ctx)
}

func (c *Client) WorkflowEvents(ctx context.Context, workflowID string, afterSequence int64) ([]state.WorkflowEvent, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT sequence, timestamp, agent, event_type, message, tool_name, tool_input, tool_output, is_error, session_id
		 FROM workflow_log WHERE workflow_id = $1 AND sequence > $2 ORDER BY sequence ASC`,
		workflowID, afterSequence,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: load events for %q: %w", workflowID, err)
	}
	defer rows.Close()

	var out []state.WorkflowEvent
	for rows.Next() {
		var (
			ev        state.WorkflowEvent
			eventType string
			toolInput string
		)
		if err := rows.Scan(&ev.Sequence, &ev.Timestamp, &ev.Agent, &eventType, &ev.Message, &ev.ToolName, &toolInput, &ev.ToolOutput, &ev.IsError, &ev.SessionID); err != nil {
			return nil, fmt.Errorf("postgres: scan event row: %w", err)
		}
		ev.WorkflowID = workflowID
		ev.EventType = state.EventType(eventType)
		if toolInput != "" && toolInput != "null" {
			_ = json.Unmarshal([]byte(toolInput), &ev.ToolInput)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (c *Client) Save(ctx context.Context, cp graph.Checkpoint) error {
	payload, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("postgres: encode checkpoint state: %w", err)
	}
	_, err = c.pool.Exec(ctx,
		`INSERT INTO workflow_checkpoints (workflow_id, node, interrupt, state_json, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (workflow_id) DO UPDATE SET node = excluded.node, interrupt = excluded.interrupt, state_json = excluded.state_json, updated_at = excluded.updated_at`,
		cp.WorkflowID, string(cp.Node), cp.Interrupt, string(payload), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("postgres: save checkpoint for %q: %w", cp.WorkflowID, err)
	}
	return nil
}

func (c *Client) Load(ctx context.Context, workflowID string) (graph.Checkpoint, bool, error) {
	var (
		node      string
		interrupt bool
		payload   string
	)
	err := c.pool.QueryRow(ctx,
		`SELECT node, interrupt, state_json FROM workflow_checkpoints WHERE workflow_id = $1`, workflowID,
	).Scan(&node, &interrupt, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return graph.Checkpoint{}, false, nil
	}
	if err != nil {
		return graph.Checkpoint{}, false, fmt.Errorf("postgres: load checkpoint for %q: %w", workflowID, err)
	}
	var st state.WorkflowState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return graph.Checkpoint{}, false, fmt.Errorf("postgres: decode checkpoint for %q: %w", workflowID, err)
	}
	return graph.Checkpoint{WorkflowID: workflowID, State: &st, Node: graph.NodeName(node), Interrupt: interrupt}, true, nil
}

func (c *Client) SaveProfile(ctx context.Context, p config.Profile) error {
	agentsJSON, err := json.Marshal(struct {
		Architect, Developer, Reviewer, Oracle config.AgentModel
	}{p.Architect, p.Developer, p.Reviewer, p.Oracle})
	if err != nil {
		return fmt.Errorf("postgres: encode profile agents: %w", err)
	}
	_, err = c.pool.Exec(ctx,
		`INSERT INTO profiles (id, working_dir, plan_path_pattern, trust_level, batch_checkpoints, max_review_iters, oracle_token_budget, agents_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET working_dir = excluded.working_dir, plan_path_pattern = excluded.plan_path_pattern,
			trust_level = excluded.trust_level, batch_checkpoints = excluded.batch_checkpoints,
			max_review_iters = excluded.max_review_iters, oracle_token_budget = excluded.oracle_token_budget, agents_json = excluded.agents_json`,
		p.ID, p.WorkingDir, p.PlanPathPattern, string(p.TrustLevel), p.BatchCheckpoints, p.MaxReviewIters, p.OracleTokenBudget, string(agentsJSON),
	)
	if err != nil {
		return fmt.Errorf("postgres: save profile %q: %w", p.ID, err)
	}
	return nil
}

func (c *Client) LoadProfile(ctx context.Context, profileID string) (config.Profile, error) {
	var (
		p          config.Profile
		trustLevel string
		agentsJSON string
	)
	err := c.pool.QueryRow(ctx,
		`SELECT id, working_dir, plan_path_pattern, trust_level, batch_checkpoints, max_review_iters, oracle_token_budget, agents_json
		 FROM profiles WHERE id = $1`, profileID,
	).Scan(&p.ID, &p.WorkingDir, &p.PlanPathPattern, &trustLevel, &p.BatchCheckpoints, &p.MaxReviewIters, &p.OracleTokenBudget, &agentsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return config.Profile{}, store.ErrNotFound
	}
	if err != nil {
		return config.Profile{}, fmt.Errorf("postgres: load profile %q: %w", profileID, err)
	}
	p.TrustLevel = config.TrustLevel(trustLevel)
	var agents struct {
		Architect, Developer, Reviewer, Oracle config.AgentModel
	}
	if err := json.Unmarshal([]byte(agentsJSON), &agents); err != nil {
		return config.Profile{}, fmt.Errorf("postgres: decode profile agents %q: %w", profileID, err)
	}
	p.Architect, p.Developer, p.Reviewer, p.Oracle = agents.Architect, agents.Developer, agents.Reviewer, agents.Oracle
	return p, nil
}

var serverSettingsKeys = []string{
	"max_concurrent", "workflow_start_timeout_ms", "driver_call_timeout_ms",
	"log_retention_days", "log_retention_max_events", "worktree_retention_on_failed",
}

func (c *Client) SaveServerSettings(ctx context.Context, s config.ServerSettings) error {
	values := map[string]string{
		"max_concurrent":               fmt.Sprint(s.MaxConcurrent),
		"workflow_start_timeout_ms":    fmt.Sprint(s.WorkflowStartTimeout.Milliseconds()),
		"driver_call_timeout_ms":       fmt.Sprint(s.DriverCallTimeout.Milliseconds()),
		"log_retention_days":           fmt.Sprint(s.LogRetentionDays),
		"log_retention_max_events":     fmt.Sprint(s.LogRetentionMaxEvents),
		"worktree_retention_on_failed": fmt.Sprint(s.WorktreeRetentionOnFailed),
	}
	for _, key := range serverSettingsKeys {
		if _, err := c.pool.Exec(ctx,
			`INSERT INTO server_settings (key, value) VALUES ($1, $2)
			 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
			key, values[key],
		); err != nil {
			return fmt.Errorf("postgres: save server setting %q: %w", key, err)
		}
	}
	return nil
}

func (c *Client) LoadServerSettings(ctx context.Context) (config.ServerSettings, error) {
	s := config.NewServerSettings()
	rows, err := c.pool.Query(ctx, `SELECT key, value FROM server_settings`)
	if err != nil {
		return config.ServerSettings{}, fmt.Errorf("postgres: load server settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return config.ServerSettings{}, fmt.Errorf("postgres: scan server setting: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return config.ServerSettings{}, err
	}
	if len(values) == 0 {
		return s, nil
	}
	if v, ok := values["max_concurrent"]; ok {
		fmt.Sscan(v, &s.MaxConcurrent)
	}
	if v, ok := values["workflow_start_timeout_ms"]; ok {
		var ms int64
		fmt.Sscan(v, &ms)
		s.WorkflowStartTimeout = time.Duration(ms) * time.Millisecond
	}
	if v, ok := values["driver_call_timeout_ms"]; ok {
		var ms int64
		fmt.Sscan(v, &ms)
		s.DriverCallTimeout = time.Duration(ms) * time.Millisecond
	}
	if v, ok := values["log_retention_days"]; ok {
		fmt.Sscan(v, &s.LogRetentionDays)
	}
	if v, ok := values["log_retention_max_events"]; ok {
		fmt.Sscan(v, &s.LogRetentionMaxEvents)
	}
	if v, ok := values["worktree_retention_on_failed"]; ok {
		fmt.Sscan(v, &s.WorktreeRetentionOnFailed)
	}
	return s, nil
}

func (c *Client) CreateBrainstormSession(ctx context.Context, s store.BrainstormSession) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO brainstorm_sessions (id, profile_id, driver_session_id, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.ProfileID, s.DriverSessionID, s.Status, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create brainstorm session %q: %w", s.ID, err)
	}
	return nil
}

func (c *Client) LoadBrainstormSession(ctx context.Context, sessionID string) (store.BrainstormSession, error) {
	var s store.BrainstormSession
	err := c.pool.QueryRow(ctx,
		`SELECT id, profile_id, driver_session_id, status, created_at FROM brainstorm_sessions WHERE id = $1`, sessionID,
	).Scan(&s.ID, &s.ProfileID, &s.DriverSessionID, &s.Status, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.BrainstormSession{}, store.ErrNotFound
	}
	if err != nil {
		return store.BrainstormSession{}, fmt.Errorf("postgres: load brainstorm session %q: %w", sessionID, err)
	}
	return s, nil
}

func (c *Client) ListBrainstormSessions(ctx context.Context) ([]store.BrainstormSession, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT id, profile_id, driver_session_id, status, created_at FROM brainstorm_sessions ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list brainstorm sessions: %w", err)
	}
	defer rows.Close()

	var out []store.BrainstormSession
	for rows.Next() {
		var s store.BrainstormSession
		if err := rows.Scan(&s.ID, &s.ProfileID, &s.DriverSessionID, &s.Status, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan brainstorm session row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Client) UpdateBrainstormSessionStatus(ctx context.Context, sessionID, status string) error {
	_, err := c.pool.Exec(ctx, `UPDATE brainstorm_sessions SET status = $1 WHERE id = $2`, status, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: update brainstorm session %q status: %w", sessionID, err)
	}
	return nil
}

func (c *Client) DeleteBrainstormSession(ctx context.Context, sessionID string) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin delete brainstorm session %q: %w", sessionID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	for _, stmt := range []string{
		`DELETE FROM brainstorm_artifacts WHERE session_id = $1`,
		`DELETE FROM brainstorm_messages WHERE session_id = $1`,
		`DELETE FROM brainstorm_sessions WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, sessionID); err != nil {
			return fmt.Errorf("postgres: delete brainstorm session %q: %w", sessionID, err)
		}
	}
	return tx.Commit(ctx)
}

func (c *Client) AppendBrainstormMessage(ctx context.Context, m store.BrainstormMessage) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO brainstorm_messages (id, session_id, sequence, role, content, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.SessionID, m.Sequence, m.Role, m.Content, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append brainstorm message: %w", err)
	}
	return nil
}

func (c *Client) BrainstormMessages(ctx context.Context, sessionID string) ([]store.BrainstormMessage, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT id, session_id, sequence, role, content, created_at FROM brainstorm_messages WHERE session_id = $1 ORDER BY sequence ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list brainstorm messages for %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []store.BrainstormMessage
	for rows.Next() {
		var m store.BrainstormMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sequence, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan brainstorm message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *Client) SaveArtifact(ctx context.Context, a store.Artifact) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO brainstorm_artifacts (id, session_id, path, artifact_type, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, path) DO UPDATE SET artifact_type = excluded.artifact_type`,
		a.ID, a.SessionID, a.Path, a.ArtifactType, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save artifact %q: %w", a.Path, err)
	}
	return nil
}

func (c *Client) ArtifactByPath(ctx context.Context, sessionID, path string) (store.Artifact, error) {
	var a store.Artifact
	err := c.pool.QueryRow(ctx,
		`SELECT id, session_id, path, artifact_type, created_at FROM brainstorm_artifacts WHERE session_id = $1 AND path = $2`,
		sessionID, path,
	).Scan(&a.ID, &a.SessionID, &a.Path, &a.ArtifactType, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Artifact{}, store.ErrNotFound
	}
	if err != nil {
		return store.Artifact{}, fmt.Errorf("postgres: load artifact %q: %w", path, err)
	}
	return a, nil
}

func eventID(ev state.WorkflowEvent) string {
	if ev.ID != "" {
		return ev.ID
	}
	return fmt.Sprintf("%s-%d", ev.WorkflowID, ev.Sequence)
}

func usageID(u state.TokenUsage) string {
	return fmt.Sprintf("%s-%s-%d", u.WorkflowID, u.Agent, u.Timestamp.UnixNano())
}
