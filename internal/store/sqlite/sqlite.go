// Package sqlite is the sqlite-backed store.Store implementation, using
// modernc.org/sqlite (pure Go, no cgo) with WAL journaling, a busy timeout,
// and foreign-key enforcement, migrated via goose.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/graph"
	"github.com/agentflow/agentflow/internal/state"
	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/internal/store/migrations"
)

// Client is a goose-migrated sqlite database backing store.Store.
type Client struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path, applies
// pragmas for WAL journaling and foreign-key enforcement, and runs every
// pending migration.
func Open(ctx context.Context, path string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention storms

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("sqlite: set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: run migrations: %w", err)
	}
	return &Client{db: db}, nil
}

// NewWithDB wraps an already-opened *sql.DB as a Client, skipping the
// pragma/migration setup Open does. Intended for tests that need to inject
// a mocked driver (e.g. DATA-DOG/go-sqlmock) to exercise error paths that
// are impractical to trigger against a real database, such as a mid-transaction
// failure in CommitTransition.
func NewWithDB(db *sql.DB) *Client { return &Client{db: db} }

// Close releases the underlying database handle.
func (c *Client) Close() error { return c.db.Close() }

func (c *Client) CreateWorkflow(ctx context.Context, st *state.WorkflowState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("sqlite: encode state: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO workflows (id, issue_id, profile_id, status, state_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.WorkflowID, st.IssueID, st.ProfileID, string(st.WorkflowStatus), string(payload), st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create workflow %q: %w", st.WorkflowID, err)
	}
	return nil
}

func (c *Client) LoadWorkflow(ctx context.Context, workflowID string) (*state.WorkflowState, error) {
	var payload string
	err := c.db.QueryRowContext(ctx, `SELECT state_json FROM workflows WHERE id = ?`, workflowID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load workflow %q: %w", workflowID, err)
	}
	var st state.WorkflowState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return nil, fmt.Errorf("sqlite: decode workflow %q: %w", workflowID, err)
	}
	return &st, nil
}

func (c *Client) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*state.WorkflowState, error) {
	query := `SELECT state_json FROM workflows WHERE 1=1`
	var args []any
	if filter.ProfileID != "" {
		query += ` AND profile_id = ?`
		args = append(args, filter.ProfileID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list workflows: %w", err)
	}
	defer rows.Close()

	var out []*state.WorkflowState
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan workflow row: %w", err)
		}
		var st state.WorkflowState
		if err := json.Unmarshal([]byte(payload), &st); err != nil {
			return nil, fmt.Errorf("sqlite: decode workflow row: %w", err)
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

// DeleteWorkflow removes workflowID and its dependent rows (log, usage,
// checkpoint), per spec §3's lifecycle note that a workflow "is destroyed
// only by explicit delete".
func (c *Client) DeleteWorkflow(ctx context.Context, workflowID string) error {
	for _, stmt := range []string{
		`DELETE FROM token_usage WHERE workflow_id = ?`,
		`DELETE FROM workflow_log WHERE workflow_id = ?`,
		`DELETE FROM workflow_checkpoints WHERE workflow_id = ?`,
		`DELETE FROM workflows WHERE id = ?`,
	} {
		if _, err := c.db.ExecContext(ctx, stmt, workflowID); err != nil {
			return fmt.Errorf("sqlite: delete workflow %q: %w", workflowID, err)
		}
	}
	return nil
}

// LatestSequence returns the highest event sequence recorded for
// workflowID, or 0 if none exist, so callers can resume sequence
// assignment after a restart.
func (c *Client) LatestSequence(ctx context.Context, workflowID string) (int64, error) {
	var seq sql.NullInt64
	err := c.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM workflow_log WHERE workflow_id = ?`, workflowID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlite: latest sequence for %q: %w", workflowID, err)
	}
	return seq.Int64, nil
}

// CommitTransition applies tx.State, appends tx.Events, and records
// tx.Usage inside a single database transaction, per spec §7: any failure
// rolls back state, events, and usage together.
func (c *Client) CommitTransition(ctx context.Context, tx store.Transaction) error {
	sqlTx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin transition: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck // no-op once committed

	payload, err := json.Marshal(tx.State)
	if err != nil {
		return fmt.Errorf("sqlite: encode state: %w", err)
	}
	if _, err := sqlTx.ExecContext(ctx,
		`UPDATE workflows SET status = ?, state_json = ?, updated_at = ? WHERE id = ?`,
		string(tx.State.WorkflowStatus), string(payload), tx.State.UpdatedAt, tx.WorkflowID,
	); err != nil {
		return fmt.Errorf("sqlite: update workflow %q: %w", tx.WorkflowID, err)
	}

	for _, ev := range tx.Events {
		toolInput, err := json.Marshal(ev.ToolInput)
		if err != nil {
			return fmt.Errorf("sqlite: encode tool input: %w", err)
		}
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO workflow_log (id, workflow_id, sequence, timestamp, agent, event_type, message, tool_name, tool_input, tool_output, is_error, session_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eventID(ev), tx.WorkflowID, ev.Sequence, ev.Timestamp, ev.Agent, string(ev.EventType),
			ev.Message, ev.ToolName, string(toolInput), ev.ToolOutput, boolToInt(ev.IsError), ev.SessionID,
		); err != nil {
			return fmt.Errorf("sqlite: append event (seq %d): %w", ev.Sequence, err)
		}
	}

	for _, u := range tx.Usage {
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT INTO token_usage (id, workflow_id, agent, model, input_tokens, output_tokens, cache_read_tokens, cache_create_tokens, cost_usd, duration_ms, num_turns, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			usageID(u), tx.WorkflowID, u.Agent, u.Model, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreateTokens,
			u.CostUSD, u.DurationMs, u.NumTurns, u.Timestamp,
		); err != nil {
			return fmt.Errorf("sqlite: record token usage: %w", err)
		}
	}

	return sqlTx.Commit()
}

func (c *Client) WorkflowEvents(ctx context.Context, workflowID string, afterSequence int64) ([]state.WorkflowEvent, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT sequence, timestamp, agent, event_type, message, tool_name, tool_input, tool_output, is_error, session_id
		 FROM workflow_log WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, afterSequence,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load events for %q: %w", workflowID, err)
	}
	defer rows.Close()

	var out []state.WorkflowEvent
	for rows.Next() {
		var (
			ev         state.WorkflowEvent
			eventType  string
			toolInput  string
			isErrorInt int
		)
		if err := rows.Scan(&ev.Sequence, &ev.Timestamp, &ev.Agent, &eventType, &ev.Message, &ev.ToolName, &toolInput, &ev.ToolOutput, &isErrorInt, &ev.SessionID); err != nil {
			return nil, fmt.Errorf("sqlite: scan event row: %w", err)
		}
		ev.WorkflowID = workflowID
		ev.EventType = state.EventType(eventType)
		ev.IsError = isErrorInt != 0
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
		return fmt.Errorf("sqlite: encode checkpoint state: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO workflow_checkpoints (workflow_id, node, interrupt, state_json, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET node = excluded.node, interrupt = excluded.interrupt, state_json = excluded.state_json, updated_at = excluded.updated_at`,
		cp.WorkflowID, string(cp.Node), boolToInt(cp.Interrupt), string(payload), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save checkpoint for %q: %w", cp.WorkflowID, err)
	}
	return nil
}

func (c *Client) Load(ctx context.Context, workflowID string) (graph.Checkpoint, bool, error) {
	var (
		node        string
		interruptN  int
		payload     string
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT node, interrupt, state_json FROM workflow_checkpoints WHERE workflow_id = ?`, workflowID,
	).Scan(&node, &interruptN, &payload)
	if err == sql.ErrNoRows {
		return graph.Checkpoint{}, false, nil
	}
	if err != nil {
		return graph.Checkpoint{}, false, fmt.Errorf("sqlite: load checkpoint for %q: %w", workflowID, err)
	}
	var st state.WorkflowState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return graph.Checkpoint{}, false, fmt.Errorf("sqlite: decode checkpoint for %q: %w", workflowID, err)
	}
	return graph.Checkpoint{WorkflowID: workflowID, State: &st, Node: graph.NodeName(node), Interrupt: interruptN != 0}, true, nil
}

func (c *Client) SaveProfile(ctx context.Context, p config.Profile) error {
	agentsJSON, err := json.Marshal(struct {
		Architect, Developer, Reviewer, Oracle config.AgentModel
	}{p.Architect, p.Developer, p.Reviewer, p.Oracle})
	if err != nil {
		return fmt.Errorf("sqlite: encode profile agents: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO profiles (id, working_dir, plan_path_pattern, trust_level, batch_checkpoints, max_review_iters, oracle_token_budget, agents_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET working_dir = excluded.working_dir, plan_path_pattern = excluded.plan_path_pattern,
			trust_level = excluded.trust_level, batch_checkpoints = excluded.batch_checkpoints,
			max_review_iters = excluded.max_review_iters, oracle_token_budget = excluded.oracle_token_budget, agents_json = excluded.agents_json`,
		p.ID, p.WorkingDir, p.PlanPathPattern, string(p.TrustLevel), boolToInt(p.BatchCheckpoints), p.MaxReviewIters, p.OracleTokenBudget, string(agentsJSON),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save profile %q: %w", p.ID, err)
	}
	return nil
}

func (c *Client) LoadProfile(ctx context.Context, profileID string) (config.Profile, error) {
	var (
		p                 config.Profile
		trustLevel        string
		batchCheckpoints  int
		agentsJSON        string
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT id, working_dir, plan_path_pattern, trust_level, batch_checkpoints, max_review_iters, oracle_token_budget, agents_json
		 FROM profiles WHERE id = ?`, profileID,
	).Scan(&p.ID, &p.WorkingDir, &p.PlanPathPattern, &trustLevel, &batchCheckpoints, &p.MaxReviewIters, &p.OracleTokenBudget, &agentsJSON)
	if err == sql.ErrNoRows {
		return config.Profile{}, store.ErrNotFound
	}
	if err != nil {
		return config.Profile{}, fmt.Errorf("sqlite: load profile %q: %w", profileID, err)
	}
	p.TrustLevel = config.TrustLevel(trustLevel)
	p.BatchCheckpoints = batchCheckpoints != 0
	var agents struct {
		Architect, Developer, Reviewer, Oracle config.AgentModel
	}
	if err := json.Unmarshal([]byte(agentsJSON), &agents); err != nil {
		return config.Profile{}, fmt.Errorf("sqlite: decode profile agents %q: %w", profileID, err)
	}
	p.Architect, p.Developer, p.Reviewer, p.Oracle = agents.Architect, agents.Developer, agents.Reviewer, agents.Oracle
	return p, nil
}

// serverSettingsKeys enumerates the server_settings key/value rows a
// config.ServerSettings serializes to; the table is a generic key/value
// store per spec §4.C so new knobs never require a migration.
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
		"worktree_retention_on_failed": fmt.Sprint(boolToInt(s.WorktreeRetentionOnFailed)),
	}
	for _, key := range serverSettingsKeys {
		if _, err := c.db.ExecContext(ctx,
			`INSERT INTO server_settings (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, values[key],
		); err != nil {
			return fmt.Errorf("sqlite: save server setting %q: %w", key, err)
		}
	}
	return nil
}

func (c *Client) LoadServerSettings(ctx context.Context) (config.ServerSettings, error) {
	s := config.NewServerSettings()
	rows, err := c.db.QueryContext(ctx, `SELECT key, value FROM server_settings`)
	if err != nil {
		return config.ServerSettings{}, fmt.Errorf("sqlite: load server settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return config.ServerSettings{}, fmt.Errorf("sqlite: scan server setting: %w", err)
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
		var n int
		fmt.Sscan(v, &n)
		s.WorktreeRetentionOnFailed = n != 0
	}
	return s, nil
}

func (c *Client) CreateBrainstormSession(ctx context.Context, s store.BrainstormSession) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO brainstorm_sessions (id, profile_id, driver_session_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.ProfileID, s.DriverSessionID, s.Status, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create brainstorm session %q: %w", s.ID, err)
	}
	return nil
}

func (c *Client) LoadBrainstormSession(ctx context.Context, sessionID string) (store.BrainstormSession, error) {
	var s store.BrainstormSession
	err := c.db.QueryRowContext(ctx,
		`SELECT id, profile_id, driver_session_id, status, created_at FROM brainstorm_sessions WHERE id = ?`, sessionID,
	).Scan(&s.ID, &s.ProfileID, &s.DriverSessionID, &s.Status, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return store.BrainstormSession{}, store.ErrNotFound
	}
	if err != nil {
		return store.BrainstormSession{}, fmt.Errorf("sqlite: load brainstorm session %q: %w", sessionID, err)
	}
	return s, nil
}

func (c *Client) ListBrainstormSessions(ctx context.Context) ([]store.BrainstormSession, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, profile_id, driver_session_id, status, created_at FROM brainstorm_sessions ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list brainstorm sessions: %w", err)
	}
	defer rows.Close()

	var out []store.BrainstormSession
	for rows.Next() {
		var s store.BrainstormSession
		if err := rows.Scan(&s.ID, &s.ProfileID, &s.DriverSessionID, &s.Status, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan brainstorm session row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Client) UpdateBrainstormSessionStatus(ctx context.Context, sessionID, status string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE brainstorm_sessions SET status = ? WHERE id = ?`, status, sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: update brainstorm session %q status: %w", sessionID, err)
	}
	return nil
}

func (c *Client) DeleteBrainstormSession(ctx context.Context, sessionID string) error {
	for _, stmt := range []string{
		`DELETE FROM brainstorm_artifacts WHERE session_id = ?`,
		`DELETE FROM brainstorm_messages WHERE session_id = ?`,
		`DELETE FROM brainstorm_sessions WHERE id = ?`,
	} {
		if _, err := c.db.ExecContext(ctx, stmt, sessionID); err != nil {
			return fmt.Errorf("sqlite: delete brainstorm session %q: %w", sessionID, err)
		}
	}
	return nil
}

func (c *Client) AppendBrainstormMessage(ctx context.Context, m store.BrainstormMessage) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO brainstorm_messages (id, session_id, sequence, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Sequence, m.Role, m.Content, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: append brainstorm message: %w", err)
	}
	return nil
}

func (c *Client) BrainstormMessages(ctx context.Context, sessionID string) ([]store.BrainstormMessage, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, session_id, sequence, role, content, created_at FROM brainstorm_messages WHERE session_id = ? ORDER BY sequence ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list brainstorm messages for %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []store.BrainstormMessage
	for rows.Next() {
		var m store.BrainstormMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sequence, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan brainstorm message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *Client) SaveArtifact(ctx context.Context, a store.Artifact) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO brainstorm_artifacts (id, session_id, path, artifact_type, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, path) DO UPDATE SET artifact_type = excluded.artifact_type`,
		a.ID, a.SessionID, a.Path, a.ArtifactType, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: save artifact %q: %w", a.Path, err)
	}
	return nil
}

func (c *Client) ArtifactByPath(ctx context.Context, sessionID, path string) (store.Artifact, error) {
	var a store.Artifact
	err := c.db.QueryRowContext(ctx,
		`SELECT id, session_id, path, artifact_type, created_at FROM brainstorm_artifacts WHERE session_id = ? AND path = ?`,
		sessionID, path,
	).Scan(&a.ID, &a.SessionID, &a.Path, &a.ArtifactType, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return store.Artifact{}, store.ErrNotFound
	}
	if err != nil {
		return store.Artifact{}, fmt.Errorf("sqlite: load artifact %q: %w", path, err)
	}
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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
