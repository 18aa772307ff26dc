package state

import "time"

// EventType is the closed set of workflow_log entry kinds (spec §3).
type EventType string

const (
	EventAgentStarted               EventType = "AGENT_STARTED"
	EventAgentCompleted             EventType = "AGENT_COMPLETED"
	EventClaudeThinking             EventType = "CLAUDE_THINKING"
	EventClaudeToolCall             EventType = "CLAUDE_TOOL_CALL"
	EventClaudeToolResult           EventType = "CLAUDE_TOOL_RESULT"
	EventAgentOutput                EventType = "AGENT_OUTPUT"
	EventBlocked                    EventType = "BLOCKED"
	EventBatchApprovalRequested     EventType = "BATCH_APPROVAL_REQUESTED"
	EventBatchApproved              EventType = "BATCH_APPROVED"
	EventWorkflowCompleted          EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed             EventType = "WORKFLOW_FAILED"
	EventWorkflowCancelled          EventType = "WORKFLOW_CANCELLED"
	EventOracleConsultationStarted  EventType = "ORACLE_CONSULTATION_STARTED"
	EventOracleConsultationComplete EventType = "ORACLE_CONSULTATION_COMPLETED"
	EventOracleConsultationFailed   EventType = "ORACLE_CONSULTATION_FAILED"
	EventOracleToolCall             EventType = "ORACLE_TOOL_CALL"
	EventOracleToolResult           EventType = "ORACLE_TOOL_RESULT"
	EventBrainstormMessageComplete  EventType = "BRAINSTORM_MESSAGE_COMPLETE"
	EventBrainstormArtifactCreated  EventType = "BRAINSTORM_ARTIFACT_CREATED"
	EventBrainstormSessionCreated   EventType = "BRAINSTORM_SESSION_CREATED"
)

// WorkflowEvent is a single append-only workflow_log entry. The sequence
// field is assigned by the stream emitter (orchestrator), never by the bus
// or the store, and is strictly monotonically increasing per workflowId.
type WorkflowEvent struct {
	ID         string
	WorkflowID string
	Sequence   int64
	Timestamp  time.Time
	Agent      string
	EventType  EventType
	Message    string
	ToolName   string
	ToolInput  map[string]any
	ToolOutput string
	IsError    bool
	SessionID  string
}

// TokenUsage is a single token_usage row recorded for one driver call.
type TokenUsage struct {
	WorkflowID       string
	Agent            string
	Model            string
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheCreateTokens int
	CostUSD          float64
	DurationMs       int64
	NumTurns         int
	Timestamp        time.Time
}
