package driver

import (
	"time"

	"github.com/agentflow/agentflow/internal/state"
)

// ToWorkflowEvent converts an AgenticMessage into a WorkflowEvent by a pure
// mapping: THINKING->CLAUDE_THINKING, TOOL_CALL->CLAUDE_TOOL_CALL,
// TOOL_RESULT->CLAUDE_TOOL_RESULT, RESULT->AGENT_OUTPUT. USAGE messages are
// consumed by the driver/orchestrator for token accounting and never mapped
// to an event; callers must check the returned bool.
func ToWorkflowEvent(agentName string, msg AgenticMessage, now time.Time) (state.WorkflowEvent, bool) {
	evt := state.WorkflowEvent{
		Agent:     agentName,
		Timestamp: now,
	}
	switch msg.Type {
	case MessageThinking:
		evt.EventType = state.EventClaudeThinking
		if msg.Thinking != nil {
			evt.Message = msg.Thinking.Content
		}
	case MessageToolCall:
		evt.EventType = state.EventClaudeToolCall
		if msg.ToolCall != nil {
			evt.ToolName = msg.ToolCall.ToolName
			evt.ToolInput = msg.ToolCall.ToolInput
		}
	case MessageToolResult:
		evt.EventType = state.EventClaudeToolResult
		if msg.ToolResult != nil {
			evt.ToolName = msg.ToolResult.ToolName
			evt.ToolOutput = msg.ToolResult.ToolOutput
			evt.IsError = msg.ToolResult.IsError
		}
	case MessageResult:
		evt.EventType = state.EventAgentOutput
		if msg.Result != nil {
			evt.Message = msg.Result.Content
			evt.SessionID = msg.Result.SessionID
		}
	case MessageUsage:
		return state.WorkflowEvent{}, false
	default:
		return state.WorkflowEvent{}, false
	}
	return evt, true
}
