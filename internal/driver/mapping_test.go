package driver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/state"
)

func TestToWorkflowEventMapping(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		msg  AgenticMessage
		want state.EventType
	}{
		{"thinking", AgenticMessage{Type: MessageThinking, Thinking: &ThinkingMsg{Content: "hmm"}}, state.EventClaudeThinking},
		{"tool_call", AgenticMessage{Type: MessageToolCall, ToolCall: &ToolCallMsg{ToolName: "run_shell_command"}}, state.EventClaudeToolCall},
		{"tool_result", AgenticMessage{Type: MessageToolResult, ToolResult: &ToolResultMsg{ToolName: "run_shell_command"}}, state.EventClaudeToolResult},
		{"result", AgenticMessage{Type: MessageResult, Result: &ResultMsg{Content: "done"}}, state.EventAgentOutput},
	}
	for _, tc := range cases {
		evt, ok := ToWorkflowEvent("developer", tc.msg, now)
		require.True(t, ok, tc.name)
		require.Equal(t, tc.want, evt.EventType, tc.name)
	}
}

func TestToWorkflowEventUsageIsNeverMapped(t *testing.T) {
	_, ok := ToWorkflowEvent("developer", AgenticMessage{Type: MessageUsage, Usage: &Usage{InputTokens: 10}}, time.Now())
	require.False(t, ok)
}

func TestAgenticMessageJSONRoundTrip(t *testing.T) {
	msgs := []AgenticMessage{
		{Type: MessageThinking, Thinking: &ThinkingMsg{Content: "considering", Model: "claude"}},
		{Type: MessageToolCall, ToolCall: &ToolCallMsg{ToolName: "write_file", ToolInput: map[string]any{"path": "a.go"}, ToolCallID: "tc1"}},
		{Type: MessageToolResult, ToolResult: &ToolResultMsg{ToolName: "write_file", ToolOutput: "ok", ToolCallID: "tc1"}},
		{Type: MessageResult, Result: &ResultMsg{Content: "done", SessionID: "sess1"}},
		{Type: MessageUsage, Usage: &Usage{InputTokens: 100, OutputTokens: 50, Model: "claude"}},
	}
	for _, m := range msgs {
		b, err := json.Marshal(m)
		require.NoError(t, err)
		var out AgenticMessage
		require.NoError(t, json.Unmarshal(b, &out))
		require.Equal(t, m, out)
	}
}
