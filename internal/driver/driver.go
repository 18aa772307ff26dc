// Package driver defines the uniform interface the engine uses to talk to
// an LLM session regardless of transport (direct HTTP SDK, a CLI
// subprocess, or a sandboxed worker process). Agents never import a
// provider SDK directly; they depend only on this package.
package driver

import (
	"context"
	"encoding/json"
)

// Kind names a concrete driver transport.
type Kind string

const (
	KindAnthropic Kind = "anthropic"
	KindOpenAI    Kind = "openai"
	KindBedrock   Kind = "bedrock"
	KindSandbox   Kind = "sandbox"
)

type (
	// Driver is one logical LLM session bound to a model and (for
	// transports that support it) a conversational session id.
	Driver interface {
		// Generate performs a single-turn call. If schema is non-nil the
		// returned Parsed field is validated against it and populated;
		// otherwise only Text is populated. SessionID threads conversational
		// continuity where the transport supports it; the response's
		// NewSessionID should be persisted by the caller for the next call.
		Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)

		// ExecuteAgentic runs a multi-turn, tool-using execution and returns a
		// channel of AgenticMessage. The channel is closed once a Result (or
		// a terminal error folded into a Result-shaped failure) has been
		// produced; callers should keep draining until it closes.
		ExecuteAgentic(ctx context.Context, req AgenticRequest) (<-chan AgenticMessage, error)

		// GetUsage returns the usage accumulated over every call this driver
		// has made so far (running totals; reading them does not reset
		// them), or nil for transports that do not report usage.
		GetUsage() *Usage

		// Model is the model descriptor this driver session targets.
		Model() string
	}

	// Factory constructs a Driver for (kind, model). Concrete factories are
	// installed with Registry.Register by the code that builds the
	// Registry; provider subpackages do not register themselves.
	Factory func(ctx context.Context, model string) (Driver, error)

	// GenerateRequest is a single-turn driver call.
	GenerateRequest struct {
		Prompt       string
		SystemPrompt string
		// Schema, when non-nil, is a JSON Schema document (as produced by
		// santhosh-tekuri/jsonschema) the response must validate against.
		Schema    json.RawMessage
		SessionID string
	}

	// GenerateResult is the outcome of a Generate call.
	GenerateResult struct {
		// Text is the raw model output; always populated.
		Text string
		// Parsed is the schema-validated decode of Text when req.Schema was
		// set; nil otherwise.
		Parsed       map[string]any
		NewSessionID string
	}

	// AgenticRequest starts a multi-turn, tool-using execution.
	AgenticRequest struct {
		Prompt       string
		SystemPrompt string
		Cwd          string
		SessionID string
	}
)

// MessageType discriminates AgenticMessage variants.
type MessageType string

const (
	MessageThinking   MessageType = "THINKING"
	MessageToolCall   MessageType = "TOOL_CALL"
	MessageToolResult MessageType = "TOOL_RESULT"
	MessageResult     MessageType = "RESULT"
	MessageUsage      MessageType = "USAGE"
)

type (
	// AgenticMessage is the tagged union streamed by ExecuteAgentic and by
	// the sandbox worker's JSON-line protocol. Exactly one of the Thinking/
	// ToolCall/ToolResult/Result/Usage fields is populated, matching Type.
	AgenticMessage struct {
		Type       MessageType     `json:"type"`
		Thinking   *ThinkingMsg    `json:"thinking,omitempty"`
		ToolCall   *ToolCallMsg    `json:"toolCall,omitempty"`
		ToolResult *ToolResultMsg  `json:"toolResult,omitempty"`
		Result     *ResultMsg      `json:"result,omitempty"`
		Usage      *Usage          `json:"usage,omitempty"`
	}

	// ThinkingMsg carries interim reasoning content.
	ThinkingMsg struct {
		Content string `json:"content"`
		Model   string `json:"model"`
	}

	// ToolCallMsg announces a tool invocation requested by the model.
	ToolCallMsg struct {
		ToolName   string         `json:"toolName"`
		ToolInput  map[string]any `json:"toolInput"`
		ToolCallID string         `json:"toolCallId"`
		Model      string         `json:"model"`
	}

	// ToolResultMsg carries a tool's output. ToolOutput is truncated to a
	// bounded size by the producer before it reaches this struct.
	ToolResultMsg struct {
		ToolName   string `json:"toolName"`
		ToolOutput string `json:"toolOutput"`
		ToolCallID string `json:"toolCallId"`
		IsError    bool   `json:"isError"`
		Model      string `json:"model"`
	}

	// ResultMsg is the terminal logical result of an agentic execution.
	ResultMsg struct {
		Content   string `json:"content"`
		SessionID string `json:"sessionId"`
		Model     string `json:"model"`
	}

	// Usage carries token and cost accounting for one or more driver calls.
	// Every field is optional; zero means "not reported" except where the
	// transport is known to always report a field.
	Usage struct {
		InputTokens       int     `json:"inputTokens"`
		OutputTokens      int     `json:"outputTokens"`
		CacheReadTokens   int     `json:"cacheReadTokens"`
		CacheCreateTokens int     `json:"cacheCreationTokens"`
		CostUSD           float64 `json:"costUsd"`
		DurationMs        int64   `json:"durationMs"`
		NumTurns          int     `json:"numTurns"`
		Model             string  `json:"model"`
	}
)
