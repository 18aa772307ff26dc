// Package anthropic implements driver.Driver on top of the Anthropic
// Messages API via github.com/anthropics/anthropic-sdk-go. Agentic execution
// is a bounded tool-calling loop over non-streaming calls: the model
// requests run_shell_command/write_file/read_file, the adapter executes
// them locally against the session's cwd, and feeds results back until the
// model stops requesting tools or the turn cap is reached.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentflow/agentflow/internal/driver"
	"github.com/agentflow/agentflow/internal/driver/tools"
)

// maxAgenticTurns bounds the tool-calling loop so a misbehaving model cannot
// run forever; this mirrors the bounded-retry posture the graph runtime
// applies at a higher level.
const maxAgenticTurns = 25

// MessagesClient captures the subset of the Anthropic SDK used here so tests
// can supply a stub instead of a live HTTP client.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements driver.Driver against one Anthropic model.
type Client struct {
	msg       MessagesClient
	model     string
	maxTokens int

	mu    sync.Mutex
	usage driver.Usage
}

// New builds a Client bound to model, using msg for all requests.
func New(msg MessagesClient, model string, maxTokens int) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if model == "" {
		return nil, errors.New("anthropic: model is required")
	}
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Client{msg: msg, model: model, maxTokens: maxTokens}, nil
}

// NewFromAPIKey builds a Client using the default Anthropic HTTP transport.
func NewFromAPIKey(apiKey, model string) (driver.Driver, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, model, 0)
}

// Model implements driver.Driver.
func (c *Client) Model() string { return c.model }

// GetUsage implements driver.Driver.
func (c *Client) GetUsage() *driver.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.usage
	u.Model = c.model
	return &u
}

// Generate implements driver.Driver.
func (c *Client) Generate(ctx context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
	params := sdk.MessageNewParams{
		MaxTokens: int64(c.maxTokens),
		Model:     sdk.Model(c.model),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return driver.GenerateResult{}, fmt.Errorf("anthropic generate: %w", err)
	}
	c.recordUsage(msg.Usage)

	text := extractText(msg)
	result := driver.GenerateResult{Text: text, NewSessionID: req.SessionID}
	if len(req.Schema) > 0 {
		parsed, err := validateAgainstSchema(text, req.Schema)
		if err != nil {
			return driver.GenerateResult{}, err
		}
		result.Parsed = parsed
	}
	return result, nil
}

// ExecuteAgentic implements driver.Driver.
func (c *Client) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	out := make(chan driver.AgenticMessage, 16)
	go c.runAgenticLoop(ctx, req, out)
	return out, nil
}

func (c *Client) runAgenticLoop(ctx context.Context, req driver.AgenticRequest, out chan<- driver.AgenticMessage) {
	defer close(out)

	toolSchema := map[string]any{"type": "object", "properties": map[string]any{
		"command": map[string]any{"type": "string"},
		"path":    map[string]any{"type": "string"},
		"content": map[string]any{"type": "string"},
		"cwd":     map[string]any{"type": "string"},
	}}
	builtinTools := []sdk.ToolUnionParam{
		sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: toolSchema}, tools.RunShellCommand),
		sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: toolSchema}, tools.WriteFile),
		sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: toolSchema}, tools.ReadFile),
	}

	conversation := []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))}
	sessionID := req.SessionID

	for turn := 0; turn < maxAgenticTurns; turn++ {
		params := sdk.MessageNewParams{
			MaxTokens: int64(c.maxTokens),
			Model:     sdk.Model(c.model),
			Messages:  conversation,
			Tools:     builtinTools,
		}
		if req.SystemPrompt != "" {
			params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
		}
		msg, err := c.msg.New(ctx, params)
		if err != nil {
			out <- driver.AgenticMessage{Type: driver.MessageResult, Result: &driver.ResultMsg{
				Content: fmt.Sprintf("driver error: %v", err), SessionID: sessionID, Model: c.model,
			}}
			return
		}
		c.recordUsage(msg.Usage)

		var toolUses []sdk.ContentBlockUnion
		var text string
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				text += block.Text
			case "tool_use":
				toolUses = append(toolUses, block)
			}
		}
		if text != "" {
			out <- driver.AgenticMessage{Type: driver.MessageThinking, Thinking: &driver.ThinkingMsg{Content: text, Model: c.model}}
		}

		assistantBlocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				assistantBlocks = append(assistantBlocks, sdk.NewTextBlock(block.Text))
			case "tool_use":
				assistantBlocks = append(assistantBlocks, sdk.NewToolUseBlock(block.ID, block.Input, block.Name))
			}
		}
		conversation = append(conversation, sdk.NewAssistantMessage(assistantBlocks...))

		if len(toolUses) == 0 {
			out <- driver.AgenticMessage{Type: driver.MessageResult, Result: &driver.ResultMsg{
				Content: text, SessionID: sessionID, Model: c.model,
			}}
			out <- driver.AgenticMessage{Type: driver.MessageUsage, Usage: c.GetUsage()}
			return
		}

		resultBlocks := make([]sdk.ContentBlockParamUnion, 0, len(toolUses))
		for _, tu := range toolUses {
			var input map[string]any
			_ = json.Unmarshal(tu.Input, &input)
			out <- driver.AgenticMessage{Type: driver.MessageToolCall, ToolCall: &driver.ToolCallMsg{
				ToolName: tu.Name, ToolInput: input, ToolCallID: tu.ID, Model: c.model,
			}}
			output, isErr := tools.Execute(ctx, tu.Name, input, req.Cwd)
			out <- driver.AgenticMessage{Type: driver.MessageToolResult, ToolResult: &driver.ToolResultMsg{
				ToolName: tu.Name, ToolOutput: output, ToolCallID: tu.ID, IsError: isErr, Model: c.model,
			}}
			resultBlocks = append(resultBlocks, sdk.NewToolResultBlock(tu.ID, output, isErr))
		}
		conversation = append(conversation, sdk.NewUserMessage(resultBlocks...))
	}

	out <- driver.AgenticMessage{Type: driver.MessageResult, Result: &driver.ResultMsg{
		Content: "agentic execution exceeded the maximum turn count", SessionID: sessionID, Model: c.model,
	}}
	out <- driver.AgenticMessage{Type: driver.MessageUsage, Usage: c.GetUsage()}
}

func (c *Client) recordUsage(u sdk.Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.InputTokens += int(u.InputTokens)
	c.usage.OutputTokens += int(u.OutputTokens)
	c.usage.CacheReadTokens += int(u.CacheReadInputTokens)
	c.usage.CacheCreateTokens += int(u.CacheCreationInputTokens)
	c.usage.NumTurns++
}

func extractText(msg *sdk.Message) string {
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}

func validateAgainstSchema(text string, schema json.RawMessage) (map[string]any, error) {
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("anthropic: model output is not valid JSON: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	var schemaDoc any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("anthropic: invalid schema: %w", err)
	}
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("anthropic: invalid schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("anthropic: compile schema: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return nil, fmt.Errorf("anthropic: schema validation failed: %w", err)
	}
	parsed, ok := doc.(map[string]any)
	if !ok {
		return nil, errors.New("anthropic: schema-validated output is not a JSON object")
	}
	return parsed, nil
}
