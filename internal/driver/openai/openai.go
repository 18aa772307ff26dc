// Package openai implements driver.Driver on top of the OpenAI Chat
// Completions API via github.com/openai/openai-go. The agentic loop mirrors
// the anthropic adapter's bounded tool-calling shape, translated to
// OpenAI's function-calling wire format.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentflow/agentflow/internal/driver"
	"github.com/agentflow/agentflow/internal/driver/tools"
)

const maxAgenticTurns = 25

// ChatClient captures the subset of the OpenAI SDK used here so tests can
// supply a stub instead of a live HTTP client.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client implements driver.Driver against one OpenAI chat model.
type Client struct {
	chat  ChatClient
	model string

	mu    sync.Mutex
	usage driver.Usage
}

// New builds a Client bound to model, using chat for all requests.
func New(chat ChatClient, model string) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if model == "" {
		return nil, errors.New("openai: model is required")
	}
	return &Client{chat: chat, model: model}, nil
}

// NewFromAPIKey builds a Client using the default OpenAI HTTP transport.
func NewFromAPIKey(apiKey, model string) (driver.Driver, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, model)
}

func (c *Client) Model() string { return c.model }

func (c *Client) GetUsage() *driver.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.usage
	u.Model = c.model
	return &u
}

func (c *Client) Generate(ctx context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{Model: c.model, Messages: messages}
	if len(req.Schema) > 0 {
		params.ResponseFormat = openai.ResponseFormatJSONObjectParam{Type: "json_object"}
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return driver.GenerateResult{}, fmt.Errorf("openai generate: %w", err)
	}
	c.recordUsage(resp.Usage)
	if len(resp.Choices) == 0 {
		return driver.GenerateResult{}, errors.New("openai: empty choices in response")
	}
	text := resp.Choices[0].Message.Content
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

func (c *Client) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	out := make(chan driver.AgenticMessage, 16)
	go c.runAgenticLoop(ctx, req, out)
	return out, nil
}

func (c *Client) runAgenticLoop(ctx context.Context, req driver.AgenticRequest, out chan<- driver.AgenticMessage) {
	defer close(out)

	toolParams := []openai.ChatCompletionToolParam{
		functionTool(tools.RunShellCommand, "Run a shell command in the workflow worktree."),
		functionTool(tools.WriteFile, "Write a file's full contents."),
		functionTool(tools.ReadFile, "Read a file's contents."),
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	for turn := 0; turn < maxAgenticTurns; turn++ {
		resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
			Model:    c.model,
			Messages: messages,
			Tools:    toolParams,
		})
		if err != nil {
			out <- driver.AgenticMessage{Type: driver.MessageResult, Result: &driver.ResultMsg{
				Content: fmt.Sprintf("driver error: %v", err), SessionID: req.SessionID, Model: c.model,
			}}
			return
		}
		c.recordUsage(resp.Usage)
		if len(resp.Choices) == 0 {
			out <- driver.AgenticMessage{Type: driver.MessageResult, Result: &driver.ResultMsg{
				Content: "openai: empty choices in response", SessionID: req.SessionID, Model: c.model,
			}}
			return
		}
		choice := resp.Choices[0].Message
		if choice.Content != "" {
			out <- driver.AgenticMessage{Type: driver.MessageThinking, Thinking: &driver.ThinkingMsg{Content: choice.Content, Model: c.model}}
		}
		messages = append(messages, choice.ToParam())

		if len(choice.ToolCalls) == 0 {
			out <- driver.AgenticMessage{Type: driver.MessageResult, Result: &driver.ResultMsg{
				Content: choice.Content, SessionID: req.SessionID, Model: c.model,
			}}
			out <- driver.AgenticMessage{Type: driver.MessageUsage, Usage: c.GetUsage()}
			return
		}

		for _, tc := range choice.ToolCalls {
			var input map[string]any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
			out <- driver.AgenticMessage{Type: driver.MessageToolCall, ToolCall: &driver.ToolCallMsg{
				ToolName: tc.Function.Name, ToolInput: input, ToolCallID: tc.ID, Model: c.model,
			}}
			output, isErr := tools.Execute(ctx, tc.Function.Name, input, req.Cwd)
			out <- driver.AgenticMessage{Type: driver.MessageToolResult, ToolResult: &driver.ToolResultMsg{
				ToolName: tc.Function.Name, ToolOutput: output, ToolCallID: tc.ID, IsError: isErr, Model: c.model,
			}}
			messages = append(messages, openai.ToolMessage(output, tc.ID))
		}
	}

	out <- driver.AgenticMessage{Type: driver.MessageResult, Result: &driver.ResultMsg{
		Content: "agentic execution exceeded the maximum turn count", SessionID: req.SessionID, Model: c.model,
	}}
	out <- driver.AgenticMessage{Type: driver.MessageUsage, Usage: c.GetUsage()}
}

func functionTool(name, description string) openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: openai.FunctionDefinitionParam{
			Name:        name,
			Description: openai.String(description),
			Parameters: openai.FunctionParameters{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string"},
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
					"cwd":     map[string]any{"type": "string"},
				},
			},
		},
	}
}

func (c *Client) recordUsage(u openai.CompletionUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.InputTokens += int(u.PromptTokens)
	c.usage.OutputTokens += int(u.CompletionTokens)
	c.usage.NumTurns++
}

func validateAgainstSchema(text string, schema json.RawMessage) (map[string]any, error) {
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("openai: model output is not valid JSON: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	var schemaDoc any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("openai: invalid schema: %w", err)
	}
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("openai: invalid schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("openai: compile schema: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return nil, fmt.Errorf("openai: schema validation failed: %w", err)
	}
	parsed, ok := doc.(map[string]any)
	if !ok {
		return nil, errors.New("openai: schema-validated output is not a JSON object")
	}
	return parsed, nil
}
