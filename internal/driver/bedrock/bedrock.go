// Package bedrock implements driver.Driver on top of the AWS Bedrock
// Converse API via github.com/aws/aws-sdk-go-v2/service/bedrockruntime. The
// agentic loop mirrors the anthropic/openai adapters' bounded tool-calling
// shape, translated to Bedrock's ToolConfiguration/ToolUseBlock wire format.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentflow/agentflow/internal/driver"
	"github.com/agentflow/agentflow/internal/driver/tools"
)

const maxAgenticTurns = 25

// RuntimeClient captures the subset of the Bedrock runtime SDK used here so
// tests can supply a stub instead of a live AWS client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client implements driver.Driver against one Bedrock model id.
type Client struct {
	runtime RuntimeClient
	model   string

	mu    sync.Mutex
	usage driver.Usage
}

// New builds a Client bound to modelID, using runtime for all calls.
func New(runtime RuntimeClient, modelID string) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if modelID == "" {
		return nil, errors.New("bedrock: model id is required")
	}
	return &Client{runtime: runtime, model: modelID}, nil
}

// NewFromEnv builds a Client using the default AWS config chain (env vars,
// shared config/credentials files, or an attached role).
func NewFromEnv(ctx context.Context, modelID string) (driver.Driver, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return New(bedrockruntime.NewFromConfig(cfg), modelID)
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
	messages := []brtypes.Message{{
		Role:    brtypes.ConversationRoleUser,
		Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.Prompt}},
	}}
	input := &bedrockruntime.ConverseInput{ModelId: aws.String(c.model), Messages: messages}
	if req.SystemPrompt != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt}}
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return driver.GenerateResult{}, fmt.Errorf("bedrock generate: %w", err)
	}
	c.recordUsage(output.Usage)

	text := extractText(output)
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

	toolConfig := &brtypes.ToolConfiguration{Tools: []brtypes.Tool{
		toolSpec(tools.RunShellCommand, "Run a shell command in the workflow worktree."),
		toolSpec(tools.WriteFile, "Write a file's full contents."),
		toolSpec(tools.ReadFile, "Read a file's contents."),
	}}

	messages := []brtypes.Message{{
		Role:    brtypes.ConversationRoleUser,
		Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: req.Prompt}},
	}}
	input := &bedrockruntime.ConverseInput{ModelId: aws.String(c.model), ToolConfig: toolConfig}
	if req.SystemPrompt != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt}}
	}

	for turn := 0; turn < maxAgenticTurns; turn++ {
		input.Messages = messages
		output, err := c.runtime.Converse(ctx, input)
		if err != nil {
			out <- driver.AgenticMessage{Type: driver.MessageResult, Result: &driver.ResultMsg{
				Content: fmt.Sprintf("driver error: %v", err), SessionID: req.SessionID, Model: c.model,
			}}
			return
		}
		c.recordUsage(output.Usage)

		msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
		if !ok {
			out <- driver.AgenticMessage{Type: driver.MessageResult, Result: &driver.ResultMsg{
				Content: "bedrock: unexpected response shape", SessionID: req.SessionID, Model: c.model,
			}}
			return
		}

		var text string
		var toolUses []brtypes.ToolUseBlock
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				text += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				toolUses = append(toolUses, v.Value)
			}
		}
		if text != "" {
			out <- driver.AgenticMessage{Type: driver.MessageThinking, Thinking: &driver.ThinkingMsg{Content: text, Model: c.model}}
		}
		messages = append(messages, msg.Value)

		if len(toolUses) == 0 {
			out <- driver.AgenticMessage{Type: driver.MessageResult, Result: &driver.ResultMsg{
				Content: text, SessionID: req.SessionID, Model: c.model,
			}}
			out <- driver.AgenticMessage{Type: driver.MessageUsage, Usage: c.GetUsage()}
			return
		}

		var resultBlocks []brtypes.ContentBlock
		for _, tu := range toolUses {
			input := decodeDocument(tu.Input)
			var inputMap map[string]any
			_ = json.Unmarshal(input, &inputMap)
			out <- driver.AgenticMessage{Type: driver.MessageToolCall, ToolCall: &driver.ToolCallMsg{
				ToolName: aws.ToString(tu.Name), ToolInput: inputMap, ToolCallID: aws.ToString(tu.ToolUseId), Model: c.model,
			}}
			output, isErr := tools.Execute(ctx, aws.ToString(tu.Name), inputMap, req.Cwd)
			out <- driver.AgenticMessage{Type: driver.MessageToolResult, ToolResult: &driver.ToolResultMsg{
				ToolName: aws.ToString(tu.Name), ToolOutput: output, ToolCallID: aws.ToString(tu.ToolUseId), IsError: isErr, Model: c.model,
			}}
			status := brtypes.ToolResultStatusSuccess
			if isErr {
				status = brtypes.ToolResultStatusError
			}
			resultBlocks = append(resultBlocks, &brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
				ToolUseId: tu.ToolUseId,
				Status:    status,
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: output}},
			}})
		}
		messages = append(messages, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: resultBlocks})
	}

	out <- driver.AgenticMessage{Type: driver.MessageResult, Result: &driver.ResultMsg{
		Content: "agentic execution exceeded the maximum turn count", SessionID: req.SessionID, Model: c.model,
	}}
	out <- driver.AgenticMessage{Type: driver.MessageUsage, Usage: c.GetUsage()}
}

func toolSpec(name, description string) brtypes.Tool {
	schema := map[string]any{"type": "object", "properties": map[string]any{
		"command": map[string]any{"type": "string"},
		"path":    map[string]any{"type": "string"},
		"content": map[string]any{"type": "string"},
		"cwd":     map[string]any{"type": "string"},
	}}
	return &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
		Name:        aws.String(name),
		Description: aws.String(description),
		InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
	}}
}

func (c *Client) recordUsage(u *brtypes.TokenUsage) {
	if u == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.InputTokens += int(aws.ToInt32(u.InputTokens))
	c.usage.OutputTokens += int(aws.ToInt32(u.OutputTokens))
	c.usage.CacheReadTokens += int(aws.ToInt32(u.CacheReadInputTokens))
	c.usage.CacheCreateTokens += int(aws.ToInt32(u.CacheWriteInputTokens))
	c.usage.NumTurns++
}

func extractText(output *bedrockruntime.ConverseOutput) string {
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var text string
	for _, block := range msg.Value.Content {
		if v, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += v.Value
		}
	}
	return text
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	var raw json.RawMessage
	if err := doc.UnmarshalSmithyDocument(&raw); err != nil {
		return nil
	}
	return raw
}

func validateAgainstSchema(text string, schema json.RawMessage) (map[string]any, error) {
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("bedrock: model output is not valid JSON: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	var schemaDoc any
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("bedrock: invalid schema: %w", err)
	}
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("bedrock: invalid schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("bedrock: compile schema: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return nil, fmt.Errorf("bedrock: schema validation failed: %w", err)
	}
	parsed, ok := doc.(map[string]any)
	if !ok {
		return nil, errors.New("bedrock: schema-validated output is not a JSON object")
	}
	return parsed, nil
}
