package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/agentflow/agentflow/internal/driver"
)

// Client is the parent-side driver.Driver that runs agentic/generate calls
// by spawning a cmd/sandbox-worker subprocess per invocation and decoding
// its JSON-line stdout stream. It is the transport for any agent role whose
// profile entry selects driver.KindSandbox, so the agent's shell/file tools
// run inside an isolated process rather than in the orchestrator's own
// address space.
type Client struct {
	workerPath string
	model      string

	mu    sync.Mutex
	usage driver.Usage
}

// New builds a Client that invokes workerPath (the cmd/sandbox-worker
// binary) for model.
func New(workerPath, model string) (*Client, error) {
	if workerPath == "" {
		return nil, errors.New("sandbox: worker path is required")
	}
	if model == "" {
		return nil, errors.New("sandbox: model is required")
	}
	return &Client{workerPath: workerPath, model: model}, nil
}

func (c *Client) Model() string { return c.model }

func (c *Client) GetUsage() *driver.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.usage
	u.Model = c.model
	return &u
}

// Generate runs the worker in "generate" mode: a single prompt in, a single
// RESULT (plus trailing USAGE) message out.
func (c *Client) Generate(ctx context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
	promptFile, cleanup, err := writePromptFile(req.Prompt)
	if err != nil {
		return driver.GenerateResult{}, err
	}
	defer cleanup()

	args := []string{"generate", "--prompt-file", promptFile, "--model", c.model}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.SessionID != "" {
		args = append(args, "--session-id", req.SessionID)
	}

	messages, err := c.run(ctx, args)
	if err != nil {
		return driver.GenerateResult{}, err
	}

	var result driver.GenerateResult
	for _, msg := range messages {
		if msg.Type == driver.MessageResult && msg.Result != nil {
			result.Text = msg.Result.Content
			result.NewSessionID = msg.Result.SessionID
		}
	}
	if len(req.Schema) > 0 {
		var doc map[string]any
		if err := json.Unmarshal([]byte(result.Text), &doc); err != nil {
			return driver.GenerateResult{}, fmt.Errorf("sandbox: worker output is not valid JSON: %w", err)
		}
		result.Parsed = doc
	}
	return result, nil
}

// ExecuteAgentic runs the worker in "agentic" mode and forwards every
// message it emits except the trailing USAGE, which is retained for
// GetUsage and not forwarded to the consumer (matching the HTTP-backed
// drivers' contract, where USAGE is folded into accumulated state rather
// than treated as a content message).
func (c *Client) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	promptFile, cleanup, err := writePromptFile(req.Prompt)
	if err != nil {
		return nil, err
	}

	args := []string{"agentic", "--prompt-file", promptFile, "--model", c.model}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.Cwd != "" {
		args = append(args, "--cwd", req.Cwd)
	}
	if req.SessionID != "" {
		args = append(args, "--session-id", req.SessionID)
	}

	out := make(chan driver.AgenticMessage, 16)
	go func() {
		defer cleanup()
		defer close(out)
		messages, err := c.run(ctx, args)
		if err != nil {
			out <- driver.AgenticMessage{Type: driver.MessageResult, Result: &driver.ResultMsg{
				Content: fmt.Sprintf("sandbox worker error: %v", err), SessionID: req.SessionID, Model: c.model,
			}}
			return
		}
		for _, msg := range messages {
			out <- msg
		}
	}()
	return out, nil
}

// run spawns the worker with args, decodes its stdout line stream, records
// the trailing USAGE message, and returns every other message in order.
func (c *Client) run(ctx context.Context, args []string) ([]driver.AgenticMessage, error) {
	cmd := exec.CommandContext(ctx, c.workerPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sandbox: attach stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sandbox: start worker: %w", err)
	}

	dec := NewDecoder(stdout)
	var messages []driver.AgenticMessage
	for {
		msg, err := dec.Next()
		if err != nil {
			break
		}
		if msg.Type == driver.MessageUsage {
			c.recordUsage(msg.Usage)
			continue
		}
		messages = append(messages, msg)
	}

	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("sandbox: worker exited: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return messages, nil
}

func (c *Client) recordUsage(u *driver.Usage) {
	if u == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.InputTokens += u.InputTokens
	c.usage.OutputTokens += u.OutputTokens
	c.usage.CacheReadTokens += u.CacheReadTokens
	c.usage.CacheCreateTokens += u.CacheCreateTokens
	c.usage.CostUSD += u.CostUSD
	c.usage.DurationMs += u.DurationMs
	c.usage.NumTurns += u.NumTurns
}

// NewFactory returns a driver.Factory that spawns workerPath for every
// model, suitable for registration against driver.KindSandbox.
func NewFactory(workerPath string) driver.Factory {
	return func(ctx context.Context, model string) (driver.Driver, error) {
		return New(workerPath, model)
	}
}

func writePromptFile(prompt string) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "agentflow-prompt-*.txt")
	if err != nil {
		return "", nil, fmt.Errorf("sandbox: create prompt file: %w", err)
	}
	if _, err := f.WriteString(prompt); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("sandbox: write prompt file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("sandbox: close prompt file: %w", err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}
