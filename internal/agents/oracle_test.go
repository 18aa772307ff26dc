package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/driver"
)

type agenticStubDriver struct {
	messages []driver.AgenticMessage
}

func (s *agenticStubDriver) Generate(ctx context.Context, req driver.GenerateRequest) (driver.GenerateResult, error) {
	return driver.GenerateResult{}, nil
}
func (s *agenticStubDriver) ExecuteAgentic(ctx context.Context, req driver.AgenticRequest) (<-chan driver.AgenticMessage, error) {
	ch := make(chan driver.AgenticMessage, len(s.messages))
	for _, m := range s.messages {
		ch <- m
	}
	close(ch)
	return ch, nil
}
func (s *agenticStubDriver) GetUsage() *driver.Usage { return nil }
func (s *agenticStubDriver) Model() string           { return "stub" }

func TestBundleFilesRespectsGitignore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("ignored.txt\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("secret"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept.txt"), []byte("keep me"), 0o644))

	bundle, err := bundleFiles(dir, nil, 1000)
	require.NoError(t, err)
	require.Contains(t, bundle, "keep me")
	require.NotContains(t, bundle, "secret")
}

func TestOracleConsultEmitsLifecycleEvents(t *testing.T) {
	d := &agenticStubDriver{messages: []driver.AgenticMessage{
		{Type: driver.MessageToolCall, ToolCall: &driver.ToolCallMsg{ToolName: "read_file"}},
		{Type: driver.MessageToolResult, ToolResult: &driver.ToolResultMsg{ToolName: "read_file", ToolOutput: "ok"}},
		{Type: driver.MessageResult, Result: &driver.ResultMsg{Content: "the answer"}},
	}}
	o := &Oracle{Driver: d}

	events, final, err := o.Consult(context.Background(), "wf1", "why does X happen?", t.TempDir(), nil, 1000)
	require.NoError(t, err)
	require.Equal(t, "the answer", final)
	require.True(t, len(events) >= 4)
	require.Equal(t, "ORACLE_CONSULTATION_STARTED", string(events[0].EventType))
	require.Equal(t, "ORACLE_CONSULTATION_COMPLETED", string(events[len(events)-1].EventType))
}
