package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/driver"
	"github.com/agentflow/agentflow/internal/state"
)

func TestArchitectRunReadsBackWrittenPlan(t *testing.T) {
	workingDir := t.TempDir()
	now := time.Date(2026, 1, 18, 0, 0, 0, 0, time.UTC)
	planPath := PlanPath(workingDir, DefaultPlanPathPattern, "TEST-123", now)

	d := &agenticStubDriver{messages: []driver.AgenticMessage{
		{Type: driver.MessageThinking, Thinking: &driver.ThinkingMsg{Content: "planning..."}},
		{Type: driver.MessageResult, Result: &driver.ResultMsg{Content: "wrote the plan", SessionID: "sess-1"}},
	}}

	require.NoError(t, os.MkdirAll(filepath.Dir(planPath), 0o755))
	require.NoError(t, os.WriteFile(planPath, []byte("**Goal:** Implement feature X\n"), 0o644))

	a := &Architect{Driver: d}
	st := state.New("wf1", "TEST-123", "default", now)
	profile := config.Profile{WorkingDir: workingDir, PlanPathPattern: DefaultPlanPathPattern}

	update, events, err := a.Run(context.Background(), st, profile, now)
	require.NoError(t, err)
	require.Equal(t, planPath, *update.PlanPath)
	require.Contains(t, *update.PlanMarkdown, "Implement feature X")
	require.Equal(t, "sess-1", *update.DriverSessionID)
	require.NotEmpty(t, events)
}

func TestArchitectRunFailsWhenPlanFileMissing(t *testing.T) {
	workingDir := t.TempDir()
	now := time.Now()
	d := &agenticStubDriver{messages: []driver.AgenticMessage{
		{Type: driver.MessageResult, Result: &driver.ResultMsg{Content: "done"}},
	}}
	a := &Architect{Driver: d}
	st := state.New("wf1", "TEST-123", "default", now)
	profile := config.Profile{WorkingDir: workingDir}

	_, _, err := a.Run(context.Background(), st, profile, now)
	require.Error(t, err)
}
