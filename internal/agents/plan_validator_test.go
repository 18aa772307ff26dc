package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/driver"
)

func TestValidatePlanRejectsMissingFile(t *testing.T) {
	_, err := ValidatePlan(context.Background(), &stubDriver{}, filepath.Join(t.TempDir(), "missing.md"))
	require.Error(t, err)
}

func TestValidatePlanRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.md")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	_, err := ValidatePlan(context.Background(), &stubDriver{}, path)
	require.Error(t, err)
}

func TestValidatePlanExtractsGoalAndKeyFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.md")
	require.NoError(t, os.WriteFile(path, []byte("**Goal:** Implement feature X\n"), 0o644))

	d := &stubDriver{results: []driver.GenerateResult{{Parsed: map[string]any{
		"goal": "Implement feature X", "planMarkdown": "**Goal:** Implement feature X\n",
		"keyFiles": []any{"main.go"},
	}}}}

	update, err := ValidatePlan(context.Background(), d, path)
	require.NoError(t, err)
	require.Equal(t, "Implement feature X", *update.Goal)
	require.Equal(t, []string{"main.go"}, update.KeyFiles)
}

func TestValidatePlanFallsBackToHeuristicWhenSchemaGoalEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.md")
	require.NoError(t, os.WriteFile(path, []byte("**Goal:** Heuristic goal\n"), 0o644))

	d := &stubDriver{results: []driver.GenerateResult{{Parsed: map[string]any{"goal": ""}}}}

	update, err := ValidatePlan(context.Background(), d, path)
	require.NoError(t, err)
	require.Equal(t, "Heuristic goal", *update.Goal)
}
