package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/state"
)

func cascadePlan() *state.ExecutionPlan {
	return &state.ExecutionPlan{
		Goal: "cascade test",
		Batches: []state.ExecutionBatch{{
			BatchNumber: 1,
			Steps: []state.PlanStep{
				{ID: "A", ActionType: state.ActionCommand, Command: "false", ExpectExitCode: 0},
				{ID: "B", ActionType: state.ActionCommand, Command: "true", DependsOn: []string{"A"}},
				{ID: "C", ActionType: state.ActionCommand, Command: "true", DependsOn: []string{"B"}},
			},
		}},
	}
}

func TestExecuteBatchCascadeSkipScenario2(t *testing.T) {
	plan := cascadePlan()
	dev := &Developer{}

	result, skips := dev.ExecuteBatch(context.Background(), t.TempDir(), plan, plan.Batches[0], map[string]struct{}{}, "")

	require.Equal(t, state.BatchBlocked, result.Status)
	require.Equal(t, "A", result.CompletedSteps[0].StepID)
	require.Equal(t, state.StepFailed, result.CompletedSteps[0].Status)
	require.Equal(t, map[string]string{"B": "depends on A", "C": "depends on C→B→A"}, skips)
}

func TestExecuteBatchSkipsPreviouslySkippedSteps(t *testing.T) {
	plan := &state.ExecutionPlan{Batches: []state.ExecutionBatch{{
		BatchNumber: 1,
		Steps: []state.PlanStep{
			{ID: "A", ActionType: state.ActionCommand, Command: "true"},
			{ID: "B", ActionType: state.ActionCommand, Command: "true"},
		},
	}}}
	dev := &Developer{}
	skipped := map[string]struct{}{"B": {}}

	result, _ := dev.ExecuteBatch(context.Background(), t.TempDir(), plan, plan.Batches[0], skipped, "")
	require.Equal(t, state.BatchComplete, result.Status)
	require.Equal(t, state.StepCompleted, result.CompletedSteps[0].Status)
	require.Equal(t, state.StepSkipped, result.CompletedSteps[1].Status)
}
