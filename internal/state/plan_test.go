package state

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func samplePlan() *ExecutionPlan {
	return &ExecutionPlan{
		Goal: "ship it",
		Batches: []ExecutionBatch{
			{
				BatchNumber: 1,
				RiskSummary: RiskLow,
				Steps: []PlanStep{
					{ID: "A", ActionType: ActionCommand, Command: "echo a"},
					{ID: "B", ActionType: ActionCommand, Command: "echo b", DependsOn: []string{"A"}},
					{ID: "C", ActionType: ActionCommand, Command: "echo c", DependsOn: []string{"B"}},
				},
			},
		},
	}
}

func TestGetCascadeSkipsScenario2(t *testing.T) {
	plan := samplePlan()
	skips := GetCascadeSkips("A", plan, map[string]string{"A": "exit 127"})

	require.Equal(t, map[string]string{
		"B": "depends on A",
		"C": "depends on C→B→A",
	}, skips)
	require.NotContains(t, skips, "A")
}

func TestGetCascadeSkipsNoDependents(t *testing.T) {
	plan := samplePlan()
	skips := GetCascadeSkips("C", plan, map[string]string{"C": "exit 1"})
	require.Empty(t, skips)
}

func TestValidateDependenciesDetectsDanglingRef(t *testing.T) {
	plan := &ExecutionPlan{Batches: []ExecutionBatch{{
		Steps: []PlanStep{{ID: "A", DependsOn: []string{"missing"}}},
	}}}
	err := plan.ValidateDependencies()
	require.Error(t, err)
}

func TestValidateDependenciesDetectsCycle(t *testing.T) {
	plan := &ExecutionPlan{Batches: []ExecutionBatch{{
		Steps: []PlanStep{
			{ID: "A", DependsOn: []string{"B"}},
			{ID: "B", DependsOn: []string{"A"}},
		},
	}}}
	err := plan.ValidateDependencies()
	require.Error(t, err)
}

func TestValidateDependenciesAcceptsValidPlan(t *testing.T) {
	require.NoError(t, samplePlan().ValidateDependencies())
}

func TestStepByID(t *testing.T) {
	plan := samplePlan()
	step, ok := plan.StepByID("B")
	require.True(t, ok)
	require.Equal(t, "echo b", step.Command)

	_, ok = plan.StepByID("nonexistent")
	require.False(t, ok)
}
