// Package config holds the named configuration bundles ("profiles") that
// parameterize a workflow: tracker/working-directory wiring, per-agent
// driver/model selection, trust level, and checkpoint policy.
package config

import "github.com/agentflow/agentflow/internal/driver"

// TrustLevel controls which batches require human approval in
// should_checkpoint (spec §4.F).
type TrustLevel string

const (
	TrustParanoid   TrustLevel = "paranoid"
	TrustStandard   TrustLevel = "standard"
	TrustAutonomous TrustLevel = "autonomous"
)

// AgentModel binds one agent role to a driver kind and model.
type AgentModel struct {
	Kind  driver.Kind
	Model string
}

// Profile is a named configuration bundle referenced by ProfileID on
// WorkflowState.
type Profile struct {
	ID              string
	WorkingDir      string
	PlanPathPattern string

	TrustLevel        TrustLevel
	BatchCheckpoints  bool
	MaxReviewIters    int
	OracleTokenBudget int

	Architect AgentModel
	Developer AgentModel
	Reviewer  AgentModel
	Oracle    AgentModel
}

// ShouldCheckpoint implements the trust-level policy table from spec §4.F:
// paranoid/standard require approval for every batch (when batch checkpoints
// are enabled); autonomous only for high-risk batches; any level skips
// approval entirely when checkpoints are disabled.
func (p Profile) ShouldCheckpoint(batchIsHighRisk bool) bool {
	if !p.BatchCheckpoints {
		return false
	}
	switch p.TrustLevel {
	case TrustAutonomous:
		return batchIsHighRisk
	default:
		return true
	}
}

// MaxReviewIterations returns the configured bound, defaulting to 3 (spec
// Scenario 3: the review/fix loop caps at reviewIteration >= 3).
func (p Profile) MaxReviewIterations() int {
	if p.MaxReviewIters <= 0 {
		return 3
	}
	return p.MaxReviewIters
}
