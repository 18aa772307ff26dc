package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/agentflow/agentflow/internal/driver"
	"github.com/agentflow/agentflow/internal/state"
)

// planSchema is the {goal, planMarkdown, keyFiles[]} schema the
// plan-validator asks driver.Generate to populate.
const planSchema = `{
	"type": "object",
	"required": ["goal", "planMarkdown", "keyFiles"],
	"properties": {
		"goal": {"type": "string"},
		"planMarkdown": {"type": "string"},
		"keyFiles": {"type": "array", "items": {"type": "string"}}
	}
}`

// ValidatePlan reads planPath, raises if it is missing or empty, and calls
// driver.Generate with planSchema to extract goal/planMarkdown/keyFiles. When
// the schema-extracted goal is empty, the regex heuristic is used as a
// fallback per the plan-markdown extraction design note.
func ValidatePlan(ctx context.Context, d driver.Driver, planPath string) (*state.Update, error) {
	content, err := os.ReadFile(planPath)
	if err != nil {
		return nil, fmt.Errorf("plan-validator: plan file missing at %s: %w", planPath, err)
	}
	markdown := string(content)
	if len(markdown) == 0 {
		return nil, fmt.Errorf("plan-validator: plan file at %s is empty", planPath)
	}

	result, err := d.Generate(ctx, driver.GenerateRequest{
		Prompt: fmt.Sprintf("Extract the goal, the plan markdown, and the key files touched from this plan document:\n\n%s", markdown),
		Schema: json.RawMessage(planSchema),
	})
	if err != nil {
		return nil, fmt.Errorf("plan-validator: generate failed: %w", err)
	}

	goal, _ := result.Parsed["goal"].(string)
	if goal == "" {
		if heuristic, ok := ExtractGoalHeuristic(markdown); ok {
			goal = heuristic
		}
	}
	if goal == "" {
		return nil, errors.New("plan-validator: could not determine a goal from the plan")
	}

	var keyFiles []string
	if raw, ok := result.Parsed["keyFiles"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				keyFiles = append(keyFiles, s)
			}
		}
	}

	return &state.Update{
		Goal:         &goal,
		PlanMarkdown: &markdown,
		KeyFiles:     keyFiles,
	}, nil
}
