package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentflow/agentflow/internal/driver"
	"github.com/agentflow/agentflow/internal/state"
)

// Persona names an independent review perspective.
type Persona string

const (
	PersonaGeneral     Persona = "General"
	PersonaSecurity    Persona = "Security"
	PersonaPerformance Persona = "Performance"
	PersonaUsability   Persona = "Usability"
)

// CompetitivePersonas is the fixed competitive review set (spec §4.E).
var CompetitivePersonas = []Persona{PersonaSecurity, PersonaPerformance, PersonaUsability}

var reviewSchema = json.RawMessage(`{
	"type": "object",
	"required": ["approved", "comments", "severity"],
	"properties": {
		"approved": {"type": "boolean"},
		"comments": {"type": "array", "items": {"type": "string"}},
		"severity": {"type": "string", "enum": ["low", "medium", "high", "critical"]}
	}
}`)

var severityRank = map[state.Severity]int{
	state.SeverityLow:      0,
	state.SeverityMedium:   1,
	state.SeverityHigh:     2,
	state.SeverityCritical: 3,
}

// Reviewer runs one or more persona reviews over a unified diff and
// aggregates them.
type Reviewer struct {
	Driver driver.Driver
}

// Review runs a single persona (or, when personas has more than one entry,
// a competitive review set) over diff and aggregates the results: the AND
// of every persona's approval, the maximum severity observed, and every
// persona's comments prefixed with "[Persona]" and ordered by the order
// personas were given. An empty diff auto-approves without calling the
// driver at all.
func (r *Reviewer) Review(ctx context.Context, diff string, personas []Persona) (state.ReviewResult, error) {
	if len(personas) == 0 {
		personas = []Persona{PersonaGeneral}
	}
	if diff == "" {
		return state.ReviewResult{ReviewerPersona: personaLabel(personas), Approved: true, Severity: state.SeverityLow}, nil
	}

	results := make([]personaResult, len(personas))
	for i, p := range personas {
		res, err := r.reviewOne(ctx, diff, p)
		if err != nil {
			return state.ReviewResult{}, err
		}
		results[i] = res
	}
	return aggregate(personas, results), nil
}

type personaResult struct {
	approved bool
	comments []string
	severity state.Severity
}

func (r *Reviewer) reviewOne(ctx context.Context, diff string, persona Persona) (personaResult, error) {
	prompt := fmt.Sprintf(
		"You are reviewing this diff from the %s perspective. Respond with approved, a list of comments, and a severity (low/medium/high/critical).\n\n%s",
		persona, diff,
	)
	result, err := r.Driver.Generate(ctx, driver.GenerateRequest{Prompt: prompt, Schema: reviewSchema})
	if err != nil {
		return personaResult{}, fmt.Errorf("reviewer(%s): generate failed: %w", persona, err)
	}

	approved, _ := result.Parsed["approved"].(bool)
	severity := state.Severity(fmt.Sprint(result.Parsed["severity"]))
	if _, ok := severityRank[severity]; !ok {
		severity = state.SeverityLow
	}
	var comments []string
	if raw, ok := result.Parsed["comments"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				comments = append(comments, s)
			}
		}
	}
	return personaResult{approved: approved, comments: comments, severity: severity}, nil
}

func aggregate(personas []Persona, results []personaResult) state.ReviewResult {
	approved := true
	maxSeverity := state.SeverityLow
	var comments []string
	for i, res := range results {
		approved = approved && res.approved
		if severityRank[res.severity] > severityRank[maxSeverity] {
			maxSeverity = res.severity
		}
		for _, c := range res.comments {
			comments = append(comments, fmt.Sprintf("[%s] %s", personas[i], c))
		}
	}
	return state.ReviewResult{
		ReviewerPersona: personaLabel(personas),
		Approved:        approved,
		Comments:        comments,
		Severity:        maxSeverity,
	}
}

func personaLabel(personas []Persona) string {
	if len(personas) == 1 {
		return string(personas[0])
	}
	label := "competitive:"
	for i, p := range personas {
		if i > 0 {
			label += ","
		}
		label += string(p)
	}
	return label
}

// ReviewEvent maps a review outcome to a single WorkflowEvent, the shape the
// graph's reviewer_node appends to the log.
func ReviewEvent(workflowID string, review state.ReviewResult, now time.Time) state.WorkflowEvent {
	msg := fmt.Sprintf("review by %s: approved=%v severity=%s", review.ReviewerPersona, review.Approved, review.Severity)
	return state.WorkflowEvent{
		WorkflowID: workflowID,
		Timestamp:  now,
		Agent:      "reviewer",
		EventType:  state.EventAgentCompleted,
		Message:    msg,
	}
}
