package agents

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/driver"
	"github.com/agentflow/agentflow/internal/state"
)

// Architect drives an agentic session that writes a markdown plan to a
// predictable path, then reads the file back so the rest of the graph can
// treat plan authoring as synchronous.
type Architect struct {
	Driver driver.Driver
}

// Run asks the driver, in agentic mode, to produce a plan for st.Issue at
// the path dictated by profile.PlanPathPattern, then reads that file back.
// It returns the events observed along the way and a state.Update carrying
// planPath and planMarkdown (the plan file's full content) for the caller to
// merge.
func (a *Architect) Run(ctx context.Context, st *state.WorkflowState, profile config.Profile, now time.Time) (*state.Update, []state.WorkflowEvent, error) {
	pattern := profile.PlanPathPattern
	if pattern == "" {
		pattern = DefaultPlanPathPattern
	}
	planPath := PlanPath(profile.WorkingDir, pattern, st.IssueID, now)

	prompt := fmt.Sprintf(
		"Write an implementation plan for the following issue to %s using the write_file tool.\n\nIssue %s: %s\n\n%s\n\nStart the document with a line '**Goal:** <one sentence>'.",
		planPath, st.IssueID, issueTitle(st), issueDescription(st),
	)

	ch, err := a.Driver.ExecuteAgentic(ctx, driver.AgenticRequest{
		Prompt:    prompt,
		Cwd:       profile.WorkingDir,
		SessionID: st.DriverSessionID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("architect: start agentic execution: %w", err)
	}

	var events []state.WorkflowEvent
	var sessionID string
	for msg := range ch {
		if msg.Type == driver.MessageResult && msg.Result != nil {
			sessionID = msg.Result.SessionID
		}
		if ev, ok := driver.ToWorkflowEvent("architect", msg, now); ok {
			ev.WorkflowID = st.WorkflowID
			events = append(events, ev)
		}
	}

	content, err := os.ReadFile(planPath)
	if err != nil {
		return nil, events, fmt.Errorf("architect: plan file was not written at %s: %w", planPath, err)
	}
	markdown := string(content)
	update := &state.Update{PlanPath: &planPath, PlanMarkdown: &markdown}
	if sessionID != "" {
		update.DriverSessionID = &sessionID
	}
	return update, events, nil
}

func issueTitle(st *state.WorkflowState) string {
	if st.Issue == nil {
		return ""
	}
	return st.Issue.Title
}

func issueDescription(st *state.WorkflowState) string {
	if st.Issue == nil {
		return ""
	}
	return st.Issue.Description
}
