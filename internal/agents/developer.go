package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/agentflow/agentflow/internal/driver"
	"github.com/agentflow/agentflow/internal/state"
)

// Developer drives either an agentic session (no structured plan, the
// model executes freely via driver tool calls) or a structured execution of
// one ExecutionBatch at a time.
type Developer struct {
	Driver driver.Driver
}

// RunAgentic streams a single agentic execution and maps every message to a
// WorkflowEvent; the final MessageResult's content becomes codeChangesForReview.
func (d *Developer) RunAgentic(ctx context.Context, st *state.WorkflowState, prompt, cwd string, now time.Time) (*state.Update, []state.WorkflowEvent, error) {
	ch, err := d.Driver.ExecuteAgentic(ctx, driver.AgenticRequest{Prompt: prompt, Cwd: cwd, SessionID: st.DriverSessionID})
	if err != nil {
		return nil, nil, fmt.Errorf("developer: start agentic execution: %w", err)
	}

	var events []state.WorkflowEvent
	var final string
	var sessionID string
	for msg := range ch {
		if msg.Type == driver.MessageResult && msg.Result != nil {
			final = msg.Result.Content
			sessionID = msg.Result.SessionID
		}
		if ev, ok := driver.ToWorkflowEvent("developer", msg, now); ok {
			ev.WorkflowID = st.WorkflowID
			events = append(events, ev)
		}
	}

	allDone := state.DeveloperAllDone
	update := &state.Update{DeveloperStatus: &allDone, CodeChangesForReview: &final}
	if sessionID != "" {
		update.DriverSessionID = &sessionID
	}
	return update, events, nil
}

// ExecuteBatch runs one ExecutionBatch's steps sequentially in declared
// order (spec §4.F: "steps within a batch are run sequentially"). Steps
// whose id is already in skipped, or that depend (directly/transitively) on
// a step that fails during this call, are recorded as skipped rather than
// executed. resumeFromStepID, if set, restricts execution to that step and
// steps after it in the batch; earlier steps are assumed already completed
// and are not re-run (spec "Recovery from blocker").
func (d *Developer) ExecuteBatch(
	ctx context.Context,
	cwd string,
	plan *state.ExecutionPlan,
	batch state.ExecutionBatch,
	skipped map[string]struct{},
	resumeFromStepID string,
) (state.BatchResult, map[string]string) {
	result := state.BatchResult{BatchNumber: batch.BatchNumber, Status: state.BatchComplete}
	newSkipReasons := make(map[string]string)
	// recordCascade appends a skipped StepResult, in declared order, for every
	// step of this batch named in cascade.
	recordCascade := func(cascade map[string]string) {
		for _, s := range batch.Steps {
			if reason, ok := cascade[s.ID]; ok {
				result.CompletedSteps = append(result.CompletedSteps, state.StepResult{StepID: s.ID, Status: state.StepSkipped, Error: reason})
			}
		}
	}

	resuming := resumeFromStepID == ""
	for _, step := range batch.Steps {
		if !resuming {
			if step.ID == resumeFromStepID {
				resuming = true
			} else {
				continue
			}
		}
		if _, isSkipped := skipped[step.ID]; isSkipped {
			result.CompletedSteps = append(result.CompletedSteps, state.StepResult{StepID: step.ID, Status: state.StepSkipped})
			continue
		}

		check := PreValidateStep(step, cwd)
		if !check.OK {
			blocker := state.BlockerReport{
				StepID: step.ID, StepDescription: step.Description,
				BlockerType: state.BlockerUnexpectedState, ErrorMessage: check.Issue,
				SuggestedResolutions: check.Suggestions,
			}
			result.Status = state.BatchBlocked
			result.Blocker = &blocker
			cascade := state.GetCascadeSkips(step.ID, plan, map[string]string{step.ID: check.Issue})
			for id, reason := range cascade {
				newSkipReasons[id] = reason
			}
			recordCascade(cascade)
			return result, newSkipReasons
		}

		stepResult := ExecuteStepWithFallbacks(ctx, step, cwd)
		result.CompletedSteps = append(result.CompletedSteps, stepResult)
		if stepResult.Status == state.StepFailed {
			blocker := BlockerFor(step, "execution", stepResult)
			result.Status = state.BatchBlocked
			result.Blocker = &blocker
			cascade := state.GetCascadeSkips(step.ID, plan, map[string]string{step.ID: stepResult.Error})
			for id, reason := range cascade {
				newSkipReasons[id] = reason
			}
			recordCascade(cascade)
			return result, newSkipReasons
		}
	}
	return result, newSkipReasons
}
