// Package engine compiles the concrete nine-node agentflow graph: the
// architect/plan-validator/approval/developer/reviewer pipeline described in
// the spec's workflow-graph section, wired against the agents, config, and
// state packages and driven by the internal/graph interpreter.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/agentflow/agentflow/internal/agents"
	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/graph"
	"github.com/agentflow/agentflow/internal/state"
)

// Node names, exported so the orchestrator can name a resume's output edge
// and tests can assert on routing without re-deriving the string literals.
const (
	NodeArchitect         graph.NodeName = "architect_node"
	NodePlanValidator     graph.NodeName = "plan_validator_node"
	NodeHumanApproval     graph.NodeName = "human_approval_node"
	NodeDeveloper         graph.NodeName = "developer_node"
	NodeBatchApproval     graph.NodeName = "batch_approval_node"
	NodeBlockerResolution graph.NodeName = "blocker_resolution_node"
	NodeReviewer          graph.NodeName = "reviewer_node"
	NodeDeveloperReview   graph.NodeName = "developer_node_for_review"
)

// Deps bundles every collaborator a compiled graph's nodes close over.
// Structured selects structured vs. agentic developer execution; CLI mode additionally
// resolves human_approval_node synchronously via Approver instead of pausing.
type Deps struct {
	Architect     *agents.Architect
	Developer     *agents.Developer
	Reviewer      *agents.Reviewer
	Profile       config.Profile
	Clock         func() time.Time
	Structured    bool
	Approver      func(ctx context.Context, st *state.WorkflowState) (approved bool, feedback string, err error)
	WorkDirOfPlan func(st *state.WorkflowState) string
	HeadCommit    func(ctx context.Context, cwd string) (string, error)
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// Build compiles the static nine-node graph described in the spec's
// workflow-graph-runtime section against deps.
func Build(deps Deps) graph.Graph {
	return graph.Graph{
		Nodes: map[graph.NodeName]graph.Node{
			NodeArchitect:         architectNode(deps),
			NodePlanValidator:     planValidatorNode(deps),
			NodeHumanApproval:     humanApprovalNode(deps),
			NodeDeveloper:         developerNode(deps),
			NodeBatchApproval:     batchApprovalNode(deps),
			NodeBlockerResolution: blockerResolutionNode(deps),
			NodeReviewer:          reviewerNode(deps),
			NodeDeveloperReview:   developerReviewNode(deps),
		},
		Route: router(deps),
	}
}

func architectNode(deps Deps) graph.Node {
	return func(ctx context.Context, st *state.WorkflowState) (graph.NodeResult, error) {
		update, events, err := deps.Architect.Run(ctx, st, deps.Profile, deps.now())
		if err != nil {
			return graph.NodeResult{}, fmt.Errorf("architect_node: %w", err)
		}
		return graph.NodeResult{Update: update, Events: events}, nil
	}
}

func planValidatorNode(deps Deps) graph.Node {
	return func(ctx context.Context, st *state.WorkflowState) (graph.NodeResult, error) {
		update, err := agents.ValidatePlan(ctx, deps.Architect.Driver, st.PlanPath)
		if err != nil {
			return graph.NodeResult{}, fmt.Errorf("plan_validator_node: %w", err)
		}
		return graph.NodeResult{Update: update}, nil
	}
}

// humanApprovalNode pauses via a typed interrupt in server mode (the
// default); when deps.Approver is set (CLI mode) it resolves the approval
// synchronously instead of pausing, per spec §4.F.
func humanApprovalNode(deps Deps) graph.Node {
	return func(ctx context.Context, st *state.WorkflowState) (graph.NodeResult, error) {
		if deps.Approver == nil {
			return graph.NodeResult{Interrupt: true}, nil
		}
		approved, feedback, err := deps.Approver(ctx, st)
		if err != nil {
			return graph.NodeResult{}, fmt.Errorf("human_approval_node: %w", err)
		}
		av := state.ApprovalNo
		if approved {
			av = state.ApprovalYes
		}
		return graph.NodeResult{Update: &state.Update{HumanApproved: &av, HumanFeedback: &feedback}}, nil
	}
}

// developerNode refreshes baseCommit to HEAD, then runs one batch (structured
// mode) or the full agentic session (agentic mode), per spec §4.F/§4.H.
func developerNode(deps Deps) graph.Node {
	return func(ctx context.Context, st *state.WorkflowState) (graph.NodeResult, error) {
		update, events, err := refreshBaseCommit(ctx, deps, st)
		if err != nil {
			return graph.NodeResult{}, err
		}

		if !deps.Structured {
			devUpdate, devEvents, err := deps.Developer.RunAgentic(ctx, st, st.Goal, deps.cwd(st), deps.now())
			if err != nil {
				return graph.NodeResult{}, fmt.Errorf("developer_node: %w", err)
			}
			return graph.NodeResult{Update: mergeUpdates(update, devUpdate), Events: append(events, devEvents...)}, nil
		}

		if st.ExecutionPlan == nil || st.CurrentBatchIndex >= len(st.ExecutionPlan.Batches) {
			allDone := state.DeveloperAllDone
			return graph.NodeResult{Update: mergeUpdates(update, &state.Update{DeveloperStatus: &allDone})}, nil
		}

		batch := st.ExecutionPlan.Batches[st.CurrentBatchIndex]
		// st.CurrentBlocker is already nil by the time this node runs after a
		// blocker resolution: blocker_resolution_node clears it on the same
		// update that routes here. ResumeFromStepID survives that update and
		// carries the blocked step's id across the boundary instead.
		resumeFrom := st.ResumeFromStepID
		resumeConsumed := ""
		result, skipReasons := deps.Developer.ExecuteBatch(ctx, deps.cwd(st), st.ExecutionPlan, batch, st.SkippedStepIDs, resumeFrom)

		skipIDs := make([]string, 0, len(skipReasons))
		for id := range skipReasons {
			skipIDs = append(skipIDs, id)
		}

		switch result.Status {
		case state.BatchBlocked:
			// Pause here: blocker_resolution_node reads blockerResolution off
			// the state the caller supplies via Resume, so the run must halt
			// before that node runs rather than enter it with a stale value.
			blocked := state.DeveloperBlocked
			return graph.NodeResult{Update: mergeUpdates(update, &state.Update{
				DeveloperStatus:  &blocked,
				CurrentBlocker:   result.Blocker,
				SkipStepIDs:      skipIDs,
				ResumeFromStepID: &resumeConsumed,
			}), Events: append(events, batchEvent(st.WorkflowID, "batch blocked", deps.now())), Interrupt: true}, nil
		default:
			next := st.CurrentBatchIndex + 1
			var status state.DeveloperStatus
			if next >= len(st.ExecutionPlan.Batches) {
				status = state.DeveloperAllDone
			} else {
				status = state.DeveloperBatchComplete
			}
			clearBlocker := st.CurrentBlocker != nil
			// Same reasoning as the blocked case: batch_approval_node reads
			// humanApproved off caller-supplied state, so pause here whenever
			// the trust policy demands a checkpoint for the batch just run.
			needsApproval := status == state.DeveloperBatchComplete && deps.Profile.ShouldCheckpoint(batch.RiskSummary == state.RiskHigh)
			return graph.NodeResult{Update: mergeUpdates(update, &state.Update{
				DeveloperStatus:   &status,
				CurrentBatchIndex: &next,
				SkipStepIDs:       skipIDs,
				ClearBlocker:      clearBlocker,
				ResumeFromStepID:  &resumeConsumed,
			}), Events: append(events, batchEvent(st.WorkflowID, "batch complete", deps.now())), Interrupt: needsApproval}, nil
		}
	}
}

func batchEvent(workflowID, msg string, now time.Time) state.WorkflowEvent {
	return state.WorkflowEvent{WorkflowID: workflowID, Timestamp: now, Agent: "developer", EventType: state.EventAgentCompleted, Message: msg}
}

// batchApprovalNode records the decision and consumes humanApproved/humanFeedback.
func batchApprovalNode(deps Deps) graph.Node {
	return func(ctx context.Context, st *state.WorkflowState) (graph.NodeResult, error) {
		approval := state.BatchApproval{
			BatchNumber: st.CurrentBatchIndex,
			Approved:    st.HumanApproved == state.ApprovalYes,
			Feedback:    st.HumanFeedback,
			DecidedAt:   deps.now(),
		}
		unset := state.ApprovalUnset
		empty := ""
		return graph.NodeResult{Update: &state.Update{
			AppendBatchApproval: &approval,
			HumanApproved:       &unset,
			HumanFeedback:       &empty,
		}}, nil
	}
}

// blockerResolutionNode consumes blockerResolution: "skip" marks the blocked
// step skipped and cascades; "abort" fails the workflow; anything else
// retries via developer_node.
func blockerResolutionNode(deps Deps) graph.Node {
	return func(ctx context.Context, st *state.WorkflowState) (graph.NodeResult, error) {
		switch st.BlockerResolution {
		case state.ResolutionSkip:
			var skipIDs []string
			var resumeFrom string
			if st.CurrentBlocker != nil {
				resumeFrom = st.CurrentBlocker.StepID
				skipIDs = append(skipIDs, st.CurrentBlocker.StepID)
				cascade := state.GetCascadeSkips(st.CurrentBlocker.StepID, st.ExecutionPlan, map[string]string{st.CurrentBlocker.StepID: "skipped by operator"})
				for id := range cascade {
					skipIDs = append(skipIDs, id)
				}
			}
			executing := state.DeveloperExecuting
			empty := ""
			return graph.NodeResult{Update: &state.Update{
				DeveloperStatus:   &executing,
				SkipStepIDs:       skipIDs,
				ClearBlocker:      true,
				BlockerResolution: &empty,
				// resumeFrom is captured here, before ClearBlocker nils
				// CurrentBlocker on this same update: developer_node would
				// otherwise restart the batch from its first step. The blocked
				// step is in SkipStepIDs, so ExecuteBatch resumes at it only to
				// skip it and continue with what follows.
				ResumeFromStepID: &resumeFrom,
			}}, nil
		case state.ResolutionAbort:
			failed := state.StatusFailed
			empty := ""
			return graph.NodeResult{Update: &state.Update{
				WorkflowStatus:    &failed,
				BlockerResolution: &empty,
			}, Events: []state.WorkflowEvent{{
				WorkflowID: st.WorkflowID, Timestamp: deps.now(), Agent: "orchestrator",
				EventType: state.EventWorkflowFailed, Message: "aborted at operator request",
			}}}, nil
		default:
			executing := state.DeveloperExecuting
			empty := ""
			var resumeFrom string
			if st.CurrentBlocker != nil {
				resumeFrom = st.CurrentBlocker.StepID
			}
			return graph.NodeResult{Update: &state.Update{
				DeveloperStatus:   &executing,
				ClearBlocker:      true,
				BlockerResolution: &empty,
				// Same capture as the skip case: retry must resume ExecuteBatch
				// at the blocked step itself, not restart the batch.
				ResumeFromStepID: &resumeFrom,
			}}, nil
		}
	}
}

// reviewerNode re-anchors baseCommit and runs the competitive review personas
// over st.CodeChangesForReview (the developer's final result text). It does
// not compute a git diff itself.
func reviewerNode(deps Deps) graph.Node {
	return func(ctx context.Context, st *state.WorkflowState) (graph.NodeResult, error) {
		update, events, err := refreshBaseCommit(ctx, deps, st)
		if err != nil {
			return graph.NodeResult{}, err
		}

		diff := st.CodeChangesForReview
		review, err := deps.Reviewer.Review(ctx, diff, agents.CompetitivePersonas)
		if err != nil {
			return graph.NodeResult{}, fmt.Errorf("reviewer_node: %w", err)
		}
		return graph.NodeResult{
			Update: mergeUpdates(update, &state.Update{LastReview: &review}),
			Events: append(events, agents.ReviewEvent(st.WorkflowID, review, deps.now())),
		}, nil
	}
}

// developerReviewNode re-enters the developer in agentic mode with a prompt
// listing the rejected review's comments, and bumps reviewIteration. It does
// not build an ExecutionPlan batch for the fix pass.
func developerReviewNode(deps Deps) graph.Node {
	return func(ctx context.Context, st *state.WorkflowState) (graph.NodeResult, error) {
		prompt := fmt.Sprintf("Address this review feedback:\n%s", fixupPrompt(st.LastReview))
		devUpdate, events, err := deps.Developer.RunAgentic(ctx, st, prompt, deps.cwd(st), deps.now())
		if err != nil {
			return graph.NodeResult{}, fmt.Errorf("developer_node_for_review: %w", err)
		}
		next := st.ReviewIteration + 1
		return graph.NodeResult{Update: mergeUpdates(devUpdate, &state.Update{ReviewIteration: &next}), Events: events}, nil
	}
}

func fixupPrompt(review *state.ReviewResult) string {
	if review == nil {
		return ""
	}
	out := ""
	for _, c := range review.Comments {
		out += "- " + c + "\n"
	}
	return out
}

// refreshBaseCommit re-anchors baseCommit to the worktree's current HEAD
// before the reviewer runs and before every developer entry (spec §4.H).
func refreshBaseCommit(ctx context.Context, deps Deps, st *state.WorkflowState) (*state.Update, []state.WorkflowEvent, error) {
	if deps.HeadCommit == nil {
		return nil, nil, nil
	}
	head, err := deps.HeadCommit(ctx, deps.cwd(st))
	if err != nil {
		return nil, nil, fmt.Errorf("refresh base commit: %w", err)
	}
	return &state.Update{BaseCommit: &head}, nil, nil
}

func (d Deps) cwd(st *state.WorkflowState) string {
	if d.WorkDirOfPlan != nil {
		return d.WorkDirOfPlan(st)
	}
	return st.WorktreePath
}

// mergeUpdates folds b's non-zero fields over a, preferring b wherever both
// set the same field; it only needs to support the field combinations the
// nodes above actually produce.
func mergeUpdates(a, b *state.Update) *state.Update {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	merged := *a
	if b.Issue != nil {
		merged.Issue = b.Issue
	}
	if b.WorktreePath != nil {
		merged.WorktreePath = b.WorktreePath
	}
	if b.WorktreeName != nil {
		merged.WorktreeName = b.WorktreeName
	}
	if b.BaseCommit != nil {
		merged.BaseCommit = b.BaseCommit
	}
	if b.Goal != nil {
		merged.Goal = b.Goal
	}
	if b.PlanMarkdown != nil {
		merged.PlanMarkdown = b.PlanMarkdown
	}
	if b.PlanPath != nil {
		merged.PlanPath = b.PlanPath
	}
	if b.KeyFiles != nil {
		merged.KeyFiles = b.KeyFiles
	}
	if b.ExecutionPlan != nil {
		merged.ExecutionPlan = b.ExecutionPlan
	}
	if b.CurrentBatchIndex != nil {
		merged.CurrentBatchIndex = b.CurrentBatchIndex
	}
	if b.TotalTasks != nil {
		merged.TotalTasks = b.TotalTasks
	}
	if b.CurrentTaskIndex != nil {
		merged.CurrentTaskIndex = b.CurrentTaskIndex
	}
	if b.TaskReviewIter != nil {
		merged.TaskReviewIter = b.TaskReviewIter
	}
	if b.WorkflowStatus != nil {
		merged.WorkflowStatus = b.WorkflowStatus
	}
	if b.DeveloperStatus != nil {
		merged.DeveloperStatus = b.DeveloperStatus
	}
	if b.HumanApproved != nil {
		merged.HumanApproved = b.HumanApproved
	}
	if b.HumanFeedback != nil {
		merged.HumanFeedback = b.HumanFeedback
	}
	if b.ClearBlocker {
		merged.ClearBlocker = true
	}
	if b.CurrentBlocker != nil {
		merged.CurrentBlocker = b.CurrentBlocker
	}
	if b.BlockerResolution != nil {
		merged.BlockerResolution = b.BlockerResolution
	}
	if b.ResumeFromStepID != nil {
		merged.ResumeFromStepID = b.ResumeFromStepID
	}
	if b.LastReview != nil {
		merged.LastReview = b.LastReview
	}
	if b.ReviewIteration != nil {
		merged.ReviewIteration = b.ReviewIteration
	}
	if b.CodeChangesForReview != nil {
		merged.CodeChangesForReview = b.CodeChangesForReview
	}
	if b.DriverSessionID != nil {
		merged.DriverSessionID = b.DriverSessionID
	}
	if b.AppendBatchApproval != nil {
		merged.AppendBatchApproval = b.AppendBatchApproval
	}
	if b.SkipStepIDs != nil {
		merged.SkipStepIDs = append(append([]string(nil), merged.SkipStepIDs...), b.SkipStepIDs...)
	}
	return &merged
}

// router implements the edges table from spec §4.F.
func router(deps Deps) graph.Router {
	return func(st *state.WorkflowState, completed graph.NodeName) graph.NodeName {
		switch completed {
		case NodeArchitect:
			return NodePlanValidator
		case NodePlanValidator:
			return NodeHumanApproval
		case NodeHumanApproval:
			if st.HumanApproved == state.ApprovalYes {
				return NodeDeveloper
			}
			return graph.End
		case NodeDeveloper:
			switch st.DeveloperStatus {
			case state.DeveloperExecuting:
				return NodeDeveloper
			case state.DeveloperBatchComplete:
				// Reached only via Resume after developer_node paused for a
				// checkpoint (st.HumanApproved is now set) or, when no
				// checkpoint was required, directly after developer_node ran
				// to completion in the same pass.
				if st.HumanApproved != state.ApprovalUnset {
					return NodeBatchApproval
				}
				if deps.Profile.ShouldCheckpoint(batchIsHighRisk(st)) {
					return NodeBatchApproval
				}
				return NodeDeveloper
			case state.DeveloperBlocked:
				return NodeBlockerResolution
			case state.DeveloperAllDone:
				return NodeReviewer
			default:
				return graph.End
			}
		case NodeBatchApproval:
			if len(st.BatchApprovals) > 0 && st.BatchApprovals[len(st.BatchApprovals)-1].Approved {
				return NodeDeveloper
			}
			return graph.End
		case NodeBlockerResolution:
			switch st.WorkflowStatus {
			case state.StatusFailed:
				return graph.End
			default:
				if st.DeveloperStatus == state.DeveloperAllDone {
					return NodeReviewer
				}
				return NodeDeveloper
			}
		case NodeReviewer:
			if st.LastReview != nil && st.LastReview.Approved {
				return graph.End
			}
			if st.ReviewIteration >= deps.Profile.MaxReviewIterations() {
				return graph.End
			}
			return NodeDeveloperReview
		case NodeDeveloperReview:
			return NodeReviewer
		default:
			return graph.End
		}
	}
}

func batchIsHighRisk(st *state.WorkflowState) bool {
	if st.ExecutionPlan == nil || st.CurrentBatchIndex <= 0 || st.CurrentBatchIndex > len(st.ExecutionPlan.Batches) {
		return false
	}
	return st.ExecutionPlan.Batches[st.CurrentBatchIndex-1].RiskSummary == state.RiskHigh
}
