// Package state defines the immutable workflow state record threaded through
// the graph runtime, the plan/execution records it carries, and the pure
// transition-validation rules that govern workflowStatus changes.
//
// Values in this package are treated as immutable: every mutation goes
// through WorkflowState.With, which returns a deep-enough copy with the
// requested fields replaced. Concurrent readers always observe a consistent
// snapshot because no exported method mutates receiver state in place.
package state

import "time"

// WorkflowStatus is the coarse lifecycle state of a workflow.
type WorkflowStatus string

const (
	StatusPending    WorkflowStatus = "pending"
	StatusInProgress WorkflowStatus = "in_progress"
	StatusBlocked    WorkflowStatus = "blocked"
	StatusCompleted  WorkflowStatus = "completed"
	StatusFailed     WorkflowStatus = "failed"
	StatusCancelled  WorkflowStatus = "cancelled"
)

// DeveloperStatus is the fine-grained status the developer_node reports back
// to the graph runtime so it can route to the next node.
type DeveloperStatus string

const (
	DeveloperExecuting     DeveloperStatus = "executing"
	DeveloperBatchComplete DeveloperStatus = "batch_complete"
	DeveloperBlocked       DeveloperStatus = "blocked"
	DeveloperAllDone       DeveloperStatus = "all_done"
)

// Approval is a tri-state yes/no/unset flag. The zero value is Unset.
type Approval int

const (
	ApprovalUnset Approval = iota
	ApprovalYes
	ApprovalNo
)

// BlockerResolution sentinels recognized by blocker_resolution_node in
// addition to arbitrary free-text resolutions.
const (
	ResolutionSkip  = "skip"
	ResolutionAbort = "abort"
)

type (
	// Issue is the opaque record fetched from a tracker adapter (out of
	// scope per the spec; the engine only ever reads Title/Description/ID).
	Issue struct {
		ID          string
		Title       string
		Description string
	}

	// WorkflowState is the single record threaded through the graph. It is
	// replaced wholesale by graph nodes via With; never mutated in place.
	WorkflowState struct {
		WorkflowID string
		IssueID    string
		Issue      *Issue
		ProfileID  string

		WorktreePath string
		WorktreeName string
		BaseCommit   string

		Goal         string
		PlanMarkdown string
		PlanPath     string
		KeyFiles     []string

		ExecutionPlan     *ExecutionPlan
		CurrentBatchIndex int

		TotalTasks       int
		HasTotalTasks    bool
		CurrentTaskIndex int
		TaskReviewIter   int

		WorkflowStatus  WorkflowStatus
		DeveloperStatus DeveloperStatus

		HumanApproved Approval
		HumanFeedback string

		CurrentBlocker     *BlockerReport
		BlockerResolution  string
		// ResumeFromStepID carries the blocked step's id across the
		// blocker_resolution_node update that clears CurrentBlocker, so
		// developer_node can resume a batch at that step instead of
		// restarting it. developer_node clears it once consumed.
		ResumeFromStepID string

		LastReview           *ReviewResult
		ReviewIteration      int
		CodeChangesForReview string

		DriverSessionID string
		BatchApprovals  []BatchApproval
		SkippedStepIDs  map[string]struct{}

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// BatchApproval records a single human approval/rejection decision for a batch.
	BatchApproval struct {
		BatchNumber int
		Approved    bool
		Feedback    string
		DecidedAt   time.Time
	}
)

// New constructs a pending WorkflowState for a freshly started workflow.
func New(workflowID, issueID, profileID string, now time.Time) *WorkflowState {
	return &WorkflowState{
		WorkflowID:      workflowID,
		IssueID:         issueID,
		ProfileID:       profileID,
		WorkflowStatus:  StatusPending,
		DeveloperStatus: DeveloperExecuting,
		SkippedStepIDs:  map[string]struct{}{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Update is a partial update produced by a graph node. Any non-nil/non-zero
// field is merged into the base state by With. A nil *Update is a no-op.
type Update struct {
	Issue                *Issue
	WorktreePath         *string
	WorktreeName         *string
	BaseCommit           *string
	Goal                 *string
	PlanMarkdown         *string
	PlanPath             *string
	KeyFiles             []string
	ExecutionPlan        *ExecutionPlan
	CurrentBatchIndex    *int
	TotalTasks           *int
	CurrentTaskIndex     *int
	TaskReviewIter       *int
	WorkflowStatus       *WorkflowStatus
	DeveloperStatus      *DeveloperStatus
	HumanApproved        *Approval
	HumanFeedback        *string
	CurrentBlocker       *BlockerReport
	ClearBlocker         bool
	BlockerResolution    *string
	ResumeFromStepID     *string
	LastReview           *ReviewResult
	ReviewIteration      *int
	CodeChangesForReview *string
	DriverSessionID      *string
	AppendBatchApproval  *BatchApproval
	SkipStepIDs          []string
}

// With returns a new WorkflowState with upd merged in, plus UpdatedAt bumped
// to now. The receiver is never mutated.
func (s *WorkflowState) With(upd *Update, now time.Time) *WorkflowState {
	next := s.clone()
	next.UpdatedAt = now
	if upd == nil {
		return next
	}
	if upd.Issue != nil {
		next.Issue = upd.Issue
	}
	if upd.WorktreePath != nil {
		next.WorktreePath = *upd.WorktreePath
	}
	if upd.WorktreeName != nil {
		next.WorktreeName = *upd.WorktreeName
	}
	if upd.BaseCommit != nil {
		next.BaseCommit = *upd.BaseCommit
	}
	if upd.Goal != nil {
		next.Goal = *upd.Goal
	}
	if upd.PlanMarkdown != nil {
		next.PlanMarkdown = *upd.PlanMarkdown
	}
	if upd.PlanPath != nil {
		next.PlanPath = *upd.PlanPath
	}
	if upd.KeyFiles != nil {
		next.KeyFiles = append([]string(nil), upd.KeyFiles...)
	}
	if upd.ExecutionPlan != nil {
		next.ExecutionPlan = upd.ExecutionPlan
	}
	if upd.CurrentBatchIndex != nil {
		next.CurrentBatchIndex = *upd.CurrentBatchIndex
	}
	if upd.TotalTasks != nil {
		next.TotalTasks = *upd.TotalTasks
		next.HasTotalTasks = true
	}
	if upd.CurrentTaskIndex != nil {
		next.CurrentTaskIndex = *upd.CurrentTaskIndex
	}
	if upd.TaskReviewIter != nil {
		next.TaskReviewIter = *upd.TaskReviewIter
	}
	if upd.WorkflowStatus != nil {
		next.WorkflowStatus = *upd.WorkflowStatus
	}
	if upd.DeveloperStatus != nil {
		next.DeveloperStatus = *upd.DeveloperStatus
	}
	if upd.HumanApproved != nil {
		next.HumanApproved = *upd.HumanApproved
	}
	if upd.HumanFeedback != nil {
		next.HumanFeedback = *upd.HumanFeedback
	}
	if upd.ClearBlocker {
		next.CurrentBlocker = nil
	} else if upd.CurrentBlocker != nil {
		next.CurrentBlocker = upd.CurrentBlocker
	}
	if upd.BlockerResolution != nil {
		next.BlockerResolution = *upd.BlockerResolution
	}
	if upd.ResumeFromStepID != nil {
		next.ResumeFromStepID = *upd.ResumeFromStepID
	}
	if upd.LastReview != nil {
		next.LastReview = upd.LastReview
	}
	if upd.ReviewIteration != nil {
		next.ReviewIteration = *upd.ReviewIteration
	}
	if upd.CodeChangesForReview != nil {
		next.CodeChangesForReview = *upd.CodeChangesForReview
	}
	if upd.DriverSessionID != nil {
		next.DriverSessionID = *upd.DriverSessionID
	}
	if upd.AppendBatchApproval != nil {
		next.BatchApprovals = append(next.BatchApprovals, *upd.AppendBatchApproval)
	}
	for _, id := range upd.SkipStepIDs {
		next.SkippedStepIDs[id] = struct{}{}
	}
	return next
}

// clone performs a deep-enough copy: slices and maps are copied so that
// mutating the returned state never aliases the receiver's storage.
func (s *WorkflowState) clone() *WorkflowState {
	cp := *s
	if s.KeyFiles != nil {
		cp.KeyFiles = append([]string(nil), s.KeyFiles...)
	}
	if s.BatchApprovals != nil {
		cp.BatchApprovals = append([]BatchApproval(nil), s.BatchApprovals...)
	}
	cp.SkippedStepIDs = make(map[string]struct{}, len(s.SkippedStepIDs))
	for k := range s.SkippedStepIDs {
		cp.SkippedStepIDs[k] = struct{}{}
	}
	return &cp
}

// IsTerminal reports whether the workflow is in a terminal status that
// accepts no further events (invariant 3).
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// transitions enumerates the allowed workflowStatus edges (spec §4.A).
var transitions = map[WorkflowStatus]map[WorkflowStatus]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusBlocked:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusBlocked: {
		StatusInProgress: true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// ValidateTransition is a pure function reporting whether moving from
// current to target is allowed by the state machine in spec §4.A. A
// transition to the same status is never allowed (it would not be a
// transition); callers that want idempotent no-ops should special-case it
// before calling ValidateTransition.
func ValidateTransition(current, target WorkflowStatus) bool {
	allowed, ok := transitions[current]
	if !ok {
		return false
	}
	return allowed[target]
}
