package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		from, to WorkflowStatus
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusBlocked, false},
		{StatusPending, StatusCompleted, false},
		{StatusInProgress, StatusBlocked, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusInProgress, StatusPending, false},
		{StatusBlocked, StatusInProgress, true},
		{StatusBlocked, StatusFailed, true},
		{StatusBlocked, StatusCancelled, true},
		{StatusBlocked, StatusCompleted, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusFailed, StatusInProgress, false},
		{StatusCancelled, StatusInProgress, false},
	}
	for _, tc := range cases {
		got := ValidateTransition(tc.from, tc.to)
		require.Equalf(t, tc.want, got, "ValidateTransition(%s, %s)", tc.from, tc.to)
	}
}

func TestIsTerminal(t *testing.T) {
	require.True(t, StatusCompleted.IsTerminal())
	require.True(t, StatusFailed.IsTerminal())
	require.True(t, StatusCancelled.IsTerminal())
	require.False(t, StatusPending.IsTerminal())
	require.False(t, StatusInProgress.IsTerminal())
	require.False(t, StatusBlocked.IsTerminal())
}

func TestWithIsCopyOnWrite(t *testing.T) {
	now := time.Now()
	s := New("wf-1", "issue-1", "profile-1", now)

	goal := "implement feature X"
	next := s.With(&Update{Goal: &goal}, now.Add(time.Second))

	require.Empty(t, s.Goal, "receiver must not be mutated")
	require.Equal(t, goal, next.Goal)
	require.NotSame(t, s, next)
}

func TestWithAppendsBatchApprovalsAndUnionsSkips(t *testing.T) {
	now := time.Now()
	s := New("wf-1", "issue-1", "profile-1", now)

	s = s.With(&Update{
		AppendBatchApproval: &BatchApproval{BatchNumber: 1, Approved: true, DecidedAt: now},
		SkipStepIDs:         []string{"step-a"},
	}, now)
	s = s.With(&Update{
		AppendBatchApproval: &BatchApproval{BatchNumber: 2, Approved: false, DecidedAt: now},
		SkipStepIDs:         []string{"step-b"},
	}, now)

	require.Len(t, s.BatchApprovals, 2)
	require.Equal(t, 1, s.BatchApprovals[0].BatchNumber)
	require.Equal(t, 2, s.BatchApprovals[1].BatchNumber)
	require.Contains(t, s.SkippedStepIDs, "step-a")
	require.Contains(t, s.SkippedStepIDs, "step-b")
}

func TestWithNilUpdateIsNoOp(t *testing.T) {
	now := time.Now()
	s := New("wf-1", "issue-1", "profile-1", now)
	next := s.With(nil, now.Add(time.Minute))
	require.Equal(t, s.WorkflowID, next.WorkflowID)
	require.Equal(t, s.WorkflowStatus, next.WorkflowStatus)
	require.True(t, next.UpdatedAt.After(s.UpdatedAt))
}

func TestCloneDeepCopiesSlicesAndMaps(t *testing.T) {
	now := time.Now()
	s := New("wf-1", "issue-1", "profile-1", now)
	s.KeyFiles = []string{"a.go"}

	clone := s.clone()
	clone.KeyFiles[0] = "mutated.go"
	clone.SkippedStepIDs["x"] = struct{}{}

	require.Equal(t, "a.go", s.KeyFiles[0])
	require.NotContains(t, s.SkippedStepIDs, "x")
}
