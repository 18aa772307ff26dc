package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/state"
	"github.com/agentflow/agentflow/internal/store"
)

// CommitTransition's partial failures (spec §7: "any exception rolls back
// state+events+usage together; partial observability is impossible") are
// awkward to trigger against a real sqlite file — there's no clean way to
// make the third INSERT in a transaction fail without corrupting the
// database for every other test. sqlmock lets us assert the rollback
// happens and that nothing before the failure point is left durable.
func TestCommitTransitionRollsBackOnEventInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := NewWithDB(db)
	ctx := context.Background()

	now := time.Now().UTC()
	tx := store.Transaction{
		WorkflowID: "wf-1",
		State:      &state.WorkflowState{WorkflowID: "wf-1", WorkflowStatus: state.StatusInProgress, UpdatedAt: now},
		Events: []state.WorkflowEvent{
			{WorkflowID: "wf-1", Sequence: 1, Agent: "architect", EventType: state.EventAgentStarted, Timestamp: now},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE workflows SET status`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO workflow_log`).WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	err = c.CommitTransition(ctx, tx)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitTransitionCommitsWhenAllStatementsSucceed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := NewWithDB(db)
	ctx := context.Background()
	now := time.Now().UTC()

	tx := store.Transaction{
		WorkflowID: "wf-1",
		State:      &state.WorkflowState{WorkflowID: "wf-1", WorkflowStatus: state.StatusCompleted, UpdatedAt: now},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE workflows SET status`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, c.CommitTransition(ctx, tx))
	require.NoError(t, mock.ExpectationsWereMet())
}
