package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

func TestSQLRepository_UpdateGoalStatusConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := NewSQLRepository(db).WithClock(func() time.Time { return now })

	mock.ExpectExec(regexp.QuoteMeta("UPDATE goals SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4")).
		WithArgs("completed", "2026-01-01T00:00:00.000000000Z", "g1", "active").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM goals WHERE id = $1")).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	_, err = repo.UpdateGoalStatus(context.Background(), "g1", contracts.GoalActive, contracts.GoalCompleted)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_CompleteRunGuardsRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE runs SET status = $1")).
		WithArgs("failure", int64(0), 0.0, 0.0, nil, "boom", sqlmock.AnyArg(), "run-1", "running").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM runs WHERE id = $1")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))

	_, err = repo.CompleteRun(context.Background(), "run-1", contracts.RunResult{Status: contracts.RunFailure, ErrorMessage: "boom"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_ListGoalsPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM goals WHERE status IN ($1, $2)")).
		WithArgs("queued", "active").
		WillReturnRows(sqlmock.NewRows(nil))

	gs, err := NewSQLRepository(db).ListGoalsByStatus(context.Background(), contracts.GoalQueued, contracts.GoalActive)
	require.NoError(t, err)
	assert.Empty(t, gs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
