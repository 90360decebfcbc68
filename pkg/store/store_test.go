package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/budget"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/lifecycle"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *SQLRepository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	repo := NewSQLRepository(db).WithClock(func() time.Time { return t0 })
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

// repos runs fn against every implementation.
func repos(t *testing.T, fn func(t *testing.T, r Repository)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryRepository().WithClock(func() time.Time { return t0 }))
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, openSQLite(t))
	})
}

func seedGoal(t *testing.T, r Repository, id string, priority int, created time.Time) *contracts.Goal {
	t.Helper()
	g := &contracts.Goal{
		ID: id, Title: "goal " + id, Status: contracts.GoalActive, Priority: priority,
		Budget:          contracts.Budget{Tokens: contracts.Int64(10000), CostUSD: contracts.Float64(5)},
		SuccessCriteria: []string{"tests pass"},
		QualityGates:    []string{`run.status == "success"`},
		CreatedAt:       created, UpdatedAt: created,
	}
	require.NoError(t, r.CreateGoal(context.Background(), g))
	return g
}

func seedWorkItem(t *testing.T, r Repository, id, goalID string, status contracts.WorkItemStatus) *contracts.WorkItem {
	t.Helper()
	w := &contracts.WorkItem{
		ID: id, GoalID: goalID, Title: "item " + id, Status: status,
		MaxRetries: 3, VerificationStatus: contracts.VerificationPending,
		Dependencies: []string{"dep-a"}, EstimatedTokens: 1200,
		CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, r.CreateWorkItem(context.Background(), w))
	return w
}

func TestGoalRoundTrip(t *testing.T) {
	repos(t, func(t *testing.T, r Repository) {
		ctx := context.Background()
		seedGoal(t, r, "g1", 1, t0)

		got, err := r.GetGoal(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, "goal g1", got.Title)
		require.NotNil(t, got.Budget.Tokens)
		assert.Equal(t, int64(10000), *got.Budget.Tokens)
		assert.Nil(t, got.Budget.TimeSeconds)
		assert.Equal(t, []string{"tests pass"}, got.SuccessCriteria)
		assert.True(t, got.CreatedAt.Equal(t0))

		_, err = r.GetGoal(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListGoalsByStatusOrdering(t *testing.T) {
	repos(t, func(t *testing.T, r Repository) {
		ctx := context.Background()
		seedGoal(t, r, "low", 1, t0)
		seedGoal(t, r, "high-late", 5, t0.Add(time.Minute))
		seedGoal(t, r, "high-early", 5, t0)
		_, err := r.UpdateGoalStatus(ctx, "low", contracts.GoalActive, contracts.GoalCompleted)
		require.NoError(t, err)

		gs, err := r.ListGoalsByStatus(ctx, contracts.GoalActive, contracts.GoalQueued)
		require.NoError(t, err)
		require.Len(t, gs, 2)
		assert.Equal(t, "high-early", gs[0].ID)
		assert.Equal(t, "high-late", gs[1].ID)
	})
}

func TestUpdateGoalStatusCAS(t *testing.T) {
	repos(t, func(t *testing.T, r Repository) {
		ctx := context.Background()
		seedGoal(t, r, "g1", 0, t0)

		_, err := r.UpdateGoalStatus(ctx, "g1", contracts.GoalQueued, contracts.GoalActive)
		assert.ErrorIs(t, err, ErrConflict)

		_, err = r.UpdateGoalStatus(ctx, "g1", contracts.GoalActive, contracts.GoalQueued)
		assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

		g, err := r.UpdateGoalStatus(ctx, "g1", contracts.GoalActive, contracts.GoalBlocked)
		require.NoError(t, err)
		assert.Equal(t, contracts.GoalBlocked, g.Status)

		_, err = r.UpdateGoalStatus(ctx, "nope", contracts.GoalActive, contracts.GoalBlocked)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestAddGoalSpendIdempotent(t *testing.T) {
	repos(t, func(t *testing.T, r Repository) {
		ctx := context.Background()
		seedGoal(t, r, "g1", 0, t0)

		u := budget.Usage{GoalID: "g1", RunID: "run-1", Tokens: 500, TimeSeconds: 1.5, CostUSD: 0.02}
		applied, err := r.AddGoalSpend(ctx, u)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = r.Append(ctx, u)
		require.NoError(t, err)
		assert.False(t, applied, "same run id is applied once")

		g, err := r.GetGoal(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, int64(500), g.Spent.Tokens)
		assert.InDelta(t, 0.02, g.Spent.CostUSD, 1e-9)

		_, err = r.AddGoalSpend(ctx, budget.Usage{GoalID: "missing", RunID: "run-2", Tokens: 1})
		assert.Error(t, err)
	})
}

func TestWorkItemStatusCASFollowsLifecycle(t *testing.T) {
	statuses := lifecycle.WorkItemStatuses()
	repos(t, func(t *testing.T, r Repository) {
		ctx := context.Background()
		seedGoal(t, r, "g1", 0, t0)
		for _, from := range statuses {
			for _, to := range statuses {
				id := fmt.Sprintf("wi-%s-%s", from, to)
				seedWorkItem(t, r, id, "g1", from)
				_, err := r.UpdateWorkItemStatus(ctx, id, from, to, nil)
				if lifecycle.CanTransitionWorkItem(from, to) {
					assert.NoError(t, err, "%s -> %s", from, to)
				} else {
					assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition, "%s -> %s", from, to)
				}
			}
		}
	})
}

func TestUpdateWorkItemStatusMutates(t *testing.T) {
	repos(t, func(t *testing.T, r Repository) {
		ctx := context.Background()
		seedGoal(t, r, "g1", 0, t0)
		seedWorkItem(t, r, "wi-1", "g1", contracts.WorkItemFailed)

		next := t0.Add(2 * time.Second)
		w, err := r.UpdateWorkItemStatus(ctx, "wi-1", contracts.WorkItemFailed, contracts.WorkItemReady, func(w *contracts.WorkItem) {
			w.RetryCount = 2
			w.PreviousStrategies = append(w.PreviousStrategies, "same_approach")
			w.NextAttemptAt = &next
			w.OverageApproved = true
		})
		require.NoError(t, err)
		assert.Equal(t, contracts.WorkItemReady, w.Status)

		got, err := r.GetWorkItem(ctx, "wi-1")
		require.NoError(t, err)
		assert.Equal(t, 2, got.RetryCount)
		assert.Equal(t, []string{"same_approach"}, got.PreviousStrategies)
		require.NotNil(t, got.NextAttemptAt)
		assert.True(t, got.NextAttemptAt.Equal(next))
		assert.True(t, got.OverageApproved)
		assert.Equal(t, []string{"dep-a"}, got.Dependencies)

		_, err = r.UpdateWorkItemStatus(ctx, "wi-1", contracts.WorkItemFailed, contracts.WorkItemReady, nil)
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestUpdateWorkItemGuardsStatus(t *testing.T) {
	repos(t, func(t *testing.T, r Repository) {
		ctx := context.Background()
		seedGoal(t, r, "g1", 0, t0)
		w := seedWorkItem(t, r, "wi-1", "g1", contracts.WorkItemFailed)

		w.Description = "use the other API"
		require.NoError(t, r.UpdateWorkItem(ctx, w))
		got, err := r.GetWorkItem(ctx, "wi-1")
		require.NoError(t, err)
		assert.Equal(t, "use the other API", got.Description)

		w.Status = contracts.WorkItemReady
		assert.ErrorIs(t, r.UpdateWorkItem(ctx, w), ErrConflict)
	})
}

func TestRunLifecycle(t *testing.T) {
	repos(t, func(t *testing.T, r Repository) {
		ctx := context.Background()
		seedGoal(t, r, "g1", 0, t0)
		seedWorkItem(t, r, "wi-1", "g1", contracts.WorkItemInProgress)

		run := &contracts.Run{ID: "run-1", WorkItemID: "wi-1", GoalID: "g1", Status: contracts.RunRunning,
			Model: "gpt-4o-mini", Tier: "simple", StartedAt: t0}
		require.NoError(t, r.CreateRun(ctx, run))

		running, err := r.ListRunningRuns(ctx)
		require.NoError(t, err)
		require.Len(t, running, 1)

		done, err := r.CompleteRun(ctx, "run-1", contracts.RunResult{
			Status: contracts.RunSuccess, TokensUsed: 500, CostUSD: 0.01, TimeSeconds: 3,
			Artifacts:   []contracts.ArtifactRef{{Name: "out.txt", Digest: "blake3:abc", Size: 3}},
			CompletedAt: t0.Add(3 * time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, contracts.RunSuccess, done.Status)
		require.NotNil(t, done.CompletedAt)
		require.Len(t, done.Artifacts, 1)

		_, err = r.CompleteRun(ctx, "run-1", contracts.RunResult{Status: contracts.RunFailure})
		assert.ErrorIs(t, err, ErrConflict, "a run completes exactly once")

		_, err = r.CompleteRun(ctx, "run-1", contracts.RunResult{Status: contracts.RunRunning})
		assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

		running, err = r.ListRunningRuns(ctx)
		require.NoError(t, err)
		assert.Empty(t, running)

		byItem, err := r.GetRunsByWorkItem(ctx, "wi-1")
		require.NoError(t, err)
		require.Len(t, byItem, 1)
		assert.Equal(t, int64(500), byItem[0].TokensUsed)
	})
}

func TestCreateRunMustBeRunning(t *testing.T) {
	repos(t, func(t *testing.T, r Repository) {
		err := r.CreateRun(context.Background(), &contracts.Run{ID: "r", Status: contracts.RunSuccess})
		assert.Error(t, err)
	})
}
