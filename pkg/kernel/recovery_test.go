package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/escalation"
)

func (h *harness) seedItem(goalID, id string, status contracts.WorkItemStatus) {
	h.t.Helper()
	h.item(goalID, id, 0)
	// Walk the lifecycle so both repositories accept the state.
	path := map[contracts.WorkItemStatus][]contracts.WorkItemStatus{
		contracts.WorkItemInProgress: {contracts.WorkItemReady, contracts.WorkItemInProgress},
		contracts.WorkItemVerify:     {contracts.WorkItemReady, contracts.WorkItemInProgress, contracts.WorkItemVerify},
		contracts.WorkItemFailed:     {contracts.WorkItemReady, contracts.WorkItemInProgress, contracts.WorkItemFailed},
	}[status]
	from := contracts.WorkItemQueued
	for _, to := range path {
		_, err := h.repo.UpdateWorkItemStatus(h.ctx, id, from, to, nil)
		require.NoError(h.t, err)
		from = to
	}
}

func (h *harness) seedRun(id, goalID, itemID string, result *contracts.RunResult) {
	h.t.Helper()
	require.NoError(h.t, h.repo.CreateRun(h.ctx, &contracts.Run{
		ID: id, WorkItemID: itemID, GoalID: goalID, Status: contracts.RunRunning,
		Model: "gpt-4o", Tier: "medium", StartedAt: h.clock.Now(),
	}))
	if result != nil {
		_, err := h.repo.CompleteRun(h.ctx, id, *result)
		require.NoError(h.t, err)
	}
}

func TestRecover(t *testing.T) {
	for name, opts := range map[string][]harnessOption{
		"memory": nil,
		"sqlite": {openSQLite(t)},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, opts...)
			h.goal("g1", 0)
			_, err := h.repo.UpdateGoalStatus(h.ctx, "g1", contracts.GoalQueued, contracts.GoalActive)
			require.NoError(t, err)

			h.seedItem("g1", "interrupted", contracts.WorkItemInProgress)
			h.seedRun("run-1", "g1", "interrupted", nil)
			h.seedItem("g1", "checking", contracts.WorkItemVerify)
			h.seedRun("run-2", "g1", "checking", &contracts.RunResult{
				Status: contracts.RunSuccess, TokensUsed: 42, CompletedAt: h.clock.Now(),
			})

			rep, err := h.sched.Recover(h.ctx)
			require.NoError(t, err)
			assert.Equal(t, RecoveryReport{AbortedRuns: 1, RequeuedItems: 1, ReverifiedItems: 1}, rep)

			run, err := h.repo.GetRun(h.ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, contracts.RunAborted, run.Status)
			assert.Equal(t, ErrInterrupted.Error(), run.ErrorMessage)

			w := h.getItem("interrupted")
			assert.Equal(t, contracts.WorkItemReady, w.Status)
			assert.Equal(t, 1, w.RetryCount)
			assert.Equal(t, contracts.WorkItemDone, h.getItem("checking").Status)
			assert.Zero(t, h.getGoal("g1").Spent.Tokens, "interrupted runs record no usage")

			// A second pass finds nothing to repair.
			rep, err = h.sched.Recover(h.ctx)
			require.NoError(t, err)
			assert.Equal(t, RecoveryReport{}, rep)

			h.clock.Advance(time.Minute)
			h.ticks(2)
			assert.Equal(t, contracts.GoalCompleted, h.getGoal("g1").Status)
		})
	}
}

func TestRecover_VerifyWithoutSuccessfulRun(t *testing.T) {
	h := newHarness(t)
	h.goal("g1", 0)
	_, err := h.repo.UpdateGoalStatus(h.ctx, "g1", contracts.GoalQueued, contracts.GoalActive)
	require.NoError(t, err)
	h.seedItem("g1", "orphan", contracts.WorkItemVerify)

	rep, err := h.sched.Recover(h.ctx)
	assert.Error(t, err)
	assert.Zero(t, rep.ReverifiedItems)
	assert.Equal(t, contracts.WorkItemVerify, h.getItem("orphan").Status)
}

func TestRecover_ResumesItemsWithClosedRuns(t *testing.T) {
	for name, opts := range map[string][]harnessOption{
		"memory": nil,
		"sqlite": {openSQLite(t)},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, opts...)
			h.goal("g1", 0)
			_, err := h.repo.UpdateGoalStatus(h.ctx, "g1", contracts.GoalQueued, contracts.GoalActive)
			require.NoError(t, err)

			h.seedItem("g1", "finished", contracts.WorkItemInProgress)
			h.seedRun("run-1", "g1", "finished", &contracts.RunResult{
				Status: contracts.RunSuccess, TokensUsed: 10, CompletedAt: h.clock.Now(),
			})
			h.seedItem("g1", "crashed", contracts.WorkItemInProgress)
			h.seedRun("run-2", "g1", "crashed", &contracts.RunResult{
				Status: contracts.RunFailure, ErrorMessage: errTransient.Error(), CompletedAt: h.clock.Now(),
			})
			h.seedItem("g1", "claimed", contracts.WorkItemInProgress)
			h.seedItem("g1", "unannounced", contracts.WorkItemFailed)
			h.seedRun("run-3", "g1", "unannounced", &contracts.RunResult{
				Status: contracts.RunFailure, ErrorMessage: errTransient.Error(), CompletedAt: h.clock.Now(),
			})
			h.seedItem("g1", "escalated", contracts.WorkItemFailed)
			h.seedRun("run-4", "g1", "escalated", &contracts.RunResult{
				Status: contracts.RunFailure, ErrorMessage: "model refused", CompletedAt: h.clock.Now(),
			})
			_, err = h.escalations.CreateEscalation(h.ctx, escalation.Params{
				WorkItemID: "escalated", GoalID: "g1", RunID: "run-4",
				Type: contracts.EscalationManual, Severity: contracts.SeverityMedium,
			})
			require.NoError(t, err)

			rep, err := h.sched.Recover(h.ctx)
			require.NoError(t, err)
			assert.Equal(t, RecoveryReport{ResumedItems: 4}, rep)

			assert.Equal(t, contracts.WorkItemDone, h.getItem("finished").Status)
			for _, id := range []string{"crashed", "claimed"} {
				w := h.getItem(id)
				assert.Equal(t, contracts.WorkItemReady, w.Status, id)
				assert.Equal(t, 1, w.RetryCount, id)
			}
			assert.Equal(t, contracts.WorkItemReady, h.getItem("unannounced").Status)
			assert.Equal(t, contracts.WorkItemFailed, h.getItem("escalated").Status)
			assert.Len(t, h.escalationsFor("g1"), 1, "no second escalation")

			rep, err = h.sched.Recover(h.ctx)
			require.NoError(t, err)
			assert.Equal(t, RecoveryReport{}, rep)
		})
	}
}
