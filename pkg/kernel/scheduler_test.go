package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/abort"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/budget"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/executor"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/lifecycle"
)

var errTransient = errors.New("upstream connection reset")

func TestNew_MissingDependency(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestConfig_Defaults(t *testing.T) {
	h := newHarness(t)
	cfg := h.sched.Config()
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 5, cfg.MaxConcurrentGoals)
	assert.Equal(t, 4, cfg.MaxInFlightPerGoal)
	assert.Equal(t, time.Second, cfg.AbortGrace)
}

func TestScheduler_GoalCompletesWithinBudget(t *testing.T) {
	for name, opts := range map[string][]harnessOption{
		"memory": nil,
		"sqlite": {openSQLite(t)},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, opts...)
			h.goal("g1", 10000)
			h.item("g1", "write-tests", 500)
			h.engine.Script("write-tests", executor.Succeed(500, 0))

			require.NoError(t, h.tick())
			assert.Equal(t, contracts.GoalActive, h.getGoal("g1").Status)
			assert.Equal(t, contracts.WorkItemInProgress, h.getItem("write-tests").Status)

			require.NoError(t, h.tick())

			g := h.getGoal("g1")
			assert.Equal(t, contracts.GoalCompleted, g.Status)
			assert.Equal(t, int64(500), g.Spent.Tokens)
			w := h.getItem("write-tests")
			assert.Equal(t, contracts.WorkItemDone, w.Status)
			assert.Equal(t, contracts.VerificationPassed, w.VerificationStatus)
			assert.Empty(t, h.escalationsFor("g1"))

			runs, err := h.repo.GetRunsByWorkItem(h.ctx, "write-tests")
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, contracts.RunSuccess, runs[0].Status)
			assert.Equal(t, int64(500), runs[0].TokensUsed)
			assert.NotEmpty(t, runs[0].Model)
		})
	}
}

func TestScheduler_RetriesThenEscalates(t *testing.T) {
	h := newHarness(t)
	h.goal("g1", 0)
	h.item("g1", "flaky", 0)
	h.engine.Script("flaky", executor.Fail(errTransient, 10))

	// Each attempt needs a dispatch tick and a completion tick.
	h.ticks(6)

	assert.Equal(t, 3, h.engine.CallCount("flaky"))
	w := h.getItem("flaky")
	assert.Equal(t, contracts.WorkItemFailed, w.Status)
	assert.Equal(t, 3, w.RetryCount)
	assert.Equal(t, []string{"same_approach", "parameter_adjust"}, w.PreviousStrategies)

	escs := h.escalationsFor("g1")
	require.Len(t, escs, 1)
	assert.Equal(t, contracts.EscalationRetriesExhausted, escs[0].Type)
	assert.Equal(t, contracts.EscalationOpen, escs[0].Status)
	assert.Equal(t, contracts.GoalActive, h.getGoal("g1").Status)

	// Blocked goals are not processed, so nothing runs again.
	h.ticks(2)
	assert.Equal(t, 3, h.engine.CallCount("flaky"))
	assert.Equal(t, int64(30), h.getGoal("g1").Spent.Tokens)
}

func TestScheduler_RetryWaitsForBackoff(t *testing.T) {
	h := newHarness(t)
	h.goal("g1", 0)
	h.item("g1", "flaky", 0)
	h.engine.Script("flaky", executor.Fail(errTransient, 0), executor.Succeed(0, 0))

	require.NoError(t, h.tick())
	require.NoError(t, h.tick())
	w := h.getItem("flaky")
	require.Equal(t, contracts.WorkItemReady, w.Status)
	require.NotNil(t, w.NextAttemptAt)
	assert.True(t, w.NextAttemptAt.After(h.clock.Now()))

	require.NoError(t, h.tick())
	assert.Equal(t, 1, h.engine.CallCount("flaky"), "backoff not elapsed")

	h.clock.Advance(time.Minute)
	h.ticks(2)
	assert.Equal(t, 2, h.engine.CallCount("flaky"))
	assert.Equal(t, contracts.GoalCompleted, h.getGoal("g1").Status)
}

func TestScheduler_BlocksOnBudget(t *testing.T) {
	h := newHarness(t)
	h.goal("g1", 1000)
	h.item("g1", "big", 2000)

	require.NoError(t, h.tick())

	assert.Equal(t, 0, h.engine.CallCount("big"))
	w := h.getItem("big")
	assert.Equal(t, contracts.WorkItemBlocked, w.Status)
	runs, err := h.repo.GetRunsByWorkItem(h.ctx, "big")
	require.NoError(t, err)
	assert.Empty(t, runs)

	escs := h.escalationsFor("g1")
	require.Len(t, escs, 1)
	assert.Equal(t, contracts.EscalationResource, escs[0].Type)
	assert.Equal(t, contracts.SeverityCritical, escs[0].Severity)
	assert.Equal(t, "big", escs[0].WorkItemID)
	assert.Contains(t, h.eventTypes(), EventEscalationCreated)
}

func TestScheduler_OverageWithinPolicyEscalatesAfterDispatch(t *testing.T) {
	h := newHarness(t, withBudgetPolicy(budget.Policy{AllowOverage: true, MaxOveragePercent: 10}))
	h.goal("g1", 1000)
	h.item("g1", "slightly-big", 1050)
	h.item("g1", "next", 10)

	require.NoError(t, h.tick())
	assert.Equal(t, 1, h.engine.CallCount("slightly-big"))
	assert.Equal(t, 0, h.engine.CallCount("next"), "goal waits on the overage escalation")

	escs := h.escalationsFor("g1")
	require.Len(t, escs, 1)
	assert.Equal(t, contracts.EscalationBudgetOverage, escs[0].Type)
	assert.Equal(t, contracts.SeverityMedium, escs[0].Severity)
}

func TestScheduler_DependenciesRunInOrder(t *testing.T) {
	h := newHarness(t)
	h.goal("g1", 0)
	h.item("g1", "schema", 0)
	h.item("g1", "migrate", 0, "schema")
	h.item("g1", "unknown-dep", 0, "does-not-exist")

	require.NoError(t, h.tick())
	assert.Equal(t, 1, h.engine.CallCount("schema"))
	assert.Equal(t, 0, h.engine.CallCount("migrate"))
	assert.Equal(t, contracts.WorkItemQueued, h.getItem("migrate").Status)

	h.ticks(2)
	assert.Equal(t, 1, h.engine.CallCount("migrate"))
	assert.Equal(t, contracts.WorkItemDone, h.getItem("migrate").Status)
	assert.Equal(t, contracts.WorkItemQueued, h.getItem("unknown-dep").Status)
	assert.Equal(t, contracts.GoalActive, h.getGoal("g1").Status)
}

func TestScheduler_MaxInFlightPerGoal(t *testing.T) {
	h := newHarness(t, withConfig(Config{MaxInFlightPerGoal: 2, AbortGrace: time.Second}))
	release := make(chan struct{})
	h.engine.Default(executor.Block(release))
	h.goal("g1", 0)
	for _, id := range []string{"a", "b", "c"} {
		h.item("g1", id, 0)
	}

	require.NoError(t, h.sched.RunNow(h.ctx))
	assert.Equal(t, 2, h.sched.Snapshot().InFlightRuns)
	require.Eventually(t, func() bool { return len(h.engine.Calls()) == 2 }, 2*time.Second, 5*time.Millisecond)

	close(release)
	h.ticks(3)
	assert.Len(t, h.engine.Calls(), 3)
	assert.Equal(t, contracts.GoalCompleted, h.getGoal("g1").Status)
}

func TestScheduler_MaxConcurrentGoals(t *testing.T) {
	h := newHarness(t, withConfig(Config{MaxConcurrentGoals: 1, AbortGrace: time.Second}))
	h.goal("g1", 0)
	h.goal("g2", 0)
	h.item("g1", "one", 0)
	h.item("g2", "two", 0)

	require.NoError(t, h.tick())
	assert.Len(t, h.engine.Calls(), 1)
}

func TestScheduler_QualityGateFailureEscalates(t *testing.T) {
	h := newHarness(t, withGates())
	h.goal("g1", 0, `run.tokens_used < 100`)
	h.item("g1", "verbose", 0)
	h.engine.Script("verbose", executor.Succeed(500, 0))

	h.ticks(2)

	w := h.getItem("verbose")
	assert.Equal(t, contracts.WorkItemFailed, w.Status)
	assert.Equal(t, contracts.VerificationFailed, w.VerificationStatus)
	escs := h.escalationsFor("g1")
	require.Len(t, escs, 1)
	assert.Equal(t, contracts.EscalationQualityGateFailed, escs[0].Type)
	assert.NotEmpty(t, escs[0].Context["failed_gates"])
}

func TestScheduler_QualityGatePass(t *testing.T) {
	h := newHarness(t, withGates())
	h.goal("g1", 0, `run.status == "success"`)
	h.item("g1", "ok", 0)

	h.ticks(2)
	assert.Equal(t, contracts.VerificationPassed, h.getItem("ok").VerificationStatus)
	assert.Equal(t, contracts.GoalCompleted, h.getGoal("g1").Status)
}

func TestScheduler_DispatchThrottled(t *testing.T) {
	limiter := NewInMemoryLimiterStore().WithClock(func() time.Time { return t0 })
	h := newHarness(t,
		withLimiter(limiter),
		withConfig(Config{AbortGrace: time.Second, Dispatch: DispatchPolicy{RPM: 1, Burst: 1}}))
	h.goal("g1", 0)
	h.item("g1", "a", 0)
	h.item("g1", "b", 0)

	require.NoError(t, h.tick())
	assert.Len(t, h.engine.Calls(), 1)
	require.NoError(t, h.tick())
	assert.Len(t, h.engine.Calls(), 1, "bucket is empty at a fixed clock")
}

func TestScheduler_CancelGoalAbortsRuns(t *testing.T) {
	h := newHarness(t)
	h.goal("g1", 0)
	h.item("g1", "long", 0)
	h.engine.Script("long", executor.Block(nil))

	require.NoError(t, h.sched.RunNow(h.ctx))
	require.Equal(t, 1, h.sched.Snapshot().InFlightRuns)

	require.NoError(t, h.sched.CancelGoal(h.ctx, "g1", "operator request", "alice"))
	require.NoError(t, h.tick())
	require.NoError(t, h.tick())

	assert.Equal(t, contracts.GoalCancelled, h.getGoal("g1").Status)
	assert.Equal(t, contracts.WorkItemBlocked, h.getItem("long").Status)
	runs, err := h.repo.GetRunsByWorkItem(h.ctx, "long")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, contracts.RunAborted, runs[0].Status)
	assert.Empty(t, h.escalationsFor("g1"), "no escalation for a cancelled goal")
	assert.Equal(t, 0, h.sched.Snapshot().InFlightRuns)
	assert.Equal(t, 0, h.aborts.Len())

	require.NoError(t, h.sched.CancelGoal(h.ctx, "g1", "again", "alice"), "cancel is idempotent")
}

func TestScheduler_RunTimeout(t *testing.T) {
	h := newHarness(t, withConfig(Config{RunTimeout: 20 * time.Millisecond, AbortGrace: time.Second}))
	h.goal("g1", 0)
	h.item("g1", "slow", 0)
	h.engine.Script("slow", executor.Block(nil), executor.Succeed(0, 0))

	require.NoError(t, h.tick())
	require.NoError(t, h.tick())

	runs, err := h.repo.GetRunsByWorkItem(h.ctx, "slow")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, contracts.RunTimeout, runs[0].Status)
	w := h.getItem("slow")
	assert.Equal(t, contracts.WorkItemReady, w.Status, "timeouts are transient")
	assert.Equal(t, 1, w.RetryCount)
}

func TestScheduler_AbortedRunEscalates(t *testing.T) {
	h := newHarness(t)
	h.goal("g1", 0)
	h.item("g1", "long", 0)
	h.engine.Script("long", executor.Block(nil))

	require.NoError(t, h.sched.RunNow(h.ctx))
	assert.Equal(t, 2, h.aborts.Abort(abort.ScopeWorkItem, "long", "operator stop", "bob"), "work item and its run")
	require.NoError(t, h.tick())
	require.NoError(t, h.tick())

	assert.Equal(t, contracts.WorkItemBlocked, h.getItem("long").Status)
	escs := h.escalationsFor("g1")
	require.Len(t, escs, 1)
	assert.Equal(t, contracts.EscalationManual, escs[0].Type)
	assert.Equal(t, "operator stop", escs[0].Context["abort_reason"])
}

func TestScheduler_TickSkippedWhileRunning(t *testing.T) {
	h := newHarness(t)
	repo := &blockingRepo{Repository: h.repo, entered: make(chan struct{}), release: make(chan struct{})}
	h.sched.repo = repo

	done := make(chan error, 1)
	go func() { done <- h.sched.RunNow(h.ctx) }()
	<-repo.entered

	assert.ErrorIs(t, h.sched.RunNow(h.ctx), ErrTickInProgress)
	assert.Equal(t, int64(1), h.sched.Snapshot().SkippedTicks)

	close(repo.release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), h.sched.Stats().SkippedTicks)
}

func TestScheduler_StartStop(t *testing.T) {
	h := newHarness(t, withConfig(Config{TickInterval: 5 * time.Millisecond, AbortGrace: time.Second}))
	h.goal("g1", 0)
	h.item("g1", "long", 0)
	h.engine.Script("long", executor.Block(nil), executor.Succeed(0, 0))

	ctx := context.Background()
	require.NoError(t, h.sched.Start(ctx))
	assert.ErrorIs(t, h.sched.Start(ctx), ErrAlreadyRunning)
	require.Eventually(t, func() bool { return h.engine.CallCount("long") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusRunning, h.sched.Snapshot().Status)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.sched.Stop(stopCtx))
	require.NoError(t, h.sched.Stop(stopCtx), "stop is idempotent")

	// Shutdown interrupts are retried like transient failures.
	w := h.getItem("long")
	assert.Equal(t, contracts.WorkItemReady, w.Status)
	assert.Equal(t, 1, w.RetryCount)
	assert.Empty(t, h.escalationsFor("g1"))
	assert.Equal(t, StatusIdle, h.sched.Snapshot().Status)
}

func TestScheduler_SnapshotAndEvents(t *testing.T) {
	h := newHarness(t)
	h.goal("g1", 0)
	h.item("g1", "one", 0)
	h.engine.Script("one", executor.Succeed(100, 0))

	snap := h.sched.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.True(t, snap.LastTick.IsZero())

	h.ticks(2)

	snap = h.sched.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Equal(t, int64(1), snap.GoalsProcessed)
	assert.Equal(t, int64(1), snap.WorkItemsCompleted)
	assert.Equal(t, int64(0), snap.ErrorCount)
	assert.Empty(t, snap.ActiveGoals)
	assert.False(t, snap.LastTick.IsZero())

	stats := h.sched.Stats()
	assert.Equal(t, "idle", stats.Status)
	assert.Equal(t, int64(1), stats.GoalsProcessed)

	assert.Equal(t, []EventType{EventWorkItemDispatched, EventWorkItemCompleted, EventGoalCompleted}, h.eventTypes())
}

func TestScheduler_GoalWithoutItemsStaysActive(t *testing.T) {
	h := newHarness(t)
	h.goal("g1", 0)
	h.ticks(2)
	assert.Equal(t, contracts.GoalActive, h.getGoal("g1").Status)
	assert.Equal(t, []string{"g1"}, h.sched.Snapshot().ActiveGoals)
}

func TestScheduler_PauseResume(t *testing.T) {
	h := newHarness(t)
	h.goal("g1", 0)
	h.item("g1", "one", 0)
	require.NoError(t, h.tick())
	h.clock.Advance(time.Minute)

	require.NoError(t, h.sched.PauseGoal(h.ctx, "g1"))
	assert.Error(t, h.sched.PauseGoal(h.ctx, "g1"))
	h.ticks(2)
	// The in-flight run finished but the goal cannot complete while paused.
	assert.Equal(t, contracts.WorkItemDone, h.getItem("one").Status)
	assert.Equal(t, contracts.GoalBlocked, h.getGoal("g1").Status)

	require.NoError(t, h.sched.ResumeGoal(h.ctx, "g1"))
	require.NoError(t, h.tick())
	assert.Equal(t, contracts.GoalCompleted, h.getGoal("g1").Status)
}

func TestScheduler_CompletionRetriedAfterRepositoryError(t *testing.T) {
	h := newHarness(t)
	repo := &faultyRepo{Repository: h.repo}
	h.sched.repo = repo
	h.goal("g1", 0)
	h.item("g1", "write-docs", 0)
	h.engine.Script("write-docs", executor.Succeed(100, 0))

	require.NoError(t, h.tick())
	repo.failGetWorkItem(1)
	assert.Error(t, h.tick(), "run closes, work item load fails")
	assert.Equal(t, contracts.WorkItemInProgress, h.getItem("write-docs").Status)

	require.NoError(t, h.tick())
	assert.Equal(t, contracts.WorkItemDone, h.getItem("write-docs").Status)
	assert.Equal(t, contracts.GoalCompleted, h.getGoal("g1").Status)
	assert.Equal(t, int64(100), h.getGoal("g1").Spent.Tokens, "usage recorded once")
	assert.Equal(t, 1, h.engine.CallCount("write-docs"))

	runs, err := h.repo.GetRunsByWorkItem(h.ctx, "write-docs")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, contracts.RunSuccess, runs[0].Status)
}

func TestScheduler_CompletionRetriedAfterTransitionError(t *testing.T) {
	h := newHarness(t)
	repo := &faultyRepo{Repository: h.repo}
	h.sched.repo = repo
	h.goal("g1", 0)
	h.item("g1", "flaky", 0)
	h.engine.Script("flaky", executor.Fail(errTransient, 5))

	require.NoError(t, h.tick())
	fails := 1
	repo.updateItem = func(id string) error {
		if fails > 0 {
			fails--
			return errRepoUnavailable
		}
		return nil
	}
	assert.Error(t, h.tick())
	assert.Equal(t, contracts.WorkItemInProgress, h.getItem("flaky").Status)

	require.NoError(t, h.tick())
	w := h.getItem("flaky")
	assert.Equal(t, contracts.WorkItemReady, w.Status, "retry decided on the second attempt")
	assert.Equal(t, 1, w.RetryCount)
	assert.Equal(t, int64(5), h.getGoal("g1").Spent.Tokens)
}

func TestScheduler_CancelDuringTickDispatchesNothing(t *testing.T) {
	h := newHarness(t)
	repo := &faultyRepo{Repository: h.repo}
	h.sched.repo = repo
	h.goal("g1", 0)
	h.item("g1", "w1", 0)
	h.item("g1", "w2", 0)

	var once sync.Once
	repo.itemsForGoal = func(goalID string) error {
		once.Do(func() {
			assert.NoError(t, h.sched.CancelGoal(h.ctx, goalID, "operator request", "alice"))
		})
		return nil
	}

	require.NoError(t, h.tick())
	require.NoError(t, h.tick())

	assert.Equal(t, contracts.GoalCancelled, h.getGoal("g1").Status)
	assert.Empty(t, h.engine.Calls())
	for _, id := range []string{"w1", "w2"} {
		assert.NotEqual(t, contracts.WorkItemInProgress, h.getItem(id).Status)
		runs, err := h.repo.GetRunsByWorkItem(h.ctx, id)
		require.NoError(t, err)
		assert.Empty(t, runs)
	}
	assert.Equal(t, 0, h.aborts.Len())
	assert.Equal(t, 0, h.sched.Snapshot().InFlightRuns)
}

func TestScheduler_GoalFailureIsIsolated(t *testing.T) {
	for name, tc := range map[string]struct {
		itemsForGoal func(goalID string) error
		updateItem   func(id string) error
		wantErr      string
	}{
		"repository error": {
			itemsForGoal: func(goalID string) error {
				if goalID == "broken" {
					return errRepoUnavailable
				}
				return nil
			},
			wantErr: errRepoUnavailable.Error(),
		},
		"panic": {
			itemsForGoal: func(goalID string) error {
				if goalID == "broken" {
					panic("corrupt row")
				}
				return nil
			},
			wantErr: "panic processing goal broken: corrupt row",
		},
		"invalid transition": {
			updateItem: func(id string) error {
				if id == "b1" {
					return fmt.Errorf("work item b1: %w", lifecycle.ErrInvalidTransition)
				}
				return nil
			},
			wantErr: lifecycle.ErrInvalidTransition.Error(),
		},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.sched.repo = &faultyRepo{Repository: h.repo, itemsForGoal: tc.itemsForGoal, updateItem: tc.updateItem}
			h.goal("broken", 0)
			h.item("broken", "b1", 0)
			h.goal("healthy", 0)
			h.item("healthy", "h1", 0)

			assert.Error(t, h.tick())
			assert.Equal(t, StatusDegraded, h.sched.Snapshot().Status)
			assert.Error(t, h.tick())

			assert.Equal(t, contracts.GoalCompleted, h.getGoal("healthy").Status)
			assert.Equal(t, contracts.WorkItemDone, h.getItem("h1").Status)
			assert.Equal(t, contracts.WorkItemQueued, h.getItem("b1").Status)
			assert.Equal(t, 0, h.engine.CallCount("b1"))

			snap := h.sched.Snapshot()
			assert.Equal(t, StatusDegraded, snap.Status)
			assert.Equal(t, int64(2), snap.ErrorCount)
			assert.Equal(t, int64(1), snap.GoalsProcessed)

			var tickErrs []Event
			h.mu.Lock()
			for _, e := range h.events {
				if e.Type == EventTickError {
					tickErrs = append(tickErrs, e)
				}
			}
			h.mu.Unlock()
			require.Len(t, tickErrs, 2)
			assert.Equal(t, "broken", tickErrs[0].GoalID)
			assert.Contains(t, tickErrs[0].Error, tc.wantErr)
		})
	}
}

func TestScheduler_InFlightEstimatesCountAgainstBudget(t *testing.T) {
	h := newHarness(t)
	h.goal("g1", 1000)
	h.item("g1", "first", 600)
	h.item("g1", "second", 600)
	release := make(chan struct{})
	h.engine.Script("first", executor.Block(release))

	require.NoError(t, h.sched.RunNow(h.ctx))
	assert.Equal(t, contracts.WorkItemInProgress, h.getItem("first").Status)
	assert.Equal(t, contracts.WorkItemBlocked, h.getItem("second").Status, "600 + 600 in flight exceeds 1000")
	assert.Equal(t, 0, h.engine.CallCount("second"))

	escs := h.escalationsFor("g1")
	require.Len(t, escs, 1)
	assert.Equal(t, contracts.EscalationResource, escs[0].Type)
	assert.Equal(t, "second", escs[0].WorkItemID)

	close(release)
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.sched.Wait(ctx))
}
