package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

func TestSelfTransitionsRejected(t *testing.T) {
	for _, s := range GoalStatuses() {
		assert.False(t, CanTransitionGoal(s, s), "goal %s", s)
	}
	for _, s := range WorkItemStatuses() {
		assert.False(t, CanTransitionWorkItem(s, s), "work item %s", s)
	}
	for _, s := range RunStatuses() {
		assert.False(t, CanTransitionRun(s, s), "run %s", s)
	}
}

func TestGoalTable(t *testing.T) {
	assert.True(t, CanTransitionGoal(contracts.GoalQueued, contracts.GoalActive))
	assert.True(t, CanTransitionGoal(contracts.GoalActive, contracts.GoalBlocked))
	assert.True(t, CanTransitionGoal(contracts.GoalBlocked, contracts.GoalActive))
	assert.False(t, CanTransitionGoal(contracts.GoalQueued, contracts.GoalCompleted))
	assert.False(t, CanTransitionGoal(contracts.GoalCompleted, contracts.GoalActive))
	assert.False(t, CanTransitionGoal(contracts.GoalCancelled, contracts.GoalQueued))
}

func TestWorkItemTable(t *testing.T) {
	cases := []struct {
		from, to contracts.WorkItemStatus
		ok       bool
	}{
		{contracts.WorkItemQueued, contracts.WorkItemReady, true},
		{contracts.WorkItemReady, contracts.WorkItemInProgress, true},
		{contracts.WorkItemInProgress, contracts.WorkItemVerify, true},
		{contracts.WorkItemVerify, contracts.WorkItemDone, true},
		{contracts.WorkItemFailed, contracts.WorkItemReady, true},
		{contracts.WorkItemBlocked, contracts.WorkItemReady, true},
		{contracts.WorkItemQueued, contracts.WorkItemInProgress, false},
		{contracts.WorkItemInProgress, contracts.WorkItemDone, false},
		{contracts.WorkItemDone, contracts.WorkItemReady, false},
		{contracts.WorkItemBlocked, contracts.WorkItemFailed, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransitionWorkItem(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestRunTerminalStatusesAbsorb(t *testing.T) {
	for _, from := range RunStatuses() {
		if from == contracts.RunRunning {
			continue
		}
		assert.True(t, IsTerminalRun(from))
		for _, to := range RunStatuses() {
			assert.False(t, CanTransitionRun(from, to))
		}
	}
	assert.False(t, IsTerminalRun(contracts.RunRunning))
}

func TestValidateWrapsSentinel(t *testing.T) {
	err := ValidateWorkItem(contracts.WorkItemDone, contracts.WorkItemReady)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "done -> ready")

	err = ValidateGoal("paused", contracts.GoalActive)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownStatus))

	assert.NoError(t, ValidateRun(contracts.RunRunning, contracts.RunAborted))
}

func TestUndeclaredStatusesAreFalse(t *testing.T) {
	assert.False(t, CanTransitionGoal("paused", contracts.GoalActive))
	assert.False(t, CanTransitionWorkItem(contracts.WorkItemReady, "archived"))
	assert.False(t, IsTerminalGoal("paused"))
}
