// Package lifecycle holds the transition tables for goals, work items and runs.
//
// Every status mutation is checked here before it is persisted. A rejected
// transition wraps ErrInvalidTransition and means the caller has a logic
// defect; it must abort the mutation and surface the error.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

// ErrInvalidTransition is wrapped by every rejected transition.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

// ErrUnknownStatus is wrapped when a status is not declared in its table.
var ErrUnknownStatus = errors.New("lifecycle: unknown status")

type table[S comparable] map[S]map[S]struct{}

func (t table[S]) allows(from, to S) bool {
	next, ok := t[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func (t table[S]) declared(s S) bool {
	_, ok := t[s]
	return ok
}

var goalTransitions = table[contracts.GoalStatus]{
	contracts.GoalQueued: {
		contracts.GoalActive:    {},
		contracts.GoalCancelled: {},
	},
	contracts.GoalActive: {
		contracts.GoalBlocked:   {},
		contracts.GoalCompleted: {},
		contracts.GoalCancelled: {},
	},
	contracts.GoalBlocked: {
		contracts.GoalActive:    {},
		contracts.GoalCancelled: {},
	},
	contracts.GoalCompleted: {},
	contracts.GoalCancelled: {},
}

var workItemTransitions = table[contracts.WorkItemStatus]{
	contracts.WorkItemQueued: {
		contracts.WorkItemReady:   {},
		contracts.WorkItemBlocked: {},
	},
	contracts.WorkItemReady: {
		contracts.WorkItemInProgress: {},
		contracts.WorkItemBlocked:    {},
	},
	contracts.WorkItemInProgress: {
		contracts.WorkItemVerify:  {},
		contracts.WorkItemFailed:  {},
		contracts.WorkItemBlocked: {},
	},
	contracts.WorkItemVerify: {
		contracts.WorkItemDone:   {},
		contracts.WorkItemFailed: {},
	},
	contracts.WorkItemDone: {},
	contracts.WorkItemFailed: {
		contracts.WorkItemReady:   {},
		contracts.WorkItemBlocked: {},
	},
	contracts.WorkItemBlocked: {
		contracts.WorkItemReady: {},
	},
}

var runTransitions = table[contracts.RunStatus]{
	contracts.RunRunning: {
		contracts.RunSuccess: {},
		contracts.RunFailure: {},
		contracts.RunTimeout: {},
		contracts.RunAborted: {},
	},
	contracts.RunSuccess: {},
	contracts.RunFailure: {},
	contracts.RunTimeout: {},
	contracts.RunAborted: {},
}

// CanTransitionGoal reports whether a goal may move from one status to another.
func CanTransitionGoal(from, to contracts.GoalStatus) bool {
	return goalTransitions.allows(from, to)
}

// CanTransitionWorkItem reports whether a work item may move from one status to another.
func CanTransitionWorkItem(from, to contracts.WorkItemStatus) bool {
	return workItemTransitions.allows(from, to)
}

// CanTransitionRun reports whether a run may move from one status to another.
func CanTransitionRun(from, to contracts.RunStatus) bool {
	return runTransitions.allows(from, to)
}

// ValidateGoal returns an error wrapping ErrInvalidTransition if the move is not allowed.
func ValidateGoal(from, to contracts.GoalStatus) error {
	return validate(goalTransitions, "goal", from, to)
}

// ValidateWorkItem returns an error wrapping ErrInvalidTransition if the move is not allowed.
func ValidateWorkItem(from, to contracts.WorkItemStatus) error {
	return validate(workItemTransitions, "work item", from, to)
}

// ValidateRun returns an error wrapping ErrInvalidTransition if the move is not allowed.
func ValidateRun(from, to contracts.RunStatus) error {
	return validate(runTransitions, "run", from, to)
}

func validate[S ~string](t table[S], kind string, from, to S) error {
	if !t.declared(from) {
		return fmt.Errorf("%w: %s status %q", ErrUnknownStatus, kind, from)
	}
	if !t.declared(to) {
		return fmt.Errorf("%w: %s status %q", ErrUnknownStatus, kind, to)
	}
	if !t.allows(from, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, kind, from, to)
	}
	return nil
}

// IsTerminalGoal reports whether no transition leaves the status.
func IsTerminalGoal(s contracts.GoalStatus) bool {
	return goalTransitions.declared(s) && len(goalTransitions[s]) == 0
}

// IsTerminalWorkItem reports whether no transition leaves the status.
func IsTerminalWorkItem(s contracts.WorkItemStatus) bool {
	return workItemTransitions.declared(s) && len(workItemTransitions[s]) == 0
}

// IsTerminalRun reports whether no transition leaves the status.
func IsTerminalRun(s contracts.RunStatus) bool {
	return runTransitions.declared(s) && len(runTransitions[s]) == 0
}

// GoalStatuses lists every declared goal status.
func GoalStatuses() []contracts.GoalStatus {
	return []contracts.GoalStatus{
		contracts.GoalQueued, contracts.GoalActive, contracts.GoalBlocked,
		contracts.GoalCompleted, contracts.GoalCancelled,
	}
}

// WorkItemStatuses lists every declared work item status.
func WorkItemStatuses() []contracts.WorkItemStatus {
	return []contracts.WorkItemStatus{
		contracts.WorkItemQueued, contracts.WorkItemReady, contracts.WorkItemInProgress,
		contracts.WorkItemVerify, contracts.WorkItemDone, contracts.WorkItemFailed,
		contracts.WorkItemBlocked,
	}
}

// RunStatuses lists every declared run status.
func RunStatuses() []contracts.RunStatus {
	return []contracts.RunStatus{
		contracts.RunRunning, contracts.RunSuccess, contracts.RunFailure,
		contracts.RunTimeout, contracts.RunAborted,
	}
}
