// Package store persists goals, work items, and runs. Status updates are
// compare-and-swap on the expected current status and are checked against
// the lifecycle tables before they are written.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/budget"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means the stored status no longer matched the expected one.
	ErrConflict = errors.New("store: status changed concurrently")
	ErrExists   = errors.New("store: already exists")
)

// Mutator edits a work item inside a status update. It must not change Status.
type Mutator func(*contracts.WorkItem)

// Repository is the persistence boundary of the scheduler. It is also the
// budget ledger: AddGoalSpend and Append apply a run's usage to its goal at
// most once.
type Repository interface {
	budget.Ledger

	GetGoal(ctx context.Context, id string) (*contracts.Goal, error)
	// ListGoalsByStatus orders by priority (highest first), then age.
	ListGoalsByStatus(ctx context.Context, statuses ...contracts.GoalStatus) ([]*contracts.Goal, error)
	CreateGoal(ctx context.Context, g *contracts.Goal) error
	UpdateGoalStatus(ctx context.Context, id string, from, to contracts.GoalStatus) (*contracts.Goal, error)
	AddGoalSpend(ctx context.Context, u budget.Usage) (bool, error)

	CreateWorkItem(ctx context.Context, w *contracts.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*contracts.WorkItem, error)
	// GetWorkItemsForGoal orders by creation time.
	GetWorkItemsForGoal(ctx context.Context, goalID string) ([]*contracts.WorkItem, error)
	UpdateWorkItemStatus(ctx context.Context, id string, from, to contracts.WorkItemStatus, mutate Mutator) (*contracts.WorkItem, error)
	// UpdateWorkItem writes non-status fields while the status is unchanged.
	UpdateWorkItem(ctx context.Context, w *contracts.WorkItem) error

	CreateRun(ctx context.Context, r *contracts.Run) error
	GetRun(ctx context.Context, id string) (*contracts.Run, error)
	// CompleteRun moves a running run to its terminal status exactly once.
	CompleteRun(ctx context.Context, id string, res contracts.RunResult) (*contracts.Run, error)
	GetRunsByWorkItem(ctx context.Context, workItemID string) ([]*contracts.Run, error)
	ListRunningRuns(ctx context.Context) ([]*contracts.Run, error)
}

func sortGoals(gs []*contracts.Goal) {
	sort.SliceStable(gs, func(i, j int) bool {
		if gs[i].Priority != gs[j].Priority {
			return gs[i].Priority > gs[j].Priority
		}
		if !gs[i].CreatedAt.Equal(gs[j].CreatedAt) {
			return gs[i].CreatedAt.Before(gs[j].CreatedAt)
		}
		return gs[i].ID < gs[j].ID
	})
}

func sortWorkItems(ws []*contracts.WorkItem) {
	sort.SliceStable(ws, func(i, j int) bool {
		if !ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].CreatedAt.Before(ws[j].CreatedAt)
		}
		return ws[i].ID < ws[j].ID
	})
}

func sortRuns(rs []*contracts.Run) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].StartedAt.Equal(rs[j].StartedAt) {
			return rs[i].StartedAt.Before(rs[j].StartedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

func cloneRun(r *contracts.Run) *contracts.Run {
	c := *r
	c.Artifacts = append([]contracts.ArtifactRef(nil), r.Artifacts...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
