package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/kernel/retry"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/store"
)

// ErrInterrupted is the failure recorded for runs a previous process left running.
var ErrInterrupted = errors.New("kernel: run interrupted by restart")

// reasonRestart marks runs closed by a previous process whose work item
// never moved on. They go back through the retry path.
const reasonRestart = "restart"

// RecoveryReport counts what Recover repaired.
type RecoveryReport struct {
	AbortedRuns     int `json:"aborted_runs"`
	RequeuedItems   int `json:"requeued_items"`
	ReverifiedItems int `json:"reverified_items"`
	ResumedItems    int `json:"resumed_items"`
}

// Recover repairs state left by a crashed process. It must run before Start.
// Orphaned runs are completed as aborted without recording usage, their
// work items go through the retry path, and items stuck in verify are
// re-gated against their latest successful run. Items whose run was closed
// but that never moved on (in_progress with no running run, or failed with
// nobody told) are settled from their latest run.
func (s *Scheduler) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	var errs []error

	runs, err := s.repo.ListRunningRuns(ctx)
	if err != nil {
		return rep, fmt.Errorf("list running runs: %w", err)
	}
	for _, r := range runs {
		if _, err := s.repo.CompleteRun(ctx, r.ID, contracts.RunResult{
			Status:       contracts.RunAborted,
			ErrorMessage: ErrInterrupted.Error(),
			CompletedAt:  s.clock().UTC(),
		}); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				errs = append(errs, fmt.Errorf("abort run %s: %w", r.ID, err))
			}
			continue
		}
		rep.AbortedRuns++

		item, err := s.repo.GetWorkItem(ctx, r.WorkItemID)
		if err != nil {
			errs = append(errs, fmt.Errorf("load work item %s: %w", r.WorkItemID, err))
			continue
		}
		if item.Status != contracts.WorkItemInProgress {
			continue
		}
		goal, err := s.repo.GetGoal(ctx, r.GoalID)
		if err != nil {
			errs = append(errs, fmt.Errorf("load goal %s: %w", r.GoalID, err))
			continue
		}
		if err := s.retryOrEscalate(ctx, goal, item, r.ID, retry.NewError(retry.CategoryTransient, true, ErrInterrupted)); err != nil {
			errs = append(errs, err)
			continue
		}
		rep.RequeuedItems++
	}

	goals, err := s.repo.ListGoalsByStatus(ctx, contracts.GoalActive, contracts.GoalBlocked, contracts.GoalCancelled)
	if err != nil {
		errs = append(errs, fmt.Errorf("list goals: %w", err))
		return rep, errors.Join(errs...)
	}
	for _, g := range goals {
		items, err := s.repo.GetWorkItemsForGoal(ctx, g.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("load work items for goal %s: %w", g.ID, err))
			continue
		}
		for _, w := range items {
			switch w.Status {
			case contracts.WorkItemVerify:
				run, err := s.latestSuccess(ctx, w.ID)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if err := s.applyGates(ctx, g, w, run); err != nil {
					errs = append(errs, err)
					continue
				}
				rep.ReverifiedItems++
			case contracts.WorkItemInProgress, contracts.WorkItemFailed:
				if g.Status == contracts.GoalCancelled {
					continue
				}
				resumed, err := s.resumeItem(ctx, g, w)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				if resumed {
					rep.ResumedItems++
				}
			}
		}
	}

	s.logger.InfoContext(ctx, "recovery finished", "aborted_runs", rep.AbortedRuns,
		"requeued_items", rep.RequeuedItems, "reverified_items", rep.ReverifiedItems, "resumed_items", rep.ResumedItems)
	return rep, errors.Join(errs...)
}

func (s *Scheduler) latestSuccess(ctx context.Context, workItemID string) (*contracts.Run, error) {
	runs, err := s.repo.GetRunsByWorkItem(ctx, workItemID)
	if err != nil {
		return nil, fmt.Errorf("load runs for work item %s: %w", workItemID, err)
	}
	for i := len(runs) - 1; i >= 0; i-- {
		if runs[i].Status == contracts.RunSuccess {
			return runs[i], nil
		}
	}
	return nil, fmt.Errorf("work item %s is in verify without a successful run: %w", workItemID, store.ErrNotFound)
}

// resumeItem settles an in_progress or failed item from its latest closed
// run. It reports false when there was nothing to do.
func (s *Scheduler) resumeItem(ctx context.Context, g *contracts.Goal, w *contracts.WorkItem) (bool, error) {
	if w.VerificationStatus == contracts.VerificationSkipped {
		return false, nil
	}
	runs, err := s.repo.GetRunsByWorkItem(ctx, w.ID)
	if err != nil {
		return false, fmt.Errorf("load runs for work item %s: %w", w.ID, err)
	}
	if len(runs) == 0 {
		if w.Status != contracts.WorkItemInProgress {
			return false, nil
		}
		// Claimed but the run was never created.
		if err := s.retryOrEscalate(ctx, g, w, "", retry.NewError(retry.CategoryTransient, true, ErrInterrupted)); err != nil {
			return false, err
		}
		return true, nil
	}
	run := runs[len(runs)-1]
	if run.Status == contracts.RunRunning {
		return false, nil
	}
	if w.Status == contracts.WorkItemFailed {
		handled, err := s.escalatedSince(ctx, w, run)
		if err != nil || handled {
			return false, err
		}
	}

	var cause error = ErrInterrupted
	if run.ErrorMessage != "" && run.ErrorMessage != ErrInterrupted.Error() {
		cause = errors.New(run.ErrorMessage)
	}
	s.logger.WarnContext(ctx, "resuming work item from closed run", "goal_id", g.ID, "work_item_id", w.ID,
		"run_id", run.ID, "status", w.Status, "run_status", run.Status)
	if err := s.settle(ctx, g, w, run, cause, reasonRestart); err != nil {
		return false, err
	}
	return true, nil
}
