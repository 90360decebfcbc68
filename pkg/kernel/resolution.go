package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/abort"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/escalation"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/lifecycle"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/store"
)

var ErrNotResolved = errors.New("kernel: escalation has no resolution")

// ResolveEscalation resolves an escalation and applies the chosen action to
// its work item or goal. Repeating the same resolution is a no-op.
func (s *Scheduler) ResolveEscalation(ctx context.Context, res escalation.Resolution) (*contracts.Escalation, error) {
	e, err := s.escalations.ResolveEscalation(ctx, res)
	if err != nil {
		return nil, err
	}
	if err := s.ApplyResolution(ctx, e); err != nil {
		return e, fmt.Errorf("apply %s to escalation %s: %w", res.Action, e.ID, err)
	}
	return e, nil
}

// AcknowledgeEscalation marks an escalation as seen. It stays blocking.
func (s *Scheduler) AcknowledgeEscalation(ctx context.Context, id, actor string) (*contracts.Escalation, error) {
	return s.escalations.AcknowledgeEscalation(ctx, id, actor)
}

// DismissEscalation closes an escalation without acting on it. A blocked
// work item behind it is abandoned so the goal can still complete.
func (s *Scheduler) DismissEscalation(ctx context.Context, id, reason string) (*contracts.Escalation, error) {
	e, err := s.escalations.DismissEscalation(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	if e.WorkItemID == "" {
		return e, nil
	}
	w, err := s.repo.GetWorkItem(ctx, e.WorkItemID)
	if err != nil {
		return e, fmt.Errorf("load work item %s: %w", e.WorkItemID, err)
	}
	if w.Status == contracts.WorkItemBlocked && w.VerificationStatus != contracts.VerificationSkipped {
		w.VerificationStatus = contracts.VerificationSkipped
		if err := s.repo.UpdateWorkItem(ctx, w); err != nil && !errors.Is(err, store.ErrConflict) {
			return e, fmt.Errorf("abandon work item %s: %w", w.ID, err)
		}
	}
	return e, s.checkGoalCompletion(ctx, e.GoalID)
}

// ApplyResolution carries out a resolved escalation's action. Conflicting
// concurrent changes make it a no-op rather than an error.
func (s *Scheduler) ApplyResolution(ctx context.Context, e *contracts.Escalation) error {
	if e.Resolution == nil {
		return ErrNotResolved
	}
	r := e.Resolution
	log := s.logger.With("escalation_id", e.ID, "goal_id", e.GoalID, "work_item_id", e.WorkItemID, "action", r.Action)

	if r.Action == contracts.ActionAbort {
		return s.CancelGoal(ctx, e.GoalID, "escalation "+e.ID+" resolved with abort", r.Resolver)
	}

	w, err := s.repo.GetWorkItem(ctx, e.WorkItemID)
	if err != nil {
		return fmt.Errorf("load work item %s: %w", e.WorkItemID, err)
	}

	switch r.Action {
	case contracts.ActionRetry, contracts.ActionModifyAndRetry:
		if w.Status != contracts.WorkItemFailed && w.Status != contracts.WorkItemBlocked {
			log.InfoContext(ctx, "work item not waiting, nothing to retry", "status", w.Status)
			return nil
		}
		modify := r.Action == contracts.ActionModifyAndRetry
		_, err = s.repo.UpdateWorkItemStatus(ctx, w.ID, w.Status, contracts.WorkItemReady, func(x *contracts.WorkItem) {
			x.RetryCount = 0
			x.PreviousStrategies = nil
			x.NextAttemptAt = nil
			x.VerificationStatus = contracts.VerificationPending
			if modify {
				applyModifications(x, r.Data)
			}
		})

	case contracts.ActionApproveOverage:
		if w.Status != contracts.WorkItemBlocked {
			log.InfoContext(ctx, "overage approved for a work item that is not blocked", "status", w.Status)
			return nil
		}
		_, err = s.repo.UpdateWorkItemStatus(ctx, w.ID, contracts.WorkItemBlocked, contracts.WorkItemReady, func(x *contracts.WorkItem) {
			x.OverageApproved = true
			x.NextAttemptAt = nil
		})

	case contracts.ActionSkip:
		err = s.skip(ctx, w)

	default:
		return fmt.Errorf("%w: %q", escalation.ErrInvalidAction, r.Action)
	}

	if errors.Is(err, store.ErrConflict) {
		log.InfoContext(ctx, "work item changed concurrently, resolution not applied")
		return nil
	}
	if err != nil {
		return s.mutationError(ctx, "work item", w.ID, err)
	}
	log.InfoContext(ctx, "resolution applied")
	return s.checkGoalCompletion(ctx, e.GoalID)
}

// skip abandons a work item. Queued and ready items are parked in blocked
// first so the scheduler never picks them up.
func (s *Scheduler) skip(ctx context.Context, w *contracts.WorkItem) error {
	markSkipped := func(x *contracts.WorkItem) { x.VerificationStatus = contracts.VerificationSkipped }
	switch w.Status {
	case contracts.WorkItemDone:
		return nil
	case contracts.WorkItemQueued, contracts.WorkItemReady:
		_, err := s.repo.UpdateWorkItemStatus(ctx, w.ID, w.Status, contracts.WorkItemBlocked, markSkipped)
		return err
	default:
		markSkipped(w)
		return s.repo.UpdateWorkItem(ctx, w)
	}
}

// applyModifications applies the editable fields of a modify_and_retry
// resolution. Unknown keys and wrongly typed values are ignored.
func applyModifications(w *contracts.WorkItem, data map[string]any) {
	if v, ok := data["title"].(string); ok && v != "" {
		w.Title = v
	}
	if v, ok := data["description"].(string); ok {
		w.Description = v
	}
	if v, ok := data["model"].(string); ok {
		w.ModelOverride = v
	}
	if v, ok := number(data["max_retries"]); ok && v > 0 {
		w.MaxRetries = int(v)
	}
	if v, ok := number(data["estimated_tokens"]); ok && v >= 0 {
		w.EstimatedTokens = int64(v)
	}
	if v, ok := number(data["estimated_cost_usd"]); ok && v >= 0 {
		w.EstimatedCostUSD = v
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// CancelGoal aborts every scope under the goal, cancels it, and dismisses
// its open escalations. In-flight runs finish as aborted on a later tick.
// Cancelling a cancelled goal is a no-op.
func (s *Scheduler) CancelGoal(ctx context.Context, goalID, reason, actor string) error {
	g, err := s.repo.GetGoal(ctx, goalID)
	if err != nil {
		return fmt.Errorf("load goal %s: %w", goalID, err)
	}
	if g.Status == contracts.GoalCancelled {
		return nil
	}
	if err := lifecycle.ValidateGoal(g.Status, contracts.GoalCancelled); err != nil {
		return fmt.Errorf("cancel goal %s: %w", goalID, err)
	}

	if _, err := s.repo.UpdateGoalStatus(ctx, goalID, g.Status, contracts.GoalCancelled); err != nil {
		return s.mutationError(ctx, "goal", goalID, err)
	}
	n := s.aborts.Abort(abort.ScopeGoal, goalID, reason, actor)
	s.logger.InfoContext(ctx, "goal cancelled", "goal_id", goalID, "reason", reason, "actor", actor, "aborted_scopes", n)

	escs, err := s.escalations.ListForGoal(ctx, goalID)
	if err != nil {
		return fmt.Errorf("list escalations for goal %s: %w", goalID, err)
	}
	var errs []error
	for _, e := range escs {
		if !e.Blocking() {
			continue
		}
		if _, err := s.escalations.DismissEscalation(ctx, e.ID, "goal cancelled"); err != nil {
			errs = append(errs, fmt.Errorf("dismiss escalation %s: %w", e.ID, err))
		}
	}
	return errors.Join(errs...)
}

// PauseGoal moves an active goal to blocked. Running work finishes; nothing new starts.
func (s *Scheduler) PauseGoal(ctx context.Context, goalID string) error {
	if _, err := s.repo.UpdateGoalStatus(ctx, goalID, contracts.GoalActive, contracts.GoalBlocked); err != nil {
		return s.mutationError(ctx, "goal", goalID, err)
	}
	s.logger.InfoContext(ctx, "goal paused", "goal_id", goalID)
	return nil
}

// ResumeGoal returns a paused goal to active.
func (s *Scheduler) ResumeGoal(ctx context.Context, goalID string) error {
	if _, err := s.repo.UpdateGoalStatus(ctx, goalID, contracts.GoalBlocked, contracts.GoalActive); err != nil {
		return s.mutationError(ctx, "goal", goalID, err)
	}
	s.logger.InfoContext(ctx, "goal resumed", "goal_id", goalID)
	return nil
}
