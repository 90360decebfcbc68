package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/abort"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/budget"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/escalation"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/governance"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/kernel/retry"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/store"
)

// drainCompletions applies posted outcomes in arrival order. A completion
// that fails on a repository error is re-queued for the next tick.
func (s *Scheduler) drainCompletions(ctx context.Context) int {
	s.mu.Lock()
	batch := s.completions
	s.completions = nil
	s.mu.Unlock()

	failures := 0
	for _, c := range batch {
		if err := s.complete(ctx, c); err != nil {
			failures++
			s.logger.ErrorContext(ctx, "applying run completion failed", "run_id", c.flight.run.ID,
				"work_item_id", c.flight.item.ID, "error", err)
			s.publish(Event{Type: EventTickError, GoalID: c.flight.goal.ID, WorkItemID: c.flight.item.ID,
				RunID: c.flight.run.ID, Error: err.Error()})
		}
	}
	return failures
}

func (s *Scheduler) complete(ctx context.Context, c completion) error {
	resumed := c.closed != nil
	if !resumed {
		run, err := s.closeRun(ctx, &c)
		if err != nil || run == nil {
			return err
		}
		c.closed = run
	}

	goal, item, err := s.loadRunTargets(ctx, c.closed)
	if err == nil {
		if item.Status != contracts.WorkItemInProgress && !resumed {
			s.logger.WarnContext(ctx, "work item moved while its run was in flight", "work_item_id", item.ID, "status", item.Status)
			return nil
		}
		err = s.settle(ctx, goal, item, c.closed, c.outcome.Err, abortReason(c.flight))
	}
	if err != nil {
		// The run is closed; the next attempt only moves the work item on.
		s.post(c)
		return err
	}

	run := c.closed
	s.publish(Event{Type: EventWorkItemCompleted, GoalID: goal.ID, WorkItemID: item.ID, RunID: run.ID, Status: string(run.Status)})
	// Every goal pass re-checks completion, so a failure here loses nothing.
	return s.checkGoalCompletion(ctx, goal.ID)
}

// closeRun records usage and completes the run exactly once. A nil run
// means the outcome was dropped because the run was already closed.
func (s *Scheduler) closeRun(ctx context.Context, c *completion) (*contracts.Run, error) {
	f := c.flight
	if c.outcome.Status == contracts.RunAborted && abortReason(f) == abort.ReasonTimeout {
		c.outcome.Status = contracts.RunTimeout
		c.outcome.Err = fmt.Errorf("run exceeded %s: %w", s.cfg.RunTimeout, context.DeadlineExceeded)
	}
	out := c.outcome

	// Usage is idempotent by run id, so recording it before the run is
	// closed keeps a re-queued completion from losing it.
	if _, err := s.budget.RecordUsage(ctx, budget.Usage{
		GoalID:      f.goal.ID,
		RunID:       f.run.ID,
		Tokens:      out.TokensUsed,
		TimeSeconds: out.TimeSeconds,
		CostUSD:     out.CostUSD,
	}); err != nil {
		s.post(*c)
		return nil, err
	}

	run, err := s.repo.CompleteRun(ctx, f.run.ID, contracts.RunResult{
		Status:       out.Status,
		TokensUsed:   out.TokensUsed,
		CostUSD:      out.CostUSD,
		TimeSeconds:  out.TimeSeconds,
		Artifacts:    out.Refs,
		ErrorMessage: errorMessage(out.Err),
		CompletedAt:  s.clock().UTC(),
	})
	switch {
	case errors.Is(err, store.ErrConflict):
		s.logger.InfoContext(ctx, "run already completed, dropping outcome", "run_id", f.run.ID)
		s.release(f)
		return nil, nil
	case err != nil:
		s.post(*c)
		return nil, fmt.Errorf("complete run %s: %w", f.run.ID, err)
	}
	s.release(f)

	s.mu.Lock()
	s.runsFinished++
	s.runSeconds += run.TimeSeconds
	s.mu.Unlock()

	if c.forced {
		s.logger.WarnContext(ctx, "run completed without engine result", "run_id", run.ID)
	}
	s.logger.InfoContext(ctx, "run completed", "goal_id", run.GoalID, "work_item_id", run.WorkItemID,
		"run_id", run.ID, "status", run.Status, "tokens", run.TokensUsed, "cost_usd", run.CostUSD)
	return run, nil
}

func (s *Scheduler) loadRunTargets(ctx context.Context, run *contracts.Run) (*contracts.Goal, *contracts.WorkItem, error) {
	goal, err := s.repo.GetGoal(ctx, run.GoalID)
	if err != nil {
		return nil, nil, fmt.Errorf("load goal %s: %w", run.GoalID, err)
	}
	item, err := s.repo.GetWorkItem(ctx, run.WorkItemID)
	if err != nil {
		return nil, nil, fmt.Errorf("load work item %s: %w", run.WorkItemID, err)
	}
	return goal, item, nil
}

func abortReason(f *flight) string {
	if f == nil || f.handle == nil {
		return ""
	}
	return f.handle.Reason()
}

// settle moves a work item on from its closed run. It picks up from
// whatever status an earlier, interrupted attempt left the item in, so it
// can be repeated after a repository error or a restart.
func (s *Scheduler) settle(ctx context.Context, goal *contracts.Goal, item *contracts.WorkItem, run *contracts.Run, cause error, reason string) error {
	switch item.Status {
	case contracts.WorkItemInProgress:
		switch run.Status {
		case contracts.RunSuccess:
			return s.verify(ctx, goal, item, run)
		case contracts.RunAborted:
			if reason == ReasonShutdown || reason == reasonRestart {
				return s.retryOrEscalate(ctx, goal, item, run.ID, retry.NewError(retry.CategoryTransient, true, cause))
			}
			return s.blockAborted(ctx, goal, item, run, reason)
		}
		return s.retryOrEscalate(ctx, goal, item, run.ID, cause)

	case contracts.WorkItemVerify:
		if run.Status != contracts.RunSuccess {
			return fmt.Errorf("work item %s is in verify after a %s run", item.ID, run.Status)
		}
		return s.applyGates(ctx, goal, item, run)

	case contracts.WorkItemFailed, contracts.WorkItemBlocked:
		if goal.Status == contracts.GoalCancelled || item.VerificationStatus == contracts.VerificationSkipped {
			return nil
		}
		handled, err := s.escalatedSince(ctx, item, run)
		if err != nil || handled {
			return err
		}
		switch {
		case item.Status == contracts.WorkItemBlocked:
			return s.escalateAborted(ctx, goal, item, run.ID, reason)
		case run.Status == contracts.RunSuccess:
			return s.escalateGates(ctx, goal, item, run, s.evaluateGates(goal, item, run))
		}
		return s.decideRetry(ctx, goal, item, run.ID, cause)
	}
	return nil
}

// escalatedSince reports whether a human already owns the outcome of run:
// an escalation names the run or was raised after it finished.
func (s *Scheduler) escalatedSince(ctx context.Context, item *contracts.WorkItem, run *contracts.Run) (bool, error) {
	escs, err := s.escalations.ListForGoal(ctx, item.GoalID)
	if err != nil {
		return false, fmt.Errorf("list escalations for goal %s: %w", item.GoalID, err)
	}
	for _, e := range escs {
		if e.WorkItemID != item.ID {
			continue
		}
		if e.RunID == run.ID || (run.CompletedAt != nil && !e.CreatedAt.Before(*run.CompletedAt)) {
			return true, nil
		}
	}
	return false, nil
}

// release forgets an in-flight run and drops its scopes.
func (s *Scheduler) release(f *flight) {
	s.mu.Lock()
	delete(s.inflight, f.run.ID)
	s.mu.Unlock()
	s.aborts.Unregister(abort.ScopeRun, f.run.ID)
	s.aborts.Unregister(abort.ScopeWorkItem, f.item.ID)
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// verify runs the goal's quality gates against a successful run.
func (s *Scheduler) verify(ctx context.Context, goal *contracts.Goal, item *contracts.WorkItem, run *contracts.Run) error {
	skipped := item.VerificationStatus == contracts.VerificationSkipped
	verifying, err := s.repo.UpdateWorkItemStatus(ctx, item.ID, contracts.WorkItemInProgress, contracts.WorkItemVerify,
		func(x *contracts.WorkItem) {
			if !skipped {
				x.VerificationStatus = contracts.VerificationPending
			}
		})
	if err != nil {
		return s.mutationError(ctx, "work item", item.ID, err)
	}
	return s.applyGates(ctx, goal, verifying, run)
}

func (s *Scheduler) applyGates(ctx context.Context, goal *contracts.Goal, item *contracts.WorkItem, run *contracts.Run) error {
	skipped := item.VerificationStatus == contracts.VerificationSkipped
	report := s.evaluateGates(goal, item, run)

	if report.Passed {
		if _, err := s.repo.UpdateWorkItemStatus(ctx, item.ID, contracts.WorkItemVerify, contracts.WorkItemDone,
			func(x *contracts.WorkItem) {
				if !skipped {
					x.VerificationStatus = contracts.VerificationPassed
				}
			}); err != nil {
			return s.mutationError(ctx, "work item", item.ID, err)
		}
		s.mu.Lock()
		s.itemsCompleted++
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "work item done", "goal_id", goal.ID, "work_item_id", item.ID, "run_id", run.ID)
		return nil
	}

	failed, err := s.repo.UpdateWorkItemStatus(ctx, item.ID, contracts.WorkItemVerify, contracts.WorkItemFailed,
		func(x *contracts.WorkItem) {
			if !skipped {
				x.VerificationStatus = contracts.VerificationFailed
			}
		})
	if err != nil {
		return s.mutationError(ctx, "work item", item.ID, err)
	}
	if skipped || goal.Status == contracts.GoalCancelled {
		return nil
	}
	return s.escalateGates(ctx, goal, failed, run, report)
}

func (s *Scheduler) evaluateGates(goal *contracts.Goal, item *contracts.WorkItem, run *contracts.Run) governance.Report {
	if s.gates == nil || len(goal.QualityGates) == 0 {
		return governance.Report{Passed: true}
	}
	return s.gates.Evaluate(goal, item, run)
}

func (s *Scheduler) escalateGates(ctx context.Context, goal *contracts.Goal, item *contracts.WorkItem, run *contracts.Run, report governance.Report) error {
	failed := make([]any, 0, len(report.Results))
	for _, r := range report.Failed() {
		failed = append(failed, map[string]any{"gate": r.Gate, "message": r.Message})
	}
	_, err := s.escalate(ctx, escalation.Params{
		WorkItemID: item.ID,
		GoalID:     goal.ID,
		RunID:      run.ID,
		Type:       contracts.EscalationQualityGateFailed,
		Context:    map[string]any{"failed_gates": failed},
	})
	return err
}

// retryOrEscalate records a failed attempt and either re-queues the item
// after the backoff delay or hands it to a human.
func (s *Scheduler) retryOrEscalate(ctx context.Context, goal *contracts.Goal, item *contracts.WorkItem, runID string, cause error) error {
	failed, err := s.repo.UpdateWorkItemStatus(ctx, item.ID, contracts.WorkItemInProgress, contracts.WorkItemFailed,
		func(x *contracts.WorkItem) { x.RetryCount++ })
	if err != nil {
		return s.mutationError(ctx, "work item", item.ID, err)
	}
	if goal.Status == contracts.GoalCancelled || failed.VerificationStatus == contracts.VerificationSkipped {
		return nil
	}
	return s.decideRetry(ctx, goal, failed, runID, cause)
}

// decideRetry moves a failed item back to ready after the backoff delay or
// escalates it.
func (s *Scheduler) decideRetry(ctx context.Context, goal *contracts.Goal, failed *contracts.WorkItem, runID string, cause error) error {
	if cause == nil {
		cause = errors.New("run failed without an error")
	}
	d := s.retry.DecideRetry(retry.Input{
		Err:                cause,
		RetryCount:         failed.RetryCount,
		MaxRetries:         failed.MaxRetries,
		PreviousStrategies: retry.ParseStrategies(failed.PreviousStrategies),
		JitterSeed:         runID,
	})
	log := s.logger.With("goal_id", goal.ID, "work_item_id", failed.ID, "run_id", runID,
		"retry_count", failed.RetryCount, "category", d.Classification.Category)

	if d.ShouldRetry {
		next := s.clock().Add(d.Delay).UTC()
		if _, err := s.repo.UpdateWorkItemStatus(ctx, failed.ID, contracts.WorkItemFailed, contracts.WorkItemReady,
			func(x *contracts.WorkItem) {
				x.PreviousStrategies = append(x.PreviousStrategies, string(d.Strategy))
				x.NextAttemptAt = &next
			}); err != nil {
			return s.mutationError(ctx, "work item", failed.ID, err)
		}
		log.InfoContext(ctx, "work item scheduled for retry", "strategy", d.Strategy, "delay", d.Delay, "error", cause)
		s.publish(Event{Type: EventWorkItemRetry, GoalID: goal.ID, WorkItemID: failed.ID, RunID: runID, Status: string(d.Strategy)})
		return nil
	}

	log.WarnContext(ctx, "work item escalated", "reason", d.Reason, "error", cause)
	_, err := s.escalate(ctx, escalation.Params{
		WorkItemID: failed.ID,
		GoalID:     goal.ID,
		RunID:      runID,
		Type:       escalationTypeFor(d.Classification.Category),
		Context: map[string]any{
			"error":       cause.Error(),
			"category":    string(d.Classification.Category),
			"reason":      d.Reason,
			"retry_count": failed.RetryCount,
			"strategies":  failed.PreviousStrategies,
		},
	})
	return err
}

func escalationTypeFor(c retry.Category) contracts.EscalationType {
	switch c {
	case retry.CategoryPermission:
		return contracts.EscalationPermissionDenied
	case retry.CategoryCapability:
		return contracts.EscalationCapabilityGap
	case retry.CategoryResource:
		return contracts.EscalationResource
	}
	return contracts.EscalationRetriesExhausted
}

// blockAborted parks an item whose run was aborted. Unless the whole goal
// was cancelled a human decides what happens next.
func (s *Scheduler) blockAborted(ctx context.Context, goal *contracts.Goal, item *contracts.WorkItem, run *contracts.Run, reason string) error {
	if _, err := s.repo.UpdateWorkItemStatus(ctx, item.ID, contracts.WorkItemInProgress, contracts.WorkItemBlocked, nil); err != nil {
		return s.mutationError(ctx, "work item", item.ID, err)
	}
	if goal.Status == contracts.GoalCancelled || item.VerificationStatus == contracts.VerificationSkipped {
		return nil
	}
	return s.escalateAborted(ctx, goal, item, run.ID, reason)
}

func (s *Scheduler) escalateAborted(ctx context.Context, goal *contracts.Goal, item *contracts.WorkItem, runID, reason string) error {
	_, err := s.escalate(ctx, escalation.Params{
		WorkItemID: item.ID,
		GoalID:     goal.ID,
		RunID:      runID,
		Type:       contracts.EscalationManual,
		Context:    map[string]any{"reason": "run aborted", "abort_reason": reason},
	})
	return err
}

func (s *Scheduler) escalate(ctx context.Context, p escalation.Params) (*contracts.Escalation, error) {
	e, err := s.escalations.CreateEscalation(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("create %s escalation for work item %s: %w", p.Type, p.WorkItemID, err)
	}
	s.publishEscalation(e)
	return e, nil
}

// checkGoalCompletion completes an active goal once every work item is
// settled and nothing is waiting on a human.
func (s *Scheduler) checkGoalCompletion(ctx context.Context, goalID string) error {
	g, err := s.repo.GetGoal(ctx, goalID)
	if err != nil {
		return fmt.Errorf("load goal %s: %w", goalID, err)
	}
	if g.Status != contracts.GoalActive {
		return nil
	}
	items, err := s.repo.GetWorkItemsForGoal(ctx, goalID)
	if err != nil {
		return fmt.Errorf("load work items for goal %s: %w", goalID, err)
	}
	if len(items) == 0 {
		return nil
	}
	escs, err := s.escalations.ListForGoal(ctx, goalID)
	if err != nil {
		return fmt.Errorf("list escalations for goal %s: %w", goalID, err)
	}
	escalated := make(map[string]bool, len(escs))
	for _, e := range escs {
		if e.Blocking() {
			return nil
		}
		escalated[e.WorkItemID] = true
	}
	for _, w := range items {
		if !settled(w, escalated) {
			return nil
		}
	}

	if _, err := s.repo.UpdateGoalStatus(ctx, goalID, contracts.GoalActive, contracts.GoalCompleted); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return s.mutationError(ctx, "goal", goalID, err)
	}
	s.aborts.Unregister(abort.ScopeGoal, goalID)
	s.mu.Lock()
	s.goalsProcessed++
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "goal completed", "goal_id", goalID, "work_items", len(items))
	s.publish(Event{Type: EventGoalCompleted, GoalID: goalID, Status: string(contracts.GoalCompleted)})
	return nil
}

// settled: done, abandoned by a skip, or failed after a human closed its escalation.
func settled(w *contracts.WorkItem, escalated map[string]bool) bool {
	switch {
	case w.Status == contracts.WorkItemDone:
		return true
	case w.VerificationStatus == contracts.VerificationSkipped:
		return w.Status != contracts.WorkItemInProgress && w.Status != contracts.WorkItemVerify
	case w.Status == contracts.WorkItemFailed:
		return escalated[w.ID]
	}
	return false
}
