package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/abort"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/budget"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/escalation"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/executor"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/kernel/retry"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/lifecycle"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/llm"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/observability"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/store"
)

type dispatchResult int

const (
	dispatchSkipped dispatchResult = iota
	dispatchStarted
	// dispatchBlocked means the goal now waits on an escalation.
	dispatchBlocked
	dispatchThrottled
	// dispatchHalted means the goal stopped being active mid-pass.
	dispatchHalted
)

func (s *Scheduler) processGoal(ctx context.Context, g *contracts.Goal) error {
	if g.Status == contracts.GoalQueued {
		activated, err := s.repo.UpdateGoalStatus(ctx, g.ID, contracts.GoalQueued, contracts.GoalActive)
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		if err != nil {
			return s.mutationError(ctx, "goal", g.ID, err)
		}
		g = activated
		s.logger.InfoContext(ctx, "goal activated", "goal_id", g.ID, "title", g.Title)
	}

	items, err := s.repo.GetWorkItemsForGoal(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("load work items for goal %s: %w", g.ID, err)
	}
	byID := make(map[string]*contracts.WorkItem, len(items))
	for _, w := range items {
		byID[w.ID] = w
	}

	var errs []error
	for i, w := range items {
		if w.Status != contracts.WorkItemQueued || !dependenciesDone(w, byID) {
			continue
		}
		promoted, err := s.repo.UpdateWorkItemStatus(ctx, w.ID, contracts.WorkItemQueued, contracts.WorkItemReady, nil)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			errs = append(errs, s.mutationError(ctx, "work item", w.ID, err))
			continue
		}
		items[i] = promoted
		byID[w.ID] = promoted
	}

	now := s.clock()
	inFlight := s.inFlightForGoal(g.ID)
dispatch:
	for _, w := range items {
		if inFlight >= s.cfg.MaxInFlightPerGoal {
			break
		}
		if !s.dispatchable(w, byID, now) {
			continue
		}
		res, err := s.dispatch(ctx, g, w)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch res {
		case dispatchStarted:
			inFlight++
		case dispatchBlocked, dispatchThrottled, dispatchHalted:
			break dispatch
		}
	}

	if err := s.checkGoalCompletion(ctx, g.ID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// dispatchable is the ready predicate: status ready, every dependency done,
// backoff elapsed, and not abandoned by a skip.
func (s *Scheduler) dispatchable(w *contracts.WorkItem, byID map[string]*contracts.WorkItem, now time.Time) bool {
	if w.Status != contracts.WorkItemReady || w.VerificationStatus == contracts.VerificationSkipped {
		return false
	}
	if w.NextAttemptAt != nil && now.Before(*w.NextAttemptAt) {
		return false
	}
	return dependenciesDone(w, byID)
}

// dependenciesDone treats an unknown dependency id as unmet.
func dependenciesDone(w *contracts.WorkItem, byID map[string]*contracts.WorkItem) bool {
	for _, dep := range w.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != contracts.WorkItemDone {
			return false
		}
	}
	return true
}

// reservedForGoal sums the estimates of the goal's runs still in flight.
func (s *Scheduler) reservedForGoal(goalID string) (int64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tokens int64
	var cost float64
	for _, f := range s.inflight {
		if f.goal.ID == goalID {
			tokens += f.estTokens
			cost += f.estCost
		}
	}
	return tokens, cost
}

func (s *Scheduler) inFlightForGoal(goalID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.inflight {
		if f.goal.ID == goalID {
			n++
		}
	}
	return n
}

func (s *Scheduler) dispatch(ctx context.Context, g *contracts.Goal, w *contracts.WorkItem) (dispatchResult, error) {
	if s.limiter != nil && s.cfg.Dispatch.Enabled() {
		ok, err := s.limiter.Allow(ctx, dispatchKey(g.ID), s.cfg.Dispatch, 1)
		if err != nil {
			return dispatchSkipped, fmt.Errorf("dispatch limiter for goal %s: %w", g.ID, err)
		}
		if !ok {
			s.logger.DebugContext(ctx, "dispatch throttled", "goal_id", g.ID)
			return dispatchThrottled, nil
		}
	}

	sel := s.selector.SelectModel(w)
	estCost := w.EstimatedCostUSD
	if estCost == 0 && w.EstimatedTokens > 0 {
		estCost = s.selector.Config().CostFor(sel.Model, w.EstimatedTokens)
	}

	if st := s.budget.CheckBudget(g); st.WarningLevel != budget.LevelNone {
		s.logger.WarnContext(ctx, "goal budget warning", "goal_id", g.ID, "level", st.WarningLevel)
	}
	decision := budget.Decision{Proceed: true}
	if !w.OverageApproved {
		// Runs still in flight have not reported usage yet; count their estimates.
		resTokens, resCost := s.reservedForGoal(g.ID)
		decision = s.budget.Evaluate(g, w.EstimatedTokens+resTokens, estCost+resCost)
	}
	if !decision.Proceed {
		return dispatchBlocked, s.blockOnBudget(ctx, g, w, sel, estCost, decision)
	}

	res, err := s.start(ctx, g, w, sel, estCost)
	if err != nil || res != dispatchStarted {
		return res, err
	}
	if decision.RequiresEscalation {
		s.logger.WarnContext(ctx, "dispatching past budget", "goal_id", g.ID, "work_item_id", w.ID,
			"overage_percent", decision.OveragePercent)
		if _, err := s.escalate(ctx, escalation.Params{
			WorkItemID: w.ID,
			GoalID:     g.ID,
			Type:       contracts.EscalationBudgetOverage,
			Severity:   budget.SeverityForOverage(decision.OveragePercent),
			Context:    budgetContext(w, sel, estCost, decision),
		}); err != nil {
			return dispatchStarted, err
		}
		return dispatchBlocked, nil
	}
	return dispatchStarted, nil
}

func (s *Scheduler) blockOnBudget(ctx context.Context, g *contracts.Goal, w *contracts.WorkItem, sel llm.Selection, estCost float64, d budget.Decision) error {
	if _, err := s.repo.UpdateWorkItemStatus(ctx, w.ID, contracts.WorkItemReady, contracts.WorkItemBlocked, nil); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return s.mutationError(ctx, "work item", w.ID, err)
	}
	s.logger.WarnContext(ctx, "work item blocked on budget", "goal_id", g.ID, "work_item_id", w.ID,
		"overage_percent", d.OveragePercent, "reason", d.Reason)
	_, err := s.escalate(ctx, escalation.Params{
		WorkItemID: w.ID,
		GoalID:     g.ID,
		Type:       contracts.EscalationResource,
		Severity:   budget.SeverityForOverage(d.OveragePercent),
		Context:    budgetContext(w, sel, estCost, d),
	})
	return err
}

func budgetContext(w *contracts.WorkItem, sel llm.Selection, estCost float64, d budget.Decision) map[string]any {
	return map[string]any{
		"reason":             d.Reason,
		"overage_percent":    d.OveragePercent,
		"estimated_tokens":   w.EstimatedTokens,
		"estimated_cost_usd": estCost,
		"model":              sel.Model,
	}
}

// start moves the item to in_progress, creates its run and launches the
// engine call. Scopes are registered before the status change so an abort
// can never miss a run, and the goal is re-read after that so a goal
// cancelled or paused since the tick began dispatches nothing.
func (s *Scheduler) start(ctx context.Context, g *contracts.Goal, w *contracts.WorkItem, sel llm.Selection, estCost float64) (dispatchResult, error) {
	if s.aborts.IsAborted(abort.ScopeGoal, g.ID) {
		return dispatchHalted, nil
	}
	_, err := s.aborts.Register(abort.ScopeGoal, g.ID, abort.RegisterOptions{
		Metadata: map[string]string{"title": g.Title},
	})
	switch {
	case errors.Is(err, abort.ErrScopeAborted):
		return dispatchHalted, nil
	case err != nil && !errors.Is(err, abort.ErrAlreadyRegistered):
		return dispatchSkipped, fmt.Errorf("register goal scope %s: %w", g.ID, err)
	}
	if _, err := s.aborts.Register(abort.ScopeWorkItem, w.ID, abort.RegisterOptions{ParentID: g.ID}); err != nil {
		switch {
		case errors.Is(err, abort.ErrAlreadyRegistered):
			return dispatchSkipped, nil
		case errors.Is(err, abort.ErrParentAborted):
			return dispatchHalted, nil
		}
		return dispatchSkipped, fmt.Errorf("register work item scope %s: %w", w.ID, err)
	}

	current, err := s.repo.GetGoal(ctx, g.ID)
	if err != nil {
		s.aborts.Unregister(abort.ScopeWorkItem, w.ID)
		return dispatchSkipped, fmt.Errorf("load goal %s: %w", g.ID, err)
	}
	if current.Status != contracts.GoalActive {
		s.aborts.Unregister(abort.ScopeWorkItem, w.ID)
		if lifecycle.IsTerminalGoal(current.Status) {
			s.aborts.Unregister(abort.ScopeGoal, g.ID)
		}
		s.logger.InfoContext(ctx, "goal left active before dispatch", "goal_id", g.ID, "status", current.Status)
		return dispatchHalted, nil
	}

	item, err := s.repo.UpdateWorkItemStatus(ctx, w.ID, contracts.WorkItemReady, contracts.WorkItemInProgress,
		func(x *contracts.WorkItem) {
			x.NextAttemptAt = nil
			x.OverageApproved = false
		})
	if err != nil {
		s.aborts.Unregister(abort.ScopeWorkItem, w.ID)
		if errors.Is(err, store.ErrConflict) {
			return dispatchSkipped, nil
		}
		return dispatchSkipped, s.mutationError(ctx, "work item", w.ID, err)
	}

	now := s.clock().UTC()
	run := &contracts.Run{
		ID:         newRunID(now),
		WorkItemID: item.ID,
		GoalID:     g.ID,
		Status:     contracts.RunRunning,
		Model:      sel.Model,
		Tier:       string(sel.Tier),
		StartedAt:  now,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		s.aborts.Unregister(abort.ScopeWorkItem, w.ID)
		err = fmt.Errorf("create run for work item %s: %w", item.ID, err)
		if rerr := s.retryOrEscalate(ctx, g, item, "", retry.NewError(retry.CategoryUnknown, true, err)); rerr != nil {
			return dispatchSkipped, errors.Join(err, rerr)
		}
		return dispatchSkipped, err
	}

	handle, err := s.aborts.Register(abort.ScopeRun, run.ID, abort.RegisterOptions{
		ParentID: item.ID,
		Timeout:  s.cfg.RunTimeout,
		Metadata: map[string]string{"goal_id": g.ID, "work_item_id": item.ID},
	})
	f := &flight{run: run, item: item, goal: g, sel: sel, handle: handle, estTokens: item.EstimatedTokens, estCost: estCost}
	if err != nil {
		// The work item scope was aborted between the two registrations.
		s.post(completion{flight: f, outcome: executor.Outcome{Status: contracts.RunAborted, Err: err}})
		return dispatchSkipped, nil
	}

	s.mu.Lock()
	s.inflight[run.ID] = f
	s.mu.Unlock()
	s.runWG.Add(1)
	go s.execute(ctx, f)

	s.logger.InfoContext(ctx, "work item dispatched", "goal_id", g.ID, "work_item_id", item.ID,
		"run_id", run.ID, "model", run.Model, "tier", run.Tier, "attempt", item.RetryCount+1)
	s.publish(Event{Type: EventWorkItemDispatched, GoalID: g.ID, WorkItemID: item.ID, RunID: run.ID, Status: run.Model})
	return dispatchStarted, nil
}

// execute runs the engine on the run's abort context and posts the outcome.
// If the engine ignores an abort for longer than AbortGrace the run is
// completed as aborted and the late result is dropped.
func (s *Scheduler) execute(parent context.Context, f *flight) {
	defer s.runWG.Done()
	ctx, finish := s.tracker.TrackOperation(parent, "kernel.execute",
		observability.DispatchOperation(f.goal.ID, f.item.ID, f.run.ID, f.run.Model, f.run.Tier)...)

	req := executor.Request{
		RunID:     f.run.ID,
		WorkItem:  f.item.Clone(),
		Goal:      f.goal.Clone(),
		Model:     f.run.Model,
		Selection: f.sel,
	}
	result := make(chan executor.Outcome, 1)
	go func() {
		result <- s.exec.Execute(f.handle.Context(), req)
	}()

	var out executor.Outcome
	forced := false
	select {
	case out = <-result:
	case <-f.handle.Done():
		grace := time.NewTimer(s.cfg.AbortGrace)
		select {
		case out = <-result:
			grace.Stop()
		case <-grace.C:
			s.logger.WarnContext(ctx, "engine ignored abort, forcing completion",
				"run_id", f.run.ID, "grace", s.cfg.AbortGrace)
			out = executor.Outcome{Status: contracts.RunAborted, Err: context.Cause(f.handle.Context())}
			forced = true
		}
	}
	finish(out.Err)
	s.post(completion{flight: f, outcome: out, forced: forced})
}

func (s *Scheduler) post(c completion) {
	s.mu.Lock()
	s.completions = append(s.completions, c)
	s.mu.Unlock()
}

func newRunID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}
