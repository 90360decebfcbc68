// Package kernel is the orchestration loop. A fixed-interval tick drains
// finished runs, picks active goals, promotes work items whose dependencies
// are done, and dispatches ready items to the executor without waiting for
// them. Every entity mutation goes through the repository's
// compare-and-swap status updates.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/abort"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/budget"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/escalation"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/events"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/executor"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/governance"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/kernel/retry"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/lifecycle"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/llm"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/observability"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/store"
)

var (
	ErrAlreadyRunning    = errors.New("kernel: scheduler already running")
	ErrTickInProgress    = errors.New("kernel: tick already in progress")
	ErrMissingDependency = errors.New("kernel: missing dependency")
)

// ReasonShutdown is the abort reason used for runs interrupted by Stop.
const ReasonShutdown = "shutdown"

// OperationTracker wraps an operation in a span. *observability.Provider implements it.
type OperationTracker interface {
	TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error))
}

type noopTracker struct{}

func (noopTracker) TrackOperation(ctx context.Context, _ string, _ ...attribute.KeyValue) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// Deps are the services the scheduler drives. Gates, Limiter and Tracker are optional.
type Deps struct {
	Repo        store.Repository
	Budget      *budget.Tracker
	Selector    *llm.Selector
	Retry       *retry.Handler
	Escalations *escalation.Handler
	Aborts      *abort.Manager
	Executor    *executor.Executor
	Gates       *governance.GateEvaluator
	Limiter     LimiterStore
	Tracker     OperationTracker
}

func (d Deps) validate() error {
	switch {
	case d.Repo == nil:
		return fmt.Errorf("%w: repository", ErrMissingDependency)
	case d.Budget == nil:
		return fmt.Errorf("%w: budget tracker", ErrMissingDependency)
	case d.Selector == nil:
		return fmt.Errorf("%w: model selector", ErrMissingDependency)
	case d.Retry == nil:
		return fmt.Errorf("%w: retry handler", ErrMissingDependency)
	case d.Escalations == nil:
		return fmt.Errorf("%w: escalation handler", ErrMissingDependency)
	case d.Aborts == nil:
		return fmt.Errorf("%w: abort manager", ErrMissingDependency)
	case d.Executor == nil:
		return fmt.Errorf("%w: executor", ErrMissingDependency)
	}
	return nil
}

// Status is the coarse health of the scheduler.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusDegraded Status = "degraded"
)

// Snapshot is a read-only view of scheduler state for status surfaces.
type Snapshot struct {
	Status                  Status        `json:"status"`
	ActiveGoals             []string      `json:"active_goals"`
	InFlightRuns            int           `json:"in_flight_runs"`
	LastTick                time.Time     `json:"last_tick"`
	ErrorCount              int64         `json:"error_count"`
	GoalsProcessed          int64         `json:"goals_processed"`
	WorkItemsCompleted      int64         `json:"work_items_completed"`
	AverageWorkItemDuration time.Duration `json:"average_work_item_duration"`
	SkippedTicks            int64         `json:"skipped_ticks"`
}

// flight is one dispatched run awaiting completion.
type flight struct {
	run    *contracts.Run
	item   *contracts.WorkItem
	goal   *contracts.Goal
	sel    llm.Selection
	handle *abort.Handle
	// Budget estimates held until the run reports its usage.
	estTokens int64
	estCost   float64
}

type completion struct {
	flight  *flight
	outcome executor.Outcome
	forced  bool
	// closed is set once CompleteRun succeeded; a re-posted completion
	// then only retries the work item transition.
	closed *contracts.Run
}

// Scheduler is the orchestration loop.
type Scheduler struct {
	cfg         Config
	repo        store.Repository
	budget      *budget.Tracker
	selector    *llm.Selector
	retry       *retry.Handler
	escalations *escalation.Handler
	aborts      *abort.Manager
	exec        *executor.Executor
	gates       *governance.GateEvaluator
	limiter     LimiterStore
	tracker     OperationTracker
	bus         *events.Bus[Event]
	clock       func() time.Time
	logger      *slog.Logger

	tickMu sync.Mutex
	runWG  sync.WaitGroup
	tickWG sync.WaitGroup

	mu          sync.Mutex
	running     bool
	done        chan struct{}
	loopDone    chan struct{}
	dispatching map[string]bool
	inflight    map[string]*flight
	completions []completion

	lastTick       time.Time
	lastTickErrors int
	activeGoals    []string
	errorCount     int64
	goalsProcessed int64
	itemsCompleted int64
	runsFinished   int64
	runSeconds     float64
	skippedTicks   int64
}

// New creates a scheduler. Zero config fields take DefaultConfig values.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = noopTracker{}
	}
	logger := slog.Default().With("component", "scheduler")
	return &Scheduler{
		cfg:         cfg.withDefaults(),
		repo:        deps.Repo,
		budget:      deps.Budget,
		selector:    deps.Selector,
		retry:       deps.Retry,
		escalations: deps.Escalations,
		aborts:      deps.Aborts,
		exec:        deps.Executor,
		gates:       deps.Gates,
		limiter:     deps.Limiter,
		tracker:     tracker,
		bus:         events.NewBus[Event](events.WithLogger(logger)),
		clock:       time.Now,
		logger:      logger,
		dispatching: make(map[string]bool),
		inflight:    make(map[string]*flight),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Start runs the tick loop in the background until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.done = make(chan struct{})
	s.loopDone = make(chan struct{})
	done, loopDone := s.done, s.loopDone
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "scheduler started",
		"tick_interval", s.cfg.TickInterval,
		"max_concurrent_goals", s.cfg.MaxConcurrentGoals)
	go s.loop(ctx, done, loopDone)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done <-chan struct{}, loopDone chan<- struct{}) {
	defer close(loopDone)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.fire(ctx)
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

// fire starts a tick without waiting for it, so a slow tick is detected as
// an overlap by the next one instead of silently delaying it.
func (s *Scheduler) fire(ctx context.Context) {
	s.tickWG.Add(1)
	go func() {
		defer s.tickWG.Done()
		if err := s.RunNow(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
			s.logger.ErrorContext(ctx, "tick failed", "error", err)
		}
	}()
}

// Stop ends the loop, aborts in-flight runs with reason "shutdown", waits
// for them until ctx is done, and applies their completions.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	loopDone := s.loopDone
	s.mu.Unlock()

	<-loopDone
	s.tickWG.Wait()

	s.mu.Lock()
	runIDs := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		runIDs = append(runIDs, id)
	}
	s.mu.Unlock()
	for _, id := range runIDs {
		s.aborts.Abort(abort.ScopeRun, id, ReasonShutdown, "scheduler")
	}
	if err := s.Wait(ctx); err != nil {
		return err
	}

	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if n := s.drainCompletions(ctx); n > 0 {
		return fmt.Errorf("%d completions failed during shutdown", n)
	}
	s.logger.InfoContext(ctx, "scheduler stopped", "interrupted_runs", len(runIDs))
	return nil
}

// Wait blocks until every dispatched engine call has posted its completion.
func (s *Scheduler) Wait(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes one tick synchronously. It returns ErrTickInProgress
// without doing anything if another tick is running.
func (s *Scheduler) RunNow(ctx context.Context) error {
	if !s.tickMu.TryLock() {
		s.mu.Lock()
		s.skippedTicks++
		s.mu.Unlock()
		s.logger.WarnContext(ctx, "tick skipped, previous tick still running")
		return ErrTickInProgress
	}
	defer s.tickMu.Unlock()
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) (err error) {
	ctx, finish := s.tracker.TrackOperation(ctx, "kernel.tick")
	defer func() { finish(err) }()

	failures := s.drainCompletions(ctx)

	goals, err := s.repo.ListGoalsByStatus(ctx, contracts.GoalQueued, contracts.GoalActive)
	if err != nil {
		s.finishTick(ctx, failures+1, nil)
		return fmt.Errorf("list goals: %w", err)
	}

	selected := make([]*contracts.Goal, 0, s.cfg.MaxConcurrentGoals)
	for _, g := range goals {
		if len(selected) >= s.cfg.MaxConcurrentGoals {
			break
		}
		if s.isDispatching(g.ID) {
			continue
		}
		blocked, err := s.escalations.HasBlockingEscalations(ctx, g.ID)
		if err != nil {
			failures++
			s.tickError(ctx, g.ID, fmt.Errorf("check escalations: %w", err))
			continue
		}
		if blocked {
			continue
		}
		selected = append(selected, g)
	}

	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(s.cfg.MaxConcurrentGoals)
	for _, g := range selected {
		s.setDispatching(g.ID, true)
		eg.Go(func() error {
			defer s.setDispatching(g.ID, false)
			if err := s.processGoalSafe(ctx, g); err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
				s.tickError(ctx, g.ID, err)
			}
			return nil
		})
	}
	_ = eg.Wait()

	active, err := s.repo.ListGoalsByStatus(ctx, contracts.GoalActive)
	if err != nil {
		failures++
		s.tickError(ctx, "", fmt.Errorf("list active goals: %w", err))
	}
	ids := make([]string, 0, len(active))
	for _, g := range active {
		ids = append(ids, g.ID)
	}
	s.finishTick(ctx, failures, ids)
	if failures > 0 {
		return fmt.Errorf("tick finished with %d errors", failures)
	}
	return nil
}

func (s *Scheduler) finishTick(ctx context.Context, failures int, active []string) {
	s.mu.Lock()
	s.lastTick = s.clock().UTC()
	s.lastTickErrors = failures
	s.errorCount += int64(failures)
	if active != nil {
		s.activeGoals = active
	}
	s.mu.Unlock()
	if failures > 0 {
		s.logger.WarnContext(ctx, "tick finished with errors", "errors", failures)
	}
}

func (s *Scheduler) tickError(ctx context.Context, goalID string, err error) {
	s.logger.ErrorContext(ctx, "goal processing failed", "goal_id", goalID, "error", err)
	s.publish(Event{Type: EventTickError, GoalID: goalID, Error: err.Error()})
}

// processGoalSafe keeps a panic in one goal from reaching the others.
func (s *Scheduler) processGoalSafe(ctx context.Context, g *contracts.Goal) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing goal %s: %v", g.ID, r)
		}
	}()
	ctx, finish := s.tracker.TrackOperation(ctx, "kernel.process_goal", observability.GoalOperation(g.ID)...)
	defer func() { finish(err) }()
	return s.processGoal(ctx, g)
}

func (s *Scheduler) isDispatching(goalID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatching[goalID]
}

func (s *Scheduler) setDispatching(goalID string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.dispatching[goalID] = true
		return
	}
	delete(s.dispatching, goalID)
}

// Snapshot returns the current counters.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := StatusIdle
	switch {
	case s.lastTickErrors > 0:
		status = StatusDegraded
	case s.running:
		status = StatusRunning
	}
	var avg time.Duration
	if s.runsFinished > 0 {
		avg = time.Duration(s.runSeconds / float64(s.runsFinished) * float64(time.Second))
	}
	return Snapshot{
		Status:                  status,
		ActiveGoals:             append([]string(nil), s.activeGoals...),
		InFlightRuns:            len(s.inflight),
		LastTick:                s.lastTick,
		ErrorCount:              s.errorCount,
		GoalsProcessed:          s.goalsProcessed,
		WorkItemsCompleted:      s.itemsCompleted,
		AverageWorkItemDuration: avg,
		SkippedTicks:            s.skippedTicks,
	}
}

// Stats adapts the snapshot for the Prometheus collector.
func (s *Scheduler) Stats() observability.SchedulerStats {
	snap := s.Snapshot()
	return observability.SchedulerStats{
		Status:             string(snap.Status),
		ActiveGoals:        len(snap.ActiveGoals),
		ErrorCount:         snap.ErrorCount,
		GoalsProcessed:     snap.GoalsProcessed,
		WorkItemsCompleted: snap.WorkItemsCompleted,
		SkippedTicks:       snap.SkippedTicks,
		AvgWorkItemSeconds: snap.AverageWorkItemDuration.Seconds(),
		LastTick:           snap.LastTick,
	}
}

// mutationError logs lifecycle rejections loudly. They mean a logic defect,
// not an environmental failure.
func (s *Scheduler) mutationError(ctx context.Context, entity, id string, err error) error {
	if errors.Is(err, lifecycle.ErrInvalidTransition) || errors.Is(err, lifecycle.ErrUnknownStatus) {
		s.logger.ErrorContext(ctx, "rejected lifecycle transition", "entity", entity, "id", id, "error", err)
	}
	return fmt.Errorf("update %s %s: %w", entity, id, err)
}
