package kernel

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/abort"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/budget"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/escalation"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/executor"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/governance"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/kernel/retry"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/llm"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/store"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t           *testing.T
	ctx         context.Context
	clock       *fakeClock
	repo        store.Repository
	engine      *executor.ScriptedEngine
	escalations *escalation.Handler
	aborts      *abort.Manager
	sched       *Scheduler

	mu     sync.Mutex
	events []Event
}

type harnessOptions struct {
	repo    store.Repository
	escs    escalation.Store
	cfg     Config
	policy  budget.Policy
	gates   bool
	limiter LimiterStore
}

type harnessOption func(*harnessOptions)

func withRepo(r store.Repository, s escalation.Store) harnessOption {
	return func(o *harnessOptions) { o.repo, o.escs = r, s }
}

func withConfig(cfg Config) harnessOption {
	return func(o *harnessOptions) { o.cfg = cfg }
}

func withBudgetPolicy(p budget.Policy) harnessOption {
	return func(o *harnessOptions) { o.policy = p }
}

func withGates() harnessOption {
	return func(o *harnessOptions) { o.gates = true }
}

func withLimiter(l LimiterStore) harnessOption {
	return func(o *harnessOptions) { o.limiter = l }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	clock := &fakeClock{now: t0}
	o := harnessOptions{cfg: Config{AbortGrace: time.Second}, policy: budget.DefaultPolicy()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.repo == nil {
		o.repo = store.NewMemoryRepository().WithClock(clock.Now)
		o.escs = escalation.NewMemoryStore()
	}

	h := &harness{
		t:           t,
		ctx:         context.Background(),
		clock:       clock,
		repo:        o.repo,
		engine:      executor.NewScriptedEngine(),
		escalations: escalation.NewHandler(o.escs).WithClock(clock.Now),
		aborts:      abort.NewManager().WithClock(clock.Now),
	}

	deps := Deps{
		Repo:     o.repo,
		Budget:   budget.NewTracker(o.policy, o.repo).WithClock(clock.Now),
		Selector: llm.NewSelector(nil),
		Retry: retry.NewHandler(retry.Policy{
			MaxRetries: 3,
			Backoff:    retry.BackoffPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, JitterFactor: 0.2},
		}, nil),
		Escalations: h.escalations,
		Aborts:      h.aborts,
		Executor:    executor.New(h.engine, executor.WithClock(clock.Now)),
		Limiter:     o.limiter,
	}
	if o.gates {
		ge, err := governance.NewGateEvaluator()
		require.NoError(t, err)
		deps.Gates = ge
	}

	s, err := New(o.cfg, deps)
	require.NoError(t, err)
	h.sched = s.WithClock(clock.Now)
	unsubscribe := s.Subscribe(func(e Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	t.Cleanup(unsubscribe)
	return h
}

// openSQLite backs the harness with one in-memory sqlite database shared by
// the repository and the escalation store.
func openSQLite(t *testing.T) harnessOption {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	repo := store.NewSQLRepository(db).WithClock(func() time.Time { return t0 })
	require.NoError(t, repo.Init(ctx))
	escs := escalation.NewSQLStore(db)
	require.NoError(t, escs.Init(ctx))
	return withRepo(repo, escs)
}

// tick runs one tick and waits for every engine call it started.
func (h *harness) tick() error {
	h.t.Helper()
	err := h.sched.RunNow(h.ctx)
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.sched.Wait(ctx))
	return err
}

// ticks runs n ticks, advancing the clock past any retry backoff between them.
func (h *harness) ticks(n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(h.t, h.tick())
		h.clock.Advance(time.Minute)
	}
}

func (h *harness) goal(id string, tokens int64, gates ...string) *contracts.Goal {
	h.t.Helper()
	g := &contracts.Goal{
		ID:           id,
		Title:        "goal " + id,
		Status:       contracts.GoalQueued,
		Priority:     1,
		QualityGates: gates,
		CreatedAt:    h.clock.Now(),
		UpdatedAt:    h.clock.Now(),
	}
	if tokens > 0 {
		g.Budget.Tokens = contracts.Int64(tokens)
	}
	require.NoError(h.t, h.repo.CreateGoal(h.ctx, g))
	return g
}

func (h *harness) item(goalID, id string, estTokens int64, deps ...string) *contracts.WorkItem {
	h.t.Helper()
	w := &contracts.WorkItem{
		ID:                 id,
		GoalID:             goalID,
		Title:              id,
		Status:             contracts.WorkItemQueued,
		Dependencies:       deps,
		MaxRetries:         3,
		VerificationStatus: contracts.VerificationPending,
		EstimatedTokens:    estTokens,
		CreatedAt:          h.clock.Now(),
		UpdatedAt:          h.clock.Now(),
	}
	require.NoError(h.t, h.repo.CreateWorkItem(h.ctx, w))
	h.clock.Advance(time.Millisecond)
	return w
}

func (h *harness) getGoal(id string) *contracts.Goal {
	h.t.Helper()
	g, err := h.repo.GetGoal(h.ctx, id)
	require.NoError(h.t, err)
	return g
}

func (h *harness) getItem(id string) *contracts.WorkItem {
	h.t.Helper()
	w, err := h.repo.GetWorkItem(h.ctx, id)
	require.NoError(h.t, err)
	return w
}

func (h *harness) escalationsFor(goalID string) []*contracts.Escalation {
	h.t.Helper()
	escs, err := h.escalations.ListForGoal(h.ctx, goalID)
	require.NoError(h.t, err)
	return escs
}

func (h *harness) eventTypes() []EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EventType, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

// blockingRepo stalls the first goal listing until release is closed.
type blockingRepo struct {
	store.Repository
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRepo) ListGoalsByStatus(ctx context.Context, statuses ...contracts.GoalStatus) ([]*contracts.Goal, error) {
	r.once.Do(func() {
		close(r.entered)
		<-r.release
	})
	return r.Repository.ListGoalsByStatus(ctx, statuses...)
}

var errRepoUnavailable = errors.New("repository unavailable")

// faultyRepo injects failures into selected repository calls. Install it
// with h.sched.repo so harness reads stay unaffected.
type faultyRepo struct {
	store.Repository
	mu           sync.Mutex
	getItemFails int
	itemsForGoal func(goalID string) error
	updateItem   func(id string) error
}

// failGetWorkItem makes the next n GetWorkItem calls fail.
func (r *faultyRepo) failGetWorkItem(n int) {
	r.mu.Lock()
	r.getItemFails = n
	r.mu.Unlock()
}

func (r *faultyRepo) GetWorkItem(ctx context.Context, id string) (*contracts.WorkItem, error) {
	r.mu.Lock()
	fail := r.getItemFails > 0
	if fail {
		r.getItemFails--
	}
	r.mu.Unlock()
	if fail {
		return nil, errRepoUnavailable
	}
	return r.Repository.GetWorkItem(ctx, id)
}

func (r *faultyRepo) GetWorkItemsForGoal(ctx context.Context, goalID string) ([]*contracts.WorkItem, error) {
	if r.itemsForGoal != nil {
		if err := r.itemsForGoal(goalID); err != nil {
			return nil, err
		}
	}
	return r.Repository.GetWorkItemsForGoal(ctx, goalID)
}

func (r *faultyRepo) UpdateWorkItemStatus(ctx context.Context, id string, from, to contracts.WorkItemStatus, mutate store.Mutator) (*contracts.WorkItem, error) {
	if r.updateItem != nil {
		if err := r.updateItem(id); err != nil {
			return nil, err
		}
	}
	return r.Repository.UpdateWorkItemStatus(ctx, id, from, to, mutate)
}
