package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/budget"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/lifecycle"
)

// MemoryRepository implements Repository in memory.
// Thread-safe via RWMutex; callers always receive copies.
type MemoryRepository struct {
	mu        sync.RWMutex
	goals     map[string]*contracts.Goal
	workItems map[string]*contracts.WorkItem
	runs      map[string]*contracts.Run
	usage     map[string]budget.Usage
	clock     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		goals:     make(map[string]*contracts.Goal),
		workItems: make(map[string]*contracts.WorkItem),
		runs:      make(map[string]*contracts.Run),
		usage:     make(map[string]budget.Usage),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *MemoryRepository) WithClock(clock func() time.Time) *MemoryRepository {
	m.clock = clock
	return m
}

func (m *MemoryRepository) GetGoal(_ context.Context, id string) (*contracts.Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.goals[id]
	if !ok {
		return nil, fmt.Errorf("goal %s: %w", id, ErrNotFound)
	}
	return g.Clone(), nil
}

func (m *MemoryRepository) ListGoalsByStatus(_ context.Context, statuses ...contracts.GoalStatus) ([]*contracts.Goal, error) {
	want := make(map[contracts.GoalStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.RLock()
	var out []*contracts.Goal
	for _, g := range m.goals {
		if want[g.Status] {
			out = append(out, g.Clone())
		}
	}
	m.mu.RUnlock()
	sortGoals(out)
	return out, nil
}

func (m *MemoryRepository) CreateGoal(_ context.Context, g *contracts.Goal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.goals[g.ID]; ok {
		return fmt.Errorf("goal %s: %w", g.ID, ErrExists)
	}
	m.goals[g.ID] = g.Clone()
	return nil
}

func (m *MemoryRepository) UpdateGoalStatus(_ context.Context, id string, from, to contracts.GoalStatus) (*contracts.Goal, error) {
	if err := lifecycle.ValidateGoal(from, to); err != nil {
		return nil, fmt.Errorf("goal %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.goals[id]
	if !ok {
		return nil, fmt.Errorf("goal %s: %w", id, ErrNotFound)
	}
	if g.Status != from {
		return nil, fmt.Errorf("goal %s is %s, expected %s: %w", id, g.Status, from, ErrConflict)
	}
	g.Status = to
	g.UpdatedAt = m.clock().UTC()
	return g.Clone(), nil
}

// Append implements budget.Ledger.
func (m *MemoryRepository) Append(ctx context.Context, u budget.Usage) (bool, error) {
	return m.AddGoalSpend(ctx, u)
}

func (m *MemoryRepository) AddGoalSpend(_ context.Context, u budget.Usage) (bool, error) {
	if err := u.Validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.usage[u.RunID]; seen {
		return false, nil
	}
	g, ok := m.goals[u.GoalID]
	if !ok {
		return false, fmt.Errorf("goal %s: %w", u.GoalID, ErrNotFound)
	}
	m.usage[u.RunID] = u
	g.Spent = g.Spent.Add(u.Spend())
	g.UpdatedAt = m.clock().UTC()
	return true, nil
}

func (m *MemoryRepository) CreateWorkItem(_ context.Context, w *contracts.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workItems[w.ID]; ok {
		return fmt.Errorf("work item %s: %w", w.ID, ErrExists)
	}
	if _, ok := m.goals[w.GoalID]; !ok {
		return fmt.Errorf("goal %s: %w", w.GoalID, ErrNotFound)
	}
	m.workItems[w.ID] = w.Clone()
	return nil
}

func (m *MemoryRepository) GetWorkItem(_ context.Context, id string) (*contracts.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workItems[id]
	if !ok {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return w.Clone(), nil
}

func (m *MemoryRepository) GetWorkItemsForGoal(_ context.Context, goalID string) ([]*contracts.WorkItem, error) {
	m.mu.RLock()
	var out []*contracts.WorkItem
	for _, w := range m.workItems {
		if w.GoalID == goalID {
			out = append(out, w.Clone())
		}
	}
	m.mu.RUnlock()
	sortWorkItems(out)
	return out, nil
}

func (m *MemoryRepository) UpdateWorkItemStatus(_ context.Context, id string, from, to contracts.WorkItemStatus, mutate Mutator) (*contracts.WorkItem, error) {
	if err := lifecycle.ValidateWorkItem(from, to); err != nil {
		return nil, fmt.Errorf("work item %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.workItems[id]
	if !ok {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	if cur.Status != from {
		return nil, fmt.Errorf("work item %s is %s, expected %s: %w", id, cur.Status, from, ErrConflict)
	}
	next := cur.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.Status = to
	next.UpdatedAt = m.clock().UTC()
	m.workItems[id] = next
	return next.Clone(), nil
}

func (m *MemoryRepository) UpdateWorkItem(_ context.Context, w *contracts.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.workItems[w.ID]
	if !ok {
		return fmt.Errorf("work item %s: %w", w.ID, ErrNotFound)
	}
	if cur.Status != w.Status {
		return fmt.Errorf("work item %s is %s, expected %s: %w", w.ID, cur.Status, w.Status, ErrConflict)
	}
	next := w.Clone()
	next.GoalID = cur.GoalID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = m.clock().UTC()
	m.workItems[w.ID] = next
	return nil
}

func (m *MemoryRepository) CreateRun(_ context.Context, r *contracts.Run) error {
	if r.Status != contracts.RunRunning {
		return fmt.Errorf("run %s must start running, got %s", r.ID, r.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; ok {
		return fmt.Errorf("run %s: %w", r.ID, ErrExists)
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *MemoryRepository) GetRun(_ context.Context, id string) (*contracts.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return cloneRun(r), nil
}

func (m *MemoryRepository) CompleteRun(_ context.Context, id string, res contracts.RunResult) (*contracts.Run, error) {
	if err := lifecycle.ValidateRun(contracts.RunRunning, res.Status); err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if r.Status != contracts.RunRunning {
		return nil, fmt.Errorf("run %s already %s: %w", id, r.Status, ErrConflict)
	}
	completed := res.CompletedAt
	if completed.IsZero() {
		completed = m.clock().UTC()
	}
	r.Status = res.Status
	r.TokensUsed = res.TokensUsed
	r.CostUSD = res.CostUSD
	r.TimeSeconds = res.TimeSeconds
	r.Artifacts = append([]contracts.ArtifactRef(nil), res.Artifacts...)
	r.ErrorMessage = res.ErrorMessage
	r.CompletedAt = &completed
	return cloneRun(r), nil
}

func (m *MemoryRepository) GetRunsByWorkItem(_ context.Context, workItemID string) ([]*contracts.Run, error) {
	return m.filterRuns(func(r *contracts.Run) bool { return r.WorkItemID == workItemID }), nil
}

func (m *MemoryRepository) ListRunningRuns(_ context.Context) ([]*contracts.Run, error) {
	return m.filterRuns(func(r *contracts.Run) bool { return r.Status == contracts.RunRunning }), nil
}

func (m *MemoryRepository) filterRuns(keep func(*contracts.Run) bool) []*contracts.Run {
	m.mu.RLock()
	var out []*contracts.Run
	for _, r := range m.runs {
		if keep(r) {
			out = append(out, cloneRun(r))
		}
	}
	m.mu.RUnlock()
	sortRuns(out)
	return out
}
