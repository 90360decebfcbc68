package escalation

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

var (
	ErrNotFound       = errors.New("escalation: not found")
	ErrConflict       = errors.New("escalation: concurrent update")
	ErrAlreadyClosed  = errors.New("escalation: already closed")
	ErrInvalidType    = errors.New("escalation: invalid type")
	ErrInvalidAction  = errors.New("escalation: invalid resolution action")
	ErrInvalidRequest = errors.New("escalation: invalid request")
)

// Store persists escalations and their receipts.
type Store interface {
	Create(ctx context.Context, e *contracts.Escalation) error
	Get(ctx context.Context, id string) (*contracts.Escalation, error)
	// Update writes e if the stored status still equals from, else ErrConflict.
	Update(ctx context.Context, e *contracts.Escalation, from contracts.EscalationStatus) error
	ListByGoal(ctx context.Context, goalID string) ([]*contracts.Escalation, error)
	ListByStatus(ctx context.Context, statuses ...contracts.EscalationStatus) ([]*contracts.Escalation, error)
	AppendReceipt(ctx context.Context, r *Receipt) error
	Receipts(ctx context.Context, escalationID string) ([]*Receipt, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu         sync.RWMutex
	escalation map[string]*contracts.Escalation
	receipts   map[string][]*Receipt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escalation: make(map[string]*contracts.Escalation),
		receipts:   make(map[string][]*Receipt),
	}
}

func (s *MemoryStore) Create(_ context.Context, e *contracts.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escalation[e.ID]; ok {
		return ErrConflict
	}
	s.escalation[e.ID] = clone(e)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*contracts.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escalation[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

func (s *MemoryStore) Update(_ context.Context, e *contracts.Escalation, from contracts.EscalationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.escalation[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrConflict
	}
	s.escalation[e.ID] = clone(e)
	return nil
}

func (s *MemoryStore) ListByGoal(_ context.Context, goalID string) ([]*contracts.Escalation, error) {
	return s.filter(func(e *contracts.Escalation) bool { return e.GoalID == goalID }), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, statuses ...contracts.EscalationStatus) ([]*contracts.Escalation, error) {
	want := make(map[contracts.EscalationStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	return s.filter(func(e *contracts.Escalation) bool { return want[e.Status] }), nil
}

func (s *MemoryStore) AppendReceipt(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.receipts[r.EscalationID] = append(s.receipts[r.EscalationID], &cp)
	return nil
}

func (s *MemoryStore) Receipts(_ context.Context, escalationID string) ([]*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Receipt, 0, len(s.receipts[escalationID]))
	for _, r := range s.receipts[escalationID] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// filter returns matches ordered by creation time, oldest first.
func (s *MemoryStore) filter(keep func(*contracts.Escalation) bool) []*contracts.Escalation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.Escalation
	for _, e := range s.escalation {
		if keep(e) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func clone(e *contracts.Escalation) *contracts.Escalation {
	cp := *e
	if e.Context != nil {
		cp.Context = make(map[string]any, len(e.Context))
		for k, v := range e.Context {
			cp.Context[k] = v
		}
	}
	if e.Resolution != nil {
		r := *e.Resolution
		if e.Resolution.Data != nil {
			r.Data = make(map[string]any, len(e.Resolution.Data))
			for k, v := range e.Resolution.Data {
				r.Data[k] = v
			}
		}
		cp.Resolution = &r
	}
	return &cp
}
