package budget

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

// memoryLedger is the in-memory Ledger the tracker tests run against.
type memoryLedger struct {
	mu     sync.RWMutex
	runs   map[string]Usage
	totals map[string]contracts.Spend
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		runs:   make(map[string]Usage),
		totals: make(map[string]contracts.Spend),
	}
}

func (l *memoryLedger) Append(ctx context.Context, u Usage) (bool, error) {
	if err := u.Validate(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.runs[u.RunID]; seen {
		return false, nil
	}
	l.runs[u.RunID] = u
	l.totals[u.GoalID] = l.totals[u.GoalID].Add(u.Spend())
	return true, nil
}

// Spent returns the accumulated spend for a goal.
func (l *memoryLedger) Spent(goalID string) contracts.Spend {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totals[goalID]
}
