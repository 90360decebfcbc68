package kernel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DispatchPolicy limits how many runs a goal may start. RPM <= 0 disables it.
type DispatchPolicy struct {
	RPM   int `json:"rpm"`
	Burst int `json:"burst"`
}

// Enabled reports whether the policy limits anything.
func (p DispatchPolicy) Enabled() bool { return p.RPM > 0 }

func (p DispatchPolicy) perSecond() float64 {
	return float64(p.RPM) / 60.0
}

func (p DispatchPolicy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// LimiterStore abstracts the storage for rate limiting buckets.
type LimiterStore interface {
	// Allow reports whether key may spend cost tokens now.
	Allow(ctx context.Context, key string, policy DispatchPolicy, cost int) (bool, error)
}

// InMemoryLimiterStore keeps one token bucket per key. Single-process only.
type InMemoryLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	clock    func() time.Time
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *InMemoryLimiterStore) WithClock(clock func() time.Time) *InMemoryLimiterStore {
	s.clock = clock
	return s
}

func (s *InMemoryLimiterStore) Allow(_ context.Context, key string, policy DispatchPolicy, cost int) (bool, error) {
	if !policy.Enabled() {
		return true, nil
	}
	s.mu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(policy.perSecond()), policy.burst())
		s.limiters[key] = l
	}
	s.mu.Unlock()
	return l.AllowN(s.clock(), cost), nil
}

// dispatchKey is the bucket key for a goal.
func dispatchKey(goalID string) string {
	return "dispatch:" + goalID
}
