// Package retry decides, on a work item failure, whether to retry, which
// recovery strategy to use next, and how long to back off; or to hand the
// item to a human.
package retry

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// DefaultMaxRetries is the number of automatic attempts before escalation.
const DefaultMaxRetries = 3

// Policy configures the handler.
type Policy struct {
	MaxRetries int           `json:"max_retries"`
	Backoff    BackoffPolicy `json:"backoff"`
}

// DefaultPolicy retries three times with 1s base delay capped at 60s and 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		Backoff: BackoffPolicy{
			BaseDelay:    time.Second,
			MaxDelay:     time.Minute,
			JitterFactor: 0.2,
		},
	}
}

// Input describes a failure. RetryCount counts failures so far, this one included.
type Input struct {
	Err                error
	RetryCount         int
	MaxRetries         int
	PreviousStrategies []Strategy
	// JitterSeed makes the backoff reproducible; empty uses the random source.
	JitterSeed string
}

// Decision is the handler's verdict. When ShouldRetry is false the Strategy
// is human_guidance and the caller escalates.
type Decision struct {
	ShouldRetry    bool           `json:"should_retry"`
	Strategy       Strategy       `json:"strategy"`
	Classification Classification `json:"classification"`
	Delay          time.Duration  `json:"delay"`
	Reason         string         `json:"reason"`
}

// Escalate reports whether the decision hands off to a human.
func (d Decision) Escalate() bool { return !d.ShouldRetry }

// Handler applies the pattern table and policy to failures.
type Handler struct {
	policy Policy
	table  *PatternTable
	rand   func() float64
	logger *slog.Logger
}

// NewHandler creates a handler. A nil table uses NewPatternTable.
func NewHandler(policy Policy, table *PatternTable) *Handler {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultMaxRetries
	}
	if table == nil {
		table = NewPatternTable()
	}
	return &Handler{
		policy: policy,
		table:  table,
		rand:   rand.Float64,
		logger: slog.Default().With("component", "retry"),
	}
}

// WithRand overrides the jitter source. fn must return values in [0, 1).
func (h *Handler) WithRand(fn func() float64) *Handler {
	h.rand = fn
	return h
}

// Policy returns the handler policy.
func (h *Handler) Policy() Policy { return h.policy }

// RegisterPattern adds a classification pattern at runtime.
func (h *Handler) RegisterPattern(p Pattern) error {
	return h.table.Register(p)
}

// Classify maps an error to the failure taxonomy.
func (h *Handler) Classify(err error) Classification {
	return h.table.Classify(err)
}

// GetRetryDelay returns the jittered backoff for the given attempt (0-based).
func (h *Handler) GetRetryDelay(attempt int) time.Duration {
	return h.policy.Backoff.Delay(attempt, h.rand())
}

// DecideRetry picks the next recovery step for a failed work item.
func (h *Handler) DecideRetry(in Input) Decision {
	max := in.MaxRetries
	if max <= 0 {
		max = h.policy.MaxRetries
	}
	c := h.table.Classify(in.Err)

	escalate := func(reason string) Decision {
		h.logger.Debug("retry declined", "category", c.Category, "retry_count", in.RetryCount, "reason", reason)
		return Decision{Strategy: StrategyHumanGuidance, Classification: c, Reason: reason}
	}

	if in.RetryCount >= max {
		return escalate(fmt.Sprintf("retry limit reached (%d/%d)", in.RetryCount, max))
	}
	if c.Category == CategoryPermission {
		return escalate("permission failures are never retried")
	}
	if !c.Recoverable {
		return escalate(fmt.Sprintf("unrecoverable %s failure: %s", c.Category, c.Description))
	}

	next := nextStrategy(c.Strategy, in.PreviousStrategies)
	if next == StrategyHumanGuidance {
		return escalate("all automatic strategies exhausted")
	}

	attempt := in.RetryCount - 1
	if attempt < 0 {
		attempt = 0
	}
	u := h.rand()
	if in.JitterSeed != "" {
		u = SeededUniform(in.JitterSeed, attempt)
	}
	return Decision{
		ShouldRetry:    true,
		Strategy:       next,
		Classification: c,
		Delay:          h.policy.Backoff.Delay(attempt, u),
		Reason:         fmt.Sprintf("%s failure, retrying with %s", c.Category, next),
	}
}

// nextStrategy returns the first strategy at or after the suggested one that
// has not been tried yet.
func nextStrategy(suggested Strategy, tried []Strategy) Strategy {
	used := make(map[Strategy]bool, len(tried))
	for _, s := range tried {
		used[s] = true
	}
	start := strategyIndex(suggested)
	if start < 0 {
		start = 0
	}
	for _, s := range Strategies[start:] {
		if s == StrategyHumanGuidance {
			break
		}
		if !used[s] {
			return s
		}
	}
	return StrategyHumanGuidance
}

// ParseStrategies converts persisted strategy names, dropping unknown ones.
func ParseStrategies(names []string) []Strategy {
	out := make([]Strategy, 0, len(names))
	for _, n := range names {
		if strategyIndex(Strategy(n)) >= 0 {
			out = append(out, Strategy(n))
		}
	}
	return out
}
