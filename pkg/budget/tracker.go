package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

// Tracker evaluates goal budgets and records usage through a Ledger.
type Tracker struct {
	policy Policy
	ledger Ledger
	clock  func() time.Time
	logger *slog.Logger
}

// NewTracker creates a tracker. Zero thresholds fall back to DefaultPolicy.
func NewTracker(policy Policy, ledger Ledger) *Tracker {
	def := DefaultPolicy()
	if policy.WarningThreshold <= 0 {
		policy.WarningThreshold = def.WarningThreshold
	}
	if policy.CriticalThreshold <= 0 {
		policy.CriticalThreshold = def.CriticalThreshold
	}
	return &Tracker{
		policy: policy,
		ledger: ledger,
		clock:  time.Now,
		logger: slog.Default().With("component", "budget"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// Policy returns the tracker's policy.
func (t *Tracker) Policy() Policy { return t.policy }

// GetWarningLevel classifies spent against limit. A nil limit is unconstrained
// and always returns LevelNone; spent at or over the limit is LevelExceeded.
func (t *Tracker) GetWarningLevel(limit *float64, spent float64) WarningLevel {
	if limit == nil {
		return LevelNone
	}
	if spent >= *limit {
		return LevelExceeded
	}
	ratio := spent / *limit
	switch {
	case ratio >= t.policy.CriticalThreshold:
		return LevelCritical
	case ratio >= t.policy.WarningThreshold:
		return LevelWarning
	default:
		return LevelNone
	}
}

// GetRemainingBudget returns the unspent budget, floored at zero.
func (t *Tracker) GetRemainingBudget(g *contracts.Goal) Remaining {
	var r Remaining
	if g.Budget.Tokens != nil {
		v := *g.Budget.Tokens - g.Spent.Tokens
		if v < 0 {
			v = 0
		}
		r.Tokens = &v
	}
	if g.Budget.TimeSeconds != nil {
		v := math.Max(0, *g.Budget.TimeSeconds-g.Spent.TimeSeconds)
		r.TimeSeconds = &v
	}
	if g.Budget.CostUSD != nil {
		v := math.Max(0, *g.Budget.CostUSD-g.Spent.CostUSD)
		r.CostUSD = &v
	}
	return r
}

// CheckBudget evaluates every budget dimension of the goal.
func (t *Tracker) CheckBudget(g *contracts.Goal) Status {
	levels := map[string]WarningLevel{
		"tokens":       t.GetWarningLevel(tokenLimit(g.Budget.Tokens), float64(g.Spent.Tokens)),
		"time_seconds": t.GetWarningLevel(g.Budget.TimeSeconds, g.Spent.TimeSeconds),
		"cost_usd":     t.GetWarningLevel(g.Budget.CostUSD, g.Spent.CostUSD),
	}
	worst := LevelNone
	for _, l := range levels {
		if l.rank() > worst.rank() {
			worst = l
		}
	}
	return Status{
		GoalID:       g.ID,
		Budget:       g.Budget,
		Spent:        g.Spent,
		Remaining:    t.GetRemainingBudget(g),
		WarningLevel: worst,
		Levels:       levels,
		WithinBudget: worst != LevelExceeded,
	}
}

// WillExceedBudget projects current spend plus the estimate against the
// limits. A dimension already at or over its limit counts as exceeded.
func (t *Tracker) WillExceedBudget(g *contracts.Goal, estimatedTokens int64, estimatedCostUSD float64) bool {
	return t.projectedOverage(g, estimatedTokens, estimatedCostUSD) > 0
}

// Evaluate decides whether a dispatch with the given estimate may proceed.
// Proceeding past the limit is only possible with AllowOverage and always
// requires an escalation.
func (t *Tracker) Evaluate(g *contracts.Goal, estimatedTokens int64, estimatedCostUSD float64) Decision {
	over := t.projectedOverage(g, estimatedTokens, estimatedCostUSD)
	if over <= 0 {
		return Decision{Proceed: true}
	}
	pct := over * 100
	if t.policy.AllowOverage && pct <= t.policy.MaxOveragePercent {
		return Decision{
			Proceed:            true,
			RequiresEscalation: true,
			OveragePercent:     pct,
			Reason:             fmt.Sprintf("overage of %.1f%% within allowed %.1f%%", pct, t.policy.MaxOveragePercent),
		}
	}
	return Decision{
		Proceed:            false,
		RequiresEscalation: true,
		OveragePercent:     pct,
		Reason:             fmt.Sprintf("projected overage of %.1f%% exceeds budget", pct),
	}
}

// projectedOverage returns the largest fractional overage across dimensions,
// or a value <= 0 when everything fits. Spend already at its limit yields at
// least a tiny positive overage so an exhausted budget is never "within".
func (t *Tracker) projectedOverage(g *contracts.Goal, estTokens int64, estCost float64) float64 {
	worst := math.Inf(-1)
	check := func(limit *float64, spent, est float64) {
		if limit == nil {
			return
		}
		projected := spent + est
		var over float64
		switch {
		case *limit <= 0:
			if projected > 0 || spent >= *limit {
				over = math.Inf(1)
			}
		case spent >= *limit:
			over = math.Max((projected-*limit) / *limit, math.SmallestNonzeroFloat64)
		default:
			over = (projected - *limit) / *limit
		}
		if over > worst {
			worst = over
		}
	}
	check(tokenLimit(g.Budget.Tokens), float64(g.Spent.Tokens), float64(estTokens))
	check(g.Budget.TimeSeconds, g.Spent.TimeSeconds, 0)
	check(g.Budget.CostUSD, g.Spent.CostUSD, estCost)
	if math.IsInf(worst, -1) {
		return 0
	}
	return worst
}

// RecordUsage appends a completed run's usage. It is idempotent by run id.
func (t *Tracker) RecordUsage(ctx context.Context, u Usage) (bool, error) {
	if err := u.Validate(); err != nil {
		return false, err
	}
	if u.RecordedAt.IsZero() {
		u.RecordedAt = t.clock().UTC()
	}
	applied, err := t.ledger.Append(ctx, u)
	if err != nil {
		return false, fmt.Errorf("record usage for run %s: %w", u.RunID, err)
	}
	if !applied {
		t.logger.InfoContext(ctx, "usage already recorded", "goal_id", u.GoalID, "run_id", u.RunID)
	}
	return applied, nil
}

// SeverityForOverage scales escalation severity with the projected overage.
func SeverityForOverage(pct float64) contracts.Severity {
	switch {
	case pct <= 10:
		return contracts.SeverityMedium
	case pct <= 50:
		return contracts.SeverityHigh
	default:
		return contracts.SeverityCritical
	}
}

func tokenLimit(v *int64) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}
