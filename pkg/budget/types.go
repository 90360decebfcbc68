// Package budget gates execution against a goal's declared token, time and
// cost limits and classifies how close a goal is to exhausting them.
//
// Spend is append-only: usage is recorded once per run id and never
// re-applied, so a goal's spend only grows.
package budget

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

var (
	ErrNegativeUsage = errors.New("budget: usage must not be negative")
	ErrMissingRunID  = errors.New("budget: usage requires a run id")
)

// WarningLevel classifies how much of a limit has been spent.
type WarningLevel string

const (
	LevelNone     WarningLevel = "none"
	LevelWarning  WarningLevel = "warning"
	LevelCritical WarningLevel = "critical"
	LevelExceeded WarningLevel = "exceeded"
)

func (l WarningLevel) rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelCritical:
		return 2
	case LevelExceeded:
		return 3
	}
	return 0
}

// Policy configures thresholds and overage handling.
type Policy struct {
	// WarningThreshold and CriticalThreshold are fractions of the limit.
	WarningThreshold  float64 `json:"warning_threshold"`
	CriticalThreshold float64 `json:"critical_threshold"`
	// AllowOverage lets execution continue past the limit up to
	// MaxOveragePercent. Every such continuation requires an escalation.
	AllowOverage      bool    `json:"allow_overage"`
	MaxOveragePercent float64 `json:"max_overage_percent"`
}

// DefaultPolicy warns at 70% and is critical at 90%, with overage disabled.
func DefaultPolicy() Policy {
	return Policy{
		WarningThreshold:  0.70,
		CriticalThreshold: 0.90,
	}
}

// Remaining is the unspent budget. A nil field is unconstrained.
type Remaining struct {
	Tokens      *int64   `json:"tokens,omitempty"`
	TimeSeconds *float64 `json:"time_seconds,omitempty"`
	CostUSD     *float64 `json:"cost_usd,omitempty"`
}

// Status is a point-in-time evaluation of a goal's budget.
type Status struct {
	GoalID       string                  `json:"goal_id"`
	Budget       contracts.Budget        `json:"budget"`
	Spent        contracts.Spend         `json:"spent"`
	Remaining    Remaining               `json:"remaining"`
	WarningLevel WarningLevel            `json:"warning_level"`
	Levels       map[string]WarningLevel `json:"levels"`
	WithinBudget bool                    `json:"within_budget"`
}

// Usage is the resource consumption of one completed run.
type Usage struct {
	GoalID      string    `json:"goal_id"`
	RunID       string    `json:"run_id"`
	Tokens      int64     `json:"tokens"`
	TimeSeconds float64   `json:"time_seconds"`
	CostUSD     float64   `json:"cost_usd"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Spend converts the usage into a spend delta.
func (u Usage) Spend() contracts.Spend {
	return contracts.Spend{Tokens: u.Tokens, TimeSeconds: u.TimeSeconds, CostUSD: u.CostUSD}
}

// Validate rejects usage without a run id or with negative amounts.
func (u Usage) Validate() error {
	if u.RunID == "" {
		return ErrMissingRunID
	}
	if u.Tokens < 0 || u.TimeSeconds < 0 || u.CostUSD < 0 {
		return ErrNegativeUsage
	}
	return nil
}

// Ledger persists usage. Append must be idempotent by run id: a second call
// for the same run returns applied=false and changes nothing. Implementations
// add the usage to the goal's spend in the same atomic step.
type Ledger interface {
	Append(ctx context.Context, u Usage) (applied bool, err error)
}

// Decision is the outcome of evaluating a dispatch estimate against the budget.
type Decision struct {
	Proceed            bool    `json:"proceed"`
	RequiresEscalation bool    `json:"requires_escalation"`
	OveragePercent     float64 `json:"overage_percent"`
	Reason             string  `json:"reason"`
}
