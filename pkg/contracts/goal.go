// Package contracts defines the entities the orchestration engine drives:
// goals, the work items they decompose into, runs, and escalations.
package contracts

import "time"

// GoalStatus is the lifecycle status of a Goal.
type GoalStatus string

const (
	GoalQueued    GoalStatus = "queued"
	GoalActive    GoalStatus = "active"
	GoalBlocked   GoalStatus = "blocked"
	GoalCompleted GoalStatus = "completed"
	GoalCancelled GoalStatus = "cancelled"
)

// Budget declares the resource limits of a Goal. A nil field is unconstrained.
type Budget struct {
	Tokens      *int64   `json:"tokens,omitempty" yaml:"tokens,omitempty"`
	TimeSeconds *float64 `json:"time_seconds,omitempty" yaml:"time_seconds,omitempty"`
	CostUSD     *float64 `json:"cost_usd,omitempty" yaml:"cost_usd,omitempty"`
}

// Spend is the resource usage accumulated by a Goal. It only grows.
type Spend struct {
	Tokens      int64   `json:"tokens"`
	TimeSeconds float64 `json:"time_seconds"`
	CostUSD     float64 `json:"cost_usd"`
}

// Add returns the sum of two spends.
func (s Spend) Add(o Spend) Spend {
	return Spend{
		Tokens:      s.Tokens + o.Tokens,
		TimeSeconds: s.TimeSeconds + o.TimeSeconds,
		CostUSD:     s.CostUSD + o.CostUSD,
	}
}

// Goal is a top-level unit of intent.
type Goal struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Status          GoalStatus `json:"status"`
	Priority        int        `json:"priority"`
	Budget          Budget     `json:"budget"`
	Spent           Spend      `json:"spent"`
	SuccessCriteria []string   `json:"success_criteria,omitempty"`
	// QualityGates are CEL expressions evaluated when a work item reaches verify.
	QualityGates []string  `json:"quality_gates,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Int64 returns a pointer to v. Used to build budgets.
func Int64(v int64) *int64 { return &v }

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Clone returns a deep copy of the goal.
func (g *Goal) Clone() *Goal {
	c := *g
	c.SuccessCriteria = append([]string(nil), g.SuccessCriteria...)
	c.QualityGates = append([]string(nil), g.QualityGates...)
	if g.Budget.Tokens != nil {
		c.Budget.Tokens = Int64(*g.Budget.Tokens)
	}
	if g.Budget.TimeSeconds != nil {
		c.Budget.TimeSeconds = Float64(*g.Budget.TimeSeconds)
	}
	if g.Budget.CostUSD != nil {
		c.Budget.CostUSD = Float64(*g.Budget.CostUSD)
	}
	return &c
}
