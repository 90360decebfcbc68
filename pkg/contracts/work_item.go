package contracts

import "time"

// WorkItemStatus is the lifecycle status of a WorkItem.
type WorkItemStatus string

const (
	WorkItemQueued     WorkItemStatus = "queued"
	WorkItemReady      WorkItemStatus = "ready"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemVerify     WorkItemStatus = "verify"
	WorkItemDone       WorkItemStatus = "done"
	WorkItemFailed     WorkItemStatus = "failed"
	WorkItemBlocked    WorkItemStatus = "blocked"
)

// VerificationStatus records the outcome of quality gates for a WorkItem.
type VerificationStatus string

const (
	VerificationPending VerificationStatus = "pending"
	VerificationPassed  VerificationStatus = "passed"
	VerificationFailed  VerificationStatus = "failed"
	VerificationSkipped VerificationStatus = "skipped"
)

// DefaultMaxRetries is the number of automatic attempts before escalation.
const DefaultMaxRetries = 3

// WorkItem is an independently executable piece of a Goal.
type WorkItem struct {
	ID                 string             `json:"id"`
	GoalID             string             `json:"goal_id"`
	Title              string             `json:"title"`
	Description        string             `json:"description"`
	Status             WorkItemStatus     `json:"status"`
	Dependencies       []string           `json:"dependencies,omitempty"`
	RetryCount         int                `json:"retry_count"`
	MaxRetries         int                `json:"max_retries"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	EstimatedTokens    int64              `json:"estimated_tokens"`
	EstimatedCostUSD   float64            `json:"estimated_cost_usd"`
	// PreviousStrategies lists retry strategies already attempted, oldest first.
	PreviousStrategies []string `json:"previous_strategies,omitempty"`
	// NextAttemptAt holds a retry backoff; the item is not dispatched before it.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	// OverageApproved is set when a human accepted running past the budget.
	OverageApproved bool      `json:"overage_approved,omitempty"`
	ModelOverride   string    `json:"model_override,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the work item.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	c.Dependencies = append([]string(nil), w.Dependencies...)
	c.PreviousStrategies = append([]string(nil), w.PreviousStrategies...)
	if w.NextAttemptAt != nil {
		t := *w.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return &c
}
