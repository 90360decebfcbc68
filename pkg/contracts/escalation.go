package contracts

import "time"

// EscalationStatus is the lifecycle status of an Escalation.
type EscalationStatus string

const (
	EscalationOpen         EscalationStatus = "open"
	EscalationAcknowledged EscalationStatus = "acknowledged"
	EscalationResolved     EscalationStatus = "resolved"
	EscalationDismissed    EscalationStatus = "dismissed"
)

// EscalationType classifies why a human is being asked to decide.
type EscalationType string

const (
	EscalationRetriesExhausted  EscalationType = "retries_exhausted"
	EscalationResource          EscalationType = "resource"
	EscalationBudgetOverage     EscalationType = "budget_overage"
	EscalationQualityGateFailed EscalationType = "quality_gate_failed"
	EscalationPermissionDenied  EscalationType = "permission_denied"
	EscalationCapabilityGap     EscalationType = "capability_gap"
	EscalationManual            EscalationType = "manual"
)

// Severity ranks escalations. Higher is more urgent.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 1 (low) to 4 (critical). Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// ResolutionAction is what a resolver instructs the scheduler to do next.
type ResolutionAction string

const (
	ActionRetry          ResolutionAction = "retry"
	ActionSkip           ResolutionAction = "skip"
	ActionAbort          ResolutionAction = "abort"
	ActionModifyAndRetry ResolutionAction = "modify_and_retry"
	ActionApproveOverage ResolutionAction = "approve_overage"
)

// Resolution records how an escalation was closed.
type Resolution struct {
	Action     ResolutionAction `json:"action"`
	Resolver   string           `json:"resolver"`
	Data       map[string]any   `json:"data,omitempty"`
	ResolvedAt time.Time        `json:"resolved_at"`
}

// Escalation is a persisted request for human decision.
type Escalation struct {
	ID             string           `json:"id"`
	WorkItemID     string           `json:"work_item_id"`
	GoalID         string           `json:"goal_id"`
	RunID          string           `json:"run_id,omitempty"`
	Type           EscalationType   `json:"type"`
	Severity       Severity         `json:"severity"`
	Status         EscalationStatus `json:"status"`
	Context        map[string]any   `json:"context,omitempty"`
	Resolution     *Resolution      `json:"resolution,omitempty"`
	AcknowledgedBy string           `json:"acknowledged_by,omitempty"`
	DismissReason  string           `json:"dismiss_reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Blocking reports whether the escalation suspends automatic progress of its goal.
func (e *Escalation) Blocking() bool {
	return e.Status == EscalationOpen || e.Status == EscalationAcknowledged
}
