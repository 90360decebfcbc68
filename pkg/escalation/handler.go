// Package escalation tracks requests for human decision. An open or
// acknowledged escalation suspends automatic progress of its goal until a
// resolver closes it with an action or dismisses it.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/events"
)

// Params describes a new escalation.
type Params struct {
	WorkItemID string
	GoalID     string
	RunID      string
	Type       contracts.EscalationType
	Severity   contracts.Severity
	Context    map[string]any
}

// Resolution is a resolver's decision for one escalation.
type Resolution struct {
	ID       string
	Action   contracts.ResolutionAction
	Resolver string
	Data     map[string]any
}

// EventType names a state change.
type EventType string

const (
	EventCreated      EventType = "created"
	EventAcknowledged EventType = "acknowledged"
	EventResolved     EventType = "resolved"
	EventDismissed    EventType = "dismissed"
)

// Event is published after each persisted state change.
type Event struct {
	Type       EventType
	Escalation *contracts.Escalation
	Receipt    *Receipt
}

// DefaultSeverity is used when Params.Severity is empty.
func DefaultSeverity(t contracts.EscalationType) contracts.Severity {
	switch t {
	case contracts.EscalationRetriesExhausted, contracts.EscalationPermissionDenied:
		return contracts.SeverityHigh
	case contracts.EscalationManual:
		return contracts.SeverityLow
	default:
		return contracts.SeverityMedium
	}
}

func validType(t contracts.EscalationType) bool {
	switch t {
	case contracts.EscalationRetriesExhausted, contracts.EscalationResource, contracts.EscalationBudgetOverage,
		contracts.EscalationQualityGateFailed, contracts.EscalationPermissionDenied,
		contracts.EscalationCapabilityGap, contracts.EscalationManual:
		return true
	}
	return false
}

// ValidAction reports whether a is part of the resolution vocabulary.
func ValidAction(a contracts.ResolutionAction) bool {
	switch a {
	case contracts.ActionRetry, contracts.ActionSkip, contracts.ActionAbort,
		contracts.ActionModifyAndRetry, contracts.ActionApproveOverage:
		return true
	}
	return false
}

// Handler owns the escalation lifecycle.
type Handler struct {
	store  Store
	bus    *events.Bus[Event]
	clock  func() time.Time
	logger *slog.Logger
}

// NewHandler creates a handler backed by store.
func NewHandler(store Store) *Handler {
	logger := slog.Default().With("component", "escalation")
	return &Handler{
		store:  store,
		bus:    events.NewBus[Event](events.WithLogger(logger)),
		clock:  time.Now,
		logger: logger,
	}
}

// WithClock overrides the clock for deterministic testing.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

// Subscribe registers fn for state change events.
func (h *Handler) Subscribe(fn func(Event)) func() {
	return h.bus.Subscribe(fn)
}

// CreateEscalation persists a new open escalation.
func (h *Handler) CreateEscalation(ctx context.Context, p Params) (*contracts.Escalation, error) {
	if !validType(p.Type) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, p.Type)
	}
	if p.GoalID == "" {
		return nil, fmt.Errorf("%w: goal id is required", ErrInvalidRequest)
	}
	sev := p.Severity
	if sev == "" {
		sev = DefaultSeverity(p.Type)
	}
	if sev.Rank() == 0 {
		return nil, fmt.Errorf("%w: severity %q", ErrInvalidRequest, sev)
	}

	now := h.clock().UTC()
	e := &contracts.Escalation{
		ID:         uuid.New().String(),
		WorkItemID: p.WorkItemID,
		GoalID:     p.GoalID,
		RunID:      p.RunID,
		Type:       p.Type,
		Severity:   sev,
		Status:     contracts.EscalationOpen,
		Context:    p.Context,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := h.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escalation: %w", err)
	}
	r, err := h.receipt(ctx, e, "", "", "", now)
	if err != nil {
		return nil, err
	}
	h.logger.InfoContext(ctx, "escalation created",
		"escalation_id", e.ID, "goal_id", e.GoalID, "work_item_id", e.WorkItemID,
		"type", e.Type, "severity", e.Severity)
	h.bus.Publish(Event{Type: EventCreated, Escalation: clone(e), Receipt: r})
	return e, nil
}

// AcknowledgeEscalation marks an open escalation as seen. Acknowledging an
// already acknowledged escalation is a no-op.
func (h *Handler) AcknowledgeEscalation(ctx context.Context, id, actor string) (*contracts.Escalation, error) {
	e, err := h.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case contracts.EscalationAcknowledged:
		return e, nil
	case contracts.EscalationResolved, contracts.EscalationDismissed:
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyClosed, id, e.Status)
	}

	now := h.clock().UTC()
	e.Status = contracts.EscalationAcknowledged
	e.AcknowledgedBy = actor
	e.UpdatedAt = now
	return h.transition(ctx, e, contracts.EscalationOpen, EventAcknowledged, actor, "", now)
}

// ResolveEscalation closes an escalation with an action for the scheduler.
// Repeating the same action returns the stored escalation unchanged.
func (h *Handler) ResolveEscalation(ctx context.Context, res Resolution) (*contracts.Escalation, error) {
	if !ValidAction(res.Action) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, res.Action)
	}
	e, err := h.store.Get(ctx, res.ID)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case contracts.EscalationResolved:
		if e.Resolution != nil && e.Resolution.Action == res.Action {
			return e, nil
		}
		return nil, fmt.Errorf("%w: %s is resolved", ErrAlreadyClosed, res.ID)
	case contracts.EscalationDismissed:
		return nil, fmt.Errorf("%w: %s is dismissed", ErrAlreadyClosed, res.ID)
	}

	from := e.Status
	now := h.clock().UTC()
	e.Status = contracts.EscalationResolved
	e.Resolution = &contracts.Resolution{
		Action:     res.Action,
		Resolver:   res.Resolver,
		Data:       res.Data,
		ResolvedAt: now,
	}
	e.UpdatedAt = now
	return h.transition(ctx, e, from, EventResolved, res.Resolver, "", now)
}

// DismissEscalation closes an escalation without an action. Repeating the
// dismissal is a no-op.
func (h *Handler) DismissEscalation(ctx context.Context, id, reason string) (*contracts.Escalation, error) {
	e, err := h.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case contracts.EscalationDismissed:
		return e, nil
	case contracts.EscalationResolved:
		return nil, fmt.Errorf("%w: %s is resolved", ErrAlreadyClosed, id)
	}

	from := e.Status
	now := h.clock().UTC()
	e.Status = contracts.EscalationDismissed
	e.DismissReason = reason
	e.UpdatedAt = now
	return h.transition(ctx, e, from, EventDismissed, "", reason, now)
}

// HasBlockingEscalations reports whether any escalation of the goal is open
// or acknowledged.
func (h *Handler) HasBlockingEscalations(ctx context.Context, goalID string) (bool, error) {
	list, err := h.store.ListByGoal(ctx, goalID)
	if err != nil {
		return false, err
	}
	for _, e := range list {
		if e.Blocking() {
			return true, nil
		}
	}
	return false, nil
}

// GetHighestSeverityEscalation returns the most severe blocking escalation of
// the goal, most recent first on ties. ErrNotFound when none is blocking.
func (h *Handler) GetHighestSeverityEscalation(ctx context.Context, goalID string) (*contracts.Escalation, error) {
	list, err := h.store.ListByGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	var best *contracts.Escalation
	for _, e := range list {
		if !e.Blocking() {
			continue
		}
		switch {
		case best == nil:
			best = e
		case e.Severity.Rank() > best.Severity.Rank():
			best = e
		case e.Severity.Rank() == best.Severity.Rank() && !e.CreatedAt.Before(best.CreatedAt):
			best = e
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// ListOpen returns every blocking escalation, oldest first.
func (h *Handler) ListOpen(ctx context.Context) ([]*contracts.Escalation, error) {
	return h.store.ListByStatus(ctx, contracts.EscalationOpen, contracts.EscalationAcknowledged)
}

// ListForGoal returns every escalation of the goal, oldest first.
func (h *Handler) ListForGoal(ctx context.Context, goalID string) ([]*contracts.Escalation, error) {
	return h.store.ListByGoal(ctx, goalID)
}

func (h *Handler) Get(ctx context.Context, id string) (*contracts.Escalation, error) {
	return h.store.Get(ctx, id)
}

// Receipts returns the audit trail of an escalation in order.
func (h *Handler) Receipts(ctx context.Context, id string) ([]*Receipt, error) {
	return h.store.Receipts(ctx, id)
}

// transition persists e with a compare-and-swap on from. When another actor
// closed the escalation first the stored state is re-read so that a repeated
// identical action still reports success.
func (h *Handler) transition(ctx context.Context, e *contracts.Escalation, from contracts.EscalationStatus, ev EventType, actor, note string, now time.Time) (*contracts.Escalation, error) {
	if err := h.store.Update(ctx, e, from); err != nil {
		if errors.Is(err, ErrConflict) {
			cur, gerr := h.store.Get(ctx, e.ID)
			if gerr == nil && sameOutcome(cur, e) {
				return cur, nil
			}
		}
		return nil, fmt.Errorf("failed to update escalation %s: %w", e.ID, err)
	}
	r, err := h.receipt(ctx, e, from, actor, note, now)
	if err != nil {
		return nil, err
	}
	h.logger.InfoContext(ctx, "escalation "+string(ev),
		"escalation_id", e.ID, "goal_id", e.GoalID, "from", from, "to", e.Status, "actor", actor)
	h.bus.Publish(Event{Type: ev, Escalation: clone(e), Receipt: r})
	return e, nil
}

func sameOutcome(cur, want *contracts.Escalation) bool {
	if cur.Status != want.Status {
		return false
	}
	if cur.Status == contracts.EscalationResolved {
		return cur.Resolution != nil && want.Resolution != nil && cur.Resolution.Action == want.Resolution.Action
	}
	return true
}

func (h *Handler) receipt(ctx context.Context, e *contracts.Escalation, from contracts.EscalationStatus, actor, note string, at time.Time) (*Receipt, error) {
	r, err := newReceipt(e, from, actor, note, at)
	if err != nil {
		return nil, err
	}
	if err := h.store.AppendReceipt(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to store receipt: %w", err)
	}
	return r, nil
}
