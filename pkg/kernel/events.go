package kernel

import (
	"time"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

// EventType names a scheduler notification.
type EventType string

const (
	EventGoalCompleted      EventType = "goal_completed"
	EventWorkItemDispatched EventType = "work_item_dispatched"
	EventWorkItemCompleted  EventType = "work_item_completed"
	EventWorkItemRetry      EventType = "work_item_retry"
	EventEscalationCreated  EventType = "escalation_created"
	EventTickError          EventType = "tick_error"
)

// Event is published by the scheduler. Fields that do not apply are empty.
type Event struct {
	Type         EventType `json:"type"`
	GoalID       string    `json:"goal_id,omitempty"`
	WorkItemID   string    `json:"work_item_id,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
	EscalationID string    `json:"escalation_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// Subscribe registers h for scheduler events and returns its unsubscribe func.
// Handlers run synchronously on the scheduler goroutine that emits the event.
func (s *Scheduler) Subscribe(h func(Event)) func() {
	return s.bus.Subscribe(h)
}

func (s *Scheduler) publish(e Event) {
	if e.At.IsZero() {
		e.At = s.clock().UTC()
	}
	s.bus.Publish(e)
}

func (s *Scheduler) publishEscalation(e *contracts.Escalation) {
	s.publish(Event{
		Type:         EventEscalationCreated,
		GoalID:       e.GoalID,
		WorkItemID:   e.WorkItemID,
		RunID:        e.RunID,
		EscalationID: e.ID,
		Status:       string(e.Type),
	})
}
