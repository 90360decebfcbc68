package abort

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// EventType names an abort lifecycle event.
type EventType string

const (
	EventAbortRequested EventType = "abort_requested"
	EventAbortCompleted EventType = "abort_completed"
	EventAbortTimeout   EventType = "abort_timeout"
	EventAbortCascade   EventType = "abort_cascade"
)

// Event is published by the Manager. Count is set on abort_completed to the
// number of scopes aborted by that step, descendants included.
type Event struct {
	Type        EventType `json:"type"`
	Scope       Scope     `json:"scope"`
	ID          string    `json:"id"`
	ParentScope Scope     `json:"parent_scope,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	Reason      string    `json:"reason"`
	Actor       string    `json:"actor"`
	Count       int       `json:"count,omitempty"`
	At          time.Time `json:"at"`
}

// ErrAborted is the cause attached to a handle's context when it is aborted.
var ErrAborted = errors.New("abort: scope aborted")

// AbortError carries the reason and actor of an abort.
type AbortError struct {
	Reason string
	Actor  string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("aborted by %s: %s", e.Actor, e.Reason)
}

func (e *AbortError) Unwrap() error { return ErrAborted }

// Handle is the cancellation signal for one registration.
type Handle struct {
	scope  Scope
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu    sync.Mutex
	cause *AbortError
}

// Scope returns the registration scope.
func (h *Handle) Scope() Scope { return h.scope }

// ID returns the registration id.
func (h *Handle) ID() string { return h.id }

// Context is cancelled when the scope is aborted. context.Cause returns an *AbortError.
func (h *Handle) Context() context.Context { return h.ctx }

// Done is closed when the scope is aborted.
func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }

// Aborted reports whether the scope has been aborted.
func (h *Handle) Aborted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause != nil
}

// Reason returns the abort reason, or "" if the scope is live.
func (h *Handle) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cause == nil {
		return ""
	}
	return h.cause.Reason
}

func (h *Handle) abort(reason, actor string) {
	h.mu.Lock()
	if h.cause != nil {
		h.mu.Unlock()
		return
	}
	h.cause = &AbortError{Reason: reason, Actor: actor}
	cause := h.cause
	h.mu.Unlock()
	h.cancel(cause)
}
