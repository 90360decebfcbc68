// Package abort provides hierarchical cancellation for goals, work items and runs.
//
// Registrations live in an arena keyed by (scope, id). Each registration keeps
// only its parent's id; a separate index maps a parent key to its children.
// Aborting a scope cancels it and then every live descendant, unregistering
// each one before Abort returns.
package abort

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/events"
)

// Scope is the unit of hierarchical cancellation.
type Scope string

const (
	ScopeGoal     Scope = "goal"
	ScopeWorkItem Scope = "work_item"
	ScopeRun      Scope = "run"
)

// ReasonTimeout is the reason recorded when a registration times out.
const ReasonTimeout = "timeout"

var (
	ErrAlreadyRegistered = errors.New("abort: scope already registered")
	ErrInvalidParent     = errors.New("abort: invalid parent for scope")
	ErrParentAborted     = errors.New("abort: parent scope was aborted")
	ErrScopeAborted      = errors.New("abort: scope was aborted")
)

// parentScope returns the scope a registration's ParentID refers to.
func parentScope(s Scope) (Scope, bool) {
	switch s {
	case ScopeWorkItem:
		return ScopeGoal, true
	case ScopeRun:
		return ScopeWorkItem, true
	}
	return "", false
}

type key struct {
	scope Scope
	id    string
}

func (k key) String() string { return string(k.scope) + "/" + k.id }

// RegisterOptions configures a registration.
type RegisterOptions struct {
	ParentID string
	Timeout  time.Duration
	Metadata map[string]string
}

// Timer is the subset of *time.Timer the manager needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

type registration struct {
	key      key
	parentID string
	metadata map[string]string
	handle   *Handle
	timer    Timer
	gen      uint64
}

const maxTombstones = 4096

// Manager is the abort registry.
type Manager struct {
	mu         sync.Mutex
	regs       map[key]*registration
	children   map[key]map[key]struct{}
	tombstones map[key]string
	tombOrder  []key
	gen        uint64

	bus       *events.Bus[Event]
	clock     func() time.Time
	afterFunc AfterFunc
	logger    *slog.Logger
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		regs:       make(map[key]*registration),
		children:   make(map[key]map[key]struct{}),
		tombstones: make(map[key]string),
		bus:        events.NewBus[Event](),
		clock:      time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		logger: slog.Default().With("component", "abort"),
	}
}

// WithClock overrides the clock used to stamp events.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithAfterFunc overrides how timeouts are scheduled.
func (m *Manager) WithAfterFunc(f AfterFunc) *Manager {
	m.afterFunc = f
	return m
}

// Subscribe registers an event handler. Handlers run synchronously after the
// registry lock is released, so they may call back into the manager.
func (m *Manager) Subscribe(h func(Event)) func() {
	return m.bus.Subscribe(h)
}

// Register creates a cancellation scope. A live (scope, id) cannot be
// registered twice. A goal scope stays aborted: registering it again after
// an abort fails with ErrScopeAborted while its tombstone is kept.
func (m *Manager) Register(scope Scope, id string, opts RegisterOptions) (*Handle, error) {
	k := key{scope: scope, id: id}

	var pk key
	if opts.ParentID != "" {
		ps, ok := parentScope(scope)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no parent scope", ErrInvalidParent, scope)
		}
		pk = key{scope: ps, id: opts.ParentID}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.regs[k]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, k)
	}
	if opts.ParentID != "" {
		if _, live := m.regs[pk]; !live {
			if reason, dead := m.tombstones[pk]; dead {
				return nil, fmt.Errorf("%w: %s (%s)", ErrParentAborted, pk, reason)
			}
		}
	} else if reason, dead := m.tombstones[k]; dead {
		if _, child := parentScope(scope); !child {
			return nil, fmt.Errorf("%w: %s (%s)", ErrScopeAborted, k, reason)
		}
	}

	delete(m.tombstones, k)
	m.gen++
	ctx, cancel := context.WithCancelCause(context.Background())
	reg := &registration{
		key:      k,
		parentID: opts.ParentID,
		metadata: copyMetadata(opts.Metadata),
		handle:   &Handle{scope: scope, id: id, ctx: ctx, cancel: cancel},
		gen:      m.gen,
	}
	m.regs[k] = reg
	if opts.ParentID != "" {
		if m.children[pk] == nil {
			m.children[pk] = make(map[key]struct{})
		}
		m.children[pk][k] = struct{}{}
	}
	if opts.Timeout > 0 {
		gen := reg.gen
		reg.timer = m.afterFunc(opts.Timeout, func() { m.expire(k, gen) })
	}
	return reg.handle, nil
}

// Abort cancels the scope and all of its live descendants. It returns the
// number of scopes aborted, itself included; unknown ids return 0.
func (m *Manager) Abort(scope Scope, id, reason, actor string) int {
	var evs []Event
	m.mu.Lock()
	n := m.abortLocked(key{scope: scope, id: id}, reason, actor, &evs)
	m.mu.Unlock()
	m.publish(evs)
	if n > 0 {
		m.logger.Info("scope aborted", "scope", scope, "id", id, "reason", reason, "actor", actor, "count", n)
	}
	return n
}

// AbortChildren aborts every live child of the parent scope, leaving the
// parent itself registered. It returns the number of scopes aborted.
func (m *Manager) AbortChildren(parentScope Scope, parentID, reason, actor string) int {
	var evs []Event
	m.mu.Lock()
	n := m.abortChildrenLocked(key{scope: parentScope, id: parentID}, reason, actor, &evs)
	m.mu.Unlock()
	m.publish(evs)
	return n
}

// Unregister removes a scope without cancelling it and stops its timeout.
func (m *Manager) Unregister(scope Scope, id string) bool {
	k := key{scope: scope, id: id}
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[k]
	if !ok {
		return false
	}
	m.dropLocked(reg)
	return true
}

// IsAborted reports whether the scope has been aborted. An aborted work item
// or run stays reported until it is registered again; goal scopes stay aborted.
func (m *Manager) IsAborted(scope Scope, id string) bool {
	k := key{scope: scope, id: id}
	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok := m.regs[k]; ok {
		return reg.handle.Aborted()
	}
	_, dead := m.tombstones[k]
	return dead
}

// IsRegistered reports whether a live registration exists.
func (m *Manager) IsRegistered(scope Scope, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.regs[key{scope: scope, id: id}]
	return ok
}

// Len returns the number of live registrations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regs)
}

// Metadata returns a copy of the registration's metadata.
func (m *Manager) Metadata(scope Scope, id string) (map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[key{scope: scope, id: id}]
	if !ok {
		return nil, false
	}
	return copyMetadata(reg.metadata), true
}

func (m *Manager) expire(k key, gen uint64) {
	var evs []Event
	m.mu.Lock()
	reg, ok := m.regs[k]
	if !ok || reg.gen != gen {
		m.mu.Unlock()
		return
	}
	evs = append(evs, m.event(EventAbortTimeout, k, ReasonTimeout, "system"))
	m.abortLocked(k, ReasonTimeout, "system", &evs)
	m.mu.Unlock()
	m.publish(evs)
	m.logger.Warn("scope timed out", "scope", k.scope, "id", k.id)
}

func (m *Manager) abortLocked(k key, reason, actor string, evs *[]Event) int {
	reg, ok := m.regs[k]
	if !ok {
		return 0
	}
	// Remove first so a second abort of the same id during the cascade is a no-op.
	delete(m.regs, k)
	*evs = append(*evs, m.event(EventAbortRequested, k, reason, actor))
	reg.handle.abort(reason, actor)
	if reg.timer != nil {
		reg.timer.Stop()
	}

	count := 1 + m.abortChildrenLocked(k, reason, actor, evs)

	m.unlinkLocked(reg)
	m.tombstoneLocked(k, reason)
	ev := m.event(EventAbortCompleted, k, reason, actor)
	ev.Count = count
	*evs = append(*evs, ev)
	return count
}

func (m *Manager) abortChildrenLocked(parent key, reason, actor string, evs *[]Event) int {
	kids := m.sortedChildren(parent)
	total := 0
	for _, child := range kids {
		if _, live := m.regs[child]; !live {
			continue
		}
		ev := m.event(EventAbortCascade, child, reason, actor)
		ev.ParentScope = parent.scope
		ev.ParentID = parent.id
		*evs = append(*evs, ev)
		total += m.abortLocked(child, reason, actor, evs)
	}
	return total
}

func (m *Manager) sortedChildren(parent key) []key {
	set := m.children[parent]
	out := make([]key, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].scope != out[j].scope {
			return out[i].scope < out[j].scope
		}
		return out[i].id < out[j].id
	})
	return out
}

func (m *Manager) dropLocked(reg *registration) {
	if reg.timer != nil {
		reg.timer.Stop()
	}
	delete(m.regs, reg.key)
	m.unlinkLocked(reg)
}

func (m *Manager) unlinkLocked(reg *registration) {
	if reg.parentID == "" {
		return
	}
	ps, _ := parentScope(reg.key.scope)
	pk := key{scope: ps, id: reg.parentID}
	if set, ok := m.children[pk]; ok {
		delete(set, reg.key)
		if len(set) == 0 {
			delete(m.children, pk)
		}
	}
}

func (m *Manager) tombstoneLocked(k key, reason string) {
	if _, ok := m.tombstones[k]; !ok {
		m.tombOrder = append(m.tombOrder, k)
	}
	m.tombstones[k] = reason
	for len(m.tombOrder) > maxTombstones {
		old := m.tombOrder[0]
		m.tombOrder = m.tombOrder[1:]
		delete(m.tombstones, old)
	}
}

func (m *Manager) event(t EventType, k key, reason, actor string) Event {
	return Event{
		Type:   t,
		Scope:  k.scope,
		ID:     k.id,
		Reason: reason,
		Actor:  actor,
		At:     m.clock(),
	}
}

func (m *Manager) publish(evs []Event) {
	for _, ev := range evs {
		m.bus.Publish(ev)
	}
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
