package abort

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	mu      sync.Mutex
	stopped bool
	fn      func()
}

func (f *fakeTimer) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := !f.stopped
	f.stopped = true
	return was
}

func (f *fakeTimer) fire() {
	f.mu.Lock()
	stopped := f.stopped
	f.mu.Unlock()
	if !stopped {
		f.fn()
	}
}

type fakeTimers struct {
	timers []*fakeTimer
}

func (ft *fakeTimers) afterFunc(_ time.Duration, fn func()) Timer {
	t := &fakeTimer{fn: fn}
	ft.timers = append(ft.timers, t)
	return t
}

func buildTree(t *testing.T, m *Manager) map[string]*Handle {
	t.Helper()
	handles := map[string]*Handle{}
	var err error
	handles["g1"], err = m.Register(ScopeGoal, "g1", RegisterOptions{})
	require.NoError(t, err)
	for _, wi := range []string{"w1", "w2"} {
		handles[wi], err = m.Register(ScopeWorkItem, wi, RegisterOptions{ParentID: "g1"})
		require.NoError(t, err)
		run := "r-" + wi
		handles[run], err = m.Register(ScopeRun, run, RegisterOptions{ParentID: wi})
		require.NoError(t, err)
	}
	return handles
}

func TestAbortCascade(t *testing.T) {
	m := NewManager()
	handles := buildTree(t, m)
	require.Equal(t, 5, m.Len())

	n := m.Abort(ScopeGoal, "g1", "user cancelled", "alice")
	assert.Equal(t, 5, n)
	assert.Equal(t, 0, m.Len())

	for name, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatalf("handle %s not cancelled", name)
		}
		assert.Equal(t, "user cancelled", h.Reason())
		var ae *AbortError
		require.True(t, errors.As(context.Cause(h.Context()), &ae))
		assert.Equal(t, "alice", ae.Actor)
	}
	assert.True(t, m.IsAborted(ScopeRun, "r-w1"))

	assert.Equal(t, 0, m.Abort(ScopeGoal, "g1", "again", "alice"))
}

func TestAbortChildrenKeepsParent(t *testing.T) {
	m := NewManager()
	handles := buildTree(t, m)

	n := m.AbortChildren(ScopeWorkItem, "w1", "stop run", "scheduler")
	assert.Equal(t, 1, n)
	assert.True(t, m.IsRegistered(ScopeWorkItem, "w1"))
	assert.False(t, m.IsAborted(ScopeWorkItem, "w1"))
	assert.True(t, handles["r-w1"].Aborted())
	assert.False(t, handles["r-w2"].Aborted())
}

func TestAbortEventsOrder(t *testing.T) {
	m := NewManager()
	_, err := m.Register(ScopeGoal, "g", RegisterOptions{})
	require.NoError(t, err)
	_, err = m.Register(ScopeWorkItem, "w", RegisterOptions{ParentID: "g"})
	require.NoError(t, err)

	var got []string
	m.Subscribe(func(e Event) { got = append(got, string(e.Type)+":"+e.ID) })

	m.Abort(ScopeGoal, "g", "r", "a")
	assert.Equal(t, []string{
		"abort_requested:g",
		"abort_cascade:w",
		"abort_requested:w",
		"abort_completed:w",
		"abort_completed:g",
	}, got)
}

func TestRegisterTwiceFails(t *testing.T) {
	m := NewManager()
	_, err := m.Register(ScopeRun, "r1", RegisterOptions{})
	require.NoError(t, err)
	_, err = m.Register(ScopeRun, "r1", RegisterOptions{})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	assert.True(t, m.Unregister(ScopeRun, "r1"))
	_, err = m.Register(ScopeRun, "r1", RegisterOptions{})
	assert.NoError(t, err)
}

func TestUnknownIDsAreNoOps(t *testing.T) {
	m := NewManager()
	assert.Equal(t, 0, m.Abort(ScopeGoal, "missing", "r", "a"))
	assert.Equal(t, 0, m.AbortChildren(ScopeGoal, "missing", "r", "a"))
	assert.False(t, m.Unregister(ScopeGoal, "missing"))
	assert.False(t, m.IsAborted(ScopeGoal, "missing"))
}

func TestGoalHasNoParent(t *testing.T) {
	m := NewManager()
	_, err := m.Register(ScopeGoal, "g", RegisterOptions{ParentID: "x"})
	assert.ErrorIs(t, err, ErrInvalidParent)
}

func TestRegisterUnderAbortedParentFails(t *testing.T) {
	m := NewManager()
	_, err := m.Register(ScopeGoal, "g", RegisterOptions{})
	require.NoError(t, err)
	m.Abort(ScopeGoal, "g", "cancel", "op")

	_, err = m.Register(ScopeWorkItem, "w", RegisterOptions{ParentID: "g"})
	assert.ErrorIs(t, err, ErrParentAborted)
}

func TestAbortedGoalCannotBeRegisteredAgain(t *testing.T) {
	m := NewManager()
	_, err := m.Register(ScopeGoal, "g", RegisterOptions{})
	require.NoError(t, err)
	_, err = m.Register(ScopeWorkItem, "w", RegisterOptions{ParentID: "g"})
	require.NoError(t, err)
	require.Equal(t, 2, m.Abort(ScopeGoal, "g", "cancel", "op"))

	_, err = m.Register(ScopeGoal, "g", RegisterOptions{})
	assert.ErrorIs(t, err, ErrScopeAborted)
	assert.True(t, m.IsAborted(ScopeGoal, "g"))
	assert.False(t, m.IsRegistered(ScopeGoal, "g"))

	// Work items are retried under a live goal, so their scopes come back.
	_, err = m.Register(ScopeGoal, "g2", RegisterOptions{})
	require.NoError(t, err)
	_, err = m.Register(ScopeWorkItem, "w2", RegisterOptions{ParentID: "g2"})
	require.NoError(t, err)
	m.Abort(ScopeWorkItem, "w2", "operator", "op")
	_, err = m.Register(ScopeWorkItem, "w2", RegisterOptions{ParentID: "g2"})
	assert.NoError(t, err)
	assert.False(t, m.IsAborted(ScopeWorkItem, "w2"))
}

func TestTimeoutSelfAborts(t *testing.T) {
	timers := &fakeTimers{}
	m := NewManager().WithAfterFunc(timers.afterFunc)

	var types []EventType
	m.Subscribe(func(e Event) { types = append(types, e.Type) })

	h, err := m.Register(ScopeRun, "r1", RegisterOptions{Timeout: time.Second})
	require.NoError(t, err)
	require.Len(t, timers.timers, 1)

	timers.timers[0].fire()
	assert.True(t, h.Aborted())
	assert.Equal(t, ReasonTimeout, h.Reason())
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, []EventType{EventAbortTimeout, EventAbortRequested, EventAbortCompleted}, types)
}

func TestUnregisterCancelsTimeout(t *testing.T) {
	timers := &fakeTimers{}
	m := NewManager().WithAfterFunc(timers.afterFunc)

	h, err := m.Register(ScopeRun, "r1", RegisterOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, m.Unregister(ScopeRun, "r1"))

	timers.timers[0].fire()
	assert.False(t, h.Aborted())
}

func TestStaleTimerIgnoredAfterReRegister(t *testing.T) {
	timers := &fakeTimers{}
	m := NewManager().WithAfterFunc(timers.afterFunc)

	_, err := m.Register(ScopeRun, "r1", RegisterOptions{Timeout: time.Second})
	require.NoError(t, err)
	require.True(t, m.Unregister(ScopeRun, "r1"))
	h2, err := m.Register(ScopeRun, "r1", RegisterOptions{})
	require.NoError(t, err)

	// Bypass Stop to simulate a timer that already fired concurrently.
	timers.timers[0].fn()
	assert.False(t, h2.Aborted())
}

func TestHandlersMayReenterManager(t *testing.T) {
	m := NewManager()
	_, err := m.Register(ScopeGoal, "g", RegisterOptions{})
	require.NoError(t, err)

	m.Subscribe(func(e Event) {
		if e.Type == EventAbortCompleted {
			_ = m.IsAborted(e.Scope, e.ID)
		}
	})
	done := make(chan struct{})
	go func() {
		m.Abort(ScopeGoal, "g", "r", "a")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("abort deadlocked")
	}
}

func TestMetadataIsCopied(t *testing.T) {
	m := NewManager()
	md := map[string]string{"model": "m1"}
	_, err := m.Register(ScopeRun, "r", RegisterOptions{Metadata: md})
	require.NoError(t, err)
	md["model"] = "changed"

	got, ok := m.Metadata(ScopeRun, "r")
	require.True(t, ok)
	assert.Equal(t, "m1", got["model"])
}
