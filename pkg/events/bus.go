// Package events provides a small publish/subscribe bus owned by the
// component that emits the events (abort manager, scheduler).
package events

import (
	"log/slog"
	"sync"
)

// Handler receives published events.
type Handler[E any] func(E)

// Bus delivers events to registered handlers.
//
// In synchronous mode Publish calls each handler inline in registration
// order. In queued mode each subscriber gets a buffered channel drained by
// its own goroutine; a full buffer drops the event and logs it.
type Bus[E any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber[E]
	order  []uint64
	nextID uint64
	queue  int
	logger *slog.Logger
}

type subscriber[E any] struct {
	handler Handler[E]
	ch      chan E
	done    chan struct{}
}

// Option configures a Bus.
type Option func(*busOptions)

type busOptions struct {
	queue  int
	logger *slog.Logger
}

// WithQueue makes delivery asynchronous with a per-subscriber buffer of size n.
func WithQueue(n int) Option {
	return func(o *busOptions) {
		if n > 0 {
			o.queue = n
		}
	}
}

// WithLogger sets the logger used for dropped events and handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(o *busOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewBus creates a bus. Without options it dispatches synchronously.
func NewBus[E any](opts ...Option) *Bus[E] {
	o := busOptions{logger: slog.Default().With("component", "events")}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bus[E]{
		subs:   make(map[uint64]*subscriber[E]),
		queue:  o.queue,
		logger: o.logger,
	}
}

// Subscribe registers a handler and returns the function that removes it.
// The unsubscribe function is safe to call more than once.
func (b *Bus[E]) Subscribe(h Handler[E]) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber[E]{handler: h}
	if b.queue > 0 {
		sub.ch = make(chan E, b.queue)
		sub.done = make(chan struct{})
		go b.drain(sub)
	}
	b.subs[id] = sub
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[E]) remove(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()
	if ok && sub.ch != nil {
		close(sub.ch)
		<-sub.done
	}
}

// Publish delivers e to every current subscriber.
func (b *Bus[E]) Publish(e E) {
	b.mu.RLock()
	subs := make([]*subscriber[E], 0, len(b.order))
	for _, id := range b.order {
		subs = append(subs, b.subs[id])
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.ch == nil {
			b.call(sub.handler, e)
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.logger.Warn("event dropped: subscriber queue full")
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close removes every subscriber.
func (b *Bus[E]) Close() {
	b.mu.RLock()
	ids := append([]uint64(nil), b.order...)
	b.mu.RUnlock()
	for _, id := range ids {
		b.remove(id)
	}
}

func (b *Bus[E]) drain(sub *subscriber[E]) {
	defer close(sub.done)
	for e := range sub.ch {
		b.call(sub.handler, e)
	}
}

func (b *Bus[E]) call(h Handler[E], e E) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "panic", r)
		}
	}()
	h(e)
}
