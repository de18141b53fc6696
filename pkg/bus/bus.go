// Package bus provides the in-process typed event bus connecting the store,
// scheduler, presence tracker, and collector. It never crosses a process
// boundary; agent-facing pushes go through pkg/hub.
package bus

import (
	"log/slog"
	"sync"
)

// subscriberBuffer is the per-subscriber channel depth. Publish never blocks:
// a subscriber that falls this far behind starts losing events (logged), and
// components that need completeness re-read the store on their next tick.
const subscriberBuffer = 256

// Bus is an in-process publish/subscribe fan-out keyed by event kind.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
	closed bool
}

type subscription struct {
	id    int
	kinds map[Kind]bool // empty means all kinds
	ch    chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers interest in the given kinds (all kinds when none are
// given) and returns the delivery channel plus an unsubscribe function. The
// channel is closed on unsubscribe and on Bus close.
func (b *Bus) Subscribe(kinds ...Kind) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:    b.nextID,
		kinds: make(map[Kind]bool, len(kinds)),
		ch:    make(chan Event, subscriberBuffer),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	b.nextID++

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub.id] = sub

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub.id]; ok {
				delete(b.subs, sub.id)
				close(sub.ch)
			}
		})
	}
	return sub.ch, unsubscribe
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if len(sub.kinds) > 0 && !sub.kinds[event.Kind] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			slog.Warn("Event bus subscriber overflow, dropping event",
				"kind", event.Kind, "subscriber", sub.id)
		}
	}
}

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
