package events

import (
	"sync"
)

// Bus is a lightweight pub/sub broker carrying Note payloads. Publishing
// never blocks trading; a slow subscriber loses messages rather than
// stalling the controller loop.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Event][]chan Note
	allSub []chan Note
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Note)}
}

// Subscribe registers a listener for one event and returns the channel and
// an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan Note, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Note, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// SubscribeAll registers a listener for every event (alert sinks, metrics).
func (b *Bus) SubscribeAll(buffer int) (<-chan Note, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Note, buffer)
	b.allSub = append(b.allSub, ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.allSub {
			if c == ch {
				close(c)
				b.allSub = append(b.allSub[:i], b.allSub[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// Publish fans the note out to subscribers without blocking.
func (b *Bus) Publish(n Note) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[n.Event] {
		select {
		case ch <- n:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
	for _, ch := range b.allSub {
		select {
		case ch <- n:
		default:
		}
	}
}
