package orchestrator

import (
	"sync"

	"github.com/nstogner/agentrt/pkg/turnrunner"
)

// DefaultSubscriberBuffer is each subscriber channel's capacity. A
// subscriber that falls this far behind starts losing events and is
// expected to reconcile via the store's events-since query.
const DefaultSubscriberBuffer = 256

// Bus is a bounded broadcast channel: every subscriber gets its own
// buffered channel, delivery is lossy per subscriber, and Publish never
// blocks the turn.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]chan turnrunner.AgentEvent
	nextID   int
	capacity int
}

// NewBus builds a Bus with the given per-subscriber buffer capacity
// (DefaultSubscriberBuffer when <= 0).
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultSubscriberBuffer
	}
	return &Bus{subs: make(map[int]chan turnrunner.AgentEvent), capacity: capacity}
}

// Subscribe registers a new subscriber. The returned cancel func
// unregisters it and closes the channel.
func (b *Bus) Subscribe() (<-chan turnrunner.AgentEvent, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan turnrunner.AgentEvent, b.capacity)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber that has buffer space; full
// subscribers lose the event.
func (b *Bus) Publish(ev turnrunner.AgentEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close unregisters and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
