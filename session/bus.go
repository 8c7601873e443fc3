package session

import (
	"sync"

	"go.pilab.hu/sessionkit/domain"
)

// Handler receives lifecycle events. Delivery is synchronous and in
// subscription order within one execution context; handlers must not block.
type Handler func(domain.Event)

// Bus is the typed publish/subscribe surface the Manager emits lifecycle
// events on. It carries no UI coupling; the presentation layer subscribes to
// the event types it cares about.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   []busSubscription
}

type busSubscription struct {
	id        int
	eventType domain.EventType
	all       bool
	fn        Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// On subscribes fn to one event type. The returned func unsubscribes.
func (b *Bus) On(t domain.EventType, fn Handler) func() {
	return b.subscribe(busSubscription{eventType: t, fn: fn})
}

// OnAny subscribes fn to every event type.
func (b *Bus) OnAny(fn Handler) func() {
	return b.subscribe(busSubscription{all: true, fn: fn})
}

func (b *Bus) subscribe(sub busSubscription) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	id := sub.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) publish(ev domain.Event) {
	b.mu.Lock()
	subs := make([]busSubscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s.all || s.eventType == ev.Type {
			s.fn(ev)
		}
	}
}
