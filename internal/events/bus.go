package events

import (
	"sync"
)

// Message is what subscribers receive.
type Message struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Event][]chan Message
	onDrop func(Event)
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Message)}
}

// OnDrop registers a callback invoked whenever a slow subscriber misses a message.
func (b *Bus) OnDrop(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe registers one channel for all given topics and returns it with
// an unsubscribe function.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	for _, e := range topics {
		b.subs[e] = append(b.subs[e], ch)
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, e := range topics {
				subs := b.subs[e]
				for i, c := range subs {
					if c == ch {
						b.subs[e] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}

	return ch, unsub
}

// Publish fans the payload out without blocking; slow subscribers lose it.
func (b *Bus) Publish(e Event, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	msg := Message{Event: e, Payload: payload}
	for _, ch := range b.subs[e] {
		select {
		case ch <- msg:
		default:
			if b.onDrop != nil {
				b.onDrop(e)
			}
		}
	}
}
