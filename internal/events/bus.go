package events

import (
	"sync"
)

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan any
	wrapped map[chan any]bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any), wrapped: make(map[chan any]bool)}
}

// Subscribe registers a listener for an event and returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)
	return ch, b.unsubscriber(ch, e)
}

// SubscribeMany registers one channel for several topics. Payloads arrive
// wrapped in an Envelope.
func (b *Bus) SubscribeMany(topics []Event, buffer int) (<-chan any, func()) {
	raw := make(chan any, buffer)
	b.mu.Lock()
	for _, e := range topics {
		b.subs[e] = append(b.subs[e], raw)
	}
	b.wrapped[raw] = true
	b.mu.Unlock()
	return raw, b.unsubscriber(raw, topics...)
}

func (b *Bus) unsubscriber(ch chan any, topics ...Event) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, e := range topics {
				subs := b.subs[e]
				for i, c := range subs {
					if c == ch {
						b.subs[e] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			delete(b.wrapped, ch)
			close(ch)
		})
	}
}

// Publish fans the payload out without blocking; slow subscribers drop
// messages. SubscribeMany channels get an Envelope.
func (b *Bus) Publish(e Event, payload any) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		msg := payload
		if b.wrapped[ch] {
			msg = Envelope{Event: e, Payload: payload}
		}
		select {
		case ch <- msg:
		default:
		}
	}
}
