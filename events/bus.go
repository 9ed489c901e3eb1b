package events

import (
	"sync"

	"ilpnode/observability"
)

const defaultSubscriberBuffer = 64

type subscriber struct {
	ch     chan Event
	filter map[string]struct{}
}

// Bus fans events out to channel subscribers. Emit never blocks: an event is dropped
// for a subscriber whose buffer is full.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber for the given event types (all types when none are
// given). The returned cancel function unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.filter = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.filter[t] = struct{}{}
		}
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
}

// Emit implements Emitter.
func (b *Bus) Emit(ev Event) {
	if ev == nil {
		return
	}
	metrics := observability.Events()
	eventType := ev.EventType()
	metrics.RecordPublished(eventType)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil {
			if _, ok := sub.filter[eventType]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.RecordDropped(eventType)
		}
	}
}

// Close unsubscribes everyone and closes their channels.
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
