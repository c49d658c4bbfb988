// Package events fans trip events out to live SSE and WebSocket subscribers.
package events

import "sync"

// Event is one message on a trip's stream.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Publisher is the write side used by the trip service.
type Publisher interface {
	Publish(tripID string, evt Event)
}

// Broker is the full interface served to stream handlers.
type Broker interface {
	Publisher
	Subscribe(tripID string) chan Event
	Unsubscribe(tripID string, ch chan Event)
}

// MemoryBroker delivers events within one process. Slow subscribers drop
// events rather than block publishers.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // tripId -> set of channels
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *MemoryBroker) Subscribe(tripID string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[tripID] == nil {
		b.subs[tripID] = map[chan Event]struct{}{}
	}
	b.subs[tripID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *MemoryBroker) Unsubscribe(tripID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[tripID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, tripID)
	}
	close(ch)
}

func (b *MemoryBroker) Publish(tripID string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[tripID] {
		select {
		case ch <- evt:
		default:
		}
	}
}
