package events

import (
	"sync"

	"github.com/deskpilot/deskpilot/infrastructure/logging"
)

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose channel is full loses the event, which matches the fire-and-forget
// broadcast contract of the hub.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	buffer int
	log    *logging.Logger
	closed bool
}

// NewBus creates a bus whose subscriber channels hold buffer events.
func NewBus(buffer int, log *logging.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers a new consumer. Cancel releases it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber that can accept it.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.WithField("subscriber", id).WithField("event", string(ev.Type)).
				Debug("event dropped: subscriber backlog full")
		}
	}
}

// Emit is shorthand for Publish(New(kind, payload)).
func (b *Bus) Emit(kind Kind, payload map[string]interface{}) {
	b.Publish(New(kind, payload))
}

// Close tears the bus down; further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
