// Package logbuf keeps the most recent log records in memory for the logs
// API and streams new records to SSE subscribers.
package logbuf

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Record is one captured log entry.
type Record struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Component string    `json:"component,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Buffer is a fixed-capacity ring of log records. It implements
// logrus.Hook so every logger in the process can feed it.
type Buffer struct {
	mu      sync.Mutex
	records []Record
	head    int
	full    bool

	subs   map[int]chan Record
	nextID int
}

// New builds a buffer holding capacity records.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &Buffer{
		records: make([]Record, capacity),
		subs:    make(map[int]chan Record),
	}
}

// Levels implements logrus.Hook.
func (b *Buffer) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (b *Buffer) Fire(entry *logrus.Entry) error {
	component, _ := entry.Data["component"].(string)
	rec := Record{
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Component: component,
		Timestamp: entry.Time,
	}

	b.mu.Lock()
	b.records[b.head] = rec
	b.head = (b.head + 1) % len(b.records)
	if b.head == 0 {
		b.full = true
	}
	for _, ch := range b.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// Recent returns the buffered records oldest-first.
func (b *Buffer) Recent() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		return append([]Record(nil), b.records[:b.head]...)
	}
	out := make([]Record, 0, len(b.records))
	out = append(out, b.records[b.head:]...)
	out = append(out, b.records[:b.head]...)
	return out
}

// Clear empties the ring.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = make([]Record, len(b.records))
	b.head = 0
	b.full = false
}

// Subscribe registers a live-tail consumer.
func (b *Buffer) Subscribe() (<-chan Record, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Record, 64)
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
