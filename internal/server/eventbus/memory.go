package eventbus

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process Bus. Subscribers are tracked by handle so that
// unsubscribing is O(1) and safe against a concurrent Publish: Publish
// holds the read lock while sending, unsubscribe takes the write lock
// before closing, so a send on a closed channel cannot happen.
type Memory struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

var _ Bus = (*Memory)(nil)

// NewMemory creates an empty bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]chan Event)}
}

// Publish stamps ev if it carries no timestamp and offers it to every
// subscriber. A subscriber whose buffer is full misses this event; the
// producer is never blocked.
func (b *Memory) Publish(ctx context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber channel with the given buffer.
func (b *Memory) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}
