package events

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// BusConfig configures an in-process Bus.
type BusConfig struct {
	// Origin stamps events published without an origin. Relays use it to
	// tell local events from the ones received over a channel.
	Origin     string
	BufferSize int
	Clock      func() time.Time
}

// Bus fans events out to in-process subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	origin      string
	clock       func() time.Time
	closed      bool
}

type subscriber struct {
	id     int64
	stream chan Event
	done   chan struct{}
}

// NewBus constructs an empty bus.
func NewBus(cfg BusConfig) *Bus {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Bus{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  bufferSize,
		origin:      cfg.Origin,
		clock:       clock,
	}
}

// Origin returns the origin stamped on locally published events.
func (b *Bus) Origin() string {
	return b.origin
}

// Subscribe registers a listener. The returned channel is closed when ctx is
// done, when cleanup is called, or when the bus closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	sub := &subscriber{
		id:     b.nextID,
		stream: make(chan Event, b.bufferSize),
		done:   make(chan struct{}),
	}
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.unregister(sub.id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-sub.done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every subscriber with free buffer space.
func (b *Bus) Publish(event Event) {
	if event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.clock().UTC()
	}
	if event.Origin == "" {
		event.Origin = b.origin
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.stream)
		close(sub.done)
		delete(b.subscribers, id)
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) unregister(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(sub.stream)
	close(sub.done)
}
