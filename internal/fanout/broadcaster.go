// ABOUTME: In-memory fan-out broadcaster with per-subscriber buffered channels
// ABOUTME: Subscribers that cannot keep up are dropped and their channel closed

package fanout

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber channel buffer used when none is given.
const DefaultBuffer = 256

// Broadcaster publishes values of type T to every subscriber.
type Broadcaster[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]chan T
	buffer      int
	closed      bool
	logger      *slog.Logger
}

// New creates a broadcaster. A non-positive buffer uses DefaultBuffer; a nil
// logger uses slog.Default.
func New[T any](buffer int, logger *slog.Logger) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster[T]{
		subscribers: make(map[string]chan T),
		buffer:      buffer,
		logger:      logger.With("component", "fanout"),
	}
}

// Subscribe registers a subscriber and returns its channel and id. The
// channel is closed when ctx ends, on Unsubscribe, on overflow, or on Close.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) (<-chan T, string) {
	id := uuid.New().String()
	ch := make(chan T, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, id
	}
	b.subscribers[id] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", id)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(id)
	}()

	return ch, id
}

// Publish delivers v to every subscriber without blocking and returns how
// many subscribers were dropped for being full.
func (b *Broadcaster[T]) Publish(v T) int {
	var overflowed []string

	// Sends happen under the read lock so no channel is closed mid-send.
	b.mu.RLock()
	for id, ch := range b.subscribers {
		select {
		case ch <- v:
		default:
			overflowed = append(overflowed, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range overflowed {
		b.logger.Warn("dropping slow subscriber", "sub_id", id)
		b.Unsubscribe(id)
	}
	return len(overflowed)
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (b *Broadcaster[T]) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", id)
}

// Len returns the number of active subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close removes every subscriber and closes their channels. Later
// subscriptions receive an already closed channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}

	b.logger.Debug("broadcaster closed")
}
