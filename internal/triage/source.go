package triage

import (
	"context"
	"errors"
	"sync"
)

// ErrSourceClosed is returned by Next once a source is closed and drained.
var ErrSourceClosed = errors.New("event source closed")

// Source yields raw events in arrival order. Next must return when ctx is
// done so the consumer can observe shutdown.
type Source interface {
	Next(ctx context.Context) (*RawEvent, error)
}

// QueueSource is a bounded FIFO Source fed by Enqueue.
type QueueSource struct {
	ch chan *RawEvent

	mu     sync.RWMutex
	closed bool
}

// NewQueueSource creates a queue holding at most size events.
func NewQueueSource(size int) *QueueSource {
	if size <= 0 {
		size = 1024
	}
	return &QueueSource{ch: make(chan *RawEvent, size)}
}

// Enqueue adds raw to the queue without blocking.
func (q *QueueSource) Enqueue(raw *RawEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrSourceClosed
	}
	select {
	case q.ch <- raw:
		return nil
	default:
		return ErrQueueFull
	}
}

// Next blocks until an event is available, the queue is closed and empty, or ctx is done.
func (q *QueueSource) Next(ctx context.Context) (*RawEvent, error) {
	select {
	case raw, ok := <-q.ch:
		if !ok {
			return nil, ErrSourceClosed
		}
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of queued events.
func (q *QueueSource) Len() int { return len(q.ch) }

// Close stops accepting events. Already queued events are still returned by Next.
func (q *QueueSource) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
