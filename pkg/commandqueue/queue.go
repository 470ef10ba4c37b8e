package commandqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue and Dequeue once the queue is closed.
var ErrClosed = errors.New("command queue closed")

// Cancelable is implemented by queued items so shutdown can settle them.
type Cancelable interface {
	Cancel()
}

// Queue is an unbounded, thread-safe FIFO with blocking single-consumer removal.
type Queue[T Cancelable] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	// notify holds at most one pending wake-up for the consumer
	notify chan struct{}
	done   chan struct{}
}

// New creates an empty queue
func New[T Cancelable]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue appends an item to the tail. It never blocks.
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the head item, blocking until one is available, the
// queue is closed or ctx is done.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.done:
		case <-q.notify:
		}
	}
}

// RemoveIf atomically removes every queued item matching pred and returns them in
// queue order. The relative order of the remaining items is unchanged.
func (q *Queue[T]) RemoveIf(pred func(T) bool) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []T
	kept := q.items[:0]
	for _, item := range q.items {
		if pred(item) {
			removed = append(removed, item)
			continue
		}
		kept = append(kept, item)
	}
	var zero T
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	return removed
}

// DrainAndCancelAll atomically removes every queued item and cancels each one.
// It returns the number of items canceled.
func (q *Queue[T]) DrainAndCancelAll() int {
	q.mu.Lock()
	drained := q.items
	q.items = make([]T, 0)
	q.mu.Unlock()

	for _, item := range drained {
		item.Cancel()
	}
	return len(drained)
}

// Snapshot returns a copy of the queued items in order.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further Enqueue calls and wakes a blocked consumer.
// Items already queued stay queued until dequeued or drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// IsClosed reports whether Close has been called
func (q *Queue[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
