package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed queue
// has been emptied.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded multi-producer multi-consumer FIFO.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T

	// ready holds at most one pending wakeup. A consumer that pops while
	// items remain re-arms it so other waiters are not starved.
	ready     chan struct{}
	closedCh  chan struct{}
	closeOnce sync.Once
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		ready:    make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
}

// Push appends item at the tail. It never blocks.
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	select {
	case <-q.closedCh:
		q.mu.Unlock()
		return ErrClosed
	default:
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.signal()
	return nil
}

// TryPop removes and returns the head item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	} else {
		q.items = nil
	}
	return item, true
}

// Pop blocks until an item is available. It returns ErrClosed once the queue
// is closed and empty, or ctx.Err() if ctx is done first.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.closedCh:
			if item, ok := q.TryPop(); ok {
				return item, nil
			}
			var zero T
			return zero, ErrClosed
		case <-q.ready:
		}
	}
}

// PopTimeout waits up to d for an item. A non-positive d behaves like TryPop.
// The boolean is false on timeout or when the queue is closed and empty.
func (q *Queue[T]) PopTimeout(d time.Duration) (T, bool) {
	if item, ok := q.TryPop(); ok || d <= 0 {
		return item, ok
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return q.TryPop()
		case <-q.closedCh:
			return q.TryPop()
		case <-q.ready:
			if item, ok := q.TryPop(); ok {
				return item, true
			}
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes and wakes all blocked consumers. Calling Close
// more than once is a no-op.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		close(q.closedCh)
		q.mu.Unlock()
	})
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	select {
	case <-q.closedCh:
		return true
	default:
		return false
	}
}

// Drain removes and returns every queued item in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
