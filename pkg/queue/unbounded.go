// Package queue provides the unbounded FIFO used for engine output.
package queue

import (
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by Get when no item arrived in time.
var ErrTimeout = errors.New("queue: timed out waiting for item")

// Unbounded is a FIFO queue whose Put never blocks. It is safe for
// concurrent use by multiple producers and consumers.
type Unbounded[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

// NewUnbounded returns an empty queue.
func NewUnbounded[T any]() *Unbounded[T] {
	return &Unbounded[T]{ready: make(chan struct{}, 1)}
}

// Put appends v.
func (q *Unbounded[T]) Put(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

func (q *Unbounded[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryGet removes the head item without blocking.
func (q *Unbounded[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return v, true
}

// Get removes the head item, waiting up to timeout for one to arrive.
// A timeout <= 0 waits indefinitely.
func (q *Unbounded[T]) Get(timeout time.Duration) (T, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		if v, ok := q.TryGet(); ok {
			return v, nil
		}
		select {
		case <-q.ready:
		case <-expired:
			var zero T
			return zero, ErrTimeout
		}
	}
}

// Drain removes and returns every buffered item without blocking.
func (q *Unbounded[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len returns the number of buffered items.
func (q *Unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
