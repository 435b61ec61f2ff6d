package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter caps the number of concurrently running pipelines. Callers beyond
// the cap wait for a slot to free.
type Limiter struct {
	sem    *semaphore.Weighted
	size   int64
	active atomic.Int64
}

// NewLimiter returns a limiter with n slots. n <= 0 means unlimited.
func NewLimiter(n int) *Limiter {
	l := &Limiter{size: int64(n)}
	if n > 0 {
		l.sem = semaphore.NewWeighted(int64(n))
	}
	return l
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// function is idempotent.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	l.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.active.Add(-1)
			if l.sem != nil {
				l.sem.Release(1)
			}
		})
	}, nil
}

// Active returns the number of held slots.
func (l *Limiter) Active() int64 {
	if l == nil {
		return 0
	}
	return l.active.Load()
}

// Size returns the slot count, or 0 when unlimited.
func (l *Limiter) Size() int64 {
	if l == nil {
		return 0
	}
	return l.size
}
