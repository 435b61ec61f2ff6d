package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnboundedFIFO(t *testing.T) {
	q := NewUnbounded[int]()
	for i := 0; i < 100; i++ {
		q.Put(i)
	}
	assert.Equal(t, 100, q.Len())

	first, err := q.Get(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, first)

	rest := q.Drain()
	require.Len(t, rest, 99)
	for i, v := range rest {
		assert.Equal(t, i+1, v)
	}
	assert.Equal(t, 0, q.Len())
}

func TestUnboundedGetTimeout(t *testing.T) {
	q := NewUnbounded[string]()
	start := time.Now()
	_, err := q.Get(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestUnboundedGetWakesOnPut(t *testing.T) {
	q := NewUnbounded[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Put(42)
	}()
	v, err := q.Get(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestUnboundedConcurrentConsumers(t *testing.T) {
	q := NewUnbounded[int]()
	const n = 200

	var wg sync.WaitGroup
	results := make(chan int, n)
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, err := q.Get(200 * time.Millisecond)
				if err != nil {
					return
				}
				results <- v
			}
		}()
	}
	for i := 0; i < n; i++ {
		q.Put(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for v := range results {
		assert.False(t, seen[v], "duplicate item %d", v)
		seen[v] = true
	}
	assert.Len(t, seen, n)
}
