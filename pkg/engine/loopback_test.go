package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSink struct {
	mu      sync.Mutex
	samples []*Sample
}

func (s *sliceSink) Put(sample *Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
}

func (s *sliceSink) all() []*Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Sample(nil), s.samples...)
}

func TestLoopbackEchoesMetadataAndSentinel(t *testing.T) {
	l := NewLoopback(nil)
	input := make(chan *Frame, 4)
	sink := &sliceSink{}

	p, err := l.Start(context.Background(), StartRequest{Pipeline: "object_detection", Version: "person", Input: input, Output: sink})
	require.NoError(t, err)
	assert.Equal(t, int64(1), l.Starts())

	input <- &Frame{Data: []byte{1}, Caps: "image/jpeg", Message: `{"sequence_number":7}`}
	input <- nil

	state, ok := p.Wait(time.Second)
	require.True(t, ok, "pipeline did not finish")
	assert.Equal(t, StateStopped, state)

	samples := sink.all()
	require.Len(t, samples, 2)
	assert.Equal(t, []string{`{"sequence_number":7}`}, samples[0].Messages)
	assert.Nil(t, samples[1])
}

func TestLoopbackStopAborts(t *testing.T) {
	l := NewLoopback(nil)
	p, err := l.Start(context.Background(), StartRequest{Input: make(chan *Frame), Output: &sliceSink{}})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, p.Status())

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	state, ok := p.Wait(time.Second)
	require.True(t, ok)
	assert.Equal(t, StateAborted, state)
}

func TestLoopbackProcessError(t *testing.T) {
	l := NewLoopback(func(*Frame) (*Sample, error) {
		return nil, errors.New("model crashed")
	})
	input := make(chan *Frame, 1)
	p, err := l.Start(context.Background(), StartRequest{Input: input, Output: &sliceSink{}})
	require.NoError(t, err)

	input <- &Frame{Data: []byte{1}}
	state, ok := p.Wait(time.Second)
	require.True(t, ok)
	assert.Equal(t, StateError, state)
	assert.True(t, state.Terminal())
}

func TestWaitTimeout(t *testing.T) {
	l := NewLoopback(nil)
	p, err := l.Start(context.Background(), StartRequest{Input: make(chan *Frame), Output: &sliceSink{}})
	require.NoError(t, err)
	defer p.Stop()

	state, ok := p.Wait(10 * time.Millisecond)
	assert.False(t, ok)
	assert.Equal(t, StateRunning, state)
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, Registered(), "loopback")

	e, err := New(Config{Type: "loopback"})
	require.NoError(t, err)
	assert.Equal(t, "loopback", e.Name())

	_, err = New(Config{Type: "does-not-exist"})
	assert.Error(t, err)
}
