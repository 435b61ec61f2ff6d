package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/video-system/go-inference-extension/pkg/engine"
	"github.com/video-system/go-inference-extension/pkg/pipeline"
)

func testConfig(version string) *pipeline.ExtensionConfig {
	return &pipeline.ExtensionConfig{Pipeline: pipeline.PipelineConfig{
		Name:    "object_detection",
		Version: version,
	}}
}

func newRegistry(eng engine.Engine) *Registry {
	return New(func(ctx context.Context, streamID string, cfg *pipeline.ExtensionConfig) (*pipeline.Processor, error) {
		return pipeline.NewProcessor(ctx, eng, cfg, pipeline.Options{StreamID: streamID})
	})
}

func TestGetOrStartIsIdempotent(t *testing.T) {
	eng := engine.NewLoopback(nil)
	r := newRegistry(eng)
	defer r.Close()

	first, started, err := r.GetOrStart(context.Background(), "s1", testConfig("person"))
	require.NoError(t, err)
	assert.True(t, started)

	again, started, err := r.GetOrStart(context.Background(), "s1", testConfig("person"))
	require.NoError(t, err)
	assert.False(t, started)
	assert.Same(t, first, again)
	assert.Equal(t, int64(1), eng.Starts())
}

func TestGetOrStartConcurrentFirstRequests(t *testing.T) {
	gate := make(chan struct{})
	eng := engine.NewLoopback(nil)
	r := New(func(ctx context.Context, streamID string, cfg *pipeline.ExtensionConfig) (*pipeline.Processor, error) {
		<-gate
		return pipeline.NewProcessor(ctx, eng, cfg, pipeline.Options{StreamID: streamID})
	})
	defer r.Close()

	const callers = 8
	var wg sync.WaitGroup
	procs := make([]*pipeline.Processor, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, _, err := r.GetOrStart(context.Background(), "shared", testConfig("person"))
			assert.NoError(t, err)
			procs[i] = p
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int64(1), eng.Starts())
	for _, p := range procs {
		assert.Same(t, procs[0], p)
	}
}

func TestGetOrStartConfigMismatch(t *testing.T) {
	eng := engine.NewLoopback(nil)
	r := newRegistry(eng)
	defer r.Close()

	running, _, err := r.GetOrStart(context.Background(), "s1", testConfig("person"))
	require.NoError(t, err)

	_, _, err = r.GetOrStart(context.Background(), "s1", testConfig("vehicle"))
	assert.ErrorIs(t, err, ErrConfigMismatch)

	assert.Equal(t, pipeline.StateRunning, running.State())
	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Same(t, running, got)
}

func TestGetOrStartFailureIsNotCached(t *testing.T) {
	eng := engine.NewLoopback(nil)
	r := newRegistry(eng)
	defer r.Close()

	_, _, err := r.GetOrStart(context.Background(), "s1", testConfig(""))
	var cve *pipeline.ConfigValidationError
	require.True(t, errors.As(err, &cve))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int64(0), eng.Starts())

	_, started, err := r.GetOrStart(context.Background(), "s1", testConfig("person"))
	require.NoError(t, err)
	assert.True(t, started)
}

func TestStopRemovesProcessor(t *testing.T) {
	r := newRegistry(engine.NewLoopback(nil))
	defer r.Close()

	proc, _, err := r.GetOrStart(context.Background(), "s1", testConfig("person"))
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, r.StreamIDs())
	assert.Contains(t, r.GetAllStatuses(), "s1")

	r.Stop("s1", proc)
	assert.Equal(t, 0, r.Len())
	require.NoError(t, proc.WaitForCompletion(time.Second))

	assert.False(t, r.Remove("s1", proc))
}

func TestCloseStopsAll(t *testing.T) {
	r := newRegistry(engine.NewLoopback(nil))

	a, _, err := r.GetOrStart(context.Background(), "a", testConfig("person"))
	require.NoError(t, err)
	b, _, err := r.GetOrStart(context.Background(), "b", testConfig("person"))
	require.NoError(t, err)

	r.Close()
	assert.Equal(t, 0, r.Len())
	require.NoError(t, a.WaitForCompletion(time.Second))
	require.NoError(t, b.WaitForCompletion(time.Second))
	assert.Equal(t, pipeline.StateAborted, a.State())
}
