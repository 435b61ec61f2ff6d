package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/video-system/go-inference-extension/pkg/engine"
)

func testConfig() *ExtensionConfig {
	return &ExtensionConfig{Pipeline: PipelineConfig{
		Name:       "object_detection",
		Version:    "person_vehicle_bike_detection",
		Parameters: map[string]any{"threshold": 0.5},
	}}
}

func frame(seq int) *engine.Frame {
	return &engine.Frame{
		Data:    []byte{byte(seq)},
		Caps:    "image/jpeg",
		Message: fmt.Sprintf(`{"sequence_number": %d, "timestamp": %d}`, seq, seq*10),
	}
}

// collect polls until the end-of-stream sentinel arrives.
func collect(t *testing.T, p *Processor) ([]uint64, int) {
	t.Helper()
	var (
		acks  []uint64
		dones int
	)
	deadline := time.Now().Add(5 * time.Second)
	for dones == 0 && time.Now().Before(deadline) {
		batch, err := p.GetResponses(50 * time.Millisecond)
		if errors.Is(err, ErrNoOutput) {
			continue
		}
		require.NoError(t, err)
		for _, msg := range batch.Messages {
			acks = append(acks, msg.AckSequenceNumber)
		}
		if batch.Done {
			dones++
		}
	}
	// Nothing may follow the sentinel.
	_, err := p.GetResponses(20 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNoOutput)
	return acks, dones
}

func TestProcessorInvalidConfigNeverStartsEngine(t *testing.T) {
	eng := engine.NewLoopback(nil)
	cfg := testConfig()
	cfg.Pipeline.Name = ""

	_, err := NewProcessor(context.Background(), eng, cfg, Options{})
	require.Error(t, err)
	var cve *ConfigValidationError
	assert.True(t, errors.As(err, &cve))
	assert.Equal(t, int64(0), eng.Starts())
}

func TestProcessorRoundTrip(t *testing.T) {
	eng := engine.NewLoopback(nil)
	p, err := NewProcessor(context.Background(), eng, testConfig(), Options{StreamID: "s1", InputQueueSize: 2})
	require.NoError(t, err)
	assert.Equal(t, "s1", p.StreamID())
	assert.Equal(t, StateRunning, p.State())

	go func() {
		for seq := 2; seq <= 6; seq++ {
			_ = p.SubmitFrame(context.Background(), frame(seq))
		}
		_ = p.SubmitFrame(context.Background(), nil)
	}()

	acks, dones := collect(t, p)
	assert.Equal(t, []uint64{2, 3, 4, 5, 6}, acks)
	assert.Equal(t, 1, dones)

	require.NoError(t, p.WaitForCompletion(time.Second))
	assert.True(t, p.Stopped())
	assert.False(t, p.AbortedOrError())
	assert.Equal(t, StateStopped, p.State())

	status := p.GetStatus()
	assert.Equal(t, int64(5), status.FramesReceived)
	assert.Equal(t, int64(5), status.ResponsesSent)

	assert.Eventually(t, func() bool {
		return errors.Is(p.SubmitFrame(context.Background(), frame(7)), ErrNotRunning)
	}, time.Second, 10*time.Millisecond)
}

func TestProcessorNoOutput(t *testing.T) {
	p, err := NewProcessor(context.Background(), engine.NewLoopback(nil), testConfig(), Options{})
	require.NoError(t, err)
	defer p.Stop()

	_, err = p.GetResponses(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNoOutput)
}

func TestProcessorStopIsCleanCompletion(t *testing.T) {
	p, err := NewProcessor(context.Background(), engine.NewLoopback(nil), testConfig(), Options{})
	require.NoError(t, err)

	require.NoError(t, p.Stop())
	require.NoError(t, p.WaitForCompletion(time.Second))
	assert.True(t, p.AbortedOrError())
	assert.Equal(t, StateAborted, p.State())
}

func TestProcessorEngineError(t *testing.T) {
	eng := engine.NewLoopback(func(*engine.Frame) (*engine.Sample, error) {
		return nil, errors.New("model crashed")
	})
	p, err := NewProcessor(context.Background(), eng, testConfig(), Options{})
	require.NoError(t, err)

	require.NoError(t, p.SubmitFrame(context.Background(), frame(2)))

	err = p.WaitForCompletion(time.Second)
	require.Error(t, err)
	var pse *PipelineStateError
	require.True(t, errors.As(err, &pse))
	assert.Equal(t, engine.StateError, pse.State)
	assert.True(t, p.AbortedOrError())
	assert.Equal(t, StateError, p.State())
}

func TestProcessorWaitTimeout(t *testing.T) {
	p, err := NewProcessor(context.Background(), engine.NewLoopback(nil), testConfig(), Options{})
	require.NoError(t, err)
	defer p.Stop()

	err = p.WaitForCompletion(10 * time.Millisecond)
	var pse *PipelineStateError
	require.True(t, errors.As(err, &pse))
	assert.Equal(t, engine.StateRunning, pse.State)
}

func TestProcessorTranslationFailure(t *testing.T) {
	eng := engine.NewLoopback(func(*engine.Frame) (*engine.Sample, error) {
		return &engine.Sample{Messages: []string{"garbage"}}, nil
	})
	p, err := NewProcessor(context.Background(), eng, testConfig(), Options{})
	require.NoError(t, err)
	defer p.Stop()

	require.NoError(t, p.SubmitFrame(context.Background(), frame(2)))

	_, err = p.GetResponses(time.Second)
	var pse *PipelineStateError
	require.True(t, errors.As(err, &pse))
	assert.ErrorIs(t, err, ErrMalformedSample)
	assert.True(t, p.AbortedOrError())
}

func TestProcessorCompareConfig(t *testing.T) {
	p, err := NewProcessor(context.Background(), engine.NewLoopback(nil), testConfig(), Options{})
	require.NoError(t, err)
	defer p.Stop()

	assert.True(t, p.CompareConfig(testConfig()))
	assert.True(t, p.CompareConfig(p.Config()))

	other := testConfig()
	other.Pipeline.Version = "vehicle"
	assert.False(t, p.CompareConfig(other))
}

func TestProcessorLimiterCapsRunningPipelines(t *testing.T) {
	eng := engine.NewLoopback(nil)
	limiter := NewLimiter(1)

	first, err := NewProcessor(context.Background(), eng, testConfig(), Options{Limiter: limiter})
	require.NoError(t, err)

	started := make(chan *Processor, 1)
	go func() {
		p, err := NewProcessor(context.Background(), eng, testConfig(), Options{Limiter: limiter})
		if err == nil {
			started <- p
		}
	}()

	select {
	case <-started:
		t.Fatal("second pipeline started while the only slot was held")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(1), eng.Running())

	require.NoError(t, first.SubmitFrame(context.Background(), nil))
	require.NoError(t, first.WaitForCompletion(time.Second))

	select {
	case second := <-started:
		assert.Equal(t, int64(2), eng.Starts())
		require.NoError(t, second.Stop())
		require.NoError(t, second.WaitForCompletion(time.Second))
	case <-time.After(2 * time.Second):
		t.Fatal("second pipeline never started")
	}
}
