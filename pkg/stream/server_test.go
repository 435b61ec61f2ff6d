package stream

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/video-system/go-inference-extension/pkg/engine"
	"github.com/video-system/go-inference-extension/pkg/pipeline"
	"github.com/video-system/go-inference-extension/pkg/wire"
)

const testConfig = `{"pipeline": {"name": "object_detection", "version": "person_vehicle_bike_detection"}}`

// pipeStream is an in-memory Stream. Closing in half-closes the client side.
type pipeStream struct {
	ctx context.Context
	in  chan *wire.MediaStreamMessage
	out chan *wire.MediaStreamMessage
}

func newPipeStream(ctx context.Context) *pipeStream {
	return &pipeStream{
		ctx: ctx,
		in:  make(chan *wire.MediaStreamMessage, 64),
		out: make(chan *wire.MediaStreamMessage, 64),
	}
}

func (p *pipeStream) Context() context.Context { return p.ctx }

func (p *pipeStream) Send(msg *wire.MediaStreamMessage) error {
	p.out <- msg
	return nil
}

func (p *pipeStream) Recv() (*wire.MediaStreamMessage, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	}
}

func (p *pipeStream) sent() []*wire.MediaStreamMessage {
	var msgs []*wire.MediaStreamMessage
	for {
		select {
		case msg := <-p.out:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func descriptor(config string) *wire.MediaStreamMessage {
	return &wire.MediaStreamMessage{
		SequenceNumber: 1,
		MediaStreamDescriptor: &wire.MediaStreamDescriptor{
			ExtensionConfiguration: config,
			MediaDescriptor: &wire.MediaDescriptor{
				Timescale:              90000,
				VideoFrameSampleFormat: &wire.VideoFrameSampleFormat{Encoding: wire.EncodingJPG},
			},
		},
	}
}

func sample(seq uint64) *wire.MediaStreamMessage {
	return &wire.MediaStreamMessage{
		SequenceNumber: seq,
		MediaSample: &wire.MediaSample{
			Timestamp:    seq * 100,
			ContentBytes: &wire.ContentBytes{Bytes: []byte{0xff, 0xd8, byte(seq)}},
		},
	}
}

func newTestServer(eng engine.Engine) *Server {
	return NewServer(eng, Options{
		ResponseTimeout:   50 * time.Millisecond,
		CompletionTimeout: time.Second,
	})
}

func serve(t *testing.T, s *Server, st Stream) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Serve(st) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestServeEmbeddedStream(t *testing.T) {
	s := newTestServer(engine.NewLoopback(nil))
	st := newPipeStream(context.Background())

	st.in <- descriptor(testConfig)
	for seq := uint64(2); seq <= 6; seq++ {
		st.in <- sample(seq)
	}
	close(st.in)

	require.NoError(t, serve(t, s, st))

	msgs := st.sent()
	require.Len(t, msgs, 6)
	assert.Equal(t, uint64(1), msgs[0].SequenceNumber)
	assert.Equal(t, uint64(1), msgs[0].AckSequenceNumber)
	require.NotNil(t, msgs[0].MediaStreamDescriptor)
	assert.Equal(t, uint32(90000), msgs[0].MediaStreamDescriptor.MediaDescriptor.Timescale)

	for i, msg := range msgs[1:] {
		assert.Equal(t, uint64(i+2), msg.AckSequenceNumber)
		require.NotNil(t, msg.MediaSample)
		assert.Equal(t, uint64(i+2)*100, msg.MediaSample.Timestamp)
	}
	assert.Equal(t, int64(0), s.Active())
}

func TestServeRejectsMissingDescriptor(t *testing.T) {
	eng := engine.NewLoopback(nil)
	s := newTestServer(eng)
	st := newPipeStream(context.Background())
	st.in <- sample(1)

	err := serve(t, s, st)
	var pe *pipeline.ProtocolError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Empty(t, st.sent())
	assert.Equal(t, int64(0), eng.Starts())
}

func TestServeClosedBeforeNegotiation(t *testing.T) {
	s := newTestServer(engine.NewLoopback(nil))
	st := newPipeStream(context.Background())
	close(st.in)

	var pe *pipeline.ProtocolError
	assert.True(t, errors.As(serve(t, s, st), &pe))
}

func TestServeInvalidConfiguration(t *testing.T) {
	eng := engine.NewLoopback(nil)
	s := newTestServer(eng)
	st := newPipeStream(context.Background())
	st.in <- descriptor(`{"pipeline": {"version": "person"}}`)

	err := serve(t, s, st)
	var cve *pipeline.ConfigValidationError
	require.True(t, errors.As(err, &cve), "got %v", err)
	assert.Len(t, st.sent(), 1, "descriptor echo precedes configuration checks")
	assert.Equal(t, int64(0), eng.Starts())
}

func TestServeTransferModeMixing(t *testing.T) {
	s := newTestServer(engine.NewLoopback(nil))
	st := newPipeStream(context.Background())
	st.in <- descriptor(testConfig)
	st.in <- sample(2)
	st.in <- &wire.MediaStreamMessage{
		SequenceNumber: 3,
		MediaSample:    &wire.MediaSample{ContentReference: &wire.ContentReference{LengthBytes: 4}},
	}

	err := serve(t, s, st)
	var pe *pipeline.ProtocolError
	assert.True(t, errors.As(err, &pe), "got %v", err)
}

func TestServeEngineFailure(t *testing.T) {
	eng := engine.NewLoopback(func(*engine.Frame) (*engine.Sample, error) {
		return nil, errors.New("device lost")
	})
	s := newTestServer(eng)
	st := newPipeStream(context.Background())
	st.in <- descriptor(testConfig)
	st.in <- sample(2)

	err := serve(t, s, st)
	var pse *pipeline.PipelineStateError
	require.True(t, errors.As(err, &pse), "got %v", err)
	assert.Equal(t, engine.StateError, pse.State)
}

func TestServeDisconnectDrainsInput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newTestServer(engine.NewLoopback(nil))
	st := newPipeStream(ctx)
	st.in <- descriptor(testConfig)

	done := make(chan error, 1)
	go func() { done <- s.Serve(st) }()

	require.Eventually(t, func() bool { return len(st.out) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after disconnect")
	}
}

func TestServeLimitsActiveStreams(t *testing.T) {
	eng := engine.NewLoopback(nil)
	s := NewServer(eng, Options{
		MaxStreams:        1,
		ResponseTimeout:   50 * time.Millisecond,
		CompletionTimeout: time.Second,
	})

	first := newPipeStream(context.Background())
	first.in <- descriptor(testConfig)
	firstDone := make(chan error, 1)
	go func() { firstDone <- s.Serve(first) }()
	require.Eventually(t, func() bool { return eng.Running() == 1 }, time.Second, 5*time.Millisecond)

	second := newPipeStream(context.Background())
	second.in <- descriptor(testConfig)
	secondDone := make(chan error, 1)
	go func() { secondDone <- s.Serve(second) }()

	assert.Never(t, func() bool { return eng.Starts() > 1 }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int64(1), s.Active())
	assert.Empty(t, second.sent(), "second stream is not negotiated while the pool is full")

	close(first.in)
	select {
	case err := <-firstDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first stream did not finish")
	}

	require.Eventually(t, func() bool { return eng.Starts() == 2 }, time.Second, 5*time.Millisecond)
	close(second.in)
	select {
	case err := <-secondDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second stream did not finish")
	}
	assert.Equal(t, int64(0), s.Active())
}

func TestStopWaitsForActiveStreams(t *testing.T) {
	eng := engine.NewLoopback(nil)
	s := newTestServer(eng)
	st := newPipeStream(context.Background())
	st.in <- descriptor(testConfig)

	served := make(chan error, 1)
	go func() { served <- s.Serve(st) }()
	require.Eventually(t, func() bool { return eng.Running() == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		s.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}

	select {
	case err := <-served:
		assert.NoError(t, err)
	default:
		t.Fatal("Wait returned before Serve")
	}
	assert.Eventually(t, func() bool { return eng.Running() == 0 }, time.Second, 5*time.Millisecond)
}
