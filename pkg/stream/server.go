// Package stream runs the duplex media stream protocol independently of
// the transport carrying it.
//
// A stream starts NEGOTIATING: its first message must be a descriptor,
// which is answered with an echo descriptor. It then runs STREAMING with a
// reader goroutine that resolves and submits frames and a writer loop that
// forwards translated engine output. When the engine output reaches the
// end-of-stream sentinel the stream is DRAINING until the engine reports
// completion, and then CLOSED.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/video-system/go-inference-extension/pkg/engine"
	"github.com/video-system/go-inference-extension/pkg/pipeline"
	"github.com/video-system/go-inference-extension/pkg/session"
	"github.com/video-system/go-inference-extension/pkg/wire"
)

// DefaultInputQueueSize is the per-stream frame queue bound.
const DefaultInputQueueSize = 8

// Stream is one duplex transport stream.
type Stream interface {
	Context() context.Context
	Send(msg *wire.MediaStreamMessage) error
	Recv() (*wire.MediaStreamMessage, error)
}

// Options configures a Server.
type Options struct {
	// MaxStreams caps concurrently served streams. Zero means unlimited.
	MaxStreams        int
	InputQueueSize    int
	ResponseTimeout   time.Duration
	CompletionTimeout time.Duration
	// OpenRegion opens shared memory for SHARED_REFERENCE clients. Nil
	// selects session.OpenShared.
	OpenRegion session.RegionOpener
}

// Server serves media streams against an engine.
type Server struct {
	engine  engine.Engine
	opts    Options
	workers *pipeline.Limiter

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	active  sync.WaitGroup
}

// NewServer creates a stream server.
func NewServer(eng engine.Engine, opts Options) *Server {
	if opts.InputQueueSize <= 0 {
		opts.InputQueueSize = DefaultInputQueueSize
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = pipeline.DefaultResponseTimeout
	}
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = pipeline.DefaultCompletionTimeout
	}
	if opts.OpenRegion == nil {
		opts.OpenRegion = session.OpenShared
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		engine:  eng,
		opts:    opts,
		workers: pipeline.NewLimiter(opts.MaxStreams),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Stop makes every active stream stop forwarding and finish.
func (s *Server) Stop() {
	s.stopped.Store(true)
	s.cancel()
}

// Wait blocks until all active streams have returned.
func (s *Server) Wait() {
	s.active.Wait()
}

// Active returns the number of streams holding a worker slot.
func (s *Server) Active() int64 {
	return s.workers.Active()
}

// Serve runs the protocol on st until the stream completes. It returns nil
// when the engine drained cleanly.
func (s *Server) Serve(st Stream) error {
	s.active.Add(1)
	defer s.active.Done()

	release, err := s.workers.Acquire(st.Context())
	if err != nil {
		return err
	}
	defer release()

	first, err := st.Recv()
	if err != nil {
		return pipeline.NewProtocolError("stream closed before negotiation: %v", err)
	}
	sess, err := session.Negotiate(first, s.opts.OpenRegion)
	if err != nil {
		return err
	}
	defer sess.Close()

	log := logrus.WithFields(logrus.Fields{
		"transfer_mode": sess.Mode().String(),
	})
	log.WithFields(logrus.Fields{
		"function":        "Server.Serve",
		"sequence_number": first.SequenceNumber,
		"ack_number":      first.AckSequenceNumber,
		"caps":            sess.Caps(),
	}).Info("[Received] MediaStreamDescriptor")

	if err := st.Send(sess.Reply()); err != nil {
		return fmt.Errorf("send descriptor: %w", err)
	}

	cfg, err := pipeline.ParseExtensionConfig(sess.ExtensionConfiguration())
	if err != nil {
		log.WithFields(logrus.Fields{
			"function": "Server.Serve",
			"error":    err.Error(),
		}).Error("Decoding extension configuration failed")
		return err
	}

	proc, err := pipeline.NewProcessor(s.ctx, s.engine, cfg, pipeline.Options{
		InputQueueSize: s.opts.InputQueueSize,
	})
	if err != nil {
		return err
	}

	r := &reader{server: s, stream: st, session: sess, proc: proc, log: log, done: make(chan struct{})}
	go r.run()

	if err := s.forward(st, proc, log); err != nil {
		_ = proc.Stop()
		if rerr := r.failure(); rerr != nil {
			return rerr
		}
		return err
	}
	if s.stopped.Load() {
		_ = proc.Stop()
	}

	// The engine may finish before the client half-closes; the reader then
	// exits once the transport shuts the stream down.
	select {
	case <-r.done:
	case <-time.After(s.opts.CompletionTimeout):
		log.WithFields(logrus.Fields{
			"function": "Server.Serve",
		}).Warn("Input still open after end of output")
	}
	if rerr := r.failure(); rerr != nil {
		return rerr
	}
	return proc.WaitForCompletion(s.opts.CompletionTimeout)
}

// forward is the writer loop. It returns a *pipeline.PipelineStateError if
// the processor failed and nil once the end-of-stream sentinel came out.
func (s *Server) forward(st Stream, proc *pipeline.Processor, log *logrus.Entry) error {
	ctx := st.Context()
	last := false
	for !s.stopped.Load() && !proc.AbortedOrError() && !last {
		batch, err := proc.GetResponses(s.opts.ResponseTimeout)
		if errors.Is(err, pipeline.ErrNoOutput) {
			log.WithFields(logrus.Fields{
				"function": "Server.forward",
			}).Debug("Timeout occurred on getting responses")
			if proc.Stopped() {
				break
			}
			continue
		}
		if err != nil {
			return err
		}
		for _, msg := range batch.Messages {
			log.WithFields(logrus.Fields{
				"function":   "Server.forward",
				"ack_number": msg.AckSequenceNumber,
			}).Debug("[Sent] AckSeqNum")
			if ctx.Err() != nil {
				continue
			}
			if err := st.Send(msg); err != nil {
				log.WithFields(logrus.Fields{
					"function": "Server.forward",
					"error":    err.Error(),
				}).Debug("Send failed, dropping remaining output")
			}
		}
		last = batch.Done
	}

	if proc.AbortedOrError() {
		err := &pipeline.PipelineStateError{
			Pipeline: proc.Config().Pipeline.Name,
			Version:  proc.Config().Pipeline.Version,
			State:    proc.EngineState(),
			Reason:   "pipeline encountered an issue",
		}
		log.WithFields(logrus.Fields{
			"function": "Server.forward",
			"error":    err.Error(),
		}).Error("Pipeline failed")
		return err
	}
	return nil
}

type reader struct {
	server  *Server
	stream  Stream
	session *session.Session
	proc    *pipeline.Processor
	log     *logrus.Entry
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func (r *reader) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *reader) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{
		"function": "reader.run",
		"error":    err.Error(),
	}).Error("Stream input failed")
	r.proc.SetError()
	_ = r.proc.Stop()
}

func (r *reader) run() {
	defer close(r.done)
	ctx := r.stream.Context()

	for {
		msg, err := r.stream.Recv()
		if err != nil {
			var pe *pipeline.ProtocolError
			if errors.As(err, &pe) {
				r.fail(err)
				return
			}
			break
		}
		r.log.WithFields(logrus.Fields{
			"function":        "reader.run",
			"sequence_number": msg.SequenceNumber,
		}).Debug("[Received] SeqNum")

		frame, err := r.session.ResolveFrame(msg)
		if err != nil {
			r.fail(err)
			return
		}
		if err := r.proc.SubmitFrame(r.server.ctx, frame); err != nil {
			break
		}
		if r.server.stopped.Load() || ctx.Err() != nil || r.proc.Stopped() {
			break
		}
	}

	if r.proc.Stopped() {
		r.proc.SetError()
		return
	}
	if err := r.proc.SubmitFrame(r.server.ctx, nil); err != nil {
		r.proc.SetError()
	}
}
