// Package pipeline bridges the extension protocols and the inference engine.
//
// A Processor owns one engine pipeline for one logical stream. Frames go in
// through a bounded queue, which is the only backpressure in the system: a
// slow engine blocks SubmitFrame, which stalls the protocol reader, which
// stalls the client. Engine samples come out through an unbounded queue and
// are translated into wire messages by GetResponses.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/video-system/go-inference-extension/pkg/engine"
	"github.com/video-system/go-inference-extension/pkg/queue"
	"github.com/video-system/go-inference-extension/pkg/wire"
)

// Default processor tuning.
const (
	DefaultInputQueueSize    = 1
	DefaultResponseTimeout   = 40 * time.Second
	DefaultCompletionTimeout = 10 * time.Second
)

// State is the processor lifecycle state.
type State string

const (
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateError    State = "ERROR"
	StateAborted  State = "ABORTED"
)

// Options configures a Processor.
type Options struct {
	// StreamID labels the processor in logs and status.
	StreamID string
	// InputQueueSize bounds frames in flight. Zero selects
	// DefaultInputQueueSize.
	InputQueueSize int
	// Limiter, if set, caps concurrently running pipelines. NewProcessor
	// blocks until a slot is free.
	Limiter *Limiter
}

// Batch is the result of one GetResponses call.
type Batch struct {
	Messages []*wire.MediaStreamMessage
	// Done is set when the engine output reached the end-of-stream
	// sentinel. Nothing follows it.
	Done bool
}

// Processor controls one engine pipeline.
type Processor struct {
	cfg        *ExtensionConfig
	streamID   string
	input      chan *engine.Frame
	output     *queue.Unbounded[*engine.Sample]
	pipeline   engine.Pipeline
	translator *Translator
	startedAt  time.Time
	finished   chan struct{}
	log        *logrus.Entry

	stopRequested atomic.Bool
	endSubmitted  atomic.Bool
	errored       atomic.Bool

	framesReceived atomic.Int64
	responsesSent  atomic.Int64

	translateMu sync.Mutex
}

// NewProcessor validates cfg and starts an engine pipeline from it. A
// configuration that fails validation returns a *ConfigValidationError
// before the engine is touched. ctx bounds only the wait for a run slot and
// the engine start.
func NewProcessor(ctx context.Context, eng engine.Engine, cfg *ExtensionConfig, opts Options) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	queueSize := opts.InputQueueSize
	if queueSize <= 0 {
		queueSize = DefaultInputQueueSize
	}

	log := logrus.WithFields(logrus.Fields{
		"stream_id": opts.StreamID,
		"pipeline":  cfg.Pipeline.Name,
		"version":   cfg.Pipeline.Version,
	})
	log.WithFields(logrus.Fields{
		"function":          "NewProcessor",
		"parameters":        cfg.Pipeline.Parameters,
		"frame_destination": cfg.Pipeline.FrameDestination,
		"extensions":        cfg.Pipeline.Extensions,
		"input_queue_size":  queueSize,
	}).Info("Starting pipeline")

	release, err := opts.Limiter.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for pipeline slot: %w", err)
	}

	p := &Processor{
		cfg:        cfg,
		streamID:   opts.StreamID,
		input:      make(chan *engine.Frame, queueSize),
		output:     queue.NewUnbounded[*engine.Sample](),
		translator: NewTranslator(cfg.Pipeline.Extensions),
		finished:   make(chan struct{}),
		log:        log,
	}

	pipeline, err := eng.Start(ctx, engine.StartRequest{
		Pipeline:         cfg.Pipeline.Name,
		Version:          cfg.Pipeline.Version,
		Parameters:       cfg.Pipeline.Parameters,
		FrameDestination: cfg.Pipeline.FrameDestination,
		Input:            p.input,
		Output:           p.output,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("start pipeline %s/%s: %w", cfg.Pipeline.Name, cfg.Pipeline.Version, err)
	}
	p.pipeline = pipeline
	p.startedAt = time.Now()

	go p.watch(release)
	return p, nil
}

// watch frees the run slot once the engine pipeline finishes.
func (p *Processor) watch(release func()) {
	state, _ := p.pipeline.Wait(0)
	close(p.finished)
	release()
	p.log.WithFields(logrus.Fields{
		"function": "Processor.watch",
		"state":    state.String(),
	}).Debug("Engine pipeline finished")
}

// StreamID returns the stream identifier the processor was started for.
func (p *Processor) StreamID() string { return p.streamID }

// Config returns a copy of the configuration the processor started from.
func (p *Processor) Config() *ExtensionConfig { return p.cfg.Clone() }

// CompareConfig reports whether other is identical to the processor's
// configuration.
func (p *Processor) CompareConfig(other *ExtensionConfig) bool {
	return p.cfg.Equal(other)
}

// SubmitFrame queues a frame for the engine, blocking while the input queue
// is full. A nil frame is the end-of-stream sentinel.
func (p *Processor) SubmitFrame(ctx context.Context, frame *engine.Frame) error {
	select {
	case <-p.finished:
		return ErrNotRunning
	default:
	}
	select {
	case p.input <- frame:
	case <-p.finished:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	if frame == nil {
		p.endSubmitted.Store(true)
	} else {
		p.framesReceived.Add(1)
	}
	return nil
}

// GetResponses waits up to timeout for engine output, then drains whatever
// else is buffered and translates it. It returns ErrNoOutput if nothing
// arrived.
func (p *Processor) GetResponses(timeout time.Duration) (Batch, error) {
	first, err := p.output.Get(timeout)
	if err != nil {
		return Batch{}, ErrNoOutput
	}
	samples := append([]*engine.Sample{first}, p.output.Drain()...)

	p.translateMu.Lock()
	defer p.translateMu.Unlock()

	var batch Batch
	for _, sample := range samples {
		if sample == nil {
			batch.Done = true
			break
		}
		msg, err := p.translator.Translate(sample)
		if err != nil {
			p.SetError()
			return batch, p.stateError("translating engine output failed", err)
		}
		p.responsesSent.Add(1)
		batch.Messages = append(batch.Messages, msg)
	}
	return batch, nil
}

// Stopped reports whether the engine pipeline reached a terminal state.
// Like AbortedOrError it polls the engine without synchronization, so the
// answer may already be stale.
func (p *Processor) Stopped() bool {
	return p.pipeline.Status().Terminal()
}

// AbortedOrError reports whether the engine failed or was aborted, or the
// processor has been marked as failed.
func (p *Processor) AbortedOrError() bool {
	switch p.pipeline.Status() {
	case engine.StateError, engine.StateAborted:
		return true
	}
	return p.errored.Load()
}

// SetError marks the processor as failed.
func (p *Processor) SetError() {
	p.errored.Store(true)
}

// State returns the processor lifecycle state.
func (p *Processor) State() State {
	status := p.pipeline.Status()
	if p.errored.Load() && status != engine.StateAborted {
		return StateError
	}
	switch status {
	case engine.StateRunning:
		if p.stopRequested.Load() || p.endSubmitted.Load() {
			return StateStopping
		}
		return StateRunning
	case engine.StateStopped:
		return StateStopped
	case engine.StateAborted:
		return StateAborted
	default:
		return StateError
	}
}

// EngineState returns the raw engine status.
func (p *Processor) EngineState() engine.State {
	return p.pipeline.Status()
}

// Stop aborts the engine pipeline.
func (p *Processor) Stop() error {
	p.stopRequested.Store(true)
	p.log.WithFields(logrus.Fields{
		"function": "Processor.Stop",
	}).Info("Stopping pipeline")
	return p.pipeline.Stop()
}

// WaitForCompletion waits for the engine pipeline to finish and fails with a
// *PipelineStateError unless it stopped cleanly. An abort requested through
// Stop counts as clean.
func (p *Processor) WaitForCompletion(timeout time.Duration) error {
	state, ok := p.pipeline.Wait(timeout)
	p.log.WithFields(logrus.Fields{
		"function": "Processor.WaitForCompletion",
		"state":    state.String(),
	}).Info("Pipeline ended")

	if !ok {
		return p.stateError(fmt.Sprintf("did not complete within %s", timeout), nil)
	}
	if p.errored.Load() {
		return p.stateError("did not complete successfully", nil)
	}
	switch state {
	case engine.StateStopped:
	case engine.StateAborted:
		if !p.stopRequested.Load() {
			return p.stateError("pipeline aborted", nil)
		}
	default:
		return p.stateError("did not complete successfully", nil)
	}

	p.log.WithFields(logrus.Fields{
		"function": "Processor.WaitForCompletion",
		"received": p.framesReceived.Load(),
		"sent":     p.responsesSent.Load(),
	}).Info("Done processing messages")
	return nil
}

func (p *Processor) stateError(reason string, err error) *PipelineStateError {
	return &PipelineStateError{
		Pipeline: p.cfg.Pipeline.Name,
		Version:  p.cfg.Pipeline.Version,
		State:    p.pipeline.Status(),
		Reason:   reason,
		Err:      err,
	}
}

// Status is a point-in-time snapshot of a processor.
type Status struct {
	StreamID       string `json:"stream_id"`
	Pipeline       string `json:"pipeline"`
	Version        string `json:"version"`
	State          State  `json:"state"`
	FramesReceived int64  `json:"frames_received"`
	ResponsesSent  int64  `json:"responses_sent"`
	InputQueued    int    `json:"input_queued"`
	OutputQueued   int    `json:"output_queued"`
	StartedAt      int64  `json:"started_at"`
}

// GetStatus returns the processor status.
func (p *Processor) GetStatus() Status {
	return Status{
		StreamID:       p.streamID,
		Pipeline:       p.cfg.Pipeline.Name,
		Version:        p.cfg.Pipeline.Version,
		State:          p.State(),
		FramesReceived: p.framesReceived.Load(),
		ResponsesSent:  p.responsesSent.Load(),
		InputQueued:    len(p.input),
		OutputQueued:   p.output.Len(),
		StartedAt:      p.startedAt.UnixMilli(),
	}
}
