package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ProcessFunc turns one frame into a sample. Returning a nil sample drops
// the frame; returning an error puts the pipeline into StateError.
type ProcessFunc func(frame *Frame) (*Sample, error)

// Echo is the default loopback ProcessFunc. It returns a sample with no
// inferences that carries the frame metadata back.
func Echo(frame *Frame) (*Sample, error) {
	sample := &Sample{}
	if frame.Message != "" {
		sample.Messages = []string{frame.Message}
	}
	return sample, nil
}

// Loopback is an in-process engine that runs a ProcessFunc per frame.
// It is used for smoke testing the extension without a real engine.
type Loopback struct {
	process ProcessFunc
	starts  atomic.Int64
	running atomic.Int64
}

// NewLoopback returns a loopback engine. A nil fn selects Echo.
func NewLoopback(fn ProcessFunc) *Loopback {
	if fn == nil {
		fn = Echo
	}
	return &Loopback{process: fn}
}

func init() {
	Register("loopback", func(cfg Config) (Engine, error) {
		return NewLoopback(nil), nil
	})
}

// Name implements Engine.
func (l *Loopback) Name() string { return "loopback" }

// Starts returns how many pipelines have been started.
func (l *Loopback) Starts() int64 { return l.starts.Load() }

// Running returns how many pipelines are currently running.
func (l *Loopback) Running() int64 { return l.running.Load() }

// Start implements Engine.
func (l *Loopback) Start(ctx context.Context, req StartRequest) (Pipeline, error) {
	l.starts.Add(1)
	l.running.Add(1)

	p := &loopbackPipeline{
		process: l.process,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.state.Store(int32(StateRunning))

	logrus.WithFields(logrus.Fields{
		"function": "Loopback.Start",
		"pipeline": req.Pipeline,
		"version":  req.Version,
	}).Debug("Loopback pipeline started")

	go func() {
		defer l.running.Add(-1)
		p.run(req.Input, req.Output)
	}()
	return p, nil
}

type loopbackPipeline struct {
	process  ProcessFunc
	state    atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (p *loopbackPipeline) run(input <-chan *Frame, output Sink) {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			p.state.Store(int32(StateAborted))
			return
		case frame := <-input:
			if frame == nil {
				output.Put(nil)
				p.state.Store(int32(StateStopped))
				return
			}
			sample, err := p.process(frame)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "loopbackPipeline.run",
					"error":    err.Error(),
				}).Error("Frame processing failed")
				p.state.Store(int32(StateError))
				return
			}
			if sample != nil {
				output.Put(sample)
			}
		}
	}
}

func (p *loopbackPipeline) Status() State {
	return State(p.state.Load())
}

func (p *loopbackPipeline) Wait(timeout time.Duration) (State, bool) {
	if timeout <= 0 {
		<-p.done
		return p.Status(), true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.Status(), true
	case <-timer.C:
		return p.Status(), false
	}
}

func (p *loopbackPipeline) Stop() error {
	p.stopOnce.Do(func() { close(p.stop) })
	return nil
}
