// Package engine defines the contract between the extension and the
// inference pipeline engine that does the actual video analytics.
//
// The engine is a black box: it is started with an input channel of frames,
// an output sink of samples and the pipeline parameters. A nil *Frame on the
// input is the end-of-stream sentinel; once the engine has drained it, it
// puts a nil *Sample on the output and reports StateStopped.
package engine

import (
	"context"
	"time"
)

// Engine starts pipelines. The context passed to Start bounds the start
// only; a started pipeline runs until end-of-stream or Stop.
type Engine interface {
	Name() string
	Start(ctx context.Context, req StartRequest) (Pipeline, error)
}

// StartRequest holds everything an engine needs to start one pipeline.
type StartRequest struct {
	Pipeline         string
	Version          string
	Parameters       map[string]any
	FrameDestination map[string]any

	Input  <-chan *Frame
	Output Sink
}

// Sink receives engine output samples. Put must not block.
type Sink interface {
	Put(sample *Sample)
}

// Pipeline is a handle on one running engine pipeline.
type Pipeline interface {
	// Status returns the current state. It is a poll and may be stale by
	// the time the caller acts on it.
	Status() State

	// Wait blocks until the pipeline reaches a terminal state or the
	// timeout elapses. A timeout <= 0 waits indefinitely. The boolean is
	// false if the wait timed out.
	Wait(timeout time.Duration) (State, bool)

	// Stop aborts the pipeline.
	Stop() error
}

// State is the engine-reported pipeline state.
type State int

const (
	StateRunning State = iota
	StateStopped
	StateError
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	case StateError:
		return "ERROR"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the pipeline has finished, cleanly or not.
func (s State) Terminal() bool {
	return s != StateRunning
}

// Frame is one input frame.
type Frame struct {
	Data []byte `json:"data"`
	// Caps describes Data, e.g. "video/x-raw,format=RGB,width=640,height=480"
	// or "image/jpeg".
	Caps string `json:"caps"`
	// Message is an optional JSON document the engine attaches, unchanged,
	// to the sample produced for this frame.
	Message string `json:"message,omitempty"`
}

// Sample is the engine output for one frame.
type Sample struct {
	// Messages are JSON documents attached to the frame. The first is the
	// per-frame metadata passed in through Frame.Message; any of them may
	// carry an "events" list.
	Messages []string `json:"messages,omitempty"`
	Regions  []Region `json:"regions,omitempty"`
	// Tensors are frame-level tensors, e.g. action recognition output.
	Tensors []Tensor `json:"tensors,omitempty"`
}

// Region is a spatial region of interest in a frame.
type Region struct {
	Label      string   `json:"label,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Rect       Rect     `json:"rect"`
	ObjectID   int64    `json:"object_id,omitempty"`
	Tensors    []Tensor `json:"tensors,omitempty"`
}

// Rect is a normalized rectangle.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Tensor is a model output attached to a frame or region.
type Tensor struct {
	Name       string  `json:"name,omitempty"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	// Detection marks the tensor that produced the region itself.
	Detection bool `json:"detection,omitempty"`
}
