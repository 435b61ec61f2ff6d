// Package registry maps stream identifiers to long-lived pipeline
// processors for the request/response server.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/video-system/go-inference-extension/pkg/pipeline"
)

// ErrConfigMismatch is returned when a stream identifier is already bound to
// a processor started from a different configuration.
var ErrConfigMismatch = errors.New("registry: stream running with different configuration")

// StartFunc starts a processor for a stream.
type StartFunc func(ctx context.Context, streamID string, cfg *pipeline.ExtensionConfig) (*pipeline.Processor, error)

type entry struct {
	ready chan struct{}
	proc  *pipeline.Processor
	err   error
}

// Registry is a concurrency-safe stream identifier to processor map.
// Concurrent first requests for the same identifier start exactly one
// processor; the others wait for it and share it.
type Registry struct {
	start StartFunc

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a registry that starts processors with start.
func New(start StartFunc) *Registry {
	return &Registry{
		start:   start,
		entries: make(map[string]*entry),
	}
}

// GetOrStart returns the processor bound to streamID, starting one from cfg
// if there is none. If the bound processor has a different configuration it
// returns an error wrapping ErrConfigMismatch and leaves the processor
// alone. The boolean reports whether this call started the processor.
func (r *Registry) GetOrStart(ctx context.Context, streamID string, cfg *pipeline.ExtensionConfig) (*pipeline.Processor, bool, error) {
	r.mu.Lock()
	e, ok := r.entries[streamID]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		r.entries[streamID] = e
		r.mu.Unlock()
		return r.startEntry(ctx, streamID, e, cfg)
	}
	r.mu.Unlock()

	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	if e.err != nil {
		return nil, false, e.err
	}
	if !e.proc.CompareConfig(cfg) {
		return nil, false, fmt.Errorf("%w: stream id %s", ErrConfigMismatch, streamID)
	}
	return e.proc, false, nil
}

func (r *Registry) startEntry(ctx context.Context, streamID string, e *entry, cfg *pipeline.ExtensionConfig) (*pipeline.Processor, bool, error) {
	logrus.WithFields(logrus.Fields{
		"function":  "Registry.GetOrStart",
		"stream_id": streamID,
	}).Info("Starting pipeline for stream")

	proc, err := r.start(ctx, streamID, cfg)
	r.mu.Lock()
	e.proc, e.err = proc, err
	if err != nil && r.entries[streamID] == e {
		delete(r.entries, streamID)
	}
	r.mu.Unlock()
	close(e.ready)
	if err != nil {
		return nil, false, err
	}
	return proc, true, nil
}

// Get returns the started processor bound to streamID.
func (r *Registry) Get(streamID string) (*pipeline.Processor, bool) {
	r.mu.Lock()
	e, ok := r.entries[streamID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.proc, e.proc != nil
	default:
		return nil, false
	}
}

// Remove unbinds streamID if it is still bound to proc.
func (r *Registry) Remove(streamID string, proc *pipeline.Processor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[streamID]
	if !ok || e.proc != proc {
		return false
	}
	delete(r.entries, streamID)
	return true
}

// Stop unbinds proc from streamID and stops it unless it already finished.
func (r *Registry) Stop(streamID string, proc *pipeline.Processor) {
	r.Remove(streamID, proc)
	if proc.Stopped() {
		return
	}
	if err := proc.Stop(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Registry.Stop",
			"stream_id": streamID,
			"error":     err.Error(),
		}).Warn("Failed to stop pipeline")
	}
}

// StreamIDs returns the bound stream identifiers in sorted order.
func (r *Registry) StreamIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of bound stream identifiers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// GetAllStatuses returns the status of every started processor.
func (r *Registry) GetAllStatuses() map[string]pipeline.Status {
	statuses := make(map[string]pipeline.Status)
	for _, id := range r.StreamIDs() {
		if proc, ok := r.Get(id); ok {
			statuses[id] = proc.GetStatus()
		}
	}
	return statuses
}

// Close stops every bound processor and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range entries {
		<-e.ready
		if e.proc == nil {
			continue
		}
		if !e.proc.Stopped() {
			_ = e.proc.Stop()
		}
		logrus.WithFields(logrus.Fields{
			"function":  "Registry.Close",
			"stream_id": id,
		}).Debug("Pipeline stopped")
	}
}
