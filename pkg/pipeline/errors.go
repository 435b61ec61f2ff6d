package pipeline

import (
	"errors"
	"fmt"

	"github.com/video-system/go-inference-extension/pkg/engine"
)

// Sentinel errors for processor operations.
var (
	// ErrNoOutput is the transient timeout returned by GetResponses when the
	// engine produced nothing within the polling window.
	ErrNoOutput = errors.New("pipeline: no output within timeout")

	// ErrNotRunning is returned when submitting to a pipeline that has
	// already reached a terminal state.
	ErrNotRunning = errors.New("pipeline: not running")

	// ErrMalformedSample marks engine output the translator cannot read.
	ErrMalformedSample = errors.New("pipeline: malformed engine sample")
)

// ConfigValidationError reports an extension configuration that is missing
// required keys or is not valid JSON. It is raised before any engine call.
type ConfigValidationError struct {
	Reason string
	Err    error
}

func (e *ConfigValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("error validating pipeline request: %s: %v", e.Reason, e.Err)
	}
	return "error validating pipeline request: " + e.Reason
}

func (e *ConfigValidationError) Unwrap() error { return e.Err }

// ProtocolError reports a client that broke the stream protocol: a bad
// first message, a disallowed content type or an inconsistent transfer mode.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// NewProtocolError formats a ProtocolError.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// TransferError reports frame content that cannot be delivered: a shared
// memory reference out of bounds or an unsupported media encoding.
type TransferError struct {
	Reason string
	Err    error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer error: %s: %v", e.Reason, e.Err)
	}
	return "transfer error: " + e.Reason
}

func (e *TransferError) Unwrap() error { return e.Err }

// PipelineStateError reports an engine pipeline that failed, was aborted or
// did not complete cleanly. It is fatal to the stream.
type PipelineStateError struct {
	Pipeline string
	Version  string
	State    engine.State
	Reason   string
	Err      error
}

func (e *PipelineStateError) Error() string {
	msg := fmt.Sprintf("pipeline %s/%s: %s (state %s)", e.Pipeline, e.Version, e.Reason, e.State)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PipelineStateError) Unwrap() error { return e.Err }
