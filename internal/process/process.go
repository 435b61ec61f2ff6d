// Package process runs pipelines in an external engine process.
//
// The extension starts one child process per pipeline and talks to it over
// stdio with self-delimiting CBOR records. Frames go to stdin, samples are
// read from stdout and stderr is forwarded to the log. Either side ends the
// stream with a record whose eos field is set.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/video-system/go-inference-extension/pkg/engine"
	"github.com/video-system/go-inference-extension/pkg/wire"
)

// Name is the engine type this package registers.
const Name = "process"

func init() {
	engine.Register(Name, func(cfg engine.Config) (engine.Engine, error) {
		return New(cfg)
	})
}

// InputRecord is written to the engine's stdin.
type InputRecord struct {
	Data    []byte `cbor:"data,omitempty"`
	Caps    string `cbor:"caps,omitempty"`
	Message string `cbor:"message,omitempty"`
	EOS     bool   `cbor:"eos,omitempty"`
}

// OutputRecord is read from the engine's stdout.
type OutputRecord struct {
	Sample *engine.Sample `cbor:"sample,omitempty"`
	EOS    bool           `cbor:"eos,omitempty"`
}

// Engine starts a child process per pipeline.
type Engine struct {
	binaryPath string
	args       []string
	env        []string
}

// New creates a process engine for cfg.Command.
func New(cfg engine.Config) (*Engine, error) {
	if cfg.Command == "" {
		return nil, errors.New("process engine: command not set")
	}
	path, err := findBinary(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("engine command not found: %w", err)
	}

	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return &Engine{
		binaryPath: path,
		args:       append([]string(nil), cfg.Args...),
		env:        env,
	}, nil
}

// findBinary locates a binary in PATH or common locations
func findBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	var paths []string
	switch runtime.GOOS {
	case "linux", "darwin":
		paths = []string{
			"/usr/local/bin/" + name,
			"/opt/intel/dlstreamer/bin/" + name,
		}
	case "windows":
		paths = []string{
			"C:\\Program Files\\" + name + "\\" + name + ".exe",
		}
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%s not found in PATH or common locations", name)
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return Name }

func (e *Engine) buildArgs(req engine.StartRequest) ([]string, error) {
	params, err := json.Marshal(orEmpty(req.Parameters))
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	destination, err := json.Marshal(orEmpty(req.FrameDestination))
	if err != nil {
		return nil, fmt.Errorf("encode frame destination: %w", err)
	}
	args := append([]string(nil), e.args...)
	return append(args,
		"--pipeline", req.Pipeline,
		"--version", req.Version,
		"--parameters", string(params),
		"--frame-destination", string(destination),
	), nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Start implements engine.Engine. ctx only guards the launch; the child
// outlives it and ends through end-of-stream or Stop.
func (e *Engine) Start(ctx context.Context, req engine.StartRequest) (engine.Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	args, err := e.buildArgs(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(e.binaryPath, args...)
	cmd.Env = e.env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	log := logrus.WithFields(logrus.Fields{
		"pipeline": req.Pipeline,
		"version":  req.Version,
		"pid":      cmd.Process.Pid,
	})
	log.WithField("function", "process.Start").Info("Engine process started")

	p := &Process{
		cmd:  cmd,
		log:  log,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	p.state.Store(int32(engine.StateRunning))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readSamples(stdout, req.Output)
	}()
	go func() {
		defer readers.Done()
		p.forwardStderr(stderr)
	}()
	go p.writeFrames(stdin, req.Input)
	go p.wait(&readers, req.Output)

	return p, nil
}

// Process is one running engine child process.
type Process struct {
	cmd *exec.Cmd
	log *logrus.Entry

	state    atomic.Int32
	sawEOS   atomic.Bool
	failed   atomic.Bool
	stopped  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (p *Process) writeFrames(stdin io.WriteCloser, input <-chan *engine.Frame) {
	defer stdin.Close()
	enc := wire.NewEncoder(stdin)
	for {
		select {
		case <-p.stop:
			return
		case <-p.done:
			return
		case frame := <-input:
			record := InputRecord{EOS: true}
			if frame != nil {
				record = InputRecord{Data: frame.Data, Caps: frame.Caps, Message: frame.Message}
			}
			if err := enc.Encode(record); err != nil {
				if !p.stopped.Load() {
					p.log.WithFields(logrus.Fields{
						"function": "Process.writeFrames",
						"error":    err.Error(),
					}).Error("Failed to write frame to engine")
					p.failed.Store(true)
				}
				return
			}
			if frame == nil {
				return
			}
		}
	}
}

func (p *Process) readSamples(stdout io.Reader, output engine.Sink) {
	dec := wire.NewDecoder(bufio.NewReader(stdout))
	for {
		var record OutputRecord
		if err := dec.Decode(&record); err != nil {
			if !errors.Is(err, io.EOF) && !p.stopped.Load() {
				p.log.WithFields(logrus.Fields{
					"function": "Process.readSamples",
					"error":    err.Error(),
				}).Error("Failed to decode engine output")
				p.failed.Store(true)
			}
			// Drain so the child never blocks on a full pipe.
			io.Copy(io.Discard, stdout)
			return
		}
		if record.EOS {
			if p.sawEOS.CompareAndSwap(false, true) {
				output.Put(nil)
			}
			continue
		}
		if record.Sample != nil {
			output.Put(record.Sample)
		}
	}
}

func (p *Process) forwardStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.log.WithField("function", "Process.stderr").Debug(scanner.Text())
	}
	io.Copy(io.Discard, stderr)
}

// wait reaps the child once its output pipes are drained.
func (p *Process) wait(readers *sync.WaitGroup, output engine.Sink) {
	readers.Wait()
	err := p.cmd.Wait()

	var state engine.State
	switch {
	case p.stopped.Load():
		state = engine.StateAborted
	case err != nil:
		p.log.WithFields(logrus.Fields{
			"function": "Process.wait",
			"error":    err.Error(),
		}).Error("Engine process failed")
		state = engine.StateError
	case p.failed.Load():
		state = engine.StateError
	default:
		state = engine.StateStopped
		if p.sawEOS.CompareAndSwap(false, true) {
			output.Put(nil)
		}
	}
	p.state.Store(int32(state))
	p.log.WithFields(logrus.Fields{
		"function": "Process.wait",
		"state":    state.String(),
	}).Info("Engine process exited")
	close(p.done)
}

// Status implements engine.Pipeline.
func (p *Process) Status() engine.State {
	return engine.State(p.state.Load())
}

// Wait implements engine.Pipeline.
func (p *Process) Wait(timeout time.Duration) (engine.State, bool) {
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

// Stop kills the child. The pipeline then reports StateAborted.
func (p *Process) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.stopped.Store(true)
		close(p.stop)
		err = p.cmd.Process.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}
