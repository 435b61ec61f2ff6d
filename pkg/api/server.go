package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/video-system/go-inference-extension/pkg/engine"
	"github.com/video-system/go-inference-extension/pkg/pipeline"
	"github.com/video-system/go-inference-extension/pkg/registry"
)

// Request query keys.
const (
	StreamIDParam           = "stream-id"
	FrameDestinationPrefix  = pipeline.KeyFrameDestination + "-"
	ExtensionsPrefix        = pipeline.KeyExtensions + "-"
	DefaultInputQueueSize   = 1
	MaxFrameBytes           = 64 << 20
	ServiceName             = "go-inference-extension"
	errorContentTypeMessage = "Only %v content-types supported"
)

// SupportedContentTypes are the accepted frame encodings.
var SupportedContentTypes = []string{"image/jpeg", "image/png", "image/bmp"}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host   string
	Port   int
	Engine engine.Engine

	// Limiter caps running pipelines across all streams.
	Limiter           *pipeline.Limiter
	InputQueueSize    int
	ResponseTimeout   time.Duration
	CompletionTimeout time.Duration
}

// Server is the HTTP request/response extension server. Each POST carries
// one frame for the pipeline bound to the request's stream identifier.
type Server struct {
	cfg       ServerConfig
	pipelines *registry.Registry
	server    *http.Server
	started   time.Time

	// exchanges serializes submit and receive per processor, so each
	// request gets the sample for its own frame.
	exchangesMu sync.Mutex
	exchanges   map[*pipeline.Processor]*sync.Mutex
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig) *Server {
	if cfg.InputQueueSize <= 0 {
		cfg.InputQueueSize = DefaultInputQueueSize
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = pipeline.DefaultResponseTimeout
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = pipeline.DefaultCompletionTimeout
	}

	s := &Server{
		cfg:       cfg,
		started:   time.Now(),
		exchanges: make(map[*pipeline.Processor]*sync.Mutex),
	}
	s.pipelines = registry.New(s.startPipeline)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /{pipeline}/{version}", s.handleFrame)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}

	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the API server
func (s *Server) Start() error {
	logrus.WithFields(logrus.Fields{
		"function": "api.Start",
		"address":  s.server.Addr,
	}).Info("Starting HTTP extension server")
	return s.server.ListenAndServe()
}

// Stop stops the API server and every pipeline it started.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
	s.pipelines.Close()
}

func (s *Server) startPipeline(ctx context.Context, streamID string, cfg *pipeline.ExtensionConfig) (*pipeline.Processor, error) {
	return pipeline.NewProcessor(ctx, s.cfg.Engine, cfg, pipeline.Options{
		StreamID:       streamID,
		InputQueueSize: s.cfg.InputQueueSize,
		Limiter:        s.cfg.Limiter,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": ServiceName,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"engine":            s.cfg.Engine.Name(),
		"uptime_seconds":    int64(time.Since(s.started).Seconds()),
		"running_pipelines": s.cfg.Limiter.Active(),
		"max_pipelines":     s.cfg.Limiter.Size(),
		"streams":           s.pipelines.GetAllStatuses(),
	})
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	name, version := r.PathValue("pipeline"), r.PathValue("version")

	contentType, ok := supportedContentType(r.Header.Get("Content-Type"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf(errorContentTypeMessage, SupportedContentTypes))
		return
	}

	query := r.URL.Query()
	if len(query) > 0 && !query.Has(StreamIDParam) {
		s.writeError(w, http.StatusBadRequest, "Missing stream-id query params: When parameters set stream-id must be set")
		return
	}
	streamID := query.Get(StreamIDParam)
	if streamID == "" {
		streamID = name + "_" + version
	}
	cfg := ConfigFromQuery(name, version, query)

	proc, _, err := s.pipelines.GetOrStart(r.Context(), streamID, cfg)
	if errors.Is(err, registry.ErrConfigMismatch) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Pipeline with stream id %s and different params already running", streamID))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxFrameBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("read frame: %v", err))
		return
	}

	exchange := s.exchange(proc)
	exchange.Lock()
	defer exchange.Unlock()

	if err := s.processFrame(w, r.Context(), streamID, proc, data, contentType); err != nil {
		s.stopPipeline(streamID, proc)
		s.writeError(w, http.StatusInternalServerError,
			fmt.Sprintf("Pipeline Error: %v Pipeline with stream-id %s stopped", err, streamID))
		return
	}
	if proc.Stopped() {
		s.forget(proc)
	}
}

// exchange returns the lock held for one frame round trip on proc.
func (s *Server) exchange(proc *pipeline.Processor) *sync.Mutex {
	s.exchangesMu.Lock()
	defer s.exchangesMu.Unlock()
	mu, ok := s.exchanges[proc]
	if !ok {
		mu = &sync.Mutex{}
		s.exchanges[proc] = mu
	}
	return mu
}

func (s *Server) stopPipeline(streamID string, proc *pipeline.Processor) {
	s.pipelines.Stop(streamID, proc)
	s.forget(proc)
}

func (s *Server) forget(proc *pipeline.Processor) {
	s.exchangesMu.Lock()
	delete(s.exchanges, proc)
	s.exchangesMu.Unlock()
}

// processFrame submits one frame and answers with its single result. An
// empty body is the stop signal for the stream.
func (s *Server) processFrame(w http.ResponseWriter, ctx context.Context, streamID string, proc *pipeline.Processor, data []byte, contentType string) error {
	var frame *engine.Frame
	if len(data) > 0 {
		frame = &engine.Frame{Data: data, Caps: contentType}
	}
	if err := proc.SubmitFrame(ctx, frame); err != nil {
		return err
	}
	if frame != nil && proc.Stopped() {
		return pipeline.ErrNotRunning
	}

	batch, err := proc.GetResponses(s.cfg.ResponseTimeout)
	if err != nil {
		return err
	}

	if len(batch.Messages) > 0 {
		msg := batch.Messages[0]
		if len(msg.MediaSample.Inferences) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(msg.MediaSample)
		return nil
	}

	s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Received empty frame, stopping pipeline %s", streamID))
	if !proc.Stopped() {
		logrus.WithFields(logrus.Fields{
			"function":  "Server.processFrame",
			"stream_id": streamID,
		}).Error("Failed to gracefully stop pipeline")
	}
	s.stopPipeline(streamID, proc)
	if err := proc.WaitForCompletion(s.cfg.CompletionTimeout); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Server.processFrame",
			"stream_id": streamID,
			"error":     err.Error(),
		}).Error("Pipeline did not complete")
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	logrus.WithFields(logrus.Fields{
		"function": "Server.writeError",
		"status":   status,
	}).Error(message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"Error": message})
}

// supportedContentType matches the header exactly; media type parameters
// are not accepted.
func supportedContentType(header string) (string, bool) {
	for _, supported := range SupportedContentTypes {
		if header == supported {
			return header, true
		}
	}
	return "", false
}

// ConfigFromQuery derives an extension configuration from a request path
// and query. Keys prefixed with frame-destination- and extensions- fill
// those sections verbatim; any other key except stream-id is a pipeline
// parameter whose value is decoded as JSON when possible.
func ConfigFromQuery(name, version string, query url.Values) *pipeline.ExtensionConfig {
	cfg := &pipeline.ExtensionConfig{Pipeline: pipeline.PipelineConfig{Name: name, Version: version}}
	for key := range query {
		value := query.Get(key)
		switch {
		case key == StreamIDParam:
		case strings.HasPrefix(key, FrameDestinationPrefix):
			if cfg.Pipeline.FrameDestination == nil {
				cfg.Pipeline.FrameDestination = map[string]any{}
			}
			cfg.Pipeline.FrameDestination[strings.TrimPrefix(key, FrameDestinationPrefix)] = value
		case strings.HasPrefix(key, ExtensionsPrefix):
			if cfg.Pipeline.Extensions == nil {
				cfg.Pipeline.Extensions = map[string]string{}
			}
			cfg.Pipeline.Extensions[strings.TrimPrefix(key, ExtensionsPrefix)] = value
		default:
			if cfg.Pipeline.Parameters == nil {
				cfg.Pipeline.Parameters = map[string]any{}
			}
			cfg.Pipeline.Parameters[key] = typedValue(value)
		}
	}
	return cfg
}

func typedValue(value string) any {
	var typed any
	if err := json.Unmarshal([]byte(value), &typed); err != nil {
		return value
	}
	return typed
}
