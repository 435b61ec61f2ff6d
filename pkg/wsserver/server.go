// Package wsserver serves the media stream protocol over a websocket.
//
// Each media stream message is one JSON text message. Because a websocket
// close frame ends both directions, a client signals that it has no more
// frames with an empty message and keeps reading until the server closes.
package wsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/video-system/go-inference-extension/pkg/engine"
	"github.com/video-system/go-inference-extension/pkg/pipeline"
	"github.com/video-system/go-inference-extension/pkg/stream"
	"github.com/video-system/go-inference-extension/pkg/wire"
)

// Path is where the websocket endpoint is mounted.
const Path = "/ws"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Config holds websocket server configuration.
type Config struct {
	Host   string
	Port   int
	Engine engine.Engine
	Stream stream.Options
}

// Server is the websocket extension server.
type Server struct {
	cfg     Config
	streams *stream.Server
	server  *http.Server
}

// NewServer creates a new websocket server.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		streams: stream.NewServer(cfg.Engine, cfg.Stream),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleStream)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}
	return s
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the websocket server
func (s *Server) Start() error {
	logrus.WithFields(logrus.Fields{
		"function": "wsserver.Start",
		"address":  s.server.Addr,
	}).Info("Starting websocket extension server")
	return s.server.ListenAndServe()
}

// Stop stops the websocket server
func (s *Server) Stop() {
	s.streams.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
	s.streams.Wait()
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.handleStream",
			"error":    err.Error(),
		}).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := logrus.WithFields(logrus.Fields{
		"remote": conn.RemoteAddr().String(),
	})
	log.WithField("function", "Server.handleStream").Info("Client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	st := &wsStream{ctx: ctx, cancel: cancel, conn: conn}

	err = s.streams.Serve(st)
	code, reason := closeCode(err)
	if err != nil {
		log.WithFields(logrus.Fields{
			"function": "Server.handleStream",
			"error":    err.Error(),
		}).Error("Stream failed")
	}
	st.close(code, reason)
	log.WithField("function", "Server.handleStream").Info("Client disconnected")
}

// closeCode maps stream errors onto websocket close codes.
func closeCode(err error) (int, string) {
	if err == nil {
		return websocket.CloseNormalClosure, ""
	}
	var (
		cve *pipeline.ConfigValidationError
		pe  *pipeline.ProtocolError
		te  *pipeline.TransferError
	)
	reason := err.Error()
	// Close frame payloads are capped at 125 bytes, two of which hold the code.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	switch {
	case errors.As(err, &cve), errors.As(err, &pe):
		return websocket.CloseProtocolError, reason
	case errors.As(err, &te):
		return websocket.CloseUnsupportedData, reason
	default:
		return websocket.CloseInternalServerErr, reason
	}
}

type wsStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn

	writeMu sync.Mutex
	eos     bool
}

func (s *wsStream) Context() context.Context { return s.ctx }

func (s *wsStream) Send(msg *wire.MediaStreamMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Recv reads the next message. An empty message ends the input with
// io.EOF; any other read failure is a disconnect and cancels the context.
func (s *wsStream) Recv() (*wire.MediaStreamMessage, error) {
	if s.eos {
		return nil, io.EOF
	}
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.cancel()
		return nil, err
	}
	if len(data) == 0 {
		s.eos = true
		return nil, io.EOF
	}
	msg := new(wire.MediaStreamMessage)
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, pipeline.NewProtocolError("decode message: %v", err)
	}
	return msg, nil
}

func (s *wsStream) close(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
