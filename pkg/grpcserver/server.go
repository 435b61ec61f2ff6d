// Package grpcserver serves the media stream protocol over gRPC.
//
// Messages are encoded with the CBOR codec from package wire, so no
// generated protobuf code is involved.
package grpcserver

import (
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/video-system/go-inference-extension/pkg/engine"
	"github.com/video-system/go-inference-extension/pkg/pipeline"
	"github.com/video-system/go-inference-extension/pkg/stream"
	"github.com/video-system/go-inference-extension/pkg/wire"
)

// MaxMessageSize bounds a single message, which may carry a raw frame.
const MaxMessageSize = 64 << 20

// Config holds gRPC server configuration.
type Config struct {
	Host   string
	Port   int
	Engine engine.Engine
	Stream stream.Options
}

// Server is the gRPC extension server.
type Server struct {
	cfg     Config
	streams *stream.Server
	grpc    *grpc.Server
}

// NewServer creates a new gRPC server.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		streams: stream.NewServer(cfg.Engine, cfg.Stream),
	}
	s.grpc = grpc.NewServer(
		grpc.ForceServerCodec(wire.Codec{}),
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	)
	s.grpc.RegisterService(&ServiceDesc, s)
	return s
}

// Start listens on the configured port and serves until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	logrus.WithFields(logrus.Fields{
		"function": "grpcserver.Serve",
		"address":  lis.Addr().String(),
	}).Info("Starting gRPC extension server")
	return s.grpc.Serve(lis)
}

// Stop ends every active stream, stops the server and waits for the stream
// handlers to return.
func (s *Server) Stop() {
	s.streams.Stop()
	s.grpc.Stop()
	s.streams.Wait()
}

// ProcessMediaStream implements MediaGraphExtensionServer.
func (s *Server) ProcessMediaStream(ms MediaStream) error {
	err := s.streams.Serve(ms)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Server.ProcessMediaStream",
			"error":    err.Error(),
		}).Error("Stream failed")
	}
	return toStatus(err)
}

// toStatus maps stream errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var (
		cve *pipeline.ConfigValidationError
		pe  *pipeline.ProtocolError
		te  *pipeline.TransferError
		pse *pipeline.PipelineStateError
	)
	switch {
	case errors.As(err, &cve), errors.As(err, &pe):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &te):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &pse):
		return status.Error(codes.Internal, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Unknown, err.Error())
}
