package grpcserver

import (
	"context"

	"google.golang.org/grpc"

	"github.com/video-system/go-inference-extension/pkg/wire"
)

// Fully-qualified service and method names of the media graph extension
// protocol.
const (
	ServiceName              = "microsoft.azure.media.live_video_analytics.extensibility.grpc.v1.MediaGraphExtension"
	ProcessMediaStreamMethod = "/" + ServiceName + "/ProcessMediaStream"
)

// MediaGraphExtensionServer is the server API of the extension service.
type MediaGraphExtensionServer interface {
	ProcessMediaStream(MediaStream) error
}

// MediaStream is the server side of one ProcessMediaStream call.
type MediaStream interface {
	Context() context.Context
	Send(*wire.MediaStreamMessage) error
	Recv() (*wire.MediaStreamMessage, error)
}

// ServiceDesc describes the extension service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MediaGraphExtensionServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ProcessMediaStream",
			Handler:       processMediaStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "extension.proto",
}

func processMediaStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(MediaGraphExtensionServer).ProcessMediaStream(&mediaStream{stream})
}

type mediaStream struct {
	grpc.ServerStream
}

func (s *mediaStream) Send(msg *wire.MediaStreamMessage) error {
	return s.ServerStream.SendMsg(msg)
}

func (s *mediaStream) Recv() (*wire.MediaStreamMessage, error) {
	msg := new(wire.MediaStreamMessage)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// MediaStreamClient is the client side of one ProcessMediaStream call.
type MediaStreamClient interface {
	Send(*wire.MediaStreamMessage) error
	Recv() (*wire.MediaStreamMessage, error)
	CloseSend() error
	Context() context.Context
}

// OpenMediaStream starts a ProcessMediaStream call on conn. The connection
// must encode with wire.Codec, e.g. through grpc.ForceCodec.
func OpenMediaStream(ctx context.Context, conn grpc.ClientConnInterface, opts ...grpc.CallOption) (MediaStreamClient, error) {
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], ProcessMediaStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &mediaStreamClient{stream}, nil
}

type mediaStreamClient struct {
	grpc.ClientStream
}

func (c *mediaStreamClient) Send(msg *wire.MediaStreamMessage) error {
	return c.ClientStream.SendMsg(msg)
}

func (c *mediaStreamClient) Recv() (*wire.MediaStreamMessage, error) {
	msg := new(wire.MediaStreamMessage)
	if err := c.ClientStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
