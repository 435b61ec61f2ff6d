// Package session holds the negotiated state of one media stream: how frame
// content is transferred and what media format it has.
package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/video-system/go-inference-extension/pkg/engine"
	"github.com/video-system/go-inference-extension/pkg/pipeline"
	"github.com/video-system/go-inference-extension/pkg/shm"
	"github.com/video-system/go-inference-extension/pkg/wire"
)

// TransferMode is how a client delivers frame content.
type TransferMode int

const (
	// TransferEmbedded carries content bytes inside each sample.
	TransferEmbedded TransferMode = iota + 1
	// TransferSharedReference references content by offset and length in
	// one named shared memory region.
	TransferSharedReference
	// TransferSharedHandle addresses independent shared memory segments.
	// It is reserved and always rejected.
	TransferSharedHandle
)

func (m TransferMode) String() string {
	switch m {
	case TransferEmbedded:
		return "EMBEDDED"
	case TransferSharedReference:
		return "SHARED_REFERENCE"
	case TransferSharedHandle:
		return "SHARED_HANDLE"
	default:
		return "UNKNOWN"
	}
}

// RegionOpener opens a shared memory region read-only.
type RegionOpener func(name string, length uint64) (Region, error)

// Region is the read side of a shared memory region.
type Region interface {
	ReadBytes(offset, length uint64) ([]byte, error)
	Close() error
}

// OpenShared is the RegionOpener backed by /dev/shm.
func OpenShared(name string, length uint64) (Region, error) {
	region, err := shm.Open(name, length)
	if err != nil {
		return nil, err
	}
	return region, nil
}

// Session is the immutable negotiated state of one stream.
type Session struct {
	mode      TransferMode
	caps      string
	timescale uint32
	ack       uint64
	config    string
	region    Region
	log       *logrus.Entry
}

// Negotiate builds a session from the first message of a stream. The
// message must carry a descriptor; a missing descriptor or a reserved
// transfer mode is a *pipeline.ProtocolError, and an unsupported media
// format is a *pipeline.TransferError. open may be nil when shared memory
// is not available, in which case shared memory clients are rejected.
func Negotiate(msg *wire.MediaStreamMessage, open RegionOpener) (*Session, error) {
	if msg == nil || msg.MediaStreamDescriptor == nil {
		return nil, pipeline.NewProtocolError("first message must carry a media stream descriptor")
	}
	desc := msg.MediaStreamDescriptor

	s := &Session{
		ack:    msg.SequenceNumber,
		config: desc.ExtensionConfiguration,
	}

	switch {
	case desc.SharedMemoryBufferTransferProperties != nil && desc.SharedMemorySegmentsTransferProperties != nil:
		return nil, pipeline.NewProtocolError("descriptor declares more than one transfer mode")
	case desc.SharedMemorySegmentsTransferProperties != nil:
		return nil, pipeline.NewProtocolError("transfer mode %s is not supported", TransferSharedHandle)
	case desc.SharedMemoryBufferTransferProperties != nil:
		s.mode = TransferSharedReference
	default:
		s.mode = TransferEmbedded
	}

	if desc.MediaDescriptor != nil {
		s.timescale = desc.MediaDescriptor.Timescale
	}
	caps, err := Caps(desc.MediaDescriptor)
	if err != nil {
		return nil, err
	}
	s.caps = caps

	if s.mode == TransferSharedReference {
		props := desc.SharedMemoryBufferTransferProperties
		if open == nil {
			return nil, &pipeline.TransferError{Reason: "shared memory transfer is not available"}
		}
		region, err := open(props.HandleName, props.LengthBytes)
		if err != nil {
			return nil, &pipeline.TransferError{Reason: fmt.Sprintf("open shared memory %q", props.HandleName), Err: err}
		}
		s.region = region
	}

	s.log = logrus.WithFields(logrus.Fields{
		"transfer_mode": s.mode.String(),
		"caps":          s.caps,
	})
	s.log.WithFields(logrus.Fields{
		"function":        "Negotiate",
		"sequence_number": msg.SequenceNumber,
		"timescale":       s.timescale,
	}).Info("Stream negotiated")
	return s, nil
}

// Mode returns the negotiated transfer mode.
func (s *Session) Mode() TransferMode { return s.mode }

// Caps returns the media caps attached to every frame.
func (s *Session) Caps() string { return s.caps }

// ExtensionConfiguration returns the raw configuration document carried by
// the descriptor.
func (s *Session) ExtensionConfiguration() string { return s.config }

// Reply returns the descriptor echo for the negotiation message.
func (s *Session) Reply() *wire.MediaStreamMessage {
	return wire.Descriptor(s.ack, s.timescale)
}

// ResolveFrame turns a sample message into an engine frame. The frame owns
// its bytes, so nothing references shared memory after ResolveFrame
// returns. Content that does not match the negotiated mode is a
// *pipeline.ProtocolError; an out of range reference is a
// *pipeline.TransferError.
func (s *Session) ResolveFrame(msg *wire.MediaStreamMessage) (*engine.Frame, error) {
	if msg.MediaStreamDescriptor != nil {
		return nil, pipeline.NewProtocolError("descriptor received after negotiation (sequence %d)", msg.SequenceNumber)
	}
	sample := msg.MediaSample
	if sample == nil {
		return nil, pipeline.NewProtocolError("message %d carries no media sample", msg.SequenceNumber)
	}

	var data []byte
	switch s.mode {
	case TransferEmbedded:
		if sample.ContentReference != nil || sample.ContentBytes == nil {
			return nil, pipeline.NewProtocolError("message %d does not use embedded content", msg.SequenceNumber)
		}
		data = sample.ContentBytes.Bytes
	case TransferSharedReference:
		if sample.ContentBytes != nil || sample.ContentReference == nil {
			return nil, pipeline.NewProtocolError("message %d does not use a shared memory reference", msg.SequenceNumber)
		}
		ref := sample.ContentReference
		b, err := s.region.ReadBytes(ref.AddressOffset, ref.LengthBytes)
		if err != nil {
			return nil, &pipeline.TransferError{
				Reason: fmt.Sprintf("message %d references [%d, +%d)", msg.SequenceNumber, ref.AddressOffset, ref.LengthBytes),
				Err:    err,
			}
		}
		data = b
	}

	return &engine.Frame{
		Data:    data,
		Caps:    s.caps,
		Message: frameMessage(msg.SequenceNumber, sample.Timestamp),
	}, nil
}

// Close releases the shared memory region, if any.
func (s *Session) Close() error {
	if s.region == nil {
		return nil
	}
	return s.region.Close()
}

func frameMessage(seq, timestamp uint64) string {
	var b strings.Builder
	b.WriteString(`{"sequence_number":`)
	b.WriteString(strconv.FormatUint(seq, 10))
	b.WriteString(`,"timestamp":`)
	b.WriteString(strconv.FormatUint(timestamp, 10))
	b.WriteString("}")
	return b.String()
}

var rawFormats = map[wire.PixelFormat]string{
	wire.PixelFormatRGBA:  "RGBA",
	wire.PixelFormatRGB24: "RGB",
	wire.PixelFormatBGR24: "BGR",
}

var imageCaps = map[wire.Encoding]string{
	wire.EncodingJPG: "image/jpeg",
	wire.EncodingPNG: "image/png",
	wire.EncodingBMP: "image/bmp",
}

// Caps returns the engine caps string for a media descriptor.
func Caps(media *wire.MediaDescriptor) (string, error) {
	if media == nil || media.VideoFrameSampleFormat == nil {
		return "", &pipeline.TransferError{Reason: "descriptor has no video frame sample format"}
	}
	format := media.VideoFrameSampleFormat

	if format.Encoding == wire.EncodingRAW {
		name, ok := rawFormats[format.PixelFormat]
		if !ok {
			return "", &pipeline.TransferError{Reason: fmt.Sprintf("unsupported raw pixel format %q", format.PixelFormat)}
		}
		if format.Dimensions == nil || format.Dimensions.Width == 0 || format.Dimensions.Height == 0 {
			return "", &pipeline.TransferError{Reason: "raw video requires frame dimensions"}
		}
		return fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d",
			name, format.Dimensions.Width, format.Dimensions.Height), nil
	}

	if caps, ok := imageCaps[format.Encoding]; ok {
		return caps, nil
	}
	return "", &pipeline.TransferError{Reason: fmt.Sprintf("unsupported encoding %q", format.Encoding)}
}
