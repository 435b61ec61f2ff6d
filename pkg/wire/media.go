// Package wire defines the messages exchanged with extension clients on the
// streaming and request/response protocols.
//
// Field names follow the JSON mapping of the media graph extension schema
// (camelCase), and the same tags drive the CBOR encoding used on gRPC.
package wire

// MediaStreamMessage is the envelope for every message on a media stream.
// Exactly one of MediaStreamDescriptor or MediaSample is set.
type MediaStreamMessage struct {
	SequenceNumber    uint64 `json:"sequenceNumber,omitempty"`
	AckSequenceNumber uint64 `json:"ackSequenceNumber,omitempty"`

	MediaStreamDescriptor *MediaStreamDescriptor `json:"mediaStreamDescriptor,omitempty"`
	MediaSample           *MediaSample           `json:"mediaSample,omitempty"`
}

// MediaStreamDescriptor negotiates a stream. It is sent once by the client as
// the first message and echoed once by the server.
type MediaStreamDescriptor struct {
	GraphIdentifier        *GraphIdentifier `json:"graphIdentifier,omitempty"`
	ExtensionConfiguration string           `json:"extensionConfiguration,omitempty"`
	MediaDescriptor        *MediaDescriptor `json:"mediaDescriptor,omitempty"`

	// At most one transfer property may be set. None means content is
	// embedded in each sample.
	SharedMemoryBufferTransferProperties   *SharedMemoryBufferTransferProperties   `json:"sharedMemoryBufferTransferProperties,omitempty"`
	SharedMemorySegmentsTransferProperties *SharedMemorySegmentsTransferProperties `json:"sharedMemorySegmentsTransferProperties,omitempty"`
}

// GraphIdentifier names the media graph instance that opened the stream.
type GraphIdentifier struct {
	MediaServicesArmID string `json:"mediaServicesArmId,omitempty"`
	GraphInstanceName  string `json:"graphInstanceName,omitempty"`
	GraphNodeName      string `json:"graphNodeName,omitempty"`
}

// MediaDescriptor describes the media carried by the stream.
type MediaDescriptor struct {
	Timescale              uint32                  `json:"timescale,omitempty"`
	VideoFrameSampleFormat *VideoFrameSampleFormat `json:"videoFrameSampleFormat,omitempty"`
}

// Encoding is the encoding of video frame content.
type Encoding string

const (
	EncodingRAW Encoding = "RAW"
	EncodingJPG Encoding = "JPG"
	EncodingPNG Encoding = "PNG"
	EncodingBMP Encoding = "BMP"
)

// PixelFormat is the pixel layout of RAW frames.
type PixelFormat string

const (
	PixelFormatNone     PixelFormat = "NONE"
	PixelFormatYUV420P  PixelFormat = "YUV420P"
	PixelFormatRGB565BE PixelFormat = "RGB565BE"
	PixelFormatRGB565LE PixelFormat = "RGB565LE"
	PixelFormatRGB555BE PixelFormat = "RGB555BE"
	PixelFormatRGB555LE PixelFormat = "RGB555LE"
	PixelFormatRGB24    PixelFormat = "RGB24"
	PixelFormatBGR24    PixelFormat = "BGR24"
	PixelFormatARGB     PixelFormat = "ARGB"
	PixelFormatRGBA     PixelFormat = "RGBA"
	PixelFormatABGR     PixelFormat = "ABGR"
	PixelFormatBGRA     PixelFormat = "BGRA"
)

// VideoFrameSampleFormat describes individual video frames.
type VideoFrameSampleFormat struct {
	Encoding    Encoding    `json:"encoding,omitempty"`
	PixelFormat PixelFormat `json:"pixelFormat,omitempty"`
	Dimensions  *Dimensions `json:"dimensions,omitempty"`
	StrideBytes uint32      `json:"strideBytes,omitempty"`
}

// Dimensions is a frame size in pixels.
type Dimensions struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

// SharedMemoryBufferTransferProperties declares a single named shared memory
// region from which sample content is referenced by offset and length.
type SharedMemoryBufferTransferProperties struct {
	HandleName  string `json:"handleName"`
	LengthBytes uint64 `json:"lengthBytes"`
}

// SharedMemorySegmentsTransferProperties is reserved. Clients declaring it
// are rejected.
type SharedMemorySegmentsTransferProperties struct {
	HandleName   string `json:"handleName,omitempty"`
	SegmentCount uint32 `json:"segmentCount,omitempty"`
}

// MediaSample carries one frame from the client, or the inference results
// for one frame from the server.
type MediaSample struct {
	Timestamp uint64 `json:"timestamp,string"`

	ContentBytes     *ContentBytes     `json:"contentBytes,omitempty"`
	ContentReference *ContentReference `json:"contentReference,omitempty"`

	Inferences []*Inference `json:"inferences"`
}

// ContentBytes is frame content embedded in the message.
type ContentBytes struct {
	Bytes []byte `json:"bytes"`
}

// ContentReference locates frame content in the negotiated shared memory
// region.
type ContentReference struct {
	AddressOffset uint64 `json:"addressOffset"`
	LengthBytes   uint64 `json:"lengthBytes"`
}

// Descriptor returns the echo descriptor the server sends in reply to a
// negotiation message. Only the timescale is echoed.
func Descriptor(ackSequenceNumber uint64, timescale uint32) *MediaStreamMessage {
	return &MediaStreamMessage{
		SequenceNumber:    1,
		AckSequenceNumber: ackSequenceNumber,
		MediaStreamDescriptor: &MediaStreamDescriptor{
			MediaDescriptor: &MediaDescriptor{Timescale: timescale},
		},
	}
}
