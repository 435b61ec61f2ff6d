package wire

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	msg := &MediaStreamMessage{
		SequenceNumber: 2,
		MediaSample: &MediaSample{
			Timestamp:    9000,
			ContentBytes: &ContentBytes{Bytes: []byte{0xff, 0xd8, 0x00}},
		},
	}

	codec := Codec{}
	assert.Equal(t, "cbor", codec.Name())

	data, err := codec.Marshal(msg)
	require.NoError(t, err)

	var got MediaStreamMessage
	require.NoError(t, codec.Unmarshal(data, &got))
	assert.Equal(t, uint64(2), got.SequenceNumber)
	require.NotNil(t, got.MediaSample)
	assert.Equal(t, uint64(9000), got.MediaSample.Timestamp)
	assert.Equal(t, []byte{0xff, 0xd8, 0x00}, got.MediaSample.ContentBytes.Bytes)
	assert.Nil(t, got.MediaStreamDescriptor)
}

func TestMarshalIsDeterministic(t *testing.T) {
	inference := NewEntity(&Entity{Tag: &Tag{Value: "person", Confidence: 0.5}})
	inference.Extensions = map[string]string{"b": "2", "a": "1", "c": "3"}

	first, err := Marshal(inference)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Marshal(inference)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(first, again))
	}
}

func TestSequenceEncoding(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(Descriptor(1, 90000)))
	require.NoError(t, enc.Encode(&MediaStreamMessage{SequenceNumber: 2, AckSequenceNumber: 2}))

	dec := NewDecoder(&buf)
	var first, second MediaStreamMessage
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, uint32(90000), first.MediaStreamDescriptor.MediaDescriptor.Timescale)
	assert.Equal(t, uint64(2), second.AckSequenceNumber)
}

func TestDescriptorEchoesTimescaleOnly(t *testing.T) {
	msg := Descriptor(1, 90000)
	assert.Equal(t, uint64(1), msg.SequenceNumber)
	assert.Equal(t, uint64(1), msg.AckSequenceNumber)
	require.NotNil(t, msg.MediaStreamDescriptor)
	assert.Empty(t, msg.MediaStreamDescriptor.ExtensionConfiguration)
	assert.Nil(t, msg.MediaStreamDescriptor.MediaDescriptor.VideoFrameSampleFormat)
	assert.Nil(t, msg.MediaSample)
}

func TestMediaSampleJSON(t *testing.T) {
	sample := &MediaSample{
		Timestamp: 1234,
		Inferences: []*Inference{
			NewClassification(&Tag{Value: "running", Confidence: 0.5}),
		},
	}
	data, err := json.Marshal(sample)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"timestamp": "1234",
		"inferences": [{
			"type": "CLASSIFICATION",
			"subtype": "",
			"inferenceId": "",
			"relatedInferences": [],
			"extensions": {},
			"classification": {"tag": {"value": "running", "confidence": 0.5}}
		}]
	}`, string(data))

	var decoded MediaSample
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, uint64(1234), decoded.Timestamp)
	assert.Equal(t, InferenceTypeClassification, decoded.Inferences[0].Type)
}
