package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/video-system/go-inference-extension/pkg/engine"
	"github.com/video-system/go-inference-extension/pkg/wire"
)

// Keys of the free-form engine metadata read by the translator.
const (
	metaSequenceNumber = "sequence_number"
	metaTimestamp      = "timestamp"
	metaEvents         = "events"
	eventType          = "event-type"
	eventRelated       = "related-objects"

	actionTensor = "action"
)

// Translator converts engine samples into wire messages.
type Translator struct {
	extensions map[string]string
	newID      func() string
}

// NewTranslator returns a translator that attaches extensions to every
// entity inference.
func NewTranslator(extensions map[string]string) *Translator {
	return &Translator{extensions: extensions, newID: newInferenceID}
}

func newInferenceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Translate builds the wire message for one sample. Entity inferences come
// first in region order, then event inferences in event order, so every id
// an event references already exists when the event is built.
func (t *Translator) Translate(sample *engine.Sample) (*wire.MediaStreamMessage, error) {
	msg := &wire.MediaStreamMessage{
		MediaSample: &wire.MediaSample{Inferences: []*wire.Inference{}},
	}

	if len(sample.Messages) > 0 {
		meta, err := decodeObject(sample.Messages[0])
		if err != nil {
			return nil, fmt.Errorf("%w: frame metadata: %v", ErrMalformedSample, err)
		}
		if n, ok := uintField(meta, metaSequenceNumber); ok {
			msg.AckSequenceNumber = n
		}
		if n, ok := uintField(meta, metaTimestamp); ok {
			msg.MediaSample.Timestamp = n
		}
	}

	// Action recognition produces no regions, only a frame-level tensor.
	if len(sample.Regions) == 0 {
		for _, tensor := range sample.Tensors {
			if tensor.Name == actionTensor {
				msg.MediaSample.Inferences = append(msg.MediaSample.Inferences, wire.NewClassification(&wire.Tag{
					Value:      tensor.Label,
					Confidence: float32(tensor.Confidence),
				}))
				return msg, nil
			}
		}
	}

	events, err := sampleEvents(sample)
	if err != nil {
		return nil, err
	}

	entities := make(map[int]*wire.Inference, len(sample.Regions))
	for index, region := range sample.Regions {
		inference := t.entity(region)
		if inference == nil {
			continue
		}
		entities[index] = inference
		msg.MediaSample.Inferences = append(msg.MediaSample.Inferences, inference)
	}

	for _, event := range events {
		inference, err := t.event(event, entities)
		if err != nil {
			return nil, err
		}
		msg.MediaSample.Inferences = append(msg.MediaSample.Inferences, inference)
	}
	return msg, nil
}

// entity returns the ENTITY inference for a detection region, or nil when
// the region carries no detection.
func (t *Translator) entity(region engine.Region) *wire.Inference {
	var (
		detected   bool
		attributes []*wire.Attribute
	)
	for _, tensor := range region.Tensors {
		switch {
		case tensor.Detection:
			detected = true
		case tensor.Label != "":
			attributes = append(attributes, &wire.Attribute{
				Name:       tensor.Name,
				Value:      tensor.Label,
				Confidence: float32(region.Confidence),
			})
		}
	}
	if !detected {
		return nil
	}

	entity := &wire.Entity{
		Tag: &wire.Tag{Value: region.Label, Confidence: float32(region.Confidence)},
		Box: &wire.Rectangle{
			L: float32(region.Rect.X),
			T: float32(region.Rect.Y),
			W: float32(region.Rect.W),
			H: float32(region.Rect.H),
		},
		Attributes: attributes,
	}
	if entity.Attributes == nil {
		entity.Attributes = []*wire.Attribute{}
	}
	if region.ObjectID != 0 {
		entity.ID = strconv.FormatInt(region.ObjectID, 10)
	}

	inference := wire.NewEntity(entity)
	for key, value := range t.extensions {
		inference.Extensions[key] = value
	}
	return inference
}

func (t *Translator) event(event map[string]any, entities map[int]*wire.Inference) (*wire.Inference, error) {
	subtype, ok := event[eventType].(string)
	if !ok {
		return nil, fmt.Errorf("%w: event without %q", ErrMalformedSample, eventType)
	}

	var related []string
	if raw, present := event[eventRelated]; present {
		indexes, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a list", ErrMalformedSample, eventRelated)
		}
		for _, item := range indexes {
			index, ok := intValue(item)
			if !ok {
				return nil, fmt.Errorf("%w: %q entry %v is not an index", ErrMalformedSample, eventRelated, item)
			}
			entity, found := entities[index]
			if !found {
				logrus.WithFields(logrus.Fields{
					"function":   "Translator.event",
					"event_type": subtype,
					"region":     index,
				}).Debug("Event references a region without a detection")
				continue
			}
			if entity.InferenceID == "" {
				entity.InferenceID = t.newID()
				entity.Subtype = wire.SubtypeObjectDetection
			}
			related = append(related, entity.InferenceID)
		}
	}

	keys := make([]string, 0, len(event))
	for key := range event {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	payload := &wire.Event{Properties: map[string]string{}}
	for _, key := range keys {
		if key == eventType || key == eventRelated {
			continue
		}
		if strings.Contains(key, "name") {
			payload.Name = stringify(event[key])
			continue
		}
		payload.Properties[key] = stringify(event[key])
	}

	return wire.NewEvent(t.newID(), subtype, related, payload), nil
}

// sampleEvents returns the event list from the first message that has one.
func sampleEvents(sample *engine.Sample) ([]map[string]any, error) {
	for _, message := range sample.Messages {
		obj, err := decodeObject(message)
		if err != nil {
			return nil, fmt.Errorf("%w: message: %v", ErrMalformedSample, err)
		}
		raw, ok := obj[metaEvents]
		if !ok {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a list", ErrMalformedSample, metaEvents)
		}
		events := make([]map[string]any, 0, len(list))
		for _, item := range list {
			event, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: event %v is not an object", ErrMalformedSample, item)
			}
			events = append(events, event)
		}
		return events, nil
	}
	return nil, nil
}

func decodeObject(message string) (map[string]any, error) {
	decoder := json.NewDecoder(strings.NewReader(message))
	decoder.UseNumber()
	var obj map[string]any
	if err := decoder.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func uintField(obj map[string]any, key string) (uint64, bool) {
	number, ok := obj[key].(json.Number)
	if !ok {
		return 0, false
	}
	if n, err := strconv.ParseUint(number.String(), 10, 64); err == nil {
		return n, true
	}
	f, err := number.Float64()
	if err != nil || f < 0 {
		return 0, false
	}
	return uint64(f), true
}

func intValue(v any) (int, bool) {
	number, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	if n, err := strconv.Atoi(number.String()); err == nil {
		return n, true
	}
	// Integral floats such as 1.0 index the same region as 1.
	f, err := number.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// stringify renders an event field the way it appeared in the engine JSON;
// strings are used as-is.
func stringify(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
