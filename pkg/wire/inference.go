package wire

// InferenceType discriminates the Inference payload.
type InferenceType string

const (
	InferenceTypeEntity         InferenceType = "ENTITY"
	InferenceTypeEvent          InferenceType = "EVENT"
	InferenceTypeClassification InferenceType = "CLASSIFICATION"
)

// SubtypeObjectDetection marks an entity that is referenced by an event.
const SubtypeObjectDetection = "objectDetection"

// Inference is one typed result for a frame. Exactly one of Entity, Event
// and Classification is set, matching Type.
type Inference struct {
	Type              InferenceType     `json:"type"`
	Subtype           string            `json:"subtype"`
	InferenceID       string            `json:"inferenceId"`
	RelatedInferences []string          `json:"relatedInferences"`
	Extensions        map[string]string `json:"extensions"`

	Entity         *Entity         `json:"entity,omitempty"`
	Event          *Event          `json:"event,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
}

// Tag is a label with a confidence.
type Tag struct {
	Value      string  `json:"value"`
	Confidence float32 `json:"confidence"`
}

// Rectangle is a bounding box in normalized [0,1] image coordinates.
type Rectangle struct {
	L float32 `json:"l"`
	T float32 `json:"t"`
	W float32 `json:"w"`
	H float32 `json:"h"`
}

// Attribute is a named classification attached to an entity.
type Attribute struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Confidence float32 `json:"confidence"`
}

// Entity is a detected, optionally tracked, object.
type Entity struct {
	Tag        *Tag         `json:"tag"`
	Attributes []*Attribute `json:"attributes"`
	Box        *Rectangle   `json:"box"`
	ID         string       `json:"id"`
}

// Event is a higher-level occurrence derived from one or more entities.
type Event struct {
	Name       string            `json:"name"`
	Properties map[string]string `json:"properties"`
}

// Classification labels the whole frame.
type Classification struct {
	Tag *Tag `json:"tag"`
}

// NewEntity wraps an entity in an ENTITY inference.
func NewEntity(entity *Entity) *Inference {
	return &Inference{
		Type:              InferenceTypeEntity,
		RelatedInferences: []string{},
		Extensions:        map[string]string{},
		Entity:            entity,
	}
}

// NewEvent wraps an event in an EVENT inference.
func NewEvent(id, subtype string, related []string, event *Event) *Inference {
	if related == nil {
		related = []string{}
	}
	return &Inference{
		Type:              InferenceTypeEvent,
		Subtype:           subtype,
		InferenceID:       id,
		RelatedInferences: related,
		Extensions:        map[string]string{},
		Event:             event,
	}
}

// NewClassification wraps a tag in a CLASSIFICATION inference.
func NewClassification(tag *Tag) *Inference {
	return &Inference{
		Type:              InferenceTypeClassification,
		RelatedInferences: []string{},
		Extensions:        map[string]string{},
		Classification:    &Classification{Tag: tag},
	}
}
