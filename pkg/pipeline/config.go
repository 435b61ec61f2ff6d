package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/video-system/go-inference-extension/pkg/wire"
)

// Keys recognized in an extension configuration document.
const (
	KeyPipeline         = "pipeline"
	KeyName             = "name"
	KeyVersion          = "version"
	KeyParameters       = "parameters"
	KeyFrameDestination = "frame-destination"
	KeyExtensions       = "extensions"
)

const extensionConfigSchema = `{
  "$schema": "http://json-schema.org/draft-04/schema#",
  "type": "object",
  "properties": {
    "pipeline": {
      "type": "object",
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "version": {"type": "string", "minLength": 1},
        "parameters": {"type": "object"},
        "frame-destination": {"type": "object"},
        "extensions": {
          "type": "object",
          "additionalProperties": {"type": "string"}
        }
      },
      "required": ["name", "version"]
    }
  },
  "required": ["pipeline"]
}`

var schema = jsonschema.MustCompileString("extension_config.json", extensionConfigSchema)

// ExtensionConfig selects and parameterizes the engine pipeline for a
// stream. It is immutable once a processor has started from it.
type ExtensionConfig struct {
	Pipeline PipelineConfig `json:"pipeline"`
}

// PipelineConfig is the "pipeline" section of an ExtensionConfig.
type PipelineConfig struct {
	Name             string            `json:"name"`
	Version          string            `json:"version"`
	Parameters       map[string]any    `json:"parameters,omitempty"`
	FrameDestination map[string]any    `json:"frame-destination,omitempty"`
	Extensions       map[string]string `json:"extensions,omitempty"`
}

// ParseExtensionConfig decodes and validates a JSON configuration
// document. An empty document fails validation.
func ParseExtensionConfig(raw string) (*ExtensionConfig, error) {
	var doc any
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, &ConfigValidationError{Reason: "decoding extension configuration failed", Err: err}
		}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &ConfigValidationError{Reason: fmt.Sprintf("invalid configuration %s", raw), Err: err}
	}

	var cfg ExtensionConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, &ConfigValidationError{Reason: "decoding extension configuration failed", Err: err}
	}
	return &cfg, nil
}

// Validate checks c against the configuration schema.
func (c *ExtensionConfig) Validate() error {
	if c == nil {
		return &ConfigValidationError{Reason: "missing extension configuration"}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return &ConfigValidationError{Reason: "encoding extension configuration failed", Err: err}
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ConfigValidationError{Reason: "decoding extension configuration failed", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &ConfigValidationError{Reason: fmt.Sprintf("invalid configuration %s", data), Err: err}
	}
	return nil
}

// canonical returns the deterministic CBOR encoding of c. Equal
// configurations always produce identical bytes.
func (c *ExtensionConfig) canonical() ([]byte, error) {
	return wire.Marshal(c)
}

// Equal reports whether c and other are the same configuration.
func (c *ExtensionConfig) Equal(other *ExtensionConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	a, err := c.canonical()
	if err != nil {
		return false
	}
	b, err := other.canonical()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// Clone returns a deep copy of c.
func (c *ExtensionConfig) Clone() *ExtensionConfig {
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var out ExtensionConfig
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}
