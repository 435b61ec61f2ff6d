// Package extension holds the server-level configuration of the inference
// extension.
package extension

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/video-system/go-inference-extension/pkg/engine"
)

// Protocols the extension can serve.
const (
	ProtocolGRPC      = "grpc"
	ProtocolHTTP      = "http"
	ProtocolWebsocket = "websocket"
)

// Defaults.
const (
	DefaultProtocol            = ProtocolGRPC
	DefaultGRPCPort            = 5001
	DefaultHTTPPort            = 8000
	DefaultWSPort              = 5002
	DefaultMaxRunningPipelines = 10
	DefaultLogLevel            = "INFO"
	DefaultLogFormat           = "text"
	DefaultEngine              = "process"
	DefaultStreamQueueSize     = 8
	DefaultHTTPQueueSize       = 1
	DefaultResponseTimeout     = 40 * time.Second
	DefaultCompletionTimeout   = 10 * time.Second
)

// Environment variables read by ApplyEnv.
const (
	EnvProtocol            = "PROTOCOL"
	EnvGRPCPort            = "GRPC_PORT"
	EnvHTTPPort            = "HTTP_PORT"
	EnvMaxRunningPipelines = "MAX_RUNNING_PIPELINES"
	EnvLogLevel            = "EXTENSION_LOG_LEVEL"
)

// Config holds all extension configuration
type Config struct {
	Protocol            string `yaml:"protocol"`
	Host                string `yaml:"host"`
	GRPCPort            int    `yaml:"grpc_port"`
	HTTPPort            int    `yaml:"http_port"`
	WSPort              int    `yaml:"ws_port"`
	MaxRunningPipelines int    `yaml:"max_running_pipelines"`

	Log      LogConfig      `yaml:"log"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Engine   engine.Config  `yaml:"engine"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR
	Format string `yaml:"format"` // text, json
}

// PipelineConfig tunes pipeline processors
type PipelineConfig struct {
	StreamQueueSize   int           `yaml:"stream_queue_size"`  // Frames in flight per stream
	HTTPQueueSize     int           `yaml:"http_queue_size"`    // Frames in flight per HTTP stream id
	ResponseTimeout   time.Duration `yaml:"response_timeout"`   // Output poll window (40s)
	CompletionTimeout time.Duration `yaml:"completion_timeout"` // Final drain wait (10s)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	if c.Protocol == "" {
		c.Protocol = DefaultProtocol
	}
	if c.GRPCPort == 0 {
		c.GRPCPort = DefaultGRPCPort
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = DefaultHTTPPort
	}
	if c.WSPort == 0 {
		c.WSPort = DefaultWSPort
	}
	if c.MaxRunningPipelines == 0 {
		c.MaxRunningPipelines = DefaultMaxRunningPipelines
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Engine.Type == "" {
		c.Engine.Type = DefaultEngine
	}
	if c.Pipeline.StreamQueueSize == 0 {
		c.Pipeline.StreamQueueSize = DefaultStreamQueueSize
	}
	if c.Pipeline.HTTPQueueSize == 0 {
		c.Pipeline.HTTPQueueSize = DefaultHTTPQueueSize
	}
	if c.Pipeline.ResponseTimeout == 0 {
		c.Pipeline.ResponseTimeout = DefaultResponseTimeout
	}
	if c.Pipeline.CompletionTimeout == 0 {
		c.Pipeline.CompletionTimeout = DefaultCompletionTimeout
	}
}

// ApplyEnv overrides fields from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvProtocol); ok && v != "" {
		c.Protocol = strings.ToLower(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{EnvGRPCPort, &c.GRPCPort},
		{EnvHTTPPort, &c.HTTPPort},
		{EnvMaxRunningPipelines, &c.MaxRunningPipelines},
	}
	for _, field := range ints {
		v, ok := lookup(field.name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", field.name, err)
		}
		*field.dst = n
	}
	return nil
}

// Validate checks that the configuration can be served.
func (c *Config) Validate() error {
	var errs []error
	switch c.Protocol {
	case ProtocolGRPC, ProtocolHTTP, ProtocolWebsocket:
	default:
		errs = append(errs, fmt.Errorf("unknown protocol %q", c.Protocol))
	}
	for name, port := range map[string]int{"grpc_port": c.GRPCPort, "http_port": c.HTTPPort, "ws_port": c.WSPort} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	if c.MaxRunningPipelines < 1 {
		errs = append(errs, fmt.Errorf("max_running_pipelines must be positive, got %d", c.MaxRunningPipelines))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
