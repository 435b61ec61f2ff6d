// Package client posts frames to the request/response extension endpoint.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/video-system/go-inference-extension/pkg/pipeline"
	"github.com/video-system/go-inference-extension/pkg/wire"
)

// Client is the HTTP extension client
type Client struct {
	baseURL    string
	streamID   string
	httpClient *http.Client
}

// Config holds client configuration
type Config struct {
	URL      string
	StreamID string
	Timeout  time.Duration
}

// Result is the outcome of one posted frame.
type Result struct {
	StatusCode int
	// Sample is set for a 200 response.
	Sample *wire.MediaSample
}

// HasInferences reports whether the server returned inferences.
func (r *Result) HasInferences() bool {
	return r.Sample != nil && len(r.Sample.Inferences) > 0
}

// StatusError is a non-success response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("extension returned %d: %s", e.StatusCode, e.Message)
}

// New creates a new client
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		baseURL:  cfg.URL,
		streamID: cfg.StreamID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FrameURL builds the request URL for a pipeline configuration. Parameters,
// frame destination and extensions become query parameters, which requires
// a stream identifier.
func (c *Client) FrameURL(cfg *pipeline.PipelineConfig) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u = u.JoinPath(cfg.Name, cfg.Version)

	query := url.Values{}
	for key, value := range cfg.Parameters {
		encoded, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("encode parameter %s: %w", key, err)
		}
		if s, ok := value.(string); ok {
			encoded = []byte(s)
		}
		query.Set(key, string(encoded))
	}
	for key, value := range cfg.FrameDestination {
		query.Set(pipeline.KeyFrameDestination+"-"+key, fmt.Sprint(value))
	}
	for key, value := range cfg.Extensions {
		query.Set(pipeline.KeyExtensions+"-"+key, value)
	}

	if len(query) > 0 || c.streamID != "" {
		if c.streamID == "" {
			return "", fmt.Errorf("stream id must be set when parameters are set")
		}
		query.Set("stream-id", c.streamID)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// PostFrame sends one encoded image. A nil or empty frame asks the server to
// stop the stream.
func (c *Client) PostFrame(ctx context.Context, cfg *pipeline.PipelineConfig, contentType string, frame []byte) (*Result, error) {
	target, err := c.FrameURL(cfg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	result := &Result{StatusCode: resp.StatusCode}
	switch resp.StatusCode {
	case http.StatusOK:
		var sample wire.MediaSample
		if err := json.Unmarshal(body, &sample); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		result.Sample = &sample
		return result, nil
	case http.StatusNoContent:
		return result, nil
	}

	var errResp struct {
		Error string `json:"Error"`
	}
	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		message = errResp.Error
	}
	return result, &StatusError{StatusCode: resp.StatusCode, Message: message}
}

// Health checks the server health endpoint.
func (c *Client) Health(ctx context.Context) error {
	u, err := url.JoinPath(c.baseURL, "health")
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
	return nil
}
