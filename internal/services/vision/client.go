package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"recap/internal/config"
	"recap/internal/gate"
)

// Request describes one segment to narrate.
type Request struct {
	SourceURL      string  `json:"source_url"`
	StartSeconds   float64 `json:"start_seconds"`
	EndSeconds     float64 `json:"end_seconds"`
	TargetWords    int     `json:"target_words,omitempty"`
	CharacterGuide string  `json:"character_guide,omitempty"`
	SeriesID       string  `json:"series_id,omitempty"`
	Model          string  `json:"model,omitempty"`
}

// Result is the provider's narration for the segment.
type Result struct {
	Narration string `json:"narration"`
}

// Client produces narration text for a source time range.
type Client interface {
	Describe(ctx context.Context, req Request) (*Result, error)
}

// HTTPClient talks to the visual-understanding provider over HTTP.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	model      string
	retriable  []int
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// New creates a vision provider client from its config section.
func New(provider config.Provider, opts ...Option) (*HTTPClient, error) {
	baseURL := strings.TrimSpace(provider.BaseURL)
	if baseURL == "" {
		return nil, errors.New("vision base url required")
	}
	client := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(provider.APIKey),
		model:      strings.TrimSpace(provider.Model),
		retriable:  provider.RetriableStatuses,
		httpClient: &http.Client{Timeout: time.Duration(provider.TimeoutSeconds) * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Describe asks the provider to narrate the segment's time range. Errors are
// classified into the transient/permanent retry taxonomy.
func (c *HTTPClient) Describe(ctx context.Context, req Request) (*Result, error) {
	if req.EndSeconds <= req.StartSeconds {
		return nil, errors.New("segment range must be positive")
	}
	if req.Model == "" {
		req.Model = c.model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal describe request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/describe", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build describe request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, gate.ClassifyTransport("vision", err)
	}
	defer resp.Body.Close()

	if err := gate.ClassifyStatus("vision", resp.StatusCode, c.retriable); err != nil {
		return nil, err
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode describe response: %w", err)
	}
	if strings.TrimSpace(result.Narration) == "" {
		return nil, errors.New("provider returned empty narration")
	}
	return &result, nil
}
