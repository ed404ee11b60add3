package chapters

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

// Chapter is one coarse span reported by the chapter service.
type Chapter struct {
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Title        string  `json:"title,omitempty"`
	Score        float64 `json:"score,omitempty"`
}

// Request identifies the source to chapterize.
type Request struct {
	SourceURL       string  `json:"source_url"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Client fetches coarse chapters for a source video.
type Client interface {
	Chapters(ctx context.Context, req Request) ([]Chapter, error)
}

// HTTPClient talks to the chapter service over HTTP.
type HTTPClient struct {
	baseURL    string
	apiKey     string
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

// New creates a chapter service client from its config section.
func New(provider config.Provider, opts ...Option) (*HTTPClient, error) {
	baseURL := strings.TrimSpace(provider.BaseURL)
	if baseURL == "" {
		return nil, errors.New("chapters base url required")
	}
	client := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(provider.APIKey),
		retriable:  provider.RetriableStatuses,
		httpClient: &http.Client{Timeout: time.Duration(provider.TimeoutSeconds) * time.Second},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type chaptersResponse struct {
	Chapters []Chapter `json:"chapters"`
}

// Chapters fetches coarse chapters, ordered by start time. Errors are
// classified into the transient/permanent retry taxonomy.
func (c *HTTPClient) Chapters(ctx context.Context, req Request) ([]Chapter, error) {
	if req.DurationSeconds <= 0 {
		return nil, errors.New("source duration must be positive")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal chapters request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chapters", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chapters request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, gate.ClassifyTransport("chapters", err)
	}
	defer resp.Body.Close()

	if err := gate.ClassifyStatus("chapters", resp.StatusCode, c.retriable); err != nil {
		return nil, err
	}

	var payload chaptersResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode chapters response: %w", err)
	}
	return payload.Chapters, nil
}
