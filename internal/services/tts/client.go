package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"recap/internal/config"
	"recap/internal/gate"
)

// Request carries narration text for synthesis.
type Request struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
	Model string `json:"model,omitempty"`
}

// Result is the synthesized audio plus its measured duration.
type Result struct {
	Audio           []byte
	DurationSeconds float64
	ContentType     string
}

// Client turns narration text into speech audio.
type Client interface {
	Synthesize(ctx context.Context, req Request) (*Result, error)
}

// HTTPClient talks to the TTS provider over HTTP.
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

// New creates a TTS provider client from its config section.
func New(provider config.Provider, opts ...Option) (*HTTPClient, error) {
	baseURL := strings.TrimSpace(provider.BaseURL)
	if baseURL == "" {
		return nil, errors.New("tts base url required")
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

type synthesizeResponse struct {
	AudioBase64     string  `json:"audio_base64"`
	DurationSeconds float64 `json:"duration_seconds"`
	ContentType     string  `json:"content_type"`
}

// Synthesize converts narration text to audio. Errors are classified into
// the transient/permanent retry taxonomy.
func (c *HTTPClient) Synthesize(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("narration text required")
	}
	if req.Model == "" {
		req.Model = c.model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal synthesize request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build synthesize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, gate.ClassifyTransport("tts", err)
	}
	defer resp.Body.Close()

	if err := gate.ClassifyStatus("tts", resp.StatusCode, c.retriable); err != nil {
		return nil, err
	}

	var payload synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode synthesize response: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(payload.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("decode synthesized audio: %w", err)
	}
	if len(audio) == 0 || payload.DurationSeconds <= 0 {
		return nil, errors.New("provider returned empty audio")
	}
	contentType := payload.ContentType
	if contentType == "" {
		contentType = "audio/ogg"
	}
	return &Result{
		Audio:           audio,
		DurationSeconds: payload.DurationSeconds,
		ContentType:     contentType,
	}, nil
}
