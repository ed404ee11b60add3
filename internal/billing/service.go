package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"recap/internal/config"
)

const (
	userAgent       = "Recap-Go/0.1.0"
	signatureHeader = "X-Recap-Signature"
	sendAttempts    = 3
	retryDelay      = 500 * time.Millisecond
)

// Notice describes one billable job outcome.
type Notice struct {
	JobID         string    `json:"job_id"`
	OwnerID       string    `json:"owner_id"`
	Outcome       string    `json:"outcome"`
	BilledMinutes float64   `json:"billed_minutes"`
	BillingPeriod string    `json:"billing_period"`
	OutputSeconds float64   `json:"output_seconds,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Service defines the billing notice surface exposed to the pipeline.
type Service interface {
	NotifyJobCompleted(ctx context.Context, notice Notice) error
	NotifyJobFailed(ctx context.Context, notice Notice) error
	TestNotice(ctx context.Context) error
}

// NewService builds a billing sink client when one is configured.
// Without a sink URL a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	sinkURL := strings.TrimSpace(cfg.Billing.SinkURL)
	if sinkURL == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Billing.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &sinkService{
		endpoint: sinkURL,
		secret:   []byte(cfg.Billing.SigningSecret),
		client:   &http.Client{Timeout: timeout},
	}
}

type sinkService struct {
	endpoint string
	secret   []byte
	client   *http.Client
}

func (s *sinkService) NotifyJobCompleted(ctx context.Context, notice Notice) error {
	notice.Outcome = "completed"
	return s.send(ctx, notice)
}

func (s *sinkService) NotifyJobFailed(ctx context.Context, notice Notice) error {
	if notice.Outcome == "" {
		notice.Outcome = "failed"
	}
	return s.send(ctx, notice)
}

func (s *sinkService) TestNotice(ctx context.Context) error {
	return s.send(ctx, Notice{
		JobID:      "test",
		Outcome:    "test",
		OccurredAt: time.Now().UTC(),
	})
}

func (s *sinkService) send(ctx context.Context, notice Notice) error {
	if s == nil || s.client == nil {
		return nil
	}
	if notice.OccurredAt.IsZero() {
		notice.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("encode billing notice: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay << (attempt - 1)):
			}
		}
		if lastErr = s.post(ctx, body); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (s *sinkService) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build billing request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, Sign(s.secret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send billing notice: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("billing sink returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Sign computes the hex HMAC-SHA256 signature placed in the notice header.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type noopService struct{}

func (noopService) NotifyJobCompleted(context.Context, Notice) error { return nil }
func (noopService) NotifyJobFailed(context.Context, Notice) error    { return nil }
func (noopService) TestNotice(context.Context) error                 { return nil }
