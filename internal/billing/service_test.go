package billing_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"recap/internal/billing"
	"recap/internal/config"
)

func TestNewServiceReturnsNoopWhenSinkMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Billing.SinkURL = ""
	svc := billing.NewService(&cfg)
	if err := svc.NotifyJobCompleted(context.Background(), billing.Notice{JobID: "job-1"}); err != nil {
		t.Fatalf("expected noop sink to return nil, got %v", err)
	}
}

func TestSinkServiceSignsNotices(t *testing.T) {
	var captured struct {
		signature   string
		contentType string
		body        []byte
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		captured.signature = r.Header.Get("X-Recap-Signature")
		captured.contentType = r.Header.Get("Content-Type")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		captured.body = body
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Billing.SinkURL = server.URL
	cfg.Billing.SigningSecret = "sink-secret"
	cfg.Billing.RequestTimeout = 5

	svc := billing.NewService(&cfg)
	notice := billing.Notice{
		JobID:         "job-1",
		OwnerID:       "user-1",
		BilledMinutes: 12,
		BillingPeriod: "2026-08",
	}
	if err := svc.NotifyJobCompleted(context.Background(), notice); err != nil {
		t.Fatalf("notice returned error: %v", err)
	}

	if captured.contentType != "application/json" {
		t.Fatalf("content type %q", captured.contentType)
	}
	if want := billing.Sign([]byte("sink-secret"), captured.body); captured.signature != want {
		t.Fatalf("signature %q, want %q", captured.signature, want)
	}

	var decoded billing.Notice
	if err := json.Unmarshal(captured.body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.JobID != "job-1" || decoded.Outcome != "completed" || decoded.BilledMinutes != 12 {
		t.Fatalf("unexpected notice: %+v", decoded)
	}
	if decoded.OccurredAt.IsZero() {
		t.Fatal("occurred_at not stamped")
	}
}

func TestSinkServiceRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Billing.SinkURL = server.URL
	cfg.Billing.SigningSecret = "sink-secret"

	svc := billing.NewService(&cfg)
	if err := svc.NotifyJobFailed(context.Background(), billing.Notice{JobID: "job-2"}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("sink called %d times, want 2", calls.Load())
	}
}

func TestSinkServiceGivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Billing.SinkURL = server.URL

	svc := billing.NewService(&cfg)
	if err := svc.NotifyJobCompleted(context.Background(), billing.Notice{JobID: "job-3"}); err == nil {
		t.Fatal("expected delivery error")
	}
	if calls.Load() != 3 {
		t.Fatalf("sink called %d times, want 3", calls.Load())
	}
}
