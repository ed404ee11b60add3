package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"recap/internal/metrics"
)

func TestNilReceiverIsSafe(t *testing.T) {
	var m *metrics.Metrics
	m.JobFinished("completed")
	m.JobClaimed()
	m.SegmentProcessed("done")
	m.ProviderAttempt("vision", "ok")
	m.StageObserved("planning", time.Second)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := metrics.New()
	m.JobClaimed()
	m.JobFinished("completed")
	m.SegmentProcessed("done")
	m.ProviderAttempt("vision", "ok")
	m.ProviderRetry("tts")
	m.StageObserved("stitching", 3*time.Second)
	m.MinutesBilled(12)

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(recorder.Result().Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	text := string(body)

	for _, want := range []string{
		`recap_jobs_total{outcome="completed"} 1`,
		`recap_jobs_active 1`,
		`recap_segments_processed_total{status="done"} 1`,
		`recap_provider_attempts_total{provider="vision",result="ok"} 1`,
		`recap_provider_retries_total{provider="tts"} 1`,
		`recap_minutes_billed_total 12`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, text)
		}
	}
}

func TestSeparateRegistries(t *testing.T) {
	first := metrics.New()
	second := metrics.New()
	first.JobFinished("failed")

	recorder := httptest.NewRecorder()
	second.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(recorder.Result().Body)
	if strings.Contains(string(body), `recap_jobs_total{outcome="failed"} 1`) {
		t.Fatal("registries are shared")
	}
}
