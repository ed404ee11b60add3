package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"recap/internal/api"
	"recap/internal/blob"
	"recap/internal/config"
	"recap/internal/jobstore"
	"recap/internal/ledger"
	"recap/internal/metrics"
	"recap/internal/progress"
	"recap/internal/testsupport"
)

type fakeCanceller struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCanceller) RequestCancel(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobID)
	return nil
}

type apiEnv struct {
	cfg       *config.Config
	store     *jobstore.Store
	ledger    *ledger.Ledger
	blobs     *blob.Gateway
	bus       *progress.Bus
	canceller *fakeCanceller
	server    *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Auth.Tokens = map[string]string{
		"token-1": "user-1",
		"token-2": "user-2",
	}

	store := testsupport.MustOpenStore(t, cfg)
	quotaLedger := testsupport.MustOpenLedger(t, cfg)
	blobs, err := blob.New(cfg)
	if err != nil {
		t.Fatalf("blob.New failed: %v", err)
	}
	if err := quotaLedger.SetPlan(context.Background(), "user-1", 60); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}

	bus := progress.NewBus()
	canceller := &fakeCanceller{}
	server := api.New(cfg, store, quotaLedger, blobs, bus, canceller, metrics.New(), nil)
	httpServer := httptest.NewServer(server.Router())
	t.Cleanup(httpServer.Close)

	return &apiEnv{
		cfg:       cfg,
		store:     store,
		ledger:    quotaLedger,
		blobs:     blobs,
		bus:       bus,
		canceller: canceller,
		server:    httpServer,
	}
}

func (env *apiEnv) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, env.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (env *apiEnv) uploadSource(t *testing.T) string {
	t.Helper()
	handle, err := env.blobs.Put(context.Background(), strings.NewReader("source video"), "video/mp4")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return handle
}

func TestCreateJobAdmission(t *testing.T) {
	env := newAPIEnv(t)
	handle := env.uploadSource(t)

	tests := []struct {
		name   string
		token  string
		body   map[string]any
		status int
	}{
		{
			name:   "accepted",
			token:  "token-1",
			body:   map[string]any{"source_handle": handle, "target_duration_minutes": 2, "series_id": "show-42"},
			status: http.StatusCreated,
		},
		{
			name:   "no token",
			token:  "",
			body:   map[string]any{"source_handle": handle, "target_duration_minutes": 2},
			status: http.StatusUnauthorized,
		},
		{
			name:   "unknown token",
			token:  "bogus",
			body:   map[string]any{"source_handle": handle, "target_duration_minutes": 2},
			status: http.StatusUnauthorized,
		},
		{
			name:   "missing source",
			token:  "token-1",
			body:   map[string]any{"target_duration_minutes": 2},
			status: http.StatusBadRequest,
		},
		{
			name:   "no target keeps full plan",
			token:  "token-1",
			body:   map[string]any{"source_handle": handle},
			status: http.StatusCreated,
		},
		{
			name:   "negative target",
			token:  "token-1",
			body:   map[string]any{"source_handle": handle, "target_duration_minutes": -3},
			status: http.StatusBadRequest,
		},
		{
			name:   "bad series id",
			token:  "token-1",
			body:   map[string]any{"source_handle": handle, "target_duration_minutes": 2, "series_id": "Not Valid!"},
			status: http.StatusBadRequest,
		},
		{
			name:   "no quota",
			token:  "token-2",
			body:   map[string]any{"source_handle": handle, "target_duration_minutes": 2},
			status: http.StatusPaymentRequired,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.request(t, http.MethodPost, "/api/jobs", tc.token, tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("status %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
}

func TestCreateJobReturnsSnapshot(t *testing.T) {
	env := newAPIEnv(t)
	handle := env.uploadSource(t)

	resp := env.request(t, http.MethodPost, "/api/jobs", "token-1", map[string]any{
		"source_handle":           handle,
		"target_duration_minutes": 2,
		"script":                  "One paragraph.",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var view struct {
		ID     string         `json:"id"`
		Stage  jobstore.Stage `json:"stage"`
		Config struct {
			TargetDurationMinutes float64 `json:"target_duration_minutes"`
		} `json:"config"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.ID == "" || view.Stage != jobstore.StagePending {
		t.Fatalf("snapshot wrong: %+v", view)
	}
	if view.Config.TargetDurationMinutes != 2 {
		t.Fatalf("config not persisted: %+v", view)
	}
}

func TestGetJobOwnership(t *testing.T) {
	env := newAPIEnv(t)
	job := testsupport.NewJob(t, env.store, "user-1", jobstore.NewJobParams{})

	if resp := env.request(t, http.MethodGet, "/api/jobs/"+job.ID, "token-1", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("owner read status %d", resp.StatusCode)
	}
	if resp := env.request(t, http.MethodGet, "/api/jobs/"+job.ID, "token-2", nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign read status %d", resp.StatusCode)
	}
	if resp := env.request(t, http.MethodGet, "/api/jobs/missing", "token-1", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing read status %d", resp.StatusCode)
	}
}

func TestListJobsFiltersByStatus(t *testing.T) {
	env := newAPIEnv(t)
	testsupport.NewJob(t, env.store, "user-1", jobstore.NewJobParams{})
	testsupport.NewJob(t, env.store, "user-1", jobstore.NewJobParams{})
	testsupport.NewJob(t, env.store, "user-2", jobstore.NewJobParams{})

	resp := env.request(t, http.MethodGet, "/api/jobs?status=pending", "token-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var payload struct {
		Jobs []struct {
			ID string `json:"id"`
		} `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Jobs) != 2 {
		t.Fatalf("listed %d jobs, want 2", len(payload.Jobs))
	}

	if resp := env.request(t, http.MethodGet, "/api/jobs?status=nonsense", "token-1", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status filter gave %d", resp.StatusCode)
	}
}

func TestCancelJob(t *testing.T) {
	env := newAPIEnv(t)
	job := testsupport.NewJob(t, env.store, "user-1", jobstore.NewJobParams{})

	for i := 0; i < 2; i++ {
		resp := env.request(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "token-1", nil)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("cancel %d status %d", i, resp.StatusCode)
		}
	}
	if len(env.canceller.calls) != 2 || env.canceller.calls[0] != job.ID {
		t.Fatalf("canceller calls %v", env.canceller.calls)
	}

	if resp := env.request(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", "token-2", nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign cancel status %d", resp.StatusCode)
	}
}

func TestQuotaSummary(t *testing.T) {
	env := newAPIEnv(t)
	resp := env.request(t, http.MethodGet, "/api/quota", "token-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var summary ledger.Summary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.OwnerID != "user-1" || summary.SubscriptionMinutesLimit != 60 {
		t.Fatalf("summary %+v", summary)
	}
}

func TestBlobDownloadRequiresValidSignature(t *testing.T) {
	env := newAPIEnv(t)
	handle := env.uploadSource(t)

	path, err := env.blobs.PresignGet(handle, time.Minute)
	if err != nil {
		t.Fatalf("PresignGet failed: %v", err)
	}
	resp, err := http.Get(env.server.URL + path)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("presigned download status %d", resp.StatusCode)
	}

	tampered := strings.Replace(path, "sig=", "sig=00", 1)
	badResp, err := http.Get(env.server.URL + tampered)
	if err != nil {
		t.Fatalf("tampered download failed: %v", err)
	}
	defer badResp.Body.Close()
	if badResp.StatusCode != http.StatusForbidden {
		t.Fatalf("tampered download status %d", badResp.StatusCode)
	}
}

func TestMetricsEndpointIsOpen(t *testing.T) {
	env := newAPIEnv(t)
	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
}

func TestJobEventsStream(t *testing.T) {
	env := newAPIEnv(t)
	job := testsupport.NewJob(t, env.store, "user-1", jobstore.NewJobParams{})

	wsURL := strings.Replace(env.server.URL, "http", "ws", 1) + "/api/jobs/" + job.ID + "/events"
	header := http.Header{"Authorization": []string{"Bearer token-1"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	var snapshot progress.Event
	if err := conn.ReadJSON(&snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.JobID != job.ID || snapshot.Stage != jobstore.StagePending {
		t.Fatalf("snapshot %+v", snapshot)
	}

	env.bus.Publish(progress.Event{
		JobID:       job.ID,
		Stage:       jobstore.StagePlanning,
		Progress:    15,
		CurrentStep: "Planning segments",
	})
	var update progress.Event
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if update.Stage != jobstore.StagePlanning || update.Sequence == 0 {
		t.Fatalf("update %+v", update)
	}

	env.bus.Publish(progress.Event{
		JobID:    job.ID,
		Stage:    jobstore.StageCompleted,
		Progress: 100,
		Terminal: true,
	})
	var terminal progress.Event
	if err := conn.ReadJSON(&terminal); err != nil {
		t.Fatalf("read terminal: %v", err)
	}
	if !terminal.Terminal {
		t.Fatalf("terminal event %+v", terminal)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&terminal); err == nil {
		t.Fatal("stream did not close after terminal event")
	}
}

func TestEventsRejectsBadSince(t *testing.T) {
	env := newAPIEnv(t)
	job := testsupport.NewJob(t, env.store, "user-1", jobstore.NewJobParams{})
	resp := env.request(t, http.MethodGet, fmt.Sprintf("/api/jobs/%s/events?since=x", job.ID), "token-1", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
