package segmentpool_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"recap/internal/blob"
	"recap/internal/gate"
	"recap/internal/jobstore"
	"recap/internal/segmentpool"
	"recap/internal/services"
	"recap/internal/testsupport"

	"recap/internal/config"
)

type poolEnv struct {
	cfg    *config.Config
	store  *jobstore.Store
	blobs  *blob.Gateway
	vision *testsupport.FakeVision
	tts    *testsupport.FakeTTS
	pool   *segmentpool.Pool
}

func newPoolEnv(t *testing.T, opts ...testsupport.ConfigOption) *poolEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	// Fast gate policies for tests.
	for name, provider := range cfg.Providers {
		provider.RequestsPerSecond = 1000
		provider.BaseDelayMillis = 1
		provider.MaxDelayMillis = 2
		cfg.Providers[name] = provider
	}
	store := testsupport.MustOpenStore(t, cfg)
	blobs, err := blob.New(cfg)
	if err != nil {
		t.Fatalf("blob.New failed: %v", err)
	}
	fakeVision := &testsupport.FakeVision{}
	fakeTTS := &testsupport.FakeTTS{}
	pool := segmentpool.New(cfg, store, blobs, gate.New(cfg, nil), fakeVision, fakeTTS, nil)
	return &poolEnv{cfg: cfg, store: store, blobs: blobs, vision: fakeVision, tts: fakeTTS, pool: pool}
}

func planSegments(t *testing.T, env *poolEnv, job *jobstore.Job, n int) []jobstore.Segment {
	t.Helper()
	segments := make([]jobstore.Segment, n)
	for i := range segments {
		segments[i] = jobstore.Segment{
			JobID:        job.ID,
			Index:        i,
			StartSeconds: float64(i * 10),
			EndSeconds:   float64(i*10 + 10),
			Fingerprint:  job.ID + "-fp-" + string(rune('a'+i)),
		}
	}
	if err := env.store.ReplacePlan(context.Background(), job.ID, segments); err != nil {
		t.Fatalf("ReplacePlan failed: %v", err)
	}
	return segments
}

func TestProcessCompletesAllSegments(t *testing.T) {
	env := newPoolEnv(t)
	job := testsupport.NewJob(t, env.store, "user-1", jobstore.NewJobParams{})
	segments := planSegments(t, env, job, 6)

	var mu sync.Mutex
	var reports []int
	report := func(ctx context.Context, completed, planned int) {
		mu.Lock()
		reports = append(reports, completed)
		mu.Unlock()
	}

	if err := env.pool.Process(context.Background(), job, segments, "http://blobs/source", report); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	stored, err := env.store.ListSegments(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	for i, seg := range stored {
		if seg.Status != jobstore.SegmentDone {
			t.Fatalf("segment %d status %q", i, seg.Status)
		}
		if seg.Narration == "" || seg.AudioHandle == "" || seg.SpeedFactor <= 0 {
			t.Fatalf("segment %d incomplete: %#v", i, seg)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 6 || reports[len(reports)-1] != 6 {
		t.Fatalf("progress reports wrong: %v", reports)
	}
}

func TestSpeedFactorClamped(t *testing.T) {
	env := newPoolEnv(t)
	env.tts.DurationSeconds = 100 // 10s source intervals give raw factor 10
	job := testsupport.NewJob(t, env.store, "user-1", jobstore.NewJobParams{})
	segments := planSegments(t, env, job, 1)

	if err := env.pool.Process(context.Background(), job, segments, "http://blobs/source", nil); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	stored, err := env.store.ListSegments(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	if stored[0].SpeedFactor != 2.0 {
		t.Fatalf("speed factor %v not clamped to 2.0", stored[0].SpeedFactor)
	}
}

func TestToleranceAllowsIsolatedFailures(t *testing.T) {
	env := newPoolEnv(t, testsupport.WithFailureTolerance(1))
	env.vision.Fail = map[float64]error{
		20: services.Wrap(services.ErrProviderPermanent, "", "call", "rejected frame", nil),
	}
	job := testsupport.NewJob(t, env.store, "user-1", jobstore.NewJobParams{})
	segments := planSegments(t, env, job, 4)

	if err := env.pool.Process(context.Background(), job, segments, "http://blobs/source", nil); err != nil {
		t.Fatalf("Process failed despite tolerance: %v", err)
	}

	stored, err := env.store.ListSegments(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	var failedCount, doneCount int
	for _, seg := range stored {
		switch seg.Status {
		case jobstore.SegmentFailed:
			failedCount++
			if seg.ErrorMessage == "" {
				t.Fatalf("failed segment missing error message: %#v", seg)
			}
		case jobstore.SegmentDone:
			doneCount++
		}
	}
	if failedCount != 1 || doneCount != 3 {
		t.Fatalf("failed=%d done=%d, want 1/3", failedCount, doneCount)
	}
}

func TestToleranceExceededFailsJob(t *testing.T) {
	env := newPoolEnv(t, testsupport.WithFailureTolerance(0))
	env.vision.Fail = map[float64]error{
		0: services.Wrap(services.ErrProviderPermanent, "", "call", "rejected frame", nil),
	}
	job := testsupport.NewJob(t, env.store, "user-1", jobstore.NewJobParams{})
	segments := planSegments(t, env, job, 3)

	err := env.pool.Process(context.Background(), job, segments, "http://blobs/source", nil)
	if !errors.Is(err, services.ErrProviderPermanent) {
		t.Fatalf("expected provider failure to surface, got %v", err)
	}
}

func TestFingerprintCacheSkipsProviders(t *testing.T) {
	env := newPoolEnv(t)
	job := testsupport.NewJob(t, env.store, "user-1", jobstore.NewJobParams{})
	segments := planSegments(t, env, job, 2)

	if err := env.store.CacheSegmentResult(context.Background(), jobstore.SegmentResult{
		Fingerprint:  segments[0].Fingerprint,
		Narration:    "cached narration",
		AudioHandle:  "local:aa/cached.opus",
		AudioSeconds: 8,
	}); err != nil {
		t.Fatalf("CacheSegmentResult failed: %v", err)
	}

	if err := env.pool.Process(context.Background(), job, segments, "http://blobs/source", nil); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	// Only the uncached segment reached the providers.
	if env.vision.Calls != 1 || env.tts.Calls != 1 {
		t.Fatalf("cache not used: vision=%d tts=%d", env.vision.Calls, env.tts.Calls)
	}

	stored, err := env.store.ListSegments(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	if stored[0].Narration != "cached narration" || stored[0].AudioHandle != "local:aa/cached.opus" {
		t.Fatalf("cached values not applied: %#v", stored[0])
	}
}

func TestScriptedSegmentsSkipDescribe(t *testing.T) {
	env := newPoolEnv(t)
	job := testsupport.NewJob(t, env.store, "user-1", jobstore.NewJobParams{})
	segments := planSegments(t, env, job, 3)
	for i := range segments {
		segments[i].ScriptText = "Paragraph for segment " + string(rune('a'+i)) + "."
	}
	if err := env.store.ReplacePlan(context.Background(), job.ID, segments); err != nil {
		t.Fatalf("ReplacePlan failed: %v", err)
	}

	if err := env.pool.Process(context.Background(), job, segments, "http://blobs/source", nil); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// The script is the narration; the vision provider is never consulted.
	if env.vision.Calls != 0 {
		t.Fatalf("vision called %d times for scripted segments", env.vision.Calls)
	}
	if env.tts.Calls != 3 {
		t.Fatalf("tts called %d times, want 3", env.tts.Calls)
	}

	stored, err := env.store.ListSegments(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	for i, seg := range stored {
		if seg.Status != jobstore.SegmentDone || seg.Narration != segments[i].ScriptText {
			t.Fatalf("segment %d narration %q, want script text", i, seg.Narration)
		}
	}
}

func TestCancellationStopsWork(t *testing.T) {
	env := newPoolEnv(t)
	job := testsupport.NewJob(t, env.store, "user-1", jobstore.NewJobParams{})
	segments := planSegments(t, env, job, 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.pool.Process(ctx, job, segments, "http://blobs/source", nil)
	if !services.IsCancellation(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
