package jobstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"recap/internal/jobstore"
	"recap/internal/testsupport"
)

func TestReplacePlanSetsPlannedCount(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	plan := []jobstore.Segment{
		{JobID: job.ID, Index: 0, StartSeconds: 0, EndSeconds: 30, Fingerprint: "fp-0"},
		{JobID: job.ID, Index: 1, StartSeconds: 30, EndSeconds: 75, Fingerprint: "fp-1"},
	}
	if err := store.ReplacePlan(ctx, job.ID, plan); err != nil {
		t.Fatalf("ReplacePlan failed: %v", err)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.PlannedSegments != 2 {
		t.Fatalf("planned count = %d, want 2", fetched.PlannedSegments)
	}

	segments, err := store.ListSegments(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(segments))
	}
	if segments[0].Status != jobstore.SegmentPlanned {
		t.Fatalf("default status = %q", segments[0].Status)
	}

	// A replan fully replaces the old plan.
	if err := store.ReplacePlan(ctx, job.ID, plan[:1]); err != nil {
		t.Fatalf("second ReplacePlan failed: %v", err)
	}
	segments, err = store.ListSegments(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListSegments after replan failed: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("replan left %d segments, want 1", len(segments))
	}
}

func TestReplacePlanRejectsEmpty(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	job := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	if err := store.ReplacePlan(context.Background(), job.ID, nil); err == nil {
		t.Fatal("expected error for empty plan")
	}
}

func TestUpdateSegmentPersistsWorkState(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	seg := jobstore.Segment{JobID: job.ID, Index: 0, StartSeconds: 0, EndSeconds: 42, Fingerprint: "fp-0"}
	if err := store.ReplacePlan(ctx, job.ID, []jobstore.Segment{seg}); err != nil {
		t.Fatalf("ReplacePlan failed: %v", err)
	}

	seg.Status = jobstore.SegmentDone
	seg.Narration = "The crew regroups at the outpost."
	seg.AudioHandle = "local:aa/audio.opus"
	seg.AudioSeconds = 11.5
	seg.SpeedFactor = 1.08
	if err := store.UpdateSegment(ctx, &seg); err != nil {
		t.Fatalf("UpdateSegment failed: %v", err)
	}

	segments, err := store.ListSegments(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	got := segments[0]
	if got.Status != jobstore.SegmentDone || got.Narration != seg.Narration {
		t.Fatalf("segment not persisted: %#v", got)
	}
	if got.AudioSeconds != 11.5 || got.SpeedFactor != 1.08 {
		t.Fatalf("numeric fields lost: %#v", got)
	}
}

func TestConcurrentSegmentUpdatesDoNotFail(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	const segments = 60
	plan := make([]jobstore.Segment, segments)
	for i := range plan {
		plan[i] = jobstore.Segment{
			JobID:        job.ID,
			Index:        i,
			StartSeconds: float64(i * 10),
			EndSeconds:   float64(i*10 + 10),
			Fingerprint:  fmt.Sprintf("fp-%d", i),
		}
	}
	if err := store.ReplacePlan(ctx, job.ID, plan); err != nil {
		t.Fatalf("ReplacePlan failed: %v", err)
	}

	// Writers land on different pooled connections; every one of them must
	// carry the busy timeout or parallel updates fail under write contention.
	errs := make(chan error, segments)
	var wg sync.WaitGroup
	for i := range plan {
		wg.Add(1)
		go func(seg jobstore.Segment) {
			defer wg.Done()
			seg.Status = jobstore.SegmentDone
			seg.Narration = "done"
			errs <- store.UpdateSegment(ctx, &seg)
		}(plan[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent UpdateSegment failed: %v", err)
		}
	}

	updated, err := store.ListSegments(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	for _, seg := range updated {
		if seg.Status != jobstore.SegmentDone {
			t.Fatalf("segment %d status %q, want done", seg.Index, seg.Status)
		}
	}
}

func TestSegmentResultCacheIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	result := jobstore.SegmentResult{
		Fingerprint:  "fp-cache",
		Narration:    "first write wins",
		AudioHandle:  "local:aa/first.opus",
		AudioSeconds: 9.25,
	}
	if err := store.CacheSegmentResult(ctx, result); err != nil {
		t.Fatalf("CacheSegmentResult failed: %v", err)
	}

	dup := result
	dup.Narration = "second write must not replace"
	if err := store.CacheSegmentResult(ctx, dup); err != nil {
		t.Fatalf("duplicate CacheSegmentResult failed: %v", err)
	}

	cached, err := store.LookupSegmentResult(ctx, "fp-cache")
	if err != nil {
		t.Fatalf("LookupSegmentResult failed: %v", err)
	}
	if cached == nil || cached.Narration != "first write wins" {
		t.Fatalf("cache overwritten: %#v", cached)
	}

	missing, err := store.LookupSegmentResult(ctx, "fp-absent")
	if err != nil {
		t.Fatalf("lookup of absent fingerprint failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for absent fingerprint, got %#v", missing)
	}
}

func TestPruneTerminalReturnsHandles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	done := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	if err := store.MarkTerminal(ctx, done.ID, jobstore.TerminalOutcome{
		Stage:        jobstore.StageCompleted,
		CurrentStep:  "Complete",
		OutputHandle: "local:out/recap.mp4",
	}); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}
	active := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})

	pruned, err := store.PruneTerminal(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneTerminal failed: %v", err)
	}
	if len(pruned) != 1 || pruned[0].ID != done.ID {
		t.Fatalf("unexpected prune set: %#v", pruned)
	}
	if pruned[0].OutputHandle != "local:out/recap.mp4" {
		t.Fatalf("output handle missing: %#v", pruned[0])
	}

	if _, err := store.GetByID(ctx, done.ID); err == nil {
		t.Fatal("pruned job still readable")
	}
	if _, err := store.GetByID(ctx, active.ID); err != nil {
		t.Fatalf("active job removed: %v", err)
	}
}
