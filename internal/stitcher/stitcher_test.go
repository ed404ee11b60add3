package stitcher_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"recap/internal/blob"
	"recap/internal/jobstore"
	"recap/internal/services"
	"recap/internal/stitcher"
	"recap/internal/testsupport"
)

type stitchEnv struct {
	blobs      *blob.Gateway
	transcoder *testsupport.FakeTranscoder
	stitcher   *stitcher.Stitcher
	job        *jobstore.Job
}

func newStitchEnv(t *testing.T) *stitchEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	blobs, err := blob.New(cfg)
	if err != nil {
		t.Fatalf("blob.New failed: %v", err)
	}
	fake := &testsupport.FakeTranscoder{}
	job := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})

	// The source must be a real blob so the path resolves.
	sourceHandle, err := blobs.Put(context.Background(), strings.NewReader("source video"), "video/mp4")
	if err != nil {
		t.Fatalf("Put source failed: %v", err)
	}
	job.SourceHandle = sourceHandle

	return &stitchEnv{
		blobs:      blobs,
		transcoder: fake,
		stitcher:   stitcher.New(cfg, blobs, fake, nil),
		job:        job,
	}
}

func (env *stitchEnv) doneSegment(t *testing.T, index int, start, end, speed float64) jobstore.Segment {
	t.Helper()
	audioHandle, err := env.blobs.Put(context.Background(), strings.NewReader("audio"), "audio/ogg")
	if err != nil {
		t.Fatalf("Put audio failed: %v", err)
	}
	return jobstore.Segment{
		JobID:        env.job.ID,
		Index:        index,
		StartSeconds: start,
		EndSeconds:   end,
		Status:       jobstore.SegmentDone,
		AudioHandle:  audioHandle,
		SpeedFactor:  speed,
	}
}

func TestStitchProducesOutputBlob(t *testing.T) {
	env := newStitchEnv(t)
	segments := []jobstore.Segment{
		env.doneSegment(t, 1, 10, 20, 1.5),
		env.doneSegment(t, 0, 0, 10, 1),
	}

	result, err := env.stitcher.Stitch(context.Background(), env.job, segments, nil)
	if err != nil {
		t.Fatalf("Stitch failed: %v", err)
	}
	if result.OutputHandle == "" {
		t.Fatal("missing output handle")
	}
	// 10*1 + 10*1.5 per the fake's duration accounting.
	if result.OutputDurationSeconds != 25 {
		t.Fatalf("output duration %v, want 25", result.OutputDurationSeconds)
	}
	size, err := env.blobs.Stat(result.OutputHandle)
	if err != nil {
		t.Fatalf("Stat output failed: %v", err)
	}
	if size == 0 {
		t.Fatal("output blob is empty")
	}
}

func TestStitchSkipsFailedSegments(t *testing.T) {
	env := newStitchEnv(t)
	failed := env.doneSegment(t, 1, 10, 20, 1)
	failed.Status = jobstore.SegmentFailed
	segments := []jobstore.Segment{
		env.doneSegment(t, 0, 0, 10, 1),
		failed,
		env.doneSegment(t, 2, 20, 30, 1),
	}

	result, err := env.stitcher.Stitch(context.Background(), env.job, segments, nil)
	if err != nil {
		t.Fatalf("Stitch failed: %v", err)
	}
	if result.OutputDurationSeconds != 20 {
		t.Fatalf("output duration %v, want 20", result.OutputDurationSeconds)
	}
}

func TestStitchRetriesOnce(t *testing.T) {
	env := newStitchEnv(t)
	env.transcoder.AssembleErrOnce = errors.New("mux glitch")
	segments := []jobstore.Segment{env.doneSegment(t, 0, 0, 10, 1)}

	result, err := env.stitcher.Stitch(context.Background(), env.job, segments, nil)
	if err != nil {
		t.Fatalf("Stitch failed despite retry: %v", err)
	}
	if result.OutputHandle == "" {
		t.Fatal("missing output handle")
	}
	if env.transcoder.AssembleCalls != 2 {
		t.Fatalf("assemble called %d times, want 2", env.transcoder.AssembleCalls)
	}
}

func TestStitchPersistentFailure(t *testing.T) {
	env := newStitchEnv(t)
	env.transcoder.AssembleErr = errors.New("codec missing")
	segments := []jobstore.Segment{env.doneSegment(t, 0, 0, 10, 1)}

	_, err := env.stitcher.Stitch(context.Background(), env.job, segments, nil)
	if !errors.Is(err, services.ErrStitcherFailed) {
		t.Fatalf("expected stitcher failure, got %v", err)
	}
	if env.transcoder.AssembleCalls != 2 {
		t.Fatalf("assemble called %d times, want 2", env.transcoder.AssembleCalls)
	}
}

func TestStitchNoCompletedSegments(t *testing.T) {
	env := newStitchEnv(t)
	failed := env.doneSegment(t, 0, 0, 10, 1)
	failed.Status = jobstore.SegmentFailed

	_, err := env.stitcher.Stitch(context.Background(), env.job, []jobstore.Segment{failed}, nil)
	if !errors.Is(err, services.ErrStitcherFailed) {
		t.Fatalf("expected stitcher failure, got %v", err)
	}
	if env.transcoder.AssembleCalls != 0 {
		t.Fatalf("assemble should not run, got %d calls", env.transcoder.AssembleCalls)
	}
}
