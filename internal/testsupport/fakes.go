package testsupport

import (
	"context"
	"fmt"
	"os"
	"sync"

	"recap/internal/services/chapters"
	"recap/internal/services/transcoder"
	"recap/internal/services/tts"
	"recap/internal/services/vision"
)

var (
	_ vision.Client     = (*FakeVision)(nil)
	_ tts.Client        = (*FakeTTS)(nil)
	_ chapters.Client   = (*FakeChapters)(nil)
	_ transcoder.Client = (*FakeTranscoder)(nil)
)

// FakeVision is a scriptable vision client for pipeline tests.
type FakeVision struct {
	mu sync.Mutex
	// Fail maps a segment start second to the error returned for it.
	Fail  map[float64]error
	Calls int
}

func (f *FakeVision) Describe(ctx context.Context, req vision.Request) (*vision.Result, error) {
	f.mu.Lock()
	f.Calls++
	err := f.Fail[req.StartSeconds]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &vision.Result{
		Narration: fmt.Sprintf("Narration for %.1fs to %.1fs.", req.StartSeconds, req.EndSeconds),
	}, nil
}

// FakeTTS synthesizes deterministic audio whose duration tracks the text
// length so alignment has something to chew on.
type FakeTTS struct {
	mu sync.Mutex
	// DurationSeconds overrides the computed duration when positive.
	DurationSeconds float64
	Fail            error
	Calls           int
}

func (f *FakeTTS) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	f.mu.Lock()
	f.Calls++
	failErr := f.Fail
	duration := f.DurationSeconds
	f.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if duration <= 0 {
		duration = float64(len(req.Text)) / 15.0
	}
	return &tts.Result{
		Audio:           []byte("opus:" + req.Text),
		DurationSeconds: duration,
		ContentType:     "audio/ogg",
	}, nil
}

// FakeChapters returns a fixed chapter list.
type FakeChapters struct {
	List []chapters.Chapter
	Err  error
}

func (f *FakeChapters) Chapters(ctx context.Context, req chapters.Request) ([]chapters.Chapter, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.List, nil
}

// FakeTranscoder satisfies the transcoder client without running ffmpeg.
type FakeTranscoder struct {
	mu sync.Mutex
	// ProbeDuration is returned for every probe; zero means 1440s.
	ProbeDuration float64
	AssembleErr   error
	// AssembleErrOnce fails the first call only, for retry tests.
	AssembleErrOnce error
	AssembleCalls   int
}

func (f *FakeTranscoder) Probe(ctx context.Context, path string) (*transcoder.ProbeResult, error) {
	duration := f.ProbeDuration
	if duration <= 0 {
		duration = 1440
	}
	return &transcoder.ProbeResult{DurationSeconds: duration, FormatName: "mov,mp4"}, nil
}

func (f *FakeTranscoder) Assemble(ctx context.Context, sourcePath string, plan []transcoder.AssemblyEntry, outputPath string, progress transcoder.ProgressFunc) (float64, error) {
	f.mu.Lock()
	f.AssembleCalls++
	calls := f.AssembleCalls
	onceErr := f.AssembleErrOnce
	stickyErr := f.AssembleErr
	f.mu.Unlock()

	if stickyErr != nil {
		return 0, stickyErr
	}
	if onceErr != nil && calls == 1 {
		return 0, onceErr
	}
	if err := os.WriteFile(outputPath, []byte("assembled recap"), 0o644); err != nil {
		return 0, err
	}
	var total float64
	for _, entry := range plan {
		speed := entry.SpeedFactor
		if speed <= 0 {
			speed = 1
		}
		total += (entry.EndSeconds - entry.StartSeconds) * speed
	}
	if progress != nil {
		progress(1)
	}
	return total, nil
}
