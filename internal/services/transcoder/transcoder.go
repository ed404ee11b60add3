package transcoder

import (
	"context"
	"time"

	"recap/internal/config"
)

// ProbeResult is the media metadata the pipeline needs from a source file.
type ProbeResult struct {
	DurationSeconds float64
	FormatName      string
	BitRate         int64
}

// AssemblyEntry is one span of the final recap: a source interval overlaid
// with narration audio, retimed by the alignment speed factor.
type AssemblyEntry struct {
	StartSeconds float64
	EndSeconds   float64
	AudioPath    string
	SpeedFactor  float64
}

// ProgressFunc receives assembly progress in [0, 1].
type ProgressFunc func(fraction float64)

// Client abstracts the media tool so tests can run without ffmpeg.
type Client interface {
	// Probe reads duration and format metadata from a media file.
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	// Assemble renders the plan into outputPath and returns the measured
	// output duration in seconds.
	Assemble(ctx context.Context, sourcePath string, plan []AssemblyEntry, outputPath string, progress ProgressFunc) (float64, error)
}

// Subprocess drives ffmpeg and ffprobe as child processes.
type Subprocess struct {
	ffmpeg  string
	ffprobe string
	timeout time.Duration
}

var _ Client = (*Subprocess)(nil)

// NewSubprocess builds a subprocess client from the transcoder config.
func NewSubprocess(cfg config.Transcoder) *Subprocess {
	ffmpeg := cfg.FFmpegBinary
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	ffprobe := cfg.FFprobeBinary
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	timeout := time.Duration(cfg.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Subprocess{ffmpeg: ffmpeg, ffprobe: ffprobe, timeout: timeout}
}
