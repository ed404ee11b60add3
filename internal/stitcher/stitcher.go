package stitcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"recap/internal/blob"
	"recap/internal/config"
	"recap/internal/jobstore"
	"recap/internal/logging"
	"recap/internal/services"
	"recap/internal/services/transcoder"
)

// Result carries the assembled recap's handle and measured duration.
type Result struct {
	OutputHandle          string
	OutputDurationSeconds float64
}

// Stitcher orders completed segments into an assembly plan and delegates
// all muxing and retiming to the transcoder. One retry covers flaky
// subprocess failures; anything beyond that is the job's failure.
type Stitcher struct {
	cfg        *config.Config
	blobs      *blob.Gateway
	transcoder transcoder.Client
	logger     *slog.Logger
}

// New builds a stitcher.
func New(cfg *config.Config, blobs *blob.Gateway, transcoderClient transcoder.Client, logger *slog.Logger) *Stitcher {
	return &Stitcher{
		cfg:        cfg,
		blobs:      blobs,
		transcoder: transcoderClient,
		logger:     logging.NewComponentLogger(logger, "stitcher"),
	}
}

// Stitch assembles the recap from the job's completed segments. Failed
// segments (within tolerance) are skipped; plan order is segment order.
func (s *Stitcher) Stitch(ctx context.Context, job *jobstore.Job, segments []jobstore.Segment, progress transcoder.ProgressFunc) (*Result, error) {
	plan, err := s.buildPlan(segments)
	if err != nil {
		return nil, err
	}

	sourcePath, err := s.blobs.LocalPath(job.SourceHandle)
	if err != nil {
		return nil, services.Wrap(services.ErrStitcherFailed, "stitching", "resolve source", job.SourceHandle, err)
	}

	workDir, err := os.MkdirTemp("", "recap-stitch-*")
	if err != nil {
		return nil, services.Wrap(services.ErrStitcherFailed, "stitching", "workdir", "", err)
	}
	defer os.RemoveAll(workDir)
	outputPath := filepath.Join(workDir, "recap.mp4")

	duration, err := s.transcoder.Assemble(ctx, sourcePath, plan, outputPath, progress)
	if err != nil {
		if services.IsCancellation(err) {
			return nil, err
		}
		s.logger.Warn("assembly failed, retrying once",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
		duration, err = s.transcoder.Assemble(ctx, sourcePath, plan, outputPath, progress)
		if err != nil {
			if services.IsCancellation(err) {
				return nil, err
			}
			return nil, services.Wrap(services.ErrStitcherFailed, "stitching", "assemble", "", err)
		}
	}

	output, err := os.Open(outputPath)
	if err != nil {
		return nil, services.Wrap(services.ErrStitcherFailed, "stitching", "open output", "", err)
	}
	defer output.Close()

	handle, err := s.blobs.Put(ctx, output, "video/mp4")
	if err != nil {
		return nil, services.Wrap(services.ErrStitcherFailed, "stitching", "store output", "", err)
	}

	s.logger.Info("recap assembled",
		logging.String(logging.FieldJobID, job.ID),
		logging.Int("spans", len(plan)),
		logging.Float64("output_seconds", duration))
	return &Result{OutputHandle: handle, OutputDurationSeconds: duration}, nil
}

// buildPlan turns completed segments into ordered assembly entries,
// resolving audio handles to local paths for the subprocess.
func (s *Stitcher) buildPlan(segments []jobstore.Segment) ([]transcoder.AssemblyEntry, error) {
	ordered := make([]jobstore.Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.Status == jobstore.SegmentDone {
			ordered = append(ordered, seg)
		}
	}
	if len(ordered) == 0 {
		return nil, services.Wrap(services.ErrStitcherFailed, "stitching", "plan", "no completed segments", nil)
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	plan := make([]transcoder.AssemblyEntry, 0, len(ordered))
	for _, seg := range ordered {
		audioPath, err := s.blobs.LocalPath(seg.AudioHandle)
		if err != nil {
			return nil, services.Wrap(services.ErrStitcherFailed, "stitching", "resolve audio", seg.AudioHandle, err)
		}
		speed := seg.SpeedFactor
		if speed <= 0 {
			speed = 1
		}
		plan = append(plan, transcoder.AssemblyEntry{
			StartSeconds: seg.StartSeconds,
			EndSeconds:   seg.EndSeconds,
			AudioPath:    audioPath,
			SpeedFactor:  speed,
		})
	}
	return plan, nil
}
