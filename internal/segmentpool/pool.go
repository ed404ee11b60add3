package segmentpool

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"recap/internal/blob"
	"recap/internal/config"
	"recap/internal/gate"
	"recap/internal/jobstore"
	"recap/internal/logging"
	"recap/internal/services"
	"recap/internal/services/tts"
	"recap/internal/services/vision"
)

// ProgressFn is invoked after every segment completion with the new
// completed count. The controller turns this into store updates and bus
// events.
type ProgressFn func(ctx context.Context, completed, planned int)

// Pool runs the describe, synthesize, align pipeline for a job's segments
// with bounded parallelism. All provider calls go through the shared gate.
type Pool struct {
	cfg    *config.Config
	store  *jobstore.Store
	blobs  *blob.Gateway
	gate   *gate.Gate
	vision vision.Client
	tts    tts.Client
	logger *slog.Logger
}

// New builds a pool over the shared infrastructure.
func New(
	cfg *config.Config,
	store *jobstore.Store,
	blobs *blob.Gateway,
	callGate *gate.Gate,
	visionClient vision.Client,
	ttsClient tts.Client,
	logger *slog.Logger,
) *Pool {
	return &Pool{
		cfg:    cfg,
		store:  store,
		blobs:  blobs,
		gate:   callGate,
		vision: visionClient,
		tts:    ttsClient,
		logger: logging.NewComponentLogger(logger, "segmentpool"),
	}
}

// Process works every planned segment of the job. Segments complete out of
// order; results land on the segment rows in the store. Returns an error
// when failures exceed the tolerance or on cancellation, which also cancels
// all in-flight work.
func (p *Pool) Process(ctx context.Context, job *jobstore.Job, segments []jobstore.Segment, sourceURL string, report ProgressFn) error {
	if len(segments) == 0 {
		return services.Wrap(services.ErrInternal, "segment_processing", "process", "no segments to process", nil)
	}

	parallelism := p.cfg.Workflow.WorkerConcurrencyPerJob
	if parallelism <= 0 {
		parallelism = 4
	}
	tolerance := p.cfg.Workflow.SegmentFailureTolerance

	var mu sync.Mutex
	completed := 0
	failed := 0
	var firstFailure error

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallelism)

	for i := range segments {
		seg := segments[i]
		group.Go(func() error {
			err := p.processSegment(groupCtx, job, &seg, sourceURL)
			if err == nil {
				mu.Lock()
				completed++
				done := completed
				mu.Unlock()
				if report != nil {
					report(groupCtx, done, len(segments))
				}
				return nil
			}
			if services.IsCancellation(err) {
				return err
			}

			p.markSegmentFailed(groupCtx, &seg, err)
			mu.Lock()
			failed++
			over := failed > tolerance
			if firstFailure == nil {
				firstFailure = err
			}
			tracked := firstFailure
			mu.Unlock()

			p.logger.Warn("segment failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.Int(logging.FieldSegment, seg.Index),
				logging.Error(err))
			if over {
				// Returning the error cancels the group and drains
				// in-flight segments.
				return fmt.Errorf("segment failures exceeded tolerance of %d: %w", tolerance, tracked)
			}
			return nil
		})
	}

	return group.Wait()
}

// processSegment runs one segment through the three stages, consulting the
// fingerprint cache first so recovered jobs skip paid work they already did.
func (p *Pool) processSegment(ctx context.Context, job *jobstore.Job, seg *jobstore.Segment, sourceURL string) error {
	if cached, err := p.store.LookupSegmentResult(ctx, seg.Fingerprint); err == nil && cached != nil {
		seg.Narration = cached.Narration
		seg.AudioHandle = cached.AudioHandle
		seg.AudioSeconds = cached.AudioSeconds
		seg.SpeedFactor = p.alignSpeed(cached.AudioSeconds, seg.Duration())
		seg.Status = jobstore.SegmentDone
		p.logger.Debug("segment served from cache",
			logging.String(logging.FieldJobID, job.ID),
			logging.Int(logging.FieldSegment, seg.Index))
		return p.store.UpdateSegment(ctx, seg)
	}

	if err := p.describe(ctx, job, seg, sourceURL); err != nil {
		return err
	}
	if err := p.synthesize(ctx, seg); err != nil {
		return err
	}
	p.align(seg)

	seg.Status = jobstore.SegmentDone
	if err := p.store.UpdateSegment(ctx, seg); err != nil {
		return err
	}
	return p.store.CacheSegmentResult(ctx, jobstore.SegmentResult{
		Fingerprint:  seg.Fingerprint,
		Narration:    seg.Narration,
		AudioHandle:  seg.AudioHandle,
		AudioSeconds: seg.AudioSeconds,
	})
}

func (p *Pool) describe(ctx context.Context, job *jobstore.Job, seg *jobstore.Segment, sourceURL string) error {
	seg.Status = jobstore.SegmentDescribing
	if err := p.store.UpdateSegment(ctx, seg); err != nil {
		return err
	}

	// A user script is authoritative for this segment's narration, so the
	// provider is never consulted.
	if seg.ScriptText != "" {
		seg.Narration = seg.ScriptText
		return nil
	}

	targetWords := job.Config.TargetWords
	if targetWords <= 0 {
		targetWords = p.cfg.Segment.TargetWords
	}
	return p.gate.Do(ctx, config.ProviderVision, func(ctx context.Context) error {
		result, err := p.vision.Describe(ctx, vision.Request{
			SourceURL:      sourceURL,
			StartSeconds:   seg.StartSeconds,
			EndSeconds:     seg.EndSeconds,
			TargetWords:    targetWords,
			CharacterGuide: job.Config.CharacterGuide,
			SeriesID:       job.Config.SeriesID,
		})
		if err != nil {
			return err
		}
		seg.Narration = result.Narration
		return nil
	})
}

func (p *Pool) synthesize(ctx context.Context, seg *jobstore.Segment) error {
	seg.Status = jobstore.SegmentSynthesizing
	if err := p.store.UpdateSegment(ctx, seg); err != nil {
		return err
	}

	var synthesized *tts.Result
	err := p.gate.Do(ctx, config.ProviderTTS, func(ctx context.Context) error {
		var callErr error
		synthesized, callErr = p.tts.Synthesize(ctx, tts.Request{Text: seg.Narration})
		return callErr
	})
	if err != nil {
		return err
	}

	handle, err := p.blobs.Put(ctx, bytes.NewReader(synthesized.Audio), synthesized.ContentType)
	if err != nil {
		return fmt.Errorf("store segment audio: %w", err)
	}
	seg.AudioHandle = handle
	seg.AudioSeconds = synthesized.DurationSeconds
	return nil
}

func (p *Pool) align(seg *jobstore.Segment) {
	seg.Status = jobstore.SegmentAligning
	seg.SpeedFactor = p.alignSpeed(seg.AudioSeconds, seg.Duration())
}

// alignSpeed computes the retiming factor that stretches the source
// interval to the narration's length, clamped to the configured range.
func (p *Pool) alignSpeed(audioSeconds, sourceSeconds float64) float64 {
	if sourceSeconds <= 0 || audioSeconds <= 0 {
		return 1
	}
	factor := audioSeconds / sourceSeconds
	minSpeed := p.cfg.Segment.SpeedMin
	if minSpeed <= 0 {
		minSpeed = 0.5
	}
	maxSpeed := p.cfg.Segment.SpeedMax
	if maxSpeed <= 0 {
		maxSpeed = 2.0
	}
	if factor < minSpeed {
		return minSpeed
	}
	if factor > maxSpeed {
		return maxSpeed
	}
	return factor
}

func (p *Pool) markSegmentFailed(ctx context.Context, seg *jobstore.Segment, cause error) {
	seg.Status = jobstore.SegmentFailed
	seg.ErrorMessage = services.DetailsOf(cause).Message
	// Best effort under cancellation; the row just keeps its last state.
	if err := p.store.UpdateSegment(context.WithoutCancel(ctx), seg); err != nil {
		p.logger.Warn("failed to persist segment failure", logging.Error(err))
	}
}
