package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"recap/internal/billing"
	"recap/internal/jobstore"
	"recap/internal/ledger"
	"recap/internal/logging"
	"recap/internal/planner"
	"recap/internal/progress"
	"recap/internal/services"
)

// stageReserve places a quota hold before any paid work starts. Reserve is
// idempotent per job, so re-entering this stage after a crash is safe.
func (c *Controller) stageReserve(ctx context.Context, job *jobstore.Job) error {
	reservationID, err := c.ledger.Reserve(ctx, job.OwnerID, job.ID, c.estimateMinutes(job))
	if err != nil {
		return err
	}
	job.ReservationID = reservationID
	return c.advance(ctx, job, jobstore.StageIngesting, progressReserving, "Ingesting source")
}

// stageIngest probes the uploaded source and records its authoritative
// duration.
func (c *Controller) stageIngest(ctx context.Context, job *jobstore.Job) error {
	sourcePath, err := c.blobs.LocalPath(job.SourceHandle)
	if err != nil {
		return services.Wrap(services.ErrInvalidInput, "ingesting", "resolve source", job.SourceHandle, err)
	}
	probed, err := c.transcoder.Probe(ctx, sourcePath)
	if err != nil {
		return err
	}
	if probed.DurationSeconds <= 0 {
		return services.Wrap(services.ErrInvalidInput, "ingesting", "probe", "source has no duration", nil)
	}
	job.SourceDurationSeconds = probed.DurationSeconds
	return c.advance(ctx, job, jobstore.StagePlanning, progressIngesting, "Planning segments")
}

// planHeartbeatInterval is how often the controller refreshes the job row
// while planning waits on the chapter service, so watchers can tell a slow
// detection apart from a stalled job.
const planHeartbeatInterval = 15 * time.Second

// stagePlan builds the deterministic segment plan and persists it.
func (c *Controller) stagePlan(ctx context.Context, job *jobstore.Job) error {
	sourceURL, err := c.sourceURL(job)
	if err != nil {
		return err
	}
	stopHeartbeat := c.startPlanHeartbeat(ctx, job)
	segments, err := c.planner.Plan(ctx, planner.Input{
		JobID:                 job.ID,
		SourceURL:             sourceURL,
		SourceDurationSeconds: job.SourceDurationSeconds,
		Script:                job.Config.Script,
		TargetDurationSeconds: job.Config.TargetDurationMinutes * 60,
		ShortClipMode:         job.Config.ShortClipMode,
		AISegmentMatching:     job.Config.AISegmentMatching,
	})
	stopHeartbeat()
	if err != nil {
		return err
	}
	if err := c.store.ReplacePlan(ctx, job.ID, segments); err != nil {
		return err
	}
	job.PlannedSegments = len(segments)
	job.CompletedSegments = 0
	return c.advance(ctx, job, jobstore.StageSegmentProcessing, progressPlanning,
		fmt.Sprintf("Processing %d segments", len(segments)))
}

// startPlanHeartbeat refreshes the job row and publishes while planning is in
// flight. The returned stop function is idempotent.
func (c *Controller) startPlanHeartbeat(ctx context.Context, job *jobstore.Job) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(planHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := c.store.SetProgress(hbCtx, job.ID, job.Progress, "Detecting chapters", job.CompletedSegments); err != nil {
					if hbCtx.Err() == nil {
						c.logger.Warn("plan heartbeat write failed", logging.Error(err))
					}
					continue
				}
				job.CurrentStep = "Detecting chapters"
				c.publish(hbCtx, job)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// stageSegments runs the worker pool over the planned segments, mapping
// completion counts onto the 20 to 90 percent progress window.
func (c *Controller) stageSegments(ctx context.Context, job *jobstore.Job) error {
	segments, err := c.store.ListSegments(ctx, job.ID)
	if err != nil {
		return err
	}
	pending := make([]jobstore.Segment, 0, len(segments))
	doneAlready := 0
	for _, seg := range segments {
		if seg.Status == jobstore.SegmentDone {
			doneAlready++
			continue
		}
		pending = append(pending, seg)
	}

	if len(pending) > 0 {
		sourceURL, err := c.sourceURL(job)
		if err != nil {
			return err
		}
		stageCtx, cancel := c.stageContext(ctx, c.cfg.Workflow.SegmentProcessingTimeoutMinutes)
		defer cancel()

		planned := job.PlannedSegments
		// Workers report concurrently; the mutex serializes the shared job
		// mutation and the publish, and stale counts are dropped so the
		// event stream never shows progress going backwards.
		var reportMu sync.Mutex
		reported := doneAlready
		report := func(reportCtx context.Context, completed, _ int) {
			c.metrics.SegmentProcessed(string(jobstore.SegmentDone))

			reportMu.Lock()
			defer reportMu.Unlock()
			total := doneAlready + completed
			if total <= reported {
				return
			}
			reported = total

			fraction := 0.0
			if planned > 0 {
				fraction = float64(total) / float64(planned)
			}
			pct := progressPlanning + (progressSegments-progressPlanning)*fraction
			step := fmt.Sprintf("Processed %d of %d segments", total, planned)
			if err := c.store.SetProgress(reportCtx, job.ID, pct, step, total); err != nil {
				c.logger.Warn("progress write failed", logging.Error(err))
			}
			job.Progress = pct
			job.CurrentStep = step
			job.CompletedSegments = total
			c.publish(reportCtx, job)
		}

		if err := c.pool.Process(stageCtx, job, pending, sourceURL, report); err != nil {
			return c.mapStageTimeout(ctx, stageCtx, "segment_processing", err)
		}
	}

	refreshed, err := c.store.ListSegments(ctx, job.ID)
	if err != nil {
		return err
	}
	completed := 0
	for _, seg := range refreshed {
		if seg.Status == jobstore.SegmentDone {
			completed++
		}
	}
	job.CompletedSegments = completed
	return c.advance(ctx, job, jobstore.StageStitching, progressSegments, "Stitching recap")
}

// stageStitch assembles the final video from completed segments.
func (c *Controller) stageStitch(ctx context.Context, job *jobstore.Job) error {
	segments, err := c.store.ListSegments(ctx, job.ID)
	if err != nil {
		return err
	}
	stageCtx, cancel := c.stageContext(ctx, c.cfg.Workflow.StitchingTimeoutMinutes)
	defer cancel()

	result, err := c.stitcher.Stitch(stageCtx, job, segments, func(fraction float64) {
		pct := progressSegments + (progressStitching-progressSegments)*clampFraction(fraction)
		if err := c.store.SetProgress(context.WithoutCancel(stageCtx), job.ID, pct, "Stitching recap", job.CompletedSegments); err != nil {
			c.logger.Warn("progress write failed", logging.Error(err))
		}
	})
	if err != nil {
		return c.mapStageTimeout(ctx, stageCtx, "stitching", err)
	}

	job.OutputHandle = result.OutputHandle
	job.OutputDurationSeconds = result.OutputDurationSeconds
	return c.advance(ctx, job, jobstore.StageCommitting, progressStitching, "Committing quota")
}

// stageCommit settles the reservation and completes the job. The terminal
// transition happens only after the ledger commit succeeds; a commit failure
// leaves the job in Committing for a later retry, and the ledger's usage
// record guarantees the retry cannot double-bill.
func (c *Controller) stageCommit(ctx context.Context, job *jobstore.Job) error {
	if job.ReservationID == "" {
		job.ReservationID = ledger.ReservationID(job.ID)
	}
	minutes := c.billedMinutes(job)
	period := ledger.BillingPeriod(time.Now().UTC())
	if err := c.ledger.Commit(ctx, job.ReservationID, minutes, job.ID, period); err != nil {
		return err
	}
	c.metrics.MinutesBilled(minutes)

	err := c.store.MarkTerminal(ctx, job.ID, jobstore.TerminalOutcome{
		Stage:                 jobstore.StageCompleted,
		CurrentStep:           "Completed",
		OutputHandle:          job.OutputHandle,
		OutputDurationSeconds: job.OutputDurationSeconds,
		TerminalCommitted:     true,
	})
	if err != nil {
		return err
	}

	job.Stage = jobstore.StageCompleted
	job.Progress = progressCommitting
	job.CurrentStep = "Completed"
	job.TerminalCommitted = true
	c.publish(context.WithoutCancel(ctx), job)
	c.metrics.JobFinished("completed")

	c.logger.Info("job completed",
		logging.String(logging.FieldJobID, job.ID),
		logging.Float64("billed_minutes", minutes),
		logging.Float64("output_seconds", job.OutputDurationSeconds))
	notice := billingNotice(job, minutes, period)
	if err := c.billing.NotifyJobCompleted(context.WithoutCancel(ctx), notice); err != nil {
		c.logger.Warn("billing notice failed", logging.Error(err))
	}
	return nil
}

// stageContext applies the configured stage timeout when one is set.
func (c *Controller) stageContext(ctx context.Context, timeoutMinutes int) (context.Context, context.CancelFunc) {
	if timeoutMinutes <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(timeoutMinutes)*time.Minute)
}

// mapStageTimeout rewraps a stage deadline hit so it fails the job as a
// timeout instead of looking like an external cancellation.
func (c *Controller) mapStageTimeout(parent, stageCtx context.Context, stage string, err error) error {
	if parent.Err() == nil && stageCtx.Err() == context.DeadlineExceeded {
		return services.Wrap(services.ErrStageTimeout, stage, "run", "stage deadline exceeded", err)
	}
	return err
}

// publish pushes the job's current state to subscribers and persists the
// sequence high-water mark.
func (c *Controller) publish(ctx context.Context, job *jobstore.Job) {
	seq := c.bus.Publish(progress.FromJob(job))
	if err := c.store.RecordEventSeq(ctx, job.ID, seq); err != nil {
		c.logger.Warn("event seq write failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
	}
	c.metrics.EventPublished()
}

// estimateMinutes sizes the quota hold placed at admission. Output-minute
// billing holds the target length; source-minute billing holds the full
// source length.
func (c *Controller) estimateMinutes(job *jobstore.Job) float64 {
	minutes := job.SourceDurationSeconds / 60
	if !c.cfg.Quota.BillSourceMinutes && job.Config.TargetDurationMinutes > 0 {
		minutes = job.Config.TargetDurationMinutes
	}
	if minutes <= 0 {
		minutes = 1
	}
	return math.Ceil(minutes)
}

// billedMinutes is the fractional amount actually committed. The ceil on the
// reservation estimate does not apply here; users pay for the minutes the
// recap really is.
func (c *Controller) billedMinutes(job *jobstore.Job) float64 {
	seconds := job.OutputDurationSeconds
	if c.cfg.Quota.BillSourceMinutes {
		seconds = job.SourceDurationSeconds
	}
	if seconds <= 0 {
		return 0
	}
	return seconds / 60
}

func (c *Controller) sourceURL(job *jobstore.Job) (string, error) {
	ttl := time.Duration(c.cfg.Blob.PresignTTLSeconds) * time.Second
	url, err := c.blobs.PresignGet(job.SourceHandle, ttl)
	if err != nil {
		return "", services.Wrap(services.ErrInternal, string(job.Stage), "presign source", job.SourceHandle, err)
	}
	return url, nil
}

func billingNotice(job *jobstore.Job, minutes float64, period string) billing.Notice {
	notice := billing.Notice{
		JobID:         job.ID,
		OwnerID:       job.OwnerID,
		BilledMinutes: minutes,
		BillingPeriod: period,
		OutputSeconds: job.OutputDurationSeconds,
	}
	if job.TerminalError != nil {
		notice.Detail = job.TerminalError.Message
	}
	return notice
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
