package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"recap/internal/jobstore"
	"recap/internal/ledger"
	"recap/internal/logging"
	"recap/internal/services"
)

// Progress budgets per stage. Within a stage, progress interpolates between
// the stage floor and the next stage's floor.
const (
	progressReserving  = 2.0
	progressIngesting  = 10.0
	progressPlanning   = 20.0
	progressSegments   = 90.0
	progressStitching  = 97.0
	progressCommitting = 100.0
)

// runJob drives one claimed job forward from its current stage. The job may
// have been claimed fresh or reclaimed after a crash; every stage handler is
// safe to re-enter.
func (c *Controller) runJob(ctx context.Context, job *jobstore.Job) {
	jobCtx, done := c.register(ctx, job.ID)
	defer done()

	stopRenewal := c.startLeaseRenewal(jobCtx, job)
	defer stopRenewal()

	// Sequences must keep climbing across process restarts; the persisted
	// high-water mark is the floor for everything published from here on.
	c.bus.Seed(job.ID, job.EventSeq)

	logger := c.logger.With(
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldOwnerID, job.OwnerID),
	)
	logger.Info("job claimed", logging.String(logging.FieldStage, string(job.Stage)))

	for !job.IsTerminal() {
		if err := jobCtx.Err(); err != nil {
			c.finishInterrupted(ctx, job, err)
			return
		}

		started := time.Now()
		stage := job.Stage
		err := c.runStage(jobCtx, job)
		c.metrics.StageObserved(string(stage), time.Since(started))

		if err == nil {
			continue
		}
		if services.IsCancellation(err) && jobCtx.Err() != nil {
			c.finishInterrupted(ctx, job, err)
			return
		}
		if stage == jobstore.StageCommitting {
			// The recap is built and the reservation still holds. Leave the
			// job in Committing; once the lease expires a claim retries the
			// commit, and the ledger's usage record makes that retry safe.
			logger.Error("commit failed, leaving job for retry", logging.Error(err))
			return
		}
		c.failJob(ctx, job, err)
		return
	}
}

func (c *Controller) runStage(ctx context.Context, job *jobstore.Job) error {
	switch job.Stage {
	case jobstore.StagePending:
		return c.advance(ctx, job, jobstore.StageReserving, 0, "Reserving quota")
	case jobstore.StageReserving:
		return c.stageReserve(ctx, job)
	case jobstore.StageIngesting:
		return c.stageIngest(ctx, job)
	case jobstore.StagePlanning:
		return c.stagePlan(ctx, job)
	case jobstore.StageSegmentProcessing:
		return c.stageSegments(ctx, job)
	case jobstore.StageStitching:
		return c.stageStitch(ctx, job)
	case jobstore.StageCommitting:
		return c.stageCommit(ctx, job)
	default:
		return services.Wrap(services.ErrInternal, string(job.Stage), "run", "job in unexpected stage", nil)
	}
}

// advance moves the job to the next stage and publishes the transition.
func (c *Controller) advance(ctx context.Context, job *jobstore.Job, next jobstore.Stage, floor float64, step string) error {
	job.Stage = next
	job.Progress = floor
	job.CurrentStep = step
	if err := c.store.Update(ctx, job); err != nil {
		return err
	}
	c.publish(ctx, job)
	return nil
}

// startLeaseRenewal keeps the claim alive while the job runs. Losing the
// lease cancels the job context so another controller can take over cleanly.
func (c *Controller) startLeaseRenewal(ctx context.Context, job *jobstore.Job) func() {
	interval := c.lease / 3
	if interval <= 0 {
		interval = 20 * time.Second
	}
	renewCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := c.store.RenewLease(renewCtx, job.ID, c.workerID, c.lease); err != nil {
					if renewCtx.Err() != nil {
						return
					}
					c.logger.Warn("lease renewal failed, abandoning job",
						logging.String(logging.FieldJobID, job.ID),
						logging.Error(err))
					c.abortActive(job.ID)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (c *Controller) abortActive(jobID string) {
	c.mu.Lock()
	entry := c.active[jobID]
	c.mu.Unlock()
	if entry != nil {
		entry.cancel()
	}
}

// finishInterrupted resolves a job whose context was cancelled. A user
// cancellation finalizes the job; shutdown or lease loss releases the claim
// so another controller resumes it.
func (c *Controller) finishInterrupted(parent context.Context, job *jobstore.Job, cause error) {
	ctx := context.WithoutCancel(parent)
	if c.userCancelled(job.ID) {
		c.finalizeCancelled(ctx, job)
		return
	}
	if err := c.store.ReleaseClaim(ctx, job.ID, c.workerID); err != nil {
		c.logger.Warn("release claim failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
	}
	c.logger.Info("job released mid-flight",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldStage, string(job.Stage)),
		logging.Error(cause))
}

// failJob finalizes a failed job: reservation released, terminal row written
// exactly once, subscribers told, billing sink notified.
func (c *Controller) failJob(parent context.Context, job *jobstore.Job, cause error) {
	ctx := context.WithoutCancel(parent)
	details := services.DetailsOf(cause)

	c.releaseReservation(ctx, job)

	terminalError := &jobstore.TerminalError{
		Kind:      details.Kind,
		Message:   details.Message,
		Retriable: details.Retriable,
	}
	err := c.store.MarkTerminal(ctx, job.ID, jobstore.TerminalOutcome{
		Stage:       jobstore.StageFailed,
		CurrentStep: "Failed",
		Error:       terminalError,
	})
	if errors.Is(err, jobstore.ErrTerminal) {
		return
	}
	if err != nil {
		c.logger.Error("mark failed errored",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
		return
	}

	job.Stage = jobstore.StageFailed
	job.CurrentStep = "Failed"
	job.TerminalError = terminalError
	c.publish(ctx, job)
	c.metrics.JobFinished("failed")

	c.logger.Error("job failed",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("kind", string(details.Kind)),
		logging.Error(cause))
	if err := c.billing.NotifyJobFailed(ctx, billingNotice(job, 0, "")); err != nil {
		c.logger.Warn("billing notice failed", logging.Error(err))
	}
}

// finalizeCancelled finalizes a user-cancelled job.
func (c *Controller) finalizeCancelled(ctx context.Context, job *jobstore.Job) {
	c.releaseReservation(ctx, job)

	err := c.store.MarkTerminal(ctx, job.ID, jobstore.TerminalOutcome{
		Stage:       jobstore.StageCancelled,
		CurrentStep: "Cancelled",
	})
	if errors.Is(err, jobstore.ErrTerminal) {
		return
	}
	if err != nil {
		c.logger.Error("mark cancelled errored",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
		return
	}

	job.Stage = jobstore.StageCancelled
	job.CurrentStep = "Cancelled"
	c.publish(ctx, job)
	c.metrics.JobFinished("cancelled")
	c.logger.Info("job cancelled", logging.String(logging.FieldJobID, job.ID))
}

func (c *Controller) releaseReservation(ctx context.Context, job *jobstore.Job) {
	if job.ReservationID == "" {
		return
	}
	err := c.ledger.Release(ctx, job.ReservationID)
	if err != nil && !errors.Is(err, ledger.ErrReservationNotFound) {
		c.logger.Warn("release reservation failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
	}
}
