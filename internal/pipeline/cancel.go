package pipeline

import (
	"context"

	"recap/internal/jobstore"
	"recap/internal/logging"
)

// RequestCancel cancels a job. Running jobs have their context cancelled and
// are finalized by their worker; idle jobs are finalized here. Cancelling a
// job that is already terminal is a no-op.
func (c *Controller) RequestCancel(ctx context.Context, jobID string) error {
	job, err := c.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	c.mu.Lock()
	entry := c.active[jobID]
	if entry != nil {
		entry.userCancelled = true
	}
	c.mu.Unlock()

	c.metrics.CancellationAccepted()
	if entry != nil {
		c.logger.Info("cancelling running job", logging.String(logging.FieldJobID, jobID))
		entry.cancel()
		return nil
	}

	// Not running on this controller; finalize in place. A worker that
	// claimed it elsewhere will hit the terminal row and stand down.
	c.bus.Seed(job.ID, job.EventSeq)
	c.finalizeCancelled(context.WithoutCancel(ctx), job)
	return nil
}

// CancelStage exposes whether a job can still be cancelled, for API
// validation.
func CancelStage(stage jobstore.Stage) bool {
	return !stage.IsTerminal()
}
