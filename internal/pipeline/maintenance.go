package pipeline

import (
	"context"
	"time"

	"recap/internal/logging"
)

const retentionSweepInterval = time.Hour

// runMaintenance owns the periodic retention sweep. Crash recovery needs no
// sweep of its own: expired leases make jobs claimable again and the claim
// loop picks them up naturally.
func (c *Controller) runMaintenance(ctx context.Context) {
	defer c.wg.Done()

	// First sweep shortly after startup clears backlog from downtime.
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.sweepRetention(ctx)
			timer.Reset(retentionSweepInterval)
		}
	}
}

// sweepRetention prunes old terminal jobs and their artifacts.
func (c *Controller) sweepRetention(ctx context.Context) {
	if !c.cfg.Retention.Enabled {
		return
	}
	maxAge := time.Duration(c.cfg.Retention.TerminalMaxAgeH) * time.Hour
	if maxAge <= 0 {
		return
	}

	pruned, err := c.store.PruneTerminal(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		c.logger.Error("retention sweep failed", logging.Error(err))
		return
	}
	for _, job := range pruned {
		for _, handle := range []string{job.SourceHandle, job.OutputHandle} {
			if handle == "" {
				continue
			}
			if err := c.blobs.Delete(ctx, handle); err != nil {
				c.logger.Warn("prune blob delete failed",
					logging.String(logging.FieldJobID, job.ID),
					logging.String("handle", handle),
					logging.Error(err))
			}
		}
		c.bus.Forget(job.ID)
		c.metrics.JobPruned()
	}
	if len(pruned) > 0 {
		c.logger.Info("retention sweep pruned jobs", logging.Int("count", len(pruned)))
	}
}
