package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Claim atomically takes the next runnable job for a controller instance.
// Runnable means Pending, or non-terminal with an expired lease (a crashed
// controller's job). Priority jobs are claimed first, then oldest first.
// Returns nil when nothing is runnable.
func (s *Store) Claim(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)
	leaseStr := now.Add(lease).Format(time.RFC3339Nano)

	// The UPDATE targets a single row selected by the claim ordering; the
	// WHERE re-checks claimability so two controllers cannot take the same
	// job.
	query := fmt.Sprintf(`
        UPDATE jobs SET claimed_by = ?, lease_expires_at = ?, updated_at = ?
        WHERE id = (
            SELECT id FROM jobs
            WHERE stage NOT IN ('completed', 'failed', 'cancelled')
              AND (
                    (stage = 'pending' AND claimed_by = '')
                 OR (lease_expires_at IS NOT NULL AND lease_expires_at < ?)
              )
            ORDER BY priority DESC, created_at ASC
            LIMIT 1
        )
        AND (
              (stage = 'pending' AND claimed_by = '')
           OR (lease_expires_at IS NOT NULL AND lease_expires_at < ?)
        )
        RETURNING %s`, jobColumns)

	var job *Job
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query, workerID, leaseStr, nowStr, nowStr, nowStr)
		scanned, err := scanJob(row)
		if err != nil {
			return err
		}
		job = scanned
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// RenewLease extends the caller's lease. Fails if another controller has
// taken the job over.
func (s *Store) RenewLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		"UPDATE jobs SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND claimed_by = ?",
		now.Add(lease).Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		jobID,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lease rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("renew lease: job %s no longer held by %s", jobID, workerID)
	}
	return nil
}

// ReleaseClaim drops the caller's claim without touching job state. The
// lease is expired rather than cleared so a mid-stage job stays visible to
// the claim query and resumes immediately.
func (s *Store) ReleaseClaim(ctx context.Context, jobID, workerID string) error {
	_, err := s.execWithRetry(
		ctx,
		"UPDATE jobs SET lease_expires_at = ? WHERE id = ? AND claimed_by = ?",
		time.Now().UTC().Add(-time.Second).Format(time.RFC3339Nano),
		jobID,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// ListPendingForRecovery returns non-terminal jobs whose lease expired
// before cutoff, oldest first. These are crash-recovery candidates.
func (s *Store) ListPendingForRecovery(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	query := fmt.Sprintf(`
        SELECT %s FROM jobs
        WHERE stage NOT IN ('completed', 'failed', 'cancelled')
          AND claimed_by != ''
          AND lease_expires_at IS NOT NULL
          AND lease_expires_at < ?
        ORDER BY created_at ASC`, jobColumns)

	rows, err := s.db.QueryContext(ensureContext(ctx), query, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list recovery candidates: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recovery candidate: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
