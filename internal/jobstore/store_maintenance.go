package jobstore

import (
	"context"
	"fmt"
	"time"
)

// PrunedJob identifies a removed job and the blob handles that should be
// deleted with it.
type PrunedJob struct {
	ID           string
	SourceHandle string
	OutputHandle string
}

// PruneTerminal removes terminal jobs whose last update is older than cutoff
// and returns what was removed so the caller can delete the backing blobs.
// Segment rows cascade.
func (s *Store) PruneTerminal(ctx context.Context, cutoff time.Time) ([]PrunedJob, error) {
	ctx = ensureContext(ctx)
	cutoffStr := cutoff.UTC().Format(time.RFC3339Nano)

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, source_handle, output_handle FROM jobs
         WHERE stage IN ('completed', 'failed', 'cancelled') AND updated_at < ?`,
		cutoffStr,
	)
	if err != nil {
		return nil, fmt.Errorf("select prune candidates: %w", err)
	}
	var pruned []PrunedJob
	for rows.Next() {
		var p PrunedJob
		if err := rows.Scan(&p.ID, &p.SourceHandle, &p.OutputHandle); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan prune candidate: %w", err)
		}
		pruned = append(pruned, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(pruned) == 0 {
		return nil, nil
	}

	if _, err := s.execWithRetry(
		ctx,
		`DELETE FROM jobs WHERE stage IN ('completed', 'failed', 'cancelled') AND updated_at < ?`,
		cutoffStr,
	); err != nil {
		return nil, fmt.Errorf("prune terminal jobs: %w", err)
	}
	return pruned, nil
}
