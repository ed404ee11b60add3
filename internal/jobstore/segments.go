package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ReplacePlan stores the planner's output for a job, replacing any previous
// plan, and sets the planned-segment counter in the same transaction.
// Segments are created together and never added later.
func (s *Store) ReplacePlan(ctx context.Context, jobID string, segments []Segment) error {
	if len(segments) == 0 {
		return errors.New("plan must contain at least one segment")
	}
	ctx = ensureContext(ctx)

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin plan tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, "DELETE FROM segments WHERE job_id = ?", jobID); err != nil {
			return fmt.Errorf("clear previous plan: %w", err)
		}

		for _, seg := range segments {
			status := seg.Status
			if status == "" {
				status = SegmentPlanned
			}
			if _, err := tx.ExecContext(
				ctx,
				`INSERT INTO segments (
                    job_id, idx, start_seconds, end_seconds, fingerprint,
                    status, importance, script_text
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				jobID,
				seg.Index,
				seg.StartSeconds,
				seg.EndSeconds,
				seg.Fingerprint,
				string(status),
				seg.Importance,
				seg.ScriptText,
			); err != nil {
				return fmt.Errorf("insert segment %d: %w", seg.Index, err)
			}
		}

		if _, err := tx.ExecContext(
			ctx,
			"UPDATE jobs SET planned_segments = ?, updated_at = ? WHERE id = ?",
			len(segments),
			time.Now().UTC().Format(time.RFC3339Nano),
			jobID,
		); err != nil {
			return fmt.Errorf("record planned count: %w", err)
		}

		return tx.Commit()
	})
}

// ListSegments returns a job's segments ordered by index.
func (s *Store) ListSegments(ctx context.Context, jobID string) ([]Segment, error) {
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT job_id, idx, start_seconds, end_seconds, fingerprint, status,
                importance, script_text, narration, audio_handle, audio_seconds,
                speed_factor, error_message
         FROM segments WHERE job_id = ? ORDER BY idx ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		var status string
		if err := rows.Scan(
			&seg.JobID,
			&seg.Index,
			&seg.StartSeconds,
			&seg.EndSeconds,
			&seg.Fingerprint,
			&status,
			&seg.Importance,
			&seg.ScriptText,
			&seg.Narration,
			&seg.AudioHandle,
			&seg.AudioSeconds,
			&seg.SpeedFactor,
			&seg.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Status = SegmentStatus(status)
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// UpdateSegment persists per-segment work state.
func (s *Store) UpdateSegment(ctx context.Context, seg *Segment) error {
	if seg == nil {
		return errors.New("segment is required")
	}
	_, err := s.execWithRetry(
		ctx,
		`UPDATE segments SET
            status = ?, narration = ?, audio_handle = ?, audio_seconds = ?,
            speed_factor = ?, error_message = ?
         WHERE job_id = ? AND idx = ?`,
		string(seg.Status),
		seg.Narration,
		seg.AudioHandle,
		seg.AudioSeconds,
		seg.SpeedFactor,
		seg.ErrorMessage,
		seg.JobID,
		seg.Index,
	)
	if err != nil {
		return fmt.Errorf("update segment %d: %w", seg.Index, err)
	}
	return nil
}

// CacheSegmentResult records a finished segment's outputs keyed by
// fingerprint so recovery and replans can skip completed work.
func (s *Store) CacheSegmentResult(ctx context.Context, result SegmentResult) error {
	if result.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO segment_results (fingerprint, narration, audio_handle, audio_seconds, created_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(fingerprint) DO NOTHING`,
		result.Fingerprint,
		result.Narration,
		result.AudioHandle,
		result.AudioSeconds,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("cache segment result: %w", err)
	}
	return nil
}

// LookupSegmentResult fetches a cached result by fingerprint, returning nil
// when absent.
func (s *Store) LookupSegmentResult(ctx context.Context, fingerprint string) (*SegmentResult, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		"SELECT fingerprint, narration, audio_handle, audio_seconds FROM segment_results WHERE fingerprint = ?",
		fingerprint,
	)
	var result SegmentResult
	err := row.Scan(&result.Fingerprint, &result.Narration, &result.AudioHandle, &result.AudioSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup segment result: %w", err)
	}
	return &result, nil
}
