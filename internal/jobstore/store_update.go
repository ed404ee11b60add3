package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Update persists mutable job fields with optimistic concurrency on the
// revision column. On success the in-memory revision is bumped to match the
// stored row. Terminal rows are never updated through this path.
func (s *Store) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is required")
	}
	if !ValidStage(job.Stage) {
		return fmt.Errorf("invalid stage %q", job.Stage)
	}

	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}

	now := time.Now().UTC()
	var errKind, errMessage any
	var errRetriable int
	if job.TerminalError != nil {
		errKind = string(job.TerminalError.Kind)
		errMessage = job.TerminalError.Message
		errRetriable = boolToInt(job.TerminalError.Retriable)
	}

	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET
            updated_at = ?,
            stage = ?,
            progress = MAX(progress, ?),
            current_step = ?,
            planned_segments = ?,
            completed_segments = ?,
            source_handle = ?,
            source_duration_seconds = ?,
            config_json = ?,
            output_handle = ?,
            output_duration_seconds = ?,
            reservation_id = ?,
            terminal_committed = ?,
            error_kind = ?,
            error_message = ?,
            error_retriable = ?,
            revision = revision + 1
        WHERE id = ? AND revision = ?
          AND stage NOT IN ('completed', 'failed', 'cancelled')`,
		now.Format(time.RFC3339Nano),
		string(job.Stage),
		job.Progress,
		job.CurrentStep,
		job.PlannedSegments,
		job.CompletedSegments,
		job.SourceHandle,
		job.SourceDurationSeconds,
		string(configJSON),
		job.OutputHandle,
		job.OutputDurationSeconds,
		job.ReservationID,
		boolToInt(job.TerminalCommitted),
		errKind,
		errMessage,
		errRetriable,
		job.ID,
		job.Revision,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows: %w", err)
	}
	if affected == 0 {
		current, getErr := s.GetByID(ctx, job.ID)
		switch {
		case getErr != nil:
			return fmt.Errorf("update job %s: %w", job.ID, getErr)
		case current.IsTerminal():
			return fmt.Errorf("update job %s: %w", job.ID, ErrTerminal)
		default:
			return fmt.Errorf("update job %s: %w", job.ID, ErrRevisionConflict)
		}
	}
	job.Revision++
	job.UpdatedAt = now
	return nil
}

// SetProgress advances progress, step label, and the completed-segment
// counter without revision coordination. Both progress and the counter use
// MAX so concurrent writers can only move them forward; terminal rows are
// untouched.
func (s *Store) SetProgress(ctx context.Context, jobID string, progress float64, currentStep string, completedSegments int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	_, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET
            progress = MAX(progress, ?),
            current_step = ?,
            completed_segments = MAX(completed_segments, ?),
            updated_at = ?
        WHERE id = ? AND stage NOT IN ('completed', 'failed', 'cancelled')`,
		progress,
		currentStep,
		completedSegments,
		time.Now().UTC().Format(time.RFC3339Nano),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// TerminalOutcome is applied atomically when a job finishes.
type TerminalOutcome struct {
	Stage                 Stage
	CurrentStep           string
	OutputHandle          string
	OutputDurationSeconds float64
	TerminalCommitted     bool
	Error                 *TerminalError
}

// MarkTerminal transitions a job into a terminal stage exactly once. A job
// already terminal is left untouched and ErrTerminal is returned so callers
// can distinguish the no-op.
func (s *Store) MarkTerminal(ctx context.Context, jobID string, outcome TerminalOutcome) error {
	if !outcome.Stage.IsTerminal() {
		return fmt.Errorf("stage %q is not terminal", outcome.Stage)
	}
	progress := 0.0
	if outcome.Stage == StageCompleted {
		progress = 100
	}
	var errKind, errMessage any
	var errRetriable int
	if outcome.Error != nil {
		errKind = string(outcome.Error.Kind)
		errMessage = outcome.Error.Message
		errRetriable = boolToInt(outcome.Error.Retriable)
	}

	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET
            stage = ?,
            progress = MAX(progress, ?),
            current_step = ?,
            output_handle = CASE WHEN ? != '' THEN ? ELSE output_handle END,
            output_duration_seconds = CASE WHEN ? > 0 THEN ? ELSE output_duration_seconds END,
            terminal_committed = ?,
            error_kind = ?,
            error_message = ?,
            error_retriable = ?,
            claimed_by = '',
            lease_expires_at = NULL,
            updated_at = ?
        WHERE id = ? AND stage NOT IN ('completed', 'failed', 'cancelled')`,
		string(outcome.Stage),
		progress,
		outcome.CurrentStep,
		outcome.OutputHandle,
		outcome.OutputHandle,
		outcome.OutputDurationSeconds,
		outcome.OutputDurationSeconds,
		boolToInt(outcome.TerminalCommitted),
		errKind,
		errMessage,
		errRetriable,
		time.Now().UTC().Format(time.RFC3339Nano),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("mark terminal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark terminal rows: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetByID(ctx, jobID); getErr != nil {
			return getErr
		}
		return ErrTerminal
	}
	return nil
}

// RecordEventSeq persists the progress bus high-water mark. Sequences only
// move forward.
func (s *Store) RecordEventSeq(ctx context.Context, jobID string, seq uint64) error {
	_, err := s.execWithRetry(
		ctx,
		"UPDATE jobs SET event_seq = MAX(event_seq, ?) WHERE id = ?",
		int64(seq),
		jobID,
	)
	if err != nil {
		return fmt.Errorf("record event seq: %w", err)
	}
	return nil
}
