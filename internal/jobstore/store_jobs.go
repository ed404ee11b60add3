package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewJobParams carries admission-time inputs for job creation.
type NewJobParams struct {
	OwnerID               string
	SourceHandle          string
	SourceDurationSeconds float64
	Config                JobConfig
	Priority              bool
}

// Create inserts a new job in the Pending stage and returns the stored row.
func (s *Store) Create(ctx context.Context, params NewJobParams) (*Job, error) {
	if strings.TrimSpace(params.OwnerID) == "" {
		return nil, errors.New("owner id is required")
	}
	if strings.TrimSpace(params.SourceHandle) == "" {
		return nil, errors.New("source handle is required")
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	id := uuid.NewString()

	configJSON, err := json.Marshal(params.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal job config: %w", err)
	}

	_, err = s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            id, owner_id, created_at, updated_at, stage, current_step,
            source_handle, source_duration_seconds, config_json, priority
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		params.OwnerID,
		timestamp,
		timestamp,
		StagePending,
		"Queued",
		params.SourceHandle,
		params.SourceDurationSeconds,
		string(configJSON),
		boolToInt(params.Priority),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	return s.GetByID(ctx, id)
}

// GetByID fetches a job by identifier.
func (s *Store) GetByID(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		fmt.Sprintf("SELECT %s FROM jobs WHERE id = ?", jobColumns),
		id,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// ListByOwner returns an owner's jobs, newest first, optionally filtered by
// stage, with offset pagination.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, stages []Stage, limit, offset int) ([]*Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf("SELECT %s FROM jobs WHERE owner_id = ?", jobColumns)
	args := []any{ownerID}
	if len(stages) > 0 {
		query += fmt.Sprintf(" AND stage IN (%s)", makePlaceholders(len(stages)))
		for _, stage := range stages {
			args = append(args, string(stage))
		}
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// List returns jobs across all owners, newest first, optionally filtered by
// stage. Operator tooling uses this; the owner-facing API goes through
// ListByOwner.
func (s *Store) List(ctx context.Context, stages []Stage, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := fmt.Sprintf("SELECT %s FROM jobs", jobColumns)
	var args []any
	if len(stages) > 0 {
		query += fmt.Sprintf(" WHERE stage IN (%s)", makePlaceholders(len(stages)))
		for _, stage := range stages {
			args = append(args, string(stage))
		}
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// StageCounts returns the number of jobs per stage.
func (s *Store) StageCounts(ctx context.Context) (map[Stage]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), "SELECT stage, COUNT(1) FROM jobs GROUP BY stage")
	if err != nil {
		return nil, fmt.Errorf("stage counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Stage]int)
	for rows.Next() {
		var stage string
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, fmt.Errorf("scan stage count: %w", err)
		}
		counts[Stage(stage)] = count
	}
	return counts, rows.Err()
}
