package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"recap/internal/config"
	"recap/internal/services"
)

// Store manages job and segment persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// ErrRevisionConflict indicates a concurrent writer updated the job first.
var ErrRevisionConflict = errors.New("job revision conflict")

// ErrNotFound indicates the requested job does not exist.
var ErrNotFound = errors.New("job not found")

// ErrTerminal indicates the job already reached a terminal stage.
var ErrTerminal = errors.New("job is terminal")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Open initializes or connects to the job database and applies migrations.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.DataDir, "jobs.db"))
}

// OpenPath opens a job database at an explicit path (used by tests).
func OpenPath(dbPath string) (*Store, error) {
	// Pragmas ride on the DSN so every pooled connection carries them; a
	// plain Exec would configure only whichever connection it happened to
	// land on.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

const jobColumns = "id, owner_id, created_at, updated_at, stage, progress, current_step, planned_segments, completed_segments, source_handle, source_duration_seconds, config_json, priority, output_handle, output_duration_seconds, reservation_id, terminal_committed, error_kind, error_message, error_retriable, revision, claimed_by, lease_expires_at, event_seq"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job            Job
		createdRaw     string
		updatedRaw     string
		stageStr       string
		configRaw      string
		priority       int64
		committed      int64
		errorKind      sql.NullString
		errorMessage   sql.NullString
		errorRetriable int64
		leaseRaw       sql.NullString
		eventSeq       int64
	)

	if err := scanner.Scan(
		&job.ID,
		&job.OwnerID,
		&createdRaw,
		&updatedRaw,
		&stageStr,
		&job.Progress,
		&job.CurrentStep,
		&job.PlannedSegments,
		&job.CompletedSegments,
		&job.SourceHandle,
		&job.SourceDurationSeconds,
		&configRaw,
		&priority,
		&job.OutputHandle,
		&job.OutputDurationSeconds,
		&job.ReservationID,
		&committed,
		&errorKind,
		&errorMessage,
		&errorRetriable,
		&job.Revision,
		&job.ClaimedBy,
		&leaseRaw,
		&eventSeq,
	); err != nil {
		return nil, err
	}

	job.Stage = Stage(stageStr)
	job.Priority = priority != 0
	job.TerminalCommitted = committed != 0
	job.EventSeq = uint64(eventSeq)
	if errorKind.Valid && errorKind.String != "" {
		job.TerminalError = &TerminalError{
			Kind:      services.Kind(errorKind.String),
			Message:   errorMessage.String,
			Retriable: errorRetriable != 0,
		}
	}
	if configRaw != "" {
		if err := json.Unmarshal([]byte(configRaw), &job.Config); err != nil {
			return nil, fmt.Errorf("decode job config: %w", err)
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	if leaseRaw.Valid && leaseRaw.String != "" {
		if lease, err := parseTimeString(leaseRaw.String); err == nil {
			job.LeaseExpiresAt = &lease
		}
	}
	return &job, nil
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
