package testsupport

import (
	"context"
	"testing"

	"recap/internal/config"
	"recap/internal/jobstore"
	"recap/internal/ledger"
)

// MustOpenStore opens a jobstore.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *jobstore.Store {
	t.Helper()

	store, err := jobstore.Open(cfg)
	if err != nil {
		t.Fatalf("jobstore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenLedger opens a ledger.Ledger for tests and registers cleanup.
func MustOpenLedger(t testing.TB, cfg *config.Config) *ledger.Ledger {
	t.Helper()

	l, err := ledger.Open(cfg)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() {
		l.Close()
	})
	return l
}

// NewJob creates a pending job for tests using the provided store.
func NewJob(t testing.TB, store *jobstore.Store, owner string, params jobstore.NewJobParams) *jobstore.Job {
	t.Helper()

	params.OwnerID = owner
	if params.SourceHandle == "" {
		params.SourceHandle = "local:test/source.mp4"
	}
	if params.SourceDurationSeconds == 0 {
		params.SourceDurationSeconds = 1440
	}
	job, err := store.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return job
}
