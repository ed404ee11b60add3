package testsupport

import (
	"path/filepath"
	"testing"

	"recap/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.BlobDir = filepath.Join(base, "blobs")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.SocketPath = filepath.Join(base, "recapd.sock")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Blob.PresignSecret = "test-presign-secret"
	cfg.Workflow.QueuePollInterval = 1

	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithWorkerConcurrency overrides per-job worker parallelism.
func WithWorkerConcurrency(p int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.WorkerConcurrencyPerJob = p
	}
}

// WithFailureTolerance overrides the number of tolerated segment failures.
func WithFailureTolerance(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Workflow.SegmentFailureTolerance = n
	}
}
