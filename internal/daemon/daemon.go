package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"log/slog"

	"github.com/gofrs/flock"

	"recap/internal/api"
	"recap/internal/blob"
	"recap/internal/config"
	"recap/internal/jobstore"
	"recap/internal/ledger"
	"recap/internal/logging"
	"recap/internal/metrics"
	"recap/internal/pipeline"
	"recap/internal/progress"
)

// Daemon coordinates the pipeline controller and the HTTP API, and enforces
// single-instance execution through a lock file.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *jobstore.Store
	ledger     *ledger.Ledger
	blobs      *blob.Gateway
	bus        *progress.Bus
	controller *pipeline.Controller
	metrics    *metrics.Metrics

	apiHandler http.Handler
	api        *apiServer
	apiLogger  *slog.Logger

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	WorkerID     string
	JobDBPath    string
	LedgerDBPath string
	LockFilePath string
	APIBind      string
	StageCounts  map[jobstore.Stage]int
}

// New constructs a daemon with initialized dependencies.
func New(
	cfg *config.Config,
	store *jobstore.Store,
	quotaLedger *ledger.Ledger,
	blobs *blob.Gateway,
	bus *progress.Bus,
	controller *pipeline.Controller,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Daemon, error) {
	if cfg == nil || store == nil || quotaLedger == nil || blobs == nil || bus == nil || controller == nil {
		return nil, errors.New("daemon requires config, store, ledger, blobs, bus, and controller")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "recapd.lock")
	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		ledger:     quotaLedger,
		blobs:      blobs,
		bus:        bus,
		controller: controller,
		metrics:    m,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}
	d.apiLogger = logger
	d.apiHandler = api.New(cfg, store, quotaLedger, blobs, bus, controller, m, logger).Router()
	return d, nil
}

// Start acquires the daemon lock, launches the pipeline controller, and
// begins serving the HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another recap daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.controller.Start(d.ctx); err != nil {
		_ = d.lock.Unlock()
		d.cancel()
		d.ctx = nil
		d.cancel = nil
		return fmt.Errorf("start pipeline: %w", err)
	}
	d.api = newAPIServer(d.cfg, d.apiHandler, d.apiLogger)
	if err := d.api.start(d.ctx); err != nil {
		d.controller.Stop()
		_ = d.lock.Unlock()
		d.cancel()
		d.ctx = nil
		d.cancel = nil
		return fmt.Errorf("start api: %w", err)
	}

	d.running.Store(true)
	d.logger.Info("recap daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop stops background processing and releases the daemon lock. In-flight
// jobs release their claims and resume after the lease window on the next
// start.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()
	d.api = nil
	d.controller.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("recap daemon stopped")
}

// Close stops the daemon and releases its stores.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.ledger != nil {
		errs = append(errs, d.ledger.Close())
	}
	return errors.Join(errs...)
}

// Status returns the current daemon status. Stage counts come straight from
// the job store, so they are accurate even while the controller is stopped.
func (d *Daemon) Status(ctx context.Context) Status {
	counts, err := d.store.StageCounts(ctx)
	if err != nil {
		d.logger.Warn("stage counts unavailable", logging.Error(err))
		counts = nil
	}
	bind := d.cfg.Paths.APIBind
	if addr := d.api.addr(); addr != "" {
		bind = addr
	}
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		WorkerID:     d.controller.WorkerID(),
		JobDBPath:    d.store.Path(),
		LedgerDBPath: d.ledger.Path(),
		LockFilePath: d.lockPath,
		APIBind:      bind,
		StageCounts:  counts,
	}
}

// ListJobs returns recent jobs, optionally scoped to one owner and a stage
// filter.
func (d *Daemon) ListJobs(ctx context.Context, ownerID string, stages []jobstore.Stage, limit int) ([]*jobstore.Job, error) {
	if strings.TrimSpace(ownerID) != "" {
		return d.store.ListByOwner(ctx, ownerID, stages, limit, 0)
	}
	return d.store.List(ctx, stages, limit)
}

// DescribeJob returns one job with its segment plan.
func (d *Daemon) DescribeJob(ctx context.Context, jobID string) (*jobstore.Job, []jobstore.Segment, error) {
	job, err := d.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	segments, err := d.store.ListSegments(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, segments, nil
}

// CancelJob requests cancellation of a job regardless of owner. Operator
// tooling only; the HTTP API enforces ownership separately.
func (d *Daemon) CancelJob(ctx context.Context, jobID string) error {
	return d.controller.RequestCancel(ctx, jobID)
}

// QuotaSummary returns the quota state for one owner.
func (d *Daemon) QuotaSummary(ctx context.Context, ownerID string) (*ledger.Summary, error) {
	return d.ledger.Summarize(ctx, ownerID)
}

// SetPlan sets an owner's subscription minute allowance.
func (d *Daemon) SetPlan(ctx context.Context, ownerID string, minutes float64) error {
	return d.ledger.SetPlan(ctx, ownerID, minutes)
}

// RecordTopUp credits purchased minutes to an owner's balance.
func (d *Daemon) RecordTopUp(ctx context.Context, ownerID string, minutes float64, externalReference string) error {
	return d.ledger.RecordTopUp(ctx, ownerID, minutes, externalReference)
}
