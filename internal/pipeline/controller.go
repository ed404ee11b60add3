package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"recap/internal/billing"
	"recap/internal/blob"
	"recap/internal/config"
	"recap/internal/gate"
	"recap/internal/jobstore"
	"recap/internal/ledger"
	"recap/internal/logging"
	"recap/internal/metrics"
	"recap/internal/planner"
	"recap/internal/progress"
	"recap/internal/segmentpool"
	"recap/internal/services/chapters"
	"recap/internal/services/transcoder"
	"recap/internal/services/tts"
	"recap/internal/services/vision"
	"recap/internal/stitcher"
)

// Controller drives claimed jobs through the stage sequence. Multiple worker
// goroutines claim independently; the store's lease column keeps two workers
// (or two daemons) off the same job.
type Controller struct {
	cfg        *config.Config
	store      *jobstore.Store
	ledger     *ledger.Ledger
	blobs      *blob.Gateway
	bus        *progress.Bus
	metrics    *metrics.Metrics
	billing    billing.Service
	planner    *planner.Planner
	pool       *segmentpool.Pool
	stitcher   *stitcher.Stitcher
	transcoder transcoder.Client
	logger     *slog.Logger

	workerID     string
	lease        time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	active  map[string]*activeJob
}

// activeJob tracks a job this controller is currently running so cancel
// requests can reach its context.
type activeJob struct {
	cancel        context.CancelFunc
	userCancelled bool
}

// Deps carries the provider clients the controller wires into its planner,
// pool and stitcher.
type Deps struct {
	Vision     vision.Client
	TTS        tts.Client
	Chapters   chapters.Client
	Transcoder transcoder.Client
	Billing    billing.Service
	Metrics    *metrics.Metrics
}

// New constructs a controller over shared infrastructure.
func New(
	cfg *config.Config,
	store *jobstore.Store,
	quotaLedger *ledger.Ledger,
	blobs *blob.Gateway,
	callGate *gate.Gate,
	bus *progress.Bus,
	deps Deps,
	logger *slog.Logger,
) *Controller {
	componentLogger := logging.NewComponentLogger(logger, "pipeline")
	billingService := deps.Billing
	if billingService == nil {
		billingService = billing.NewService(cfg)
	}

	lease := time.Duration(cfg.Workflow.LeaseSeconds) * time.Second
	if lease <= 0 {
		lease = time.Minute
	}
	poll := time.Duration(cfg.Workflow.QueuePollInterval) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}

	return &Controller{
		cfg:        cfg,
		store:      store,
		ledger:     quotaLedger,
		blobs:      blobs,
		bus:        bus,
		metrics:    deps.Metrics,
		billing:    billingService,
		planner:    planner.New(cfg, deps.Chapters, callGate, logger),
		pool:       segmentpool.New(cfg, store, blobs, callGate, deps.Vision, deps.TTS, logger),
		stitcher:   stitcher.New(cfg, blobs, deps.Transcoder, logger),
		transcoder: deps.Transcoder,
		logger:     componentLogger,

		workerID:     "recapd-" + uuid.NewString()[:8],
		lease:        lease,
		pollInterval: poll,
		active:       make(map[string]*activeJob),
	}
}

// WorkerID identifies this controller instance in lease columns.
func (c *Controller) WorkerID() string { return c.workerID }

// Start launches the claim workers and maintenance loop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("pipeline already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	workers := c.cfg.Workflow.MaxConcurrentJobs
	if workers <= 0 {
		workers = 1
	}
	c.wg.Add(workers + 1)
	c.mu.Unlock()

	for i := 0; i < workers; i++ {
		go c.runWorker(runCtx)
	}
	go c.runMaintenance(runCtx)

	c.logger.Info("pipeline started",
		logging.String("worker_id", c.workerID),
		logging.Int("workers", workers))
	return nil
}

// Stop terminates processing and waits for in-flight jobs to release their
// claims. Jobs interrupted here stay claimable and resume elsewhere.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
}

func (c *Controller) runWorker(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := c.store.Claim(ctx, c.workerID, c.lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("claim failed", logging.Error(err))
			c.waitOrShutdown(ctx)
			continue
		}
		if job == nil {
			c.waitOrShutdown(ctx)
			continue
		}

		if job.Stage != jobstore.StagePending {
			c.metrics.JobRecovered()
		}
		c.metrics.JobClaimed()
		c.runJob(ctx, job)
		c.metrics.JobReleased()
	}
}

func (c *Controller) waitOrShutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.pollInterval):
	}
}

// register puts the job into the active set and returns a per-job context
// that cancel requests and lease loss can abort.
func (c *Controller) register(ctx context.Context, jobID string) (context.Context, func()) {
	jobCtx, cancel := context.WithCancel(ctx)
	entry := &activeJob{cancel: cancel}
	c.mu.Lock()
	c.active[jobID] = entry
	c.mu.Unlock()
	return jobCtx, func() {
		cancel()
		c.mu.Lock()
		delete(c.active, jobID)
		c.mu.Unlock()
	}
}

// userCancelled reports whether the job's context was cancelled by a cancel
// request rather than by daemon shutdown or lease loss.
func (c *Controller) userCancelled(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.active[jobID]
	return entry != nil && entry.userCancelled
}
