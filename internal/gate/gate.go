package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"recap/internal/config"
	"recap/internal/logging"
	"recap/internal/services"
)

// Gate serializes outbound calls per provider: a token-bucket rate limit, an
// in-flight cap, a per-attempt timeout, and full-jitter retries on transient
// failures. One Gate instance is shared by every job so retry storms stay
// bounded no matter how many jobs run concurrently.
type Gate struct {
	mu        sync.Mutex
	providers map[string]*providerGate
	logger    *slog.Logger
}

type providerGate struct {
	name        string
	limiter     *rate.Limiter
	inflight    *semaphore.Weighted
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// New builds a gate from the configured provider policies.
func New(cfg *config.Config, logger *slog.Logger) *Gate {
	g := &Gate{
		providers: make(map[string]*providerGate, len(cfg.Providers)),
		logger:    logging.NewComponentLogger(logger, "gate"),
	}
	for name, provider := range cfg.Providers {
		g.providers[name] = newProviderGate(name, provider)
	}
	return g
}

func newProviderGate(name string, provider config.Provider) *providerGate {
	rps := provider.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	maxInFlight := provider.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	maxAttempts := provider.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	timeout := time.Duration(provider.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	baseDelay := time.Duration(provider.BaseDelayMillis) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	maxDelay := time.Duration(provider.MaxDelayMillis) * time.Millisecond
	if maxDelay < baseDelay {
		maxDelay = 8 * time.Second
	}
	return &providerGate{
		name:        name,
		limiter:     rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
		inflight:    semaphore.NewWeighted(int64(maxInFlight)),
		timeout:     timeout,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// Do runs op against the named provider under the gate's pacing, retrying
// transient failures with full-jitter backoff. Permanent failures and
// cancellations return immediately. The context passed to op carries the
// per-attempt timeout.
func (g *Gate) Do(ctx context.Context, provider string, op func(ctx context.Context) error) error {
	pg, err := g.provider(provider)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < pg.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := fullJitter(pg.baseDelay, pg.maxDelay, attempt)
			g.logger.Debug("retrying provider call",
				logging.String(logging.FieldProvider, pg.name),
				logging.Int("attempt", attempt+1),
				logging.Duration("backoff", delay),
				logging.Error(lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return services.Wrap(services.ErrCancelled, "", "gate wait", pg.name, ctx.Err())
			}
		}

		lastErr = pg.attempt(ctx, op)
		if lastErr == nil {
			return nil
		}
		if services.IsCancellation(lastErr) || errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		if !errors.Is(lastErr, services.ErrProviderTransient) {
			return lastErr
		}
	}
	return services.Wrap(
		services.ErrProviderTransient,
		"",
		"gate",
		fmt.Sprintf("%s exhausted %d attempts", pg.name, pg.maxAttempts),
		lastErr,
	)
}

func (pg *providerGate) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if err := pg.limiter.Wait(ctx); err != nil {
		return services.Wrap(services.ErrCancelled, "", "rate wait", pg.name, err)
	}
	if err := pg.inflight.Acquire(ctx, 1); err != nil {
		return services.Wrap(services.ErrCancelled, "", "slot wait", pg.name, err)
	}
	defer pg.inflight.Release(1)

	attemptCtx, cancel := context.WithTimeout(ctx, pg.timeout)
	defer cancel()

	err := op(attemptCtx)
	// An attempt that blew its own deadline while the job is still live is a
	// transient provider failure, not a stage timeout.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return services.Wrap(services.ErrProviderTransient, "", "call", pg.name+" attempt timed out", err)
	}
	return err
}

func (g *Gate) provider(name string) (*providerGate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pg, ok := g.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return pg, nil
}

// fullJitter picks a uniform delay in [0, min(maxDelay, base·2^attempt)].
func fullJitter(base, maxDelay time.Duration, attempt int) time.Duration {
	ceiling := base << attempt
	if ceiling > maxDelay || ceiling <= 0 {
		ceiling = maxDelay
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
