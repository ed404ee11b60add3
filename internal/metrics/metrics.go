package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus collectors on a private registry so
// multiple daemon instances (and tests) never fight over global state.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal         *prometheus.CounterVec
	jobsActive        prometheus.Gauge
	segmentsTotal     *prometheus.CounterVec
	providerAttempts  *prometheus.CounterVec
	providerRetries   *prometheus.CounterVec
	gateQueueDepth    *prometheus.GaugeVec
	stageDuration     *prometheus.HistogramVec
	minutesBilled     prometheus.Counter
	eventsPublished   prometheus.Counter
	recoveredJobs     prometheus.Counter
	prunedJobs        prometheus.Counter
	cancellationCount prometheus.Counter
}

// New builds and registers all collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recap_jobs_total",
		Help: "Jobs reaching a terminal state, by outcome.",
	}, []string{"outcome"})
	m.jobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "recap_jobs_active",
		Help: "Jobs currently claimed by this daemon.",
	})
	m.segmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recap_segments_processed_total",
		Help: "Segments finishing the worker pipeline, by status.",
	}, []string{"status"})
	m.providerAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recap_provider_attempts_total",
		Help: "Provider call attempts, by provider and result.",
	}, []string{"provider", "result"})
	m.providerRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recap_provider_retries_total",
		Help: "Provider call retries after transient failures.",
	}, []string{"provider"})
	m.gateQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recap_gate_queue_depth",
		Help: "Callers waiting on a provider gate slot.",
	}, []string{"provider"})
	m.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recap_stage_duration_seconds",
		Help:    "Wall time spent per pipeline stage.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"stage"})
	m.minutesBilled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recap_minutes_billed_total",
		Help: "Minutes committed against owner quotas.",
	})
	m.eventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recap_progress_events_total",
		Help: "Progress events published on the bus.",
	})
	m.recoveredJobs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recap_recovered_jobs_total",
		Help: "Jobs reclaimed from expired leases.",
	})
	m.prunedJobs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recap_pruned_jobs_total",
		Help: "Terminal jobs removed by the retention sweep.",
	})
	m.cancellationCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recap_cancellations_total",
		Help: "Cancellation requests accepted.",
	})

	m.registry.MustRegister(
		m.jobsTotal,
		m.jobsActive,
		m.segmentsTotal,
		m.providerAttempts,
		m.providerRetries,
		m.gateQueueDepth,
		m.stageDuration,
		m.minutesBilled,
		m.eventsPublished,
		m.recoveredJobs,
		m.prunedJobs,
		m.cancellationCount,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobFinished(outcome string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) JobClaimed() {
	if m == nil {
		return
	}
	m.jobsActive.Inc()
}

func (m *Metrics) JobReleased() {
	if m == nil {
		return
	}
	m.jobsActive.Dec()
}

func (m *Metrics) SegmentProcessed(status string) {
	if m == nil {
		return
	}
	m.segmentsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ProviderAttempt(provider, result string) {
	if m == nil {
		return
	}
	m.providerAttempts.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ProviderRetry(provider string) {
	if m == nil {
		return
	}
	m.providerRetries.WithLabelValues(provider).Inc()
}

func (m *Metrics) GateWaiting(provider string, delta float64) {
	if m == nil {
		return
	}
	m.gateQueueDepth.WithLabelValues(provider).Add(delta)
}

func (m *Metrics) StageObserved(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) MinutesBilled(minutes float64) {
	if m == nil || minutes <= 0 {
		return
	}
	m.minutesBilled.Add(minutes)
}

func (m *Metrics) EventPublished() {
	if m == nil {
		return
	}
	m.eventsPublished.Inc()
}

func (m *Metrics) JobRecovered() {
	if m == nil {
		return
	}
	m.recoveredJobs.Inc()
}

func (m *Metrics) JobPruned() {
	if m == nil {
		return
	}
	m.prunedJobs.Inc()
}

func (m *Metrics) CancellationAccepted() {
	if m == nil {
		return
	}
	m.cancellationCount.Inc()
}
