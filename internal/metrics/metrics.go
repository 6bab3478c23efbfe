package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync pipeline metrics
var (
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pimssync_sync_runs_total",
		Help: "Total number of sync phase runs by phase and final status",
	}, []string{"phase", "status"})

	SyncItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pimssync_sync_items_total",
		Help: "Total number of items processed by phase and outcome",
	}, []string{"phase", "outcome"}) // outcome: created, updated, skipped, failed, deleted

	SyncPhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pimssync_sync_phase_duration_seconds",
		Help:    "Sync phase duration in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"phase"})

	ProgressWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pimssync_progress_writes_total",
		Help: "Durable progress writes by result",
	}, []string{"result"})
)

// Browser pool metrics
var (
	PoolEngines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pimssync_pool_engines",
		Help: "Number of live browser engines",
	})

	PoolContexts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pimssync_pool_contexts",
		Help: "Number of live browser contexts across all engines",
	})

	PoolContextsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pimssync_pool_contexts_in_use",
		Help: "Number of browser contexts currently checked out",
	})

	PoolAcquireWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pimssync_pool_acquire_wait_seconds",
		Help:    "Time spent waiting for a pooled browser session",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	PoolEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pimssync_pool_evictions_total",
		Help: "Browser contexts closed by the idle sweep",
	})
)

// Remote PIMS metrics
var (
	RemoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pimssync_remote_requests_total",
		Help: "Remote PIMS requests by operation and result category",
	}, []string{"op", "result"})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pimssync_retry_attempts_total",
		Help: "Retries performed by operation",
	}, []string{"op"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pimssync_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	AuthLogins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pimssync_auth_logins_total",
		Help: "PIMS login attempts by result",
	}, []string{"result"}) // success, rejected, error, restored
)

// AI dispatch metrics
var (
	AIDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pimssync_ai_dispatches_total",
		Help: "AI generation dispatches by mode and result",
	}, []string{"mode", "result"})
)
