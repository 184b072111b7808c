package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks the number of successful lock acquisitions.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// ConflictCounter tracks acquires rejected because the lock was held.
	ConflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_conflict_total",
		Help: "Total number of acquires rejected with a conflict",
	})
	// ReleaseCounter tracks the number of successful releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_release_total",
		Help: "Total number of successful lock releases",
	})
	// ForceReleaseCounter tracks admin-override releases.
	ForceReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_force_release_total",
		Help: "Total number of admin force releases",
	})
	// PersistenceFailureCounter tracks commits rolled back because the
	// durable store was unavailable.
	PersistenceFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_persistence_failure_total",
		Help: "Total number of operations rolled back on persistence failure",
	})
	// BroadcastCounter tracks events fanned out to sessions.
	BroadcastCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "latch_broadcast_total",
		Help: "Total number of events broadcast to sessions",
	})
	// SessionGauge reports the number of live sessions.
	SessionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latch_sessions",
		Help: "Current number of live sessions",
	})
	// HeldLocksGauge reports the number of currently held locks.
	HeldLocksGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "latch_held_locks",
		Help: "Current number of held locks",
	})
	// CommitDuration observes journal commit latency.
	CommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "latch_commit_duration_seconds",
		Help:    "Journal commit latency in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers latch core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		ConflictCounter,
		ReleaseCounter,
		ForceReleaseCounter,
		PersistenceFailureCounter,
		BroadcastCounter,
		SessionGauge,
		HeldLocksGauge,
		CommitDuration,
	)
}
