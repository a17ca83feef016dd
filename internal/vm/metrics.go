package vm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label values for session and snapshot outcomes.
const (
	statusStarted = "started"
	statusFailed  = "failed"
	statusOK      = "ok"
	statusErrored = "error"
)

var (
	sessionBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_session_boot_seconds",
			Help:    "Duration from launch to all control endpoints attached, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loom_active_sessions",
			Help: "Number of currently running hypervisor sessions.",
		},
	)

	sessionCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loom_session_cleanup_seconds",
			Help:    "Duration of hypervisor termination and resource teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_sessions_total",
			Help: "Total number of session starts by outcome.",
		},
		[]string{"status"},
	)

	snapshotOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_snapshot_op_seconds",
			Help:    "Duration of snapshot dialogues by operation, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	snapshotOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_snapshot_ops_total",
			Help: "Total number of snapshot dialogues by operation and outcome.",
		},
		[]string{"op", "status"},
	)
)

func init() {
	prometheus.MustRegister(sessionBootDuration)
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(sessionCleanupDuration)
	prometheus.MustRegister(sessionsTotal)
	prometheus.MustRegister(snapshotOpDuration)
	prometheus.MustRegister(snapshotOpsTotal)

	// Pre-initialize label combinations so they report 0 from startup.
	sessionsTotal.WithLabelValues(statusStarted)
	sessionsTotal.WithLabelValues(statusFailed)
	for _, op := range []string{"take", "delete", "restore", "list"} {
		snapshotOpsTotal.WithLabelValues(op, statusOK)
		snapshotOpsTotal.WithLabelValues(op, statusErrored)
	}
}

// observeSnapshotOp runs one snapshot dialogue and records its duration and
// outcome.
func (s *Session) observeSnapshotOp(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	snapshotOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		snapshotOpsTotal.WithLabelValues(op, statusErrored).Inc()
		return err
	}
	snapshotOpsTotal.WithLabelValues(op, statusOK).Inc()
	return nil
}
