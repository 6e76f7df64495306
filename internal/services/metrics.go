package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the engine
type Metrics struct {
	// Retention metrics
	SnapshotsDeleted *prometheus.CounterVec
	CleanupDuration  prometheus.Histogram
	FanoutFailures   *prometheus.CounterVec

	// Scheduler metrics
	TriggerRuns     *prometheus.CounterVec
	TriggerDuration *prometheus.HistogramVec

	// Census gauges, refreshed by the stats trigger
	SnapshotsByTier *prometheus.GaugeVec
	TenantDatabases prometheus.Gauge
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics() *Metrics {
	metrics := &Metrics{
		// Tombstones confirmed by the store, by pruning policy
		SnapshotsDeleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inkwell_snapshots_deleted_total",
			Help: "Total snapshots deleted by pruning policy",
		}, []string{"policy"}), // policy: "expired" or "excess"

		CleanupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "inkwell_cleanup_duration_seconds",
			Help:    "Duration of full cross-database cleanup passes",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900}, // fan-out over many tenants can be slow
		}),

		// Per-database failures contained by the fan-out boundary
		FanoutFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inkwell_fanout_failures_total",
			Help: "Per-database failures isolated during fan-out operations",
		}, []string{"operation"}),

		TriggerRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "inkwell_trigger_runs_total",
			Help: "Scheduled trigger firings by trigger name and outcome",
		}, []string{"trigger", "status"}), // status: "ok" or "error"

		TriggerDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inkwell_trigger_duration_seconds",
			Help:    "Scheduled trigger run duration",
			Buckets: []float64{0.05, 0.25, 1, 5, 30, 120, 600},
		}, []string{"trigger"}),

		SnapshotsByTier: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inkwell_snapshots_by_tier",
			Help: "Snapshot count per retention tier across all tenant databases",
		}, []string{"tier"}),

		TenantDatabases: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "inkwell_tenant_databases",
			Help: "Tenant databases discovered in the last stats pass",
		}),
	}

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance (nil until InitMetrics)
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordDeleted records confirmed tombstones for a pruning policy
func (m *Metrics) RecordDeleted(policy string, count int) {
	if count > 0 {
		m.SnapshotsDeleted.WithLabelValues(policy).Add(float64(count))
	}
}

// RecordFanoutFailure records one isolated per-database failure
func (m *Metrics) RecordFanoutFailure(operation string) {
	m.FanoutFailures.WithLabelValues(operation).Inc()
}

// RecordTriggerRun records a trigger firing and its duration
func (m *Metrics) RecordTriggerRun(trigger, status string, seconds float64) {
	m.TriggerRuns.WithLabelValues(trigger, status).Inc()
	m.TriggerDuration.WithLabelValues(trigger).Observe(seconds)
}
