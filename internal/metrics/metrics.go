// Package metrics provides Prometheus metrics for the version-control core
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	// Operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Version-control metrics
	VersionsCreatedTotal   prometheus.Counter
	BranchesCreatedTotal   prometheus.Counter
	TagsCreatedTotal       prometheus.Counter
	MergeRequestsTotal     *prometheus.CounterVec
	ConflictsDetectedTotal *prometheus.CounterVec
	ResolutionsTotal       *prometheus.CounterVec

	// Lock metrics
	LockAcquisitionsTotal prometheus.Counter
	LockContentionTotal   prometheus.Counter

	// Service metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all metrics against the given
// registerer. Tests pass a private registry; the daemon passes
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.OperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reves_operations_total",
			Help: "Total number of version-control operations",
		},
		[]string{"operation", "status"},
	)

	m.OperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reves_operation_duration_seconds",
			Help:    "Duration of version-control operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.VersionsCreatedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "reves_versions_created_total",
			Help: "Total number of versions created",
		},
	)

	m.BranchesCreatedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "reves_branches_created_total",
			Help: "Total number of branches created",
		},
	)

	m.TagsCreatedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "reves_tags_created_total",
			Help: "Total number of tags created",
		},
	)

	m.MergeRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reves_merge_requests_total",
			Help: "Total number of merge requests by outcome",
		},
		[]string{"status"},
	)

	m.ConflictsDetectedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reves_conflicts_detected_total",
			Help: "Total number of merge conflicts detected by kind",
		},
		[]string{"kind"},
	)

	m.ResolutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reves_conflict_resolutions_total",
			Help: "Total number of conflict resolutions by kind",
		},
		[]string{"kind"},
	)

	m.LockAcquisitionsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "reves_lock_acquisitions_total",
			Help: "Total number of advisory lock acquisitions",
		},
	)

	m.LockContentionTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "reves_lock_contention_total",
			Help: "Total number of lock acquisitions refused while held",
		},
	)

	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "reves_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// RecordOperation records one service operation with its outcome
func (m *Metrics) RecordOperation(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateUptime refreshes the uptime gauge; the daemon calls it on a ticker
func (m *Metrics) UpdateUptime() {
	m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
}
