// Package metrics provides Prometheus instrumentation for the flagsync agent.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only flagsync metrics appear on the /metrics endpoint.
// Every recording method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync results.
const (
	SyncUpdated     = "updated"
	SyncNotModified = "not_modified"
	SyncError       = "error"
	SyncFallback    = "fallback"
)

// Flush results.
const (
	FlushSent  = "sent"
	FlushEmpty = "empty"
	FlushError = "error"
)

// Upload pipelines.
const (
	PipelineUsage   = "usage"
	PipelineMetrics = "metrics"
)

// Metrics holds all Prometheus collectors used by the flagsync agent.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	SyncsTotal              *prometheus.CounterVec
	SyncDuration            prometheus.Histogram
	Definitions             prometheus.Gauge
	Degraded                prometheus.Gauge
	LiveUpdateConnected     prometheus.Gauge
	LiveUpdateMessagesTotal prometheus.Counter
	SnapshotWritesTotal     *prometheus.CounterVec
	EvaluationsTotal        *prometheus.CounterVec
	FlushesTotal            *prometheus.CounterVec
	FlushedItemsTotal       *prometheus.CounterVec
	IntegrityMismatches     *prometheus.CounterVec
}

// New creates and registers all flagsync metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_http_requests_total",
			Help: "Total number of local API requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagsync_http_request_duration_seconds",
			Help:    "Local API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		SyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_definition_syncs_total",
			Help: "Definition sync attempts by result.",
		}, []string{"result"}),

		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flagsync_definition_sync_duration_seconds",
			Help:    "Duration of definition sync attempts in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		Definitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagsync_definitions",
			Help: "Number of feature definitions currently served.",
		}),

		Degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagsync_degraded",
			Help: "1 while serving fallback definitions after a failed cold start.",
		}),

		LiveUpdateConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagsync_live_update_connected",
			Help: "1 while the live-update channel is open.",
		}),

		LiveUpdateMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagsync_live_update_messages_total",
			Help: "Update signals received on the live-update channel.",
		}),

		SnapshotWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_snapshot_writes_total",
			Help: "Snapshot persistence attempts by result.",
		}, []string{"result"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_evaluations_total",
			Help: "Total number of feature checks by result.",
		}, []string{"result"}),

		FlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_flushes_total",
			Help: "Upload flush cycles by pipeline and result.",
		}, []string{"pipeline", "result"}),

		FlushedItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_flushed_items_total",
			Help: "Stats and samples handed to the upload transport.",
		}, []string{"pipeline"}),

		IntegrityMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagsync_flush_integrity_mismatches_total",
			Help: "Flushes whose acknowledged count differed from the sent count.",
		}, []string{"pipeline"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SyncsTotal,
		m.SyncDuration,
		m.Definitions,
		m.Degraded,
		m.LiveUpdateConnected,
		m.LiveUpdateMessagesTotal,
		m.SnapshotWritesTotal,
		m.EvaluationsTotal,
		m.FlushesTotal,
		m.FlushedItemsTotal,
		m.IntegrityMismatches,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one local API request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// ObserveSync records one definition sync attempt.
func (m *Metrics) ObserveSync(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SyncsTotal.WithLabelValues(result).Inc()
	m.SyncDuration.Observe(elapsed.Seconds())
}

// SetDefinitions updates the served definitions gauge.
func (m *Metrics) SetDefinitions(n int) {
	if m == nil {
		return
	}
	m.Definitions.Set(float64(n))
}

// SetDegraded updates the degraded gauge.
func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	m.Degraded.Set(boolToFloat(degraded))
}

// SetLiveUpdateConnected updates the live-update channel gauge.
func (m *Metrics) SetLiveUpdateConnected(connected bool) {
	if m == nil {
		return
	}
	m.LiveUpdateConnected.Set(boolToFloat(connected))
}

// IncLiveUpdateMessages counts one update signal.
func (m *Metrics) IncLiveUpdateMessages() {
	if m == nil {
		return
	}
	m.LiveUpdateMessagesTotal.Inc()
}

// RecordSnapshotWrite counts one snapshot save.
func (m *Metrics) RecordSnapshotWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SnapshotWritesTotal.WithLabelValues(result).Inc()
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(result bool) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(result)).Inc()
}

// RecordFlush counts one flush cycle of pipeline and the items it carried.
func (m *Metrics) RecordFlush(pipeline, result string, items int) {
	if m == nil {
		return
	}
	m.FlushesTotal.WithLabelValues(pipeline, result).Inc()
	if items > 0 {
		m.FlushedItemsTotal.WithLabelValues(pipeline).Add(float64(items))
	}
}

// IncIntegrityMismatch counts one acknowledged-count mismatch.
func (m *Metrics) IncIntegrityMismatch(pipeline string) {
	if m == nil {
		return
	}
	m.IntegrityMismatches.WithLabelValues(pipeline).Inc()
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
