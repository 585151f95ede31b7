package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ledgerEventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_events_recorded_total",
		Help: "Total audit events appended, by event type.",
	}, []string{"event_type"})

	ledgerSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_snapshots_total",
		Help: "Total Merkle snapshots committed, by whether they were signed.",
	}, []string{"signed"})

	ledgerSnapshotEventCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditledger_snapshot_event_count",
		Help: "Event count covered by the most recent snapshot.",
	})

	ledgerAnchorAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_anchor_attempts_total",
		Help: "Total anchoring attempts by result.",
	}, []string{"result"})

	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auditledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		ledgerRequestsTotal.WithLabelValues(method, path, status).Inc()
		ledgerRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// LedgerMetrics records ledger activity. It satisfies auditledger.Metrics.
type LedgerMetrics struct{}

// EventRecorded counts one appended event.
func (LedgerMetrics) EventRecorded(eventType string) {
	ledgerEventsRecorded.WithLabelValues(eventType).Inc()
}

// SnapshotCreated counts one committed snapshot.
func (LedgerMetrics) SnapshotCreated(eventCount int64, signed bool) {
	ledgerSnapshots.WithLabelValues(strconv.FormatBool(signed)).Inc()
	ledgerSnapshotEventCount.Set(float64(eventCount))
}

// AnchorAttempt records an anchoring attempt result.
func (LedgerMetrics) AnchorAttempt(success bool) {
	if success {
		ledgerAnchorAttempts.WithLabelValues("success").Inc()
	} else {
		ledgerAnchorAttempts.WithLabelValues("failure").Inc()
	}
}
