package auth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the authentication flow.
type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	rejectionsTotal   *prometheus.CounterVec
	challengesIssued  prometheus.Counter
	sessionsIssued    prometheus.Counter
	sessionsRevoked   prometheus.Counter
	registerer        prometheus.Registerer
}

// NewMetrics creates a new Metrics instance registered with
// prometheus.DefaultRegisterer so the metrics are exposed on the default
// /metrics endpoint.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates a new Metrics instance with a custom
// registerer. This is useful for testing where a private registry is
// preferred.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "certgate"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registerer: registerer,
	}

	m.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "operations_total",
			Help:      "Total number of authentication flow operations",
		},
		[]string{"operation", "status"},
	)

	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "operation_duration_seconds",
			Help:      "Authentication flow operation duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	m.rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "rejections_total",
			Help:      "Total number of rejected authentication attempts",
		},
		[]string{"operation", "reason"},
	)

	m.challengesIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "challenges_issued_total",
			Help:      "Total number of challenges issued",
		},
	)

	m.sessionsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "sessions_issued_total",
			Help:      "Total number of sessions issued",
		},
	)

	m.sessionsRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "sessions_revoked_total",
			Help:      "Total number of sessions revoked by logout",
		},
	)

	// Register all metrics, ignoring duplicate registration so shared
	// registries (and repeated construction in tests) stay safe.
	collectors := []prometheus.Collector{
		m.operationsTotal,
		m.operationDuration,
		m.rejectionsTotal,
		m.challengesIssued,
		m.sessionsIssued,
		m.sessionsRevoked,
	}
	for _, c := range collectors {
		_ = m.registerer.Register(c)
	}

	return m
}

// RecordOperation records a flow operation and its duration.
func (m *Metrics) RecordOperation(operation, status string, duration time.Duration) {
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRejection records a rejected authentication attempt.
func (m *Metrics) RecordRejection(operation, reason string) {
	m.rejectionsTotal.WithLabelValues(operation, reason).Inc()
}

// RecordChallengeIssued records an issued challenge.
func (m *Metrics) RecordChallengeIssued() {
	m.challengesIssued.Inc()
}

// RecordSessionIssued records an issued session.
func (m *Metrics) RecordSessionIssued() {
	m.sessionsIssued.Inc()
}

// RecordSessionRevoked records a revoked session.
func (m *Metrics) RecordSessionRevoked() {
	m.sessionsRevoked.Inc()
}
