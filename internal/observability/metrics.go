// Package observability provides Prometheus metrics, health endpoints,
// structured logging and OpenTelemetry tracing for the gateway.
package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "foodhub_gateway"

// Metrics holds the Prometheus collectors plus atomic mirrors of the hot
// counters so tests and the admin API can read them without scraping.
type Metrics struct {
	forwarded   atomic.Int64
	rateLimited atomic.Int64
	authFailed  atomic.Int64
	upstreamErr atomic.Int64
	degraded    atomic.Int64

	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	rateLimitHits   *prometheus.CounterVec
	degradedChecks  prometheus.Counter
	remaining       prometheus.Histogram
	authFailures    *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	auditDropped    prometheus.Counter
}

// NewMetrics creates and registers the collectors on reg, or on the
// default registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests by terminal outcome.",
		}, []string{"outcome", "status_code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "outcome"}),
		rateLimitHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejected_total",
			Help:      "Requests rejected by the rate limiter, by bucket.",
		}, []string{"bucket"}),
		degradedChecks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_degraded_total",
			Help:      "Rate-limit checks decided by the failure policy because the store failed.",
		}),
		remaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_remaining",
			Help:      "Distribution of remaining budget across rate-limit checks.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected credentials by reason.",
		}, []string{"reason"}),
		upstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed forwards by service.",
		}, []string{"service", "timeout"}),
		upstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Time spent in the upstream call, by service.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		auditDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_dropped_total",
			Help:      "Audit events dropped because the buffer was full.",
		}),
	}
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(method, outcome string, status int, d time.Duration) {
	m.requests.WithLabelValues(outcome, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(method, outcome).Observe(d.Seconds())
}

// IncRateLimited counts a rejection on bucket.
func (m *Metrics) IncRateLimited(bucket string) {
	m.rateLimited.Add(1)
	m.rateLimitHits.WithLabelValues(bucket).Inc()
}

// IncDegraded counts a check decided by the failure policy.
func (m *Metrics) IncDegraded() {
	m.degraded.Add(1)
	m.degradedChecks.Inc()
}

// ObserveRemaining records the remaining budget after a check.
func (m *Metrics) ObserveRemaining(remaining int64) {
	m.remaining.Observe(float64(remaining))
}

// IncAuthFailure counts a rejected credential. reason is "missing",
// "invalid" or "forbidden".
func (m *Metrics) IncAuthFailure(reason string) {
	m.authFailed.Add(1)
	m.authFailures.WithLabelValues(reason).Inc()
}

// ObserveUpstream records a completed forward.
func (m *Metrics) ObserveUpstream(service string, d time.Duration) {
	m.forwarded.Add(1)
	m.upstreamLatency.WithLabelValues(service).Observe(d.Seconds())
}

// IncUpstreamError counts a failed forward.
func (m *Metrics) IncUpstreamError(service string, timeout bool) {
	m.upstreamErr.Add(1)
	m.upstreamErrors.WithLabelValues(service, strconv.FormatBool(timeout)).Inc()
}

// IncAuditDropped counts an audit event lost to a full buffer.
func (m *Metrics) IncAuditDropped() {
	m.auditDropped.Inc()
}

// MetricsSnapshot is a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Forwarded      int64
	RateLimited    int64
	AuthFailures   int64
	UpstreamErrors int64
	Degraded       int64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Forwarded:      m.forwarded.Load(),
		RateLimited:    m.rateLimited.Load(),
		AuthFailures:   m.authFailed.Load(),
		UpstreamErrors: m.upstreamErr.Load(),
		Degraded:       m.degraded.Load(),
	}
}
