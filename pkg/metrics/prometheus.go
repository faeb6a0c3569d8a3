package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the per-service HTTP and gateway session metrics.
// Every series carries a constant "service" label.
type Metrics struct {
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpInFlight   prometheus.Gauge
	sessions       prometheus.Gauge
	frames         *prometheus.CounterVec
	sessionErrors  *prometheus.CounterVec
	authFailures   *prometheus.CounterVec
	limiterBlocked *prometheus.CounterVec
}

// NewMetrics registers the service metrics with reg.
// Binaries pass prometheus.DefaultRegisterer, tests a fresh registry.
func NewMetrics(serviceName string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}
	counter := func(name, help string, vars ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels}, vars)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels})
	}

	return &Metrics{
		httpRequests: counter("http_requests_total", "HTTP requests by route and status.",
			"method", "endpoint", "status"),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		httpInFlight:   gauge("http_requests_in_flight", "HTTP requests being served."),
		sessions:       gauge("gateway_sessions_active", "Open gateway sessions."),
		frames:         counter("gateway_frames_total", "Gateway frames by type and direction.", "type", "direction"),
		sessionErrors:  counter("gateway_session_errors_total", "Gateway session errors by reason.", "reason"),
		authFailures:   counter("auth_failures_total", "Rejected bearer tokens.", "reason"),
		limiterBlocked: counter("rate_limit_blocked_total", "Requests refused by a rate limiter.", "endpoint"),
	}
}

func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() { m.httpInFlight.Inc() }
func (m *Metrics) DecrementHTTPRequestsInFlight() { m.httpInFlight.Dec() }

// SessionOpened and SessionClosed track the active session gauge.
func (m *Metrics) SessionOpened() { m.sessions.Inc() }
func (m *Metrics) SessionClosed() { m.sessions.Dec() }

// RecordFrame counts one frame; direction is "inbound" or "outbound".
func (m *Metrics) RecordFrame(frameType, direction string) {
	m.frames.WithLabelValues(frameType, direction).Inc()
}

func (m *Metrics) RecordSessionError(reason string) {
	m.sessionErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordAuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRateLimitBlocked(endpoint string) {
	m.limiterBlocked.WithLabelValues(endpoint).Inc()
}
