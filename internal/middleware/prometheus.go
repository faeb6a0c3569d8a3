package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/burhanwani/WhatsAppSimulator/pkg/metrics"
)

// PrometheusMiddleware is a Gin middleware that records HTTP metrics
type PrometheusMiddleware struct {
	metrics *metrics.Metrics
}

// NewPrometheusMiddleware creates a new Prometheus middleware
func NewPrometheusMiddleware(m *metrics.Metrics) *PrometheusMiddleware {
	return &PrometheusMiddleware{metrics: m}
}

// Handler returns the Gin middleware handler
func (p *PrometheusMiddleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p.metrics.IncrementHTTPRequestsInFlight()
		defer p.metrics.DecrementHTTPRequestsInFlight()

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		p.metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// MetricsHandler serves the service registry together with the default
// registry, which holds the relay and processor vectors.
func MetricsHandler(reg prometheus.Gatherer) gin.HandlerFunc {
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer}
	if reg != nil && reg != prometheus.DefaultGatherer {
		gatherers = append(gatherers, reg)
	}
	return gin.WrapH(promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
}
