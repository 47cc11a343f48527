// Package metrics holds the broker's Prometheus instrumentation: session
// roster size, event throughput, receive latency, and the standard HTTP
// request counters.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the broker registers.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ActiveSessions *prometheus.GaugeVec
	EventsRouted   *prometheus.CounterVec
	ReceiveLatency *prometheus.HistogramVec
}

// New constructs and registers the broker's metrics against the default
// Prometheus registry.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_http_requests_total",
			Help: "Total HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_active_sessions",
			Help: "Currently connected sessions per channel.",
		}, []string{"channel_id"}),

		EventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "broker_events_routed_total",
			Help: "Events routed through send(), by type and durability.",
		}, []string{"type", "durability"}),

		ReceiveLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "broker_receive_duration_seconds",
			Help:    "Time spent inside receive(), including long-poll wait.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"poll_source"}),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveSessions,
		m.EventsRouted,
		m.ReceiveLatency,
	)

	return m
}

// HTTPMiddleware records request counts and latency for every route.
func (m *Metrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())

		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}
