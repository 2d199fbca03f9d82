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
	nebulaRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nebula_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	nebulaRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nebula_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	nebulaAuthFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nebula_auth_failures_total",
		Help: "Total rejected authentication attempts.",
	})

	nebulaRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nebula_rate_limited_total",
		Help: "Total requests rejected by the rate limiter, by route.",
	}, []string{"route"})

	nebulaApprovalsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nebula_approvals_pending",
		Help: "Approval requests currently awaiting review.",
	})

	nebulaDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nebula_action_dispatch_total",
		Help: "Action dispatches by action name and outcome.",
	}, []string{"action", "outcome"})
)

// PrometheusMiddleware records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		nebulaRequestsTotal.WithLabelValues(method, path, status).Inc()
		nebulaRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler serves the Prometheus exposition endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAuthFailure records one rejected authentication attempt.
func RecordAuthFailure() {
	nebulaAuthFailuresTotal.Inc()
}

// RecordRateLimited records one rate-limited request.
func RecordRateLimited(route string) {
	nebulaRateLimitedTotal.WithLabelValues(route).Inc()
}

// SetPendingApprovals sets the pending approval queue gauge.
func SetPendingApprovals(n int) {
	nebulaApprovalsPending.Set(float64(n))
}

// RecordDispatch records one action dispatch outcome
// ("executed", "intercepted", or "error").
func RecordDispatch(action, outcome string) {
	nebulaDispatchTotal.WithLabelValues(action, outcome).Inc()
}
