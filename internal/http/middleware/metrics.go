package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Labels stay bounded: path is the registered route, or "unmatched" when no
// route matched, so probing random URLs cannot grow the series count.
var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_admin_http_requests_total",
			Help: "Admin API requests by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_admin_http_request_duration_seconds",
			Help:    "Admin API request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_admin_http_requests_inflight",
			Help: "Admin API requests currently being served.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight)
}

const unmatchedPath = "unmatched"

// Metrics instruments every request passing through it.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = unmatchedPath
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
