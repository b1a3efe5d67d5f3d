// Package metrics exposes Prometheus request metrics and the
// middleware that records them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivebridge_requests_total",
			Help: "Protocol requests by method and status code.",
		},
		[]string{"method", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drivebridge_request_duration_seconds",
			Help:    "Protocol request latency by method.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivebridge_transfer_bytes_total",
			Help: "Bytes moved through the bridge by direction.",
		},
		[]string{"direction"},
	)
)

// ObserveTransfer records bytes streamed through the bridge.
// direction is "upload" or "download".
func ObserveTransfer(direction string, n int64) {
	if n > 0 {
		transferBytes.WithLabelValues(direction).Add(float64(n))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records a counter and a latency sample per request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		requestsTotal.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
		requestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
