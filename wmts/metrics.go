package wmts

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wmts_requests_total",
			Help: "Total number of requests sent to the WMTS service.",
		},
		[]string{"operation", "status"},
	)

	requestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wmts_request_duration_seconds",
			Help:    "Duration of WMTS requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"operation"},
	)
)

func recordRequest(operation, status string, duration time.Duration) {
	requestsTotal.WithLabelValues(operation, status).Inc()
	if duration > 0 {
		requestDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
	}
}
