package network

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	authFail *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics
)

func defaultHTTPMetrics() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests served segmented by route pattern and status code.",
			}, []string{"route", "code"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ilp",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Time taken to serve HTTP requests segmented by route pattern.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			authFail: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "http",
				Name:      "auth_failures_total",
				Help:      "Total requests refused by authentication segmented by surface.",
			}, []string{"surface"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.duration,
			httpRegistry.authFail,
		)
	})
	return httpRegistry
}

func (m *httpMetrics) observe(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *httpMetrics) recordAuthFailure(surface string) {
	if m == nil {
		return
	}
	m.authFail.WithLabelValues(surface).Inc()
}
