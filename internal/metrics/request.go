package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP Request Metrics
//
// These metrics track request volume and latency as seen by the client.

var (
	// RequestDuration tracks full exchange time including body download.
	// Labels: method (GET, POST, ...), status (200, 404, ...)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	// RequestsTotal counts requests by method and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	// RequestErrors counts requests that failed before a status was read.
	// Labels: kind (dns, connect, tls, pool_acquire, timeout, parse, other)
	RequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_request_errors_total",
			Help: "Total number of requests that failed without a response",
		},
		[]string{"kind"},
	)

	// StaleRetries counts the one-shot retries after a dead reused connection.
	StaleRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_stale_retries_total",
			Help: "Total number of stale-connection retries",
		},
	)

	// Redirects counts followed redirect hops.
	Redirects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_redirects_total",
			Help: "Total number of redirect hops followed",
		},
	)
)
