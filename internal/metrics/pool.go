package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection Pool Metrics
//
// These metrics track connection lifecycle and pool behavior. Use them
// to size pools and to spot churn from servers that refuse keep-alive.

var (
	// ConnectionsOpened counts new TCP/TLS connections established.
	// Labels: scheme (http, https)
	ConnectionsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_connections_opened_total",
			Help: "Total number of connections opened",
		},
		[]string{"scheme"},
	)

	// ConnectionsReused counts idle connections handed out again.
	ConnectionsReused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_connections_reused_total",
			Help: "Total number of idle connections reused",
		},
	)

	// ConnectionsClosed counts connections torn down.
	// Labels: reason (closed, keepalive, idle_expired, max_requests, stale, key_changed, shutdown)
	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_connections_closed_total",
			Help: "Total number of connections closed",
		},
		[]string{"reason"},
	)

	// PoolAcquireWait tracks time spent waiting for a pool slot.
	PoolAcquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulse_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a connection pool slot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// PoolAcquireTimeouts counts acquisitions that hit the pool_acquire deadline.
	PoolAcquireTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulse_pool_acquire_timeouts_total",
			Help: "Total number of pool acquisitions that timed out",
		},
	)

	// DNSCacheLookups counts resolver cache lookups.
	// Labels: result (hit, miss)
	DNSCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_dns_cache_lookups_total",
			Help: "Total number of DNS cache lookups",
		},
		[]string{"result"},
	)
)

// Helper functions for pool metrics

// RecordConnOpen records a newly opened connection.
func RecordConnOpen(scheme string) {
	ConnectionsOpened.WithLabelValues(scheme).Inc()
}

// RecordConnReuse records an idle connection being reused.
func RecordConnReuse() {
	ConnectionsReused.Inc()
}

// RecordConnClose records a connection teardown with its reason.
func RecordConnClose(reason string) {
	ConnectionsClosed.WithLabelValues(reason).Inc()
}
