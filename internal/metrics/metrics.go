// Package metrics provides Prometheus metrics for monitoring pulse clients.
//
// The metrics package is organized into logical modules:
//
//   - pool.go: Connection pool and connection lifecycle metrics
//   - request.go: HTTP request performance metrics
//   - stream.go: WebSocket and SSE session metrics
//
// Usage Examples:
//
// Recording a request:
//
//	start := time.Now()
//	// ... perform exchange ...
//	metrics.RequestDuration.WithLabelValues("GET", "200").Observe(time.Since(start).Seconds())
//	metrics.RequestsTotal.WithLabelValues("GET", "200").Inc()
//
// Recording connection reuse:
//
//	if reused {
//	    metrics.RecordConnReuse()
//	} else {
//	    metrics.RecordConnOpen("https")
//	}
//
// All metrics are automatically registered with the default Prometheus
// registry; embedders expose them however they expose the rest of their
// process metrics.
package metrics
