package metrics

import "time"

// ConnectionMetricsMiddleware adapts a ConnectionMetricsCollector to
// backendconn.ClientBehavior's one observer hook: TrackStateTransition fits
// its OnStateChange callback. ClientBehavior has no throttle, timeout or
// queue-depth hook; TrackThrottleDelay, TrackTimeout and TrackQueueDepth
// are only recorded when a caller invokes them directly. Adapted
// from be_cluster/metrics's ProxyMetricsMiddleWare, re-pointed from command
// dispatch to connection lifecycle.
type ConnectionMetricsMiddleware struct {
	collector ConnectionMetricsCollector
}

func NewConnectionMetricsMiddleware(collector ConnectionMetricsCollector) *ConnectionMetricsMiddleware {
	return &ConnectionMetricsMiddleware{collector: collector}
}

func (m *ConnectionMetricsMiddleware) GetCollector() ConnectionMetricsCollector {
	return m.collector
}

// TrackStateTransition is meant to be installed directly as a
// backendconn.ConnectionOptions.OnStateChange (or
// backendconn.WithStateChangeObserver) callback.
func (m *ConnectionMetricsMiddleware) TrackStateTransition(cookie, toState string) {
	m.collector.RecordStateTransition(cookie, "", toState)
	if toState == "connected" {
		m.collector.IncrementActiveConnections()
	}
	if toState == "poisoned" {
		m.collector.DecrementActiveConnections()
	}
}

// TrackThrottleDelay records a backpressure delay SendRequest slept for.
func (m *ConnectionMetricsMiddleware) TrackThrottleDelay(cookie string, delay time.Duration) {
	m.collector.RecordThrottleDelay(cookie, delay)
}

// TrackTimeout records a request or backend-alive timeout firing for cookie.
func (m *ConnectionMetricsMiddleware) TrackTimeout(cookie, kind string) {
	m.collector.RecordTimeout(cookie, kind)
}

// TrackQueueDepth records a point-in-time queue depth sample, typically
// driven off a periodic diagnostics sweep rather than every enqueue.
func (m *ConnectionMetricsMiddleware) TrackQueueDepth(cookie string, pending, inflight int) {
	m.collector.RecordQueueDepth(cookie, pending, inflight)
}
