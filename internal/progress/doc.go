// Package progress defines the job progress model shared by the poller and the
// push channel, the synchronous Dispatcher that delivers typed events to
// subscribers in registration order, and a non-blocking Hub that batches the
// same events for pluggable sinks such as Prometheus metrics or analytics.
package progress
