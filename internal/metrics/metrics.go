// Package metrics exposes process-wide Prometheus collectors for convertwatch.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll results.
const (
	PollOK         = "ok"
	PollTransient  = "transient"
	PollRejected   = "rejected"
	PollFailed     = "failed"
	PollStale      = "stale"
	PollCancelled  = "cancelled"
	PollRegression = "regression"
)

// Restart results.
const (
	RestartAccepted  = "accepted"
	RestartRejected  = "rejected"
	RestartExhausted = "exhausted"
)

var (
	pollsTotal           *prometheus.CounterVec
	pollDurationSeconds  prometheus.Histogram
	restartsTotal        *prometheus.CounterVec
	pushReconnectsTotal  prometheus.Counter
	pushConnected        prometheus.Gauge
	pushMessagesTotal    *prometheus.CounterVec
	apiRequestsTotal     *prometheus.CounterVec
	apiRequestDuration   *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	dashboardRefreshJobs *prometheus.CounterVec
	dashboardRetries     *prometheus.CounterVec
	hubDroppedTotal      prometheus.Counter
	sinkErrorsTotal      *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pollsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convertwatch_polls_total",
				Help: "Progress polls completed, labeled by result.",
			},
			[]string{"result"},
		)

		pollDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convertwatch_poll_duration_seconds",
				Help:    "Histogram of progress poll round trips.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		restartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convertwatch_restarts_total",
				Help: "Manual restart requests, labeled by result.",
			},
			[]string{"result"},
		)

		pushReconnectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "convertwatch_push_reconnects_total",
				Help: "Reconnect attempts scheduled for the admin push channel.",
			},
		)

		pushConnected = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "convertwatch_push_connected",
				Help: "1 while the admin push channel is open.",
			},
		)

		pushMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convertwatch_push_messages_total",
				Help: "Inbound push messages, labeled by type and result.",
			},
			[]string{"type", "result"},
		)

		apiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convertwatch_api_requests_total",
				Help: "Requests sent to the conversion server, labeled by operation and code.",
			},
			[]string{"op", "code"},
		)

		apiRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convertwatch_api_request_duration_seconds",
				Help:    "Histogram of conversion server request latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"op"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests served, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		dashboardRefreshJobs = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convertwatch_dashboard_refresh_jobs_total",
				Help: "Jobs refreshed by the dashboard fallback poller, labeled by result.",
			},
			[]string{"result"},
		)

		dashboardRetries = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convertwatch_dashboard_retries_total",
				Help: "Retry requests sent from the admin board, labeled by result.",
			},
			[]string{"result"},
		)

		hubDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "convertwatch_hub_dropped_events_total",
				Help: "Progress events dropped because the hub buffer was full.",
			},
		)

		sinkErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convertwatch_sink_errors_total",
				Help: "Failed sink batch deliveries, labeled by sink.",
			},
			[]string{"sink"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics. Extra
// gatherers are merged with the default registry.
func Handler(extra ...prometheus.Gatherer) http.Handler {
	Init()
	if len(extra) == 0 {
		return promhttp.Handler()
	}
	gatherers := append(prometheus.Gatherers{prometheus.DefaultGatherer}, extra...)
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

// ObservePoll records one completed poll.
func ObservePoll(result string, duration time.Duration) {
	Init()
	pollsTotal.WithLabelValues(result).Inc()
	if duration > 0 {
		pollDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveRestart records a restart decision.
func ObserveRestart(result string) {
	Init()
	restartsTotal.WithLabelValues(result).Inc()
}

// ObservePushReconnect counts a scheduled reconnect.
func ObservePushReconnect() {
	Init()
	pushReconnectsTotal.Inc()
}

// SetPushConnected flips the connection gauge.
func SetPushConnected(open bool) {
	Init()
	if open {
		pushConnected.Set(1)
		return
	}
	pushConnected.Set(0)
}

// ObservePushMessage counts an inbound push message. result is "ok" or "dropped".
func ObservePushMessage(msgType, result string) {
	Init()
	if msgType == "" {
		msgType = "unknown"
	}
	pushMessagesTotal.WithLabelValues(msgType, result).Inc()
}

// ObserveAPIRequest records a client request. code 0 means the request never
// produced a response.
func ObserveAPIRequest(op string, code int, duration time.Duration) {
	Init()
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	apiRequestsTotal.WithLabelValues(op, label).Inc()
	apiRequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the served HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveDashboardRefresh counts one job refreshed by the fallback poller.
func ObserveDashboardRefresh(result string) {
	Init()
	dashboardRefreshJobs.WithLabelValues(result).Inc()
}

// ObserveDashboardRetry counts one retry request sent from the admin board.
func ObserveDashboardRetry(result string) {
	Init()
	dashboardRetries.WithLabelValues(result).Inc()
}

// ObserveHubDrop counts one event lost to hub backpressure.
func ObserveHubDrop() {
	Init()
	hubDroppedTotal.Inc()
}

// ObserveSinkError counts one failed batch delivery to sink.
func ObserveSinkError(sink string) {
	Init()
	sinkErrorsTotal.WithLabelValues(sink).Inc()
}
