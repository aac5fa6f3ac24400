package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/convertwatch/internal/progress"
)

// PrometheusSink exports job lifecycle metrics observed by monitors and the
// push channel. It owns all collectors for jobs seen, finished, and running.
type PrometheusSink struct {
	jobsObserved    prometheus.Counter
	jobsFinished    *prometheus.CounterVec
	jobsRunning     prometheus.Gauge
	attemptRuntime  *prometheus.HistogramVec
	transientErrors *prometheus.CounterVec
	retriesExceeded prometheus.Counter
	progressUpdates *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convertwatch_jobs_observed_total",
			Help: "Distinct jobs that reported progress.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convertwatch_jobs_finished_total",
			Help: "Jobs that reached a terminal status partitioned by result and source.",
		}, []string{"result", "source"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convertwatch_jobs_running",
			Help: "Jobs currently between first progress and a terminal status.",
		}),
		attemptRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convertwatch_attempt_runtime_seconds",
			Help:    "Wall time per finished conversion attempt.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		transientErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convertwatch_transient_errors_total",
			Help: "Non-terminal errors surfaced to subscribers.",
		}, []string{"source"}),
		retriesExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convertwatch_retries_exhausted_total",
			Help: "Restart requests refused because the retry budget was spent.",
		}),
		progressUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convertwatch_progress_updates_total",
			Help: "Progress events delivered partitioned by source.",
		}, []string{"source"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsObserved,
		s.jobsFinished,
		s.jobsRunning,
		s.attemptRuntime,
		s.transientErrors,
		s.retriesExceeded,
		s.progressUpdates,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	source := string(evt.Source)
	if source == "" {
		source = string(progress.SourcePoll)
	}
	switch evt.Kind {
	case progress.KindProgress:
		s.progressUpdates.WithLabelValues(source).Inc()
		started, first := s.tracker.start(evt.JobID)
		if first {
			s.jobsObserved.Inc()
		}
		if started {
			s.jobsRunning.Inc()
		}
	case progress.KindComplete:
		s.finish(evt, "success", source)
	case progress.KindError:
		switch {
		case evt.Failure == nil:
		case evt.Failure.Exhausted:
			s.retriesExceeded.Inc()
		case evt.Failure.Transient:
			s.transientErrors.WithLabelValues(source).Inc()
		default:
			s.finish(evt, "error", source)
		}
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result, source string) {
	s.jobsFinished.WithLabelValues(result, source).Inc()
	if evt.Elapsed > 0 {
		s.attemptRuntime.WithLabelValues(result).Observe(evt.Elapsed.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Name labels the sink in hub logs and metrics.
func (s *PrometheusSink) Name() string { return "prometheus" }

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
	seen    map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{
		running: make(map[string]struct{}),
		seen:    make(map[string]struct{}),
	}
}

// start marks id running. started is false when it already was; first is
// true only the first time id is ever seen.
func (t *jobTracker) start(id string) (started, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[id]; !ok {
		t.seen[id] = struct{}{}
		first = true
	}
	if _, ok := t.running[id]; ok {
		return false, first
	}
	t.running[id] = struct{}{}
	return true, first
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
