package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/convertwatch/internal/clock"
	"github.com/JakeFAU/convertwatch/internal/clock/system"
	"github.com/JakeFAU/convertwatch/internal/metrics"
	"github.com/JakeFAU/convertwatch/internal/progress"
)

// State is the lifecycle position of a Monitor.
type State string

// Monitor states.
const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateSucceeded State = "terminal-success"
	StateFailed    State = "terminal-failure"
)

// Terminal reports whether polling has ended on its own.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

const (
	defaultPollInterval       = 2 * time.Second
	defaultBackgroundInterval = 5 * time.Second
	defaultMaxRetries         = 3
)

var (
	// ErrTerminal is returned by Start once the job has finished.
	ErrTerminal = errors.New("monitor is in a terminal state")
	// ErrNotRestartable is returned by Restart outside terminal-failure.
	ErrNotRestartable = errors.New("monitor can only restart after a failure")
	// ErrRetriesExhausted is returned by Restart once the retry budget is spent.
	ErrRetriesExhausted = errors.New("max retries reached")
	// ErrNotIdle is returned by Convert after the monitor has been started.
	ErrNotIdle = errors.New("monitor already started")
)

// Client is the subset of the conversion API a Monitor drives.
type Client interface {
	GetProgress(ctx context.Context, jobID string) (progress.JobProgress, error)
	RetryJob(ctx context.Context, jobID string) error
	StartConversion(ctx context.Context, jobID string) error
}

// Config tunes a Monitor. Zero values select the defaults.
type Config struct {
	// PollInterval is the foreground cadence; 2s by default.
	PollInterval time.Duration
	// BackgroundInterval applies while hidden; 5s by default.
	BackgroundInterval time.Duration
	// MaxRetries bounds manual restarts. Zero selects 3; negative disables
	// restarts entirely.
	MaxRetries int
	Clock      clock.Clock
	Logger     *zap.Logger
	// Emitter receives a copy of every dispatched event, typically a
	// progress.Hub feeding sinks.
	Emitter progress.Emitter
	// BaseContext is the parent of every poll request. Cancelling it aborts
	// in-flight polls.
	BaseContext context.Context
}

// Monitor polls a single job. It is safe for concurrent use.
type Monitor struct {
	jobID      string
	client     Client
	clock      clock.Clock
	logger     *zap.Logger
	dispatcher *progress.Dispatcher
	guard      *progress.StatusGuard
	baseCtx    context.Context

	foreground time.Duration
	background time.Duration
	maxRetries int

	mu           sync.Mutex
	state        State
	interval     time.Duration
	hidden       bool
	timer        clock.Timer
	tick         uint64
	gen          uint64
	flight       uint64
	pollSoon     bool
	retryCount   int
	attemptStart time.Time
}

// New builds an idle Monitor for jobID.
func New(jobID string, client Client, cfg Config) (*Monitor, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	if client == nil {
		return nil, errors.New("client is required")
	}
	if cfg.PollInterval < 0 || cfg.BackgroundInterval < 0 {
		return nil, errors.New("poll intervals must be positive")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BackgroundInterval == 0 {
		cfg.BackgroundInterval = defaultBackgroundInterval
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = defaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger.With(zap.String("job_id", jobID))
	return &Monitor{
		jobID:      jobID,
		client:     client,
		clock:      cfg.Clock,
		logger:     logger,
		dispatcher: progress.NewDispatcher(cfg.Emitter, logger),
		guard:      progress.NewStatusGuard(),
		baseCtx:    cfg.BaseContext,
		foreground: cfg.PollInterval,
		background: cfg.BackgroundInterval,
		maxRetries: cfg.MaxRetries,
		state:      StateIdle,
		interval:   cfg.PollInterval,
		gen:        1,
	}, nil
}

// JobID returns the tracked job.
func (m *Monitor) JobID() string { return m.jobID }

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RetryCount returns how many restarts have been attempted.
func (m *Monitor) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// Interval returns the delay the next scheduling decision will use.
func (m *Monitor) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Hidden reports the last visibility passed to SetHidden.
func (m *Monitor) Hidden() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hidden
}

// Subscribe registers h for kind. Handlers run in registration order.
func (m *Monitor) Subscribe(kind progress.Kind, h progress.Handler) error {
	return m.dispatcher.Subscribe(kind, h)
}

// Start moves an idle monitor to polling and schedules an immediate poll.
// It is a no-op while polling.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StatePolling:
		return nil
	case StateSucceeded, StateFailed:
		return ErrTerminal
	}
	m.state = StatePolling
	m.gen++
	if m.attemptStart.IsZero() {
		m.attemptStart = m.clock.Now()
	}
	m.scheduleLocked(0)
	m.logger.Debug("monitor started")
	return nil
}

// Stop cancels the pending poll. A polling monitor returns to idle; terminal
// states are kept. Retry count and subscriptions are untouched.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
	m.gen++
	m.pollSoon = false
	if m.state == StatePolling {
		m.state = StateIdle
		m.logger.Debug("monitor stopped")
	}
}

// SetPollInterval changes the delay used by the next scheduling decision. A
// timer that is already pending keeps its deadline.
func (m *Monitor) SetPollInterval(d time.Duration) {
	if d <= 0 {
		m.logger.Warn("ignoring non-positive poll interval", zap.Duration("interval", d))
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
}

// SetHidden applies the visibility policy: hidden slows polling to the
// background interval, visible restores the foreground interval and polls
// once immediately.
func (m *Monitor) SetHidden(hidden bool) {
	m.mu.Lock()
	m.hidden = hidden
	m.mu.Unlock()
	if hidden {
		m.SetPollInterval(m.background)
		return
	}
	m.SetPollInterval(m.foreground)
	m.PollNow()
}

// PollNow replaces the pending timer with an immediate one. When a request is
// in flight the next poll is scheduled without delay instead.
func (m *Monitor) PollNow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePolling {
		return
	}
	if m.flight == m.gen {
		m.pollSoon = true
		return
	}
	m.scheduleLocked(0)
}

// Restart resumes a failed job. It asks the server to retry and then polls
// immediately. Once the retry budget is spent it emits an exhausted error
// event and returns ErrRetriesExhausted.
func (m *Monitor) Restart(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateFailed {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("restart from %s: %w", state, ErrNotRestartable)
	}
	if m.retryCount >= m.maxRetries {
		evt := m.eventLocked(progress.KindError, progress.JobProgress{JobID: m.jobID, Status: progress.StatusFailed})
		evt.Failure = &progress.Failure{Message: ErrRetriesExhausted.Error(), Exhausted: true}
		m.mu.Unlock()
		metrics.ObserveRestart(metrics.RestartExhausted)
		m.logger.Warn("restart refused", zap.Int("retries", evt.Attempt))
		m.dispatcher.Dispatch(evt)
		return ErrRetriesExhausted
	}
	m.retryCount++
	m.attemptStart = m.clock.Now()
	m.guard.Reset(m.jobID)
	m.state = StatePolling
	m.gen++
	g := m.gen
	m.flight = g
	attempt := m.retryCount
	m.mu.Unlock()

	m.logger.Info("restarting job", zap.Int("attempt", attempt))
	err := m.client.RetryJob(ctx, m.jobID)

	m.mu.Lock()
	if m.flight == g {
		m.flight = 0
	}
	if err != nil {
		metrics.ObserveRestart(metrics.RestartRejected)
		if m.gen != g {
			m.mu.Unlock()
			return fmt.Errorf("retry %s: %w", m.jobID, err)
		}
		m.state = StateFailed
		m.gen++
		m.pollSoon = false
		if cancelled(ctx, err) {
			m.mu.Unlock()
			m.logger.Debug("retry request cancelled", zap.Error(err))
			return fmt.Errorf("retry %s: %w", m.jobID, err)
		}
		evt := m.eventLocked(progress.KindError, progress.JobProgress{JobID: m.jobID, Status: progress.StatusFailed})
		evt.Failure = &progress.Failure{Message: err.Error()}
		m.mu.Unlock()
		m.logger.Warn("retry request failed", zap.Error(err))
		m.dispatcher.Dispatch(evt)
		return fmt.Errorf("retry %s: %w", m.jobID, err)
	}
	metrics.ObserveRestart(metrics.RestartAccepted)
	if m.gen == g && m.state == StatePolling {
		m.pollSoon = false
		m.scheduleLocked(0)
	}
	m.mu.Unlock()
	return nil
}

// Convert starts the conversion on the server and then begins polling. A
// rejected request emits a non-transient error and leaves the monitor in
// terminal-failure so Restart applies. A cancelled ctx leaves it idle.
func (m *Monitor) Convert(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrNotIdle
	}
	g := m.gen
	m.mu.Unlock()

	if err := m.client.StartConversion(ctx, m.jobID); err != nil {
		m.mu.Lock()
		if m.gen != g || m.state != StateIdle {
			m.mu.Unlock()
			return fmt.Errorf("convert %s: %w", m.jobID, err)
		}
		if cancelled(ctx, err) {
			m.mu.Unlock()
			return fmt.Errorf("convert %s: %w", m.jobID, err)
		}
		m.state = StateFailed
		m.gen++
		evt := m.eventLocked(progress.KindError, progress.JobProgress{JobID: m.jobID, Status: progress.StatusFailed})
		evt.Failure = &progress.Failure{Message: err.Error()}
		m.mu.Unlock()
		m.logger.Warn("conversion request failed", zap.Error(err))
		m.dispatcher.Dispatch(evt)
		return fmt.Errorf("convert %s: %w", m.jobID, err)
	}
	return m.Start()
}

// cancelled reports whether err came from the caller giving up rather than
// from the server.
func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func (m *Monitor) scheduleLocked(d time.Duration) {
	m.stopTimerLocked()
	m.tick++
	tick, gen := m.tick, m.gen
	m.timer = m.clock.AfterFunc(d, func() { m.fire(tick, gen) })
}

func (m *Monitor) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) eventLocked(kind progress.Kind, snap progress.JobProgress) progress.Event {
	now := m.clock.Now()
	evt := progress.Event{
		Kind:     kind,
		JobID:    m.jobID,
		TS:       now,
		Source:   progress.SourcePoll,
		Progress: snap,
		Attempt:  m.retryCount,
	}
	if !m.attemptStart.IsZero() {
		evt.Elapsed = now.Sub(m.attemptStart)
	}
	if kind == progress.KindProgress {
		evt.Remaining = progress.EstimateRemaining(evt.Elapsed, snap.Progress)
	}
	return evt
}
