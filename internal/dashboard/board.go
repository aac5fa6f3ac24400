// Package dashboard keeps the admin view of every tracked job. Push updates
// are applied as they arrive; a scheduled fallback refresh polls active jobs
// while the push channel is down.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/convertwatch/internal/clock"
	"github.com/JakeFAU/convertwatch/internal/clock/system"
	"github.com/JakeFAU/convertwatch/internal/metrics"
	"github.com/JakeFAU/convertwatch/internal/progress"
	"github.com/JakeFAU/convertwatch/internal/push"
)

const (
	defaultJobUpdateInterval = 5 * time.Second
	defaultRequestsPerSecond = 5
	defaultMaxAlerts         = 50
)

// Client loads job snapshots and resumes failed jobs; *api.Client satisfies
// it.
type Client interface {
	GetProgress(ctx context.Context, jobID string) (progress.JobProgress, error)
	RetryJob(ctx context.Context, jobID string) error
}

// Config tunes a Board. Zero values select the defaults.
type Config struct {
	// JobUpdateInterval is the fallback refresh cadence.
	JobUpdateInterval time.Duration
	// RequestsPerSecond caps fallback polling across all jobs.
	RequestsPerSecond float64
	// MaxAlerts bounds the retained alert history.
	MaxAlerts int
	Clock     clock.Clock
}

// Job is one row of the job table.
type Job struct {
	progress.JobProgress
	Source    progress.Source
	UpdatedAt time.Time
	// LastError is the most recent refresh failure, cleared on success.
	LastError string
}

// Active reports whether the job still needs refreshing.
func (j Job) Active() bool {
	return !j.Status.Terminal()
}

// AlertEntry is a received system alert.
type AlertEntry struct {
	push.Alert
	At time.Time
}

// Board aggregates job rows, cluster stats and alerts.
type Board struct {
	client  Client
	logger  *zap.Logger
	clock   clock.Clock
	limiter *rate.Limiter
	guard   *progress.StatusGuard

	interval  time.Duration
	maxAlerts int

	mu        sync.Mutex
	jobs      map[string]Job
	stats     push.Stats
	haveStats bool
	alerts    []AlertEntry
	channel   *push.Channel
	scheduler *gocron.Scheduler
}

// New builds an empty Board.
func New(cfg Config, client Client, logger *zap.Logger) (*Board, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if cfg.JobUpdateInterval < 0 || cfg.RequestsPerSecond < 0 || cfg.MaxAlerts < 0 {
		return nil, errors.New("dashboard settings must not be negative")
	}
	if cfg.JobUpdateInterval == 0 {
		cfg.JobUpdateInterval = defaultJobUpdateInterval
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.MaxAlerts == 0 {
		cfg.MaxAlerts = defaultMaxAlerts
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Board{
		client:    client,
		logger:    logger,
		clock:     cfg.Clock,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		guard:     progress.NewStatusGuard(),
		interval:  cfg.JobUpdateInterval,
		maxAlerts: cfg.MaxAlerts,
		jobs:      make(map[string]Job),
	}, nil
}

// Attach feeds the board from a push channel. While the channel is open the
// fallback refresh is skipped.
func (b *Board) Attach(ch *push.Channel) error {
	handler := func(evt progress.Event) { b.ApplyJob(evt.Progress, evt.Source) }
	for _, kind := range []progress.Kind{progress.KindProgress, progress.KindComplete, progress.KindError} {
		if err := ch.Subscribe(kind, handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", kind, err)
		}
	}
	ch.OnStats(b.ApplyStats)
	ch.OnAlert(b.ApplyAlert)

	b.mu.Lock()
	b.channel = ch
	b.mu.Unlock()
	return nil
}

// Track adds jobID as pending. A job that already finished is reset to
// pending so a new attempt is followed; active rows are left alone.
func (b *Board) Track(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if job, ok := b.jobs[jobID]; ok && job.Active() {
		return
	}
	b.resetLocked(jobID)
}

func (b *Board) resetLocked(jobID string) {
	b.guard.Reset(jobID)
	b.jobs[jobID] = Job{
		JobProgress: progress.JobProgress{JobID: jobID, Status: progress.StatusPending},
		UpdatedAt:   b.clock.Now(),
	}
}

// ApplyJob records a snapshot. Status regressions are logged and ignored; the
// return value reports whether the row changed.
func (b *Board) ApplyJob(p progress.JobProgress, source progress.Source) bool {
	if err := p.Validate(); err != nil {
		b.logger.Warn("ignoring invalid job snapshot", zap.Error(err))
		return false
	}
	b.mu.Lock()
	if !b.guard.Accept(p) {
		b.mu.Unlock()
		b.logger.Warn("ignoring job status regression",
			zap.String("job_id", p.JobID),
			zap.String("status", string(p.Status)),
			zap.String("source", string(source)),
		)
		return false
	}
	b.jobs[p.JobID] = Job{JobProgress: p, Source: source, UpdatedAt: b.clock.Now()}
	b.mu.Unlock()
	return true
}

// Retry asks the server to resume each job, rate limited like the fallback
// refresh. Accepted jobs are reset to pending; failures are recorded on the
// row and joined into the returned error.
func (b *Board) Retry(ctx context.Context, jobIDs ...string) error {
	var errs []error
	for _, id := range jobIDs {
		if err := b.limiter.Wait(ctx); err != nil {
			return errors.Join(append(errs, fmt.Errorf("retry wait: %w", err))...)
		}
		if err := b.client.RetryJob(ctx, id); err != nil {
			metrics.ObserveDashboardRetry("error")
			b.logger.Warn("job retry failed", zap.String("job_id", id), zap.Error(err))
			b.mu.Lock()
			if _, ok := b.jobs[id]; !ok {
				b.resetLocked(id)
			}
			b.mu.Unlock()
			b.recordError(id, err)
			errs = append(errs, fmt.Errorf("retry %s: %w", id, err))
			continue
		}
		metrics.ObserveDashboardRetry("ok")
		b.logger.Info("job retry requested", zap.String("job_id", id))
		b.mu.Lock()
		b.resetLocked(id)
		b.mu.Unlock()
	}
	return errors.Join(errs...)
}

// ApplyStats replaces the cluster stats.
func (b *Board) ApplyStats(s push.Stats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats = s
	b.haveStats = true
}

// ApplyAlert appends a, dropping the oldest entries beyond MaxAlerts.
func (b *Board) ApplyAlert(a push.Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerts = append(b.alerts, AlertEntry{Alert: a, At: b.clock.Now()})
	if over := len(b.alerts) - b.maxAlerts; over > 0 {
		b.alerts = append([]AlertEntry(nil), b.alerts[over:]...)
	}
}

// RefreshActive polls every non-terminal job once, rate limited. Per-job
// failures are logged and recorded on the row. It does nothing while an
// attached push channel is open.
func (b *Board) RefreshActive(ctx context.Context) error {
	b.mu.Lock()
	ch := b.channel
	ids := make([]string, 0, len(b.jobs))
	for id, job := range b.jobs {
		if job.Active() {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	if ch != nil && ch.State() == push.StateOpen {
		b.logger.Debug("push channel open, skipping fallback refresh")
		return nil
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("refresh wait: %w", err)
		}
		snap, err := b.client.GetProgress(ctx, id)
		if err != nil {
			metrics.ObserveDashboardRefresh("error")
			b.logger.Warn("job refresh failed", zap.String("job_id", id), zap.Error(err))
			b.recordError(id, err)
			continue
		}
		if b.ApplyJob(snap, progress.SourcePoll) {
			metrics.ObserveDashboardRefresh("ok")
		} else {
			metrics.ObserveDashboardRefresh("ignored")
		}
	}
	return nil
}

func (b *Board) recordError(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return
	}
	job.LastError = err.Error()
	b.jobs[id] = job
}

// Start schedules RefreshActive every JobUpdateInterval. Runs never overlap.
func (b *Board) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scheduler != nil {
		return nil
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	_, err := s.Every(b.interval).Do(func() {
		if err := b.RefreshActive(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("scheduled refresh failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}
	s.StartAsync()
	b.scheduler = s
	b.logger.Info("dashboard refresh scheduled", zap.Duration("interval", b.interval))
	return nil
}

// Stop halts the scheduled refresh.
func (b *Board) Stop() {
	b.mu.Lock()
	s := b.scheduler
	b.scheduler = nil
	b.mu.Unlock()
	if s != nil {
		s.Stop()
	}
}

// Jobs returns a copy of the table sorted by job id.
func (b *Board) Jobs() []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Job, 0, len(b.jobs))
	for _, job := range b.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Job returns one row.
func (b *Board) Job(jobID string) (Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[jobID]
	return job, ok
}

// Stats returns the last pushed stats. When none arrived yet the counts are
// derived from the job table and ok is false.
func (b *Board) Stats() (push.Stats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.haveStats {
		return b.stats, true
	}
	var s push.Stats
	for _, job := range b.jobs {
		s.TotalJobs++
		switch job.Status {
		case progress.StatusPending:
			s.PendingJobs++
		case progress.StatusProcessing:
			s.ProcessingJobs++
		case progress.StatusCompleted:
			s.CompletedJobs++
		case progress.StatusFailed:
			s.FailedJobs++
		}
	}
	return s, false
}

// Alerts returns a copy of the retained alerts, oldest first.
func (b *Board) Alerts() []AlertEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]AlertEntry(nil), b.alerts...)
}
