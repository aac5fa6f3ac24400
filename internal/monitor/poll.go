package monitor

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/convertwatch/internal/api"
	"github.com/JakeFAU/convertwatch/internal/metrics"
	"github.com/JakeFAU/convertwatch/internal/progress"
)

// fire runs one poll for the timer identified by tick. Timers that were
// replaced or belong to an older generation do nothing.
func (m *Monitor) fire(tick, gen uint64) {
	m.mu.Lock()
	if tick != m.tick || gen != m.gen || m.state != StatePolling {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.flight = gen
	m.mu.Unlock()

	start := time.Now()
	snap, err := m.client.GetProgress(m.baseCtx, m.jobID)
	m.handle(gen, snap, err, time.Since(start))
}

func (m *Monitor) handle(gen uint64, snap progress.JobProgress, err error, took time.Duration) {
	m.mu.Lock()
	if m.flight == gen {
		m.flight = 0
	}
	if gen != m.gen || m.state != StatePolling {
		m.mu.Unlock()
		metrics.ObservePoll(metrics.PollStale, took)
		m.logger.Debug("discarding stale poll response")
		return
	}
	if err != nil && cancelled(m.baseCtx, err) {
		// The caller went away; the job itself is fine.
		m.state = StateIdle
		m.stopTimerLocked()
		m.gen++
		m.pollSoon = false
		m.mu.Unlock()
		metrics.ObservePoll(metrics.PollCancelled, took)
		m.logger.Debug("poll cancelled", zap.Error(err))
		return
	}

	var (
		evt      progress.Event
		dispatch = true
		result   string
	)
	switch {
	case err != nil:
		// Only a failed status ends polling; refused requests are retried on
		// schedule like transport faults.
		result = metrics.PollTransient
		if !api.Transient(err) {
			result = metrics.PollRejected
		}
		evt = m.eventLocked(progress.KindError, progress.JobProgress{JobID: m.jobID})
		evt.Failure = &progress.Failure{Message: err.Error(), Transient: true, Status: api.Status(err)}
	case !m.guard.Accept(snap):
		result = metrics.PollRegression
		dispatch = false
		last, _ := m.guard.Last(m.jobID)
		m.logger.Warn("ignoring status regression",
			zap.String("status", string(snap.Status)),
			zap.String("last_status", string(last)),
		)
	case snap.Status == progress.StatusCompleted:
		result = metrics.PollOK
		m.finishLocked(StateSucceeded)
		evt = m.eventLocked(progress.KindComplete, snap)
	case snap.Status == progress.StatusFailed:
		result = metrics.PollFailed
		m.finishLocked(StateFailed)
		evt = m.eventLocked(progress.KindError, snap)
		msg := snap.ErrorMessage
		if msg == "" {
			msg = "conversion failed"
		}
		evt.Failure = &progress.Failure{Message: msg}
	default:
		result = metrics.PollOK
		evt = m.eventLocked(progress.KindProgress, snap)
	}
	// After a terminal transition the generation moved on and gen no longer
	// matches, so the reschedule below is skipped.
	m.mu.Unlock()

	metrics.ObservePoll(result, took)
	switch result {
	case metrics.PollTransient:
		m.logger.Debug("poll failed", zap.Error(err))
	case metrics.PollRejected:
		m.logger.Warn("poll refused by server", zap.Error(err), zap.Int("status", api.Status(err)))
	}
	if dispatch {
		m.dispatcher.Dispatch(evt)
	}
	if evt.Kind == progress.KindComplete || (evt.Failure != nil && !evt.Failure.Transient) {
		m.logger.Info("job finished",
			zap.String("kind", string(evt.Kind)),
			zap.Duration("elapsed", evt.Elapsed),
		)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != StatePolling || m.timer != nil || m.flight == m.gen {
		return
	}
	delay := m.interval
	if m.pollSoon {
		delay = 0
		m.pollSoon = false
	}
	m.scheduleLocked(delay)
}

// finishLocked enters a terminal state and invalidates outstanding work.
func (m *Monitor) finishLocked(state State) {
	m.state = state
	m.stopTimerLocked()
	m.gen++
	m.pollSoon = false
}
