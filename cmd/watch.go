package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/convertwatch/internal/monitor"
	"github.com/JakeFAU/convertwatch/internal/progress"
)

// ErrJobFailed is returned by watch when a job ends in failure and is not
// retried.
var ErrJobFailed = errors.New("job failed")

type watchOptions struct {
	convert    bool
	autoRetry  bool
	background bool
}

// newWatchCmd creates the 'watch' subcommand, which follows one job until it
// reaches a terminal state.
func newWatchCmd() *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch JOB_ID",
		Short: "Poll one conversion job until it completes or fails",
		Long: `Polls /api/progress/{job_id} on the configured cadence and prints each
update. With --convert the conversion is started first. With --auto-retry a
failed job is resumed through /api/retry/{job_id} until poll.max_retries is
spent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ms, err := startMetricsServer(appInstance.GetConfig().Metrics.Addr, appInstance.GetLogger(), appInstance.GetRegistry())
			if err != nil {
				return err
			}
			defer ms.Shutdown()
			return runWatch(cmd.Context(), appInstance, args[0], opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.convert, "convert", false, "start the conversion before polling")
	cmd.Flags().BoolVar(&opts.autoRetry, "auto-retry", false, "resume failed jobs automatically")
	cmd.Flags().BoolVar(&opts.background, "background", false, "poll at the background interval")
	return cmd
}

// watchSession collects the outcome of one watched job.
type watchSession struct {
	m      *monitor.Monitor
	ctx    context.Context
	opts   watchOptions
	out    io.Writer
	logger *zap.Logger

	mu      sync.Mutex
	refused string
	once    sync.Once
	done    chan error
}

func (s *watchSession) finish(err error) {
	s.once.Do(func() { s.done <- err })
}

func (s *watchSession) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.out, format, args...)
}

func (s *watchSession) onProgress(evt progress.Event) {
	line := fmt.Sprintf("%s %s %d%%", evt.JobID, evt.Progress.Status, evt.Progress.Progress)
	if evt.Remaining > 0 {
		line += fmt.Sprintf(" eta %s", evt.Remaining.Round(time.Second))
	}
	s.printf("%s\n", line)
}

func (s *watchSession) onComplete(evt progress.Event) {
	s.printf("%s completed in %s\n", evt.JobID, evt.Elapsed.Round(time.Second))
	s.finish(nil)
}

func (s *watchSession) onError(evt progress.Event) {
	f := evt.Failure
	switch {
	case f.Exhausted:
		s.printf("%s: retries exhausted after %d attempts; upload the file again\n", evt.JobID, evt.Attempt)
		s.finish(fmt.Errorf("%s: %w", evt.JobID, monitor.ErrRetriesExhausted))
	case f.Transient && f.Status != 0 && !s.repeatRefusal(f.Message):
		s.printf("%s: %s; still polling\n", evt.JobID, f.Message)
	case f.Transient:
		s.logger.Warn("transient poll error", zap.String("job_id", evt.JobID), zap.String("error", f.Message))
	case s.opts.autoRetry:
		s.printf("%s failed: %s; retrying\n", evt.JobID, f.Message)
		go s.restart()
	default:
		s.printf("%s failed: %s\n", evt.JobID, f.Message)
		s.finish(fmt.Errorf("%s: %s: %w", evt.JobID, f.Message, ErrJobFailed))
	}
}

// repeatRefusal records msg and reports whether it matches the last refusal
// already shown.
func (s *watchSession) repeatRefusal(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refused == msg {
		return true
	}
	s.refused = msg
	return false
}

func (s *watchSession) restart() {
	err := s.m.Restart(s.ctx)
	switch {
	case err == nil, errors.Is(err, monitor.ErrRetriesExhausted):
		// Exhaustion arrives as an error event.
	case errors.Is(err, monitor.ErrNotRestartable):
		s.logger.Debug("restart skipped", zap.Error(err))
	default:
		// The failed retry request was dispatched as an error event, which
		// schedules the next restart.
		s.logger.Warn("restart request failed", zap.Error(err))
	}
}

func runWatch(ctx context.Context, appInstance App, jobID string, opts watchOptions, out io.Writer) error {
	logger := appInstance.GetLogger().With(zap.String("job_id", jobID))
	m, err := appInstance.NewMonitor(ctx, jobID)
	if err != nil {
		return fmt.Errorf("build monitor: %w", err)
	}
	s := &watchSession{m: m, ctx: ctx, opts: opts, out: out, logger: logger, done: make(chan error, 1)}
	for kind, h := range map[progress.Kind]progress.Handler{
		progress.KindProgress: s.onProgress,
		progress.KindComplete: s.onComplete,
		progress.KindError:    s.onError,
	} {
		if err := m.Subscribe(kind, h); err != nil {
			return fmt.Errorf("subscribe %s: %w", kind, err)
		}
	}
	if opts.background {
		m.SetHidden(true)
	}
	defer m.Stop()

	if opts.convert {
		if err := m.Convert(ctx); err != nil && !opts.autoRetry {
			return err
		}
	} else if err := m.Start(); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		logger.Info("watch interrupted", zap.String("state", string(m.State())))
		return nil
	}
}
