package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/convertwatch/internal/api"
	"github.com/JakeFAU/convertwatch/internal/api/apitest"
	"github.com/JakeFAU/convertwatch/internal/clock/manual"
	"github.com/JakeFAU/convertwatch/internal/progress"
	"github.com/JakeFAU/convertwatch/internal/push"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newBoard(t *testing.T, srv *apitest.Server, cfg Config) *Board {
	t.Helper()
	client, err := api.NewClient(api.Config{BaseURL: srv.URL()})
	require.NoError(t, err)
	if cfg.Clock == nil {
		cfg.Clock = manual.New(epoch)
	}
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 1000
	}
	board, err := New(cfg, client, nil)
	require.NoError(t, err)
	return board
}

func TestRefreshActiveUpdatesRows(t *testing.T) {
	t.Parallel()

	srv := apitest.New(t)
	srv.Script("a", apitest.Snapshot("a", progress.StatusProcessing, 25))
	srv.Script("b", apitest.Snapshot("b", progress.StatusCompleted, 100))
	srv.Script("c", apitest.Reply{Code: http.StatusInternalServerError, Raw: `{"error":"db down"}`})
	board := newBoard(t, srv, Config{})

	for _, id := range []string{"c", "b", "a"} {
		board.Track(id)
	}
	board.Track("a")
	require.Len(t, board.Jobs(), 3)

	require.NoError(t, board.RefreshActive(context.Background()))
	jobs := board.Jobs()
	require.Equal(t, []string{"a", "b", "c"}, []string{jobs[0].JobID, jobs[1].JobID, jobs[2].JobID})
	require.Equal(t, 25, jobs[0].Progress)
	require.Equal(t, progress.SourcePoll, jobs[0].Source)
	require.Equal(t, progress.StatusCompleted, jobs[1].Status)
	require.Equal(t, progress.StatusPending, jobs[2].Status)
	require.Contains(t, jobs[2].LastError, "db down")

	require.NoError(t, board.RefreshActive(context.Background()))
	require.Equal(t, 1, srv.Hits("progress/b"), "terminal jobs are not refreshed again")
	require.Equal(t, 2, srv.Hits("progress/a"))

	stats, pushed := board.Stats()
	require.False(t, pushed)
	require.Equal(t, push.Stats{TotalJobs: 3, PendingJobs: 1, ProcessingJobs: 1, CompletedJobs: 1}, stats)
}

func TestApplyJobIgnoresRegression(t *testing.T) {
	t.Parallel()

	board := newBoard(t, apitest.New(t), Config{})
	require.True(t, board.ApplyJob(progress.JobProgress{JobID: "x", Status: progress.StatusCompleted, Progress: 100}, progress.SourcePush))
	require.False(t, board.ApplyJob(progress.JobProgress{JobID: "x", Status: progress.StatusProcessing, Progress: 50}, progress.SourcePoll))
	require.False(t, board.ApplyJob(progress.JobProgress{JobID: "", Status: progress.StatusPending}, progress.SourcePoll))

	job, ok := board.Job("x")
	require.True(t, ok)
	require.Equal(t, progress.StatusCompleted, job.Status)
	require.Equal(t, progress.SourcePush, job.Source)
	require.False(t, job.Active())
}

func TestAlertsAreBounded(t *testing.T) {
	t.Parallel()

	clk := manual.New(epoch)
	board := newBoard(t, apitest.New(t), Config{MaxAlerts: 2, Clock: clk})
	for _, msg := range []string{"one", "two", "three"} {
		board.ApplyAlert(push.Alert{Message: msg, Level: push.LevelWarning})
		clk.Advance(time.Second)
	}

	alerts := board.Alerts()
	require.Len(t, alerts, 2)
	require.Equal(t, "two", alerts[0].Message)
	require.Equal(t, "three", alerts[1].Message)
	require.Equal(t, epoch.Add(2*time.Second), alerts[1].At)
}

// TestAttachedChannelFeedsBoard applies pushed updates and skips fallback
// polling while the channel is open.
func TestAttachedChannelFeedsBoard(t *testing.T) {
	t.Parallel()

	srv := apitest.New(t)
	srv.Script("job-1", apitest.Snapshot("job-1", progress.StatusProcessing, 10))
	board := newBoard(t, srv, Config{})
	board.Track("job-1")

	ch, err := push.New(push.Config{URL: srv.WSURL(), Clock: manual.New(epoch)})
	require.NoError(t, err)
	require.NoError(t, board.Attach(ch))
	require.NoError(t, ch.Start(context.Background()))
	t.Cleanup(func() { _ = ch.Close() })
	require.Eventually(t, func() bool { return srv.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.BroadcastJSON(map[string]any{
		"type": push.TypeJobUpdate,
		"job":  map[string]any{"job_id": "job-1", "status": "processing", "progress": 70},
	}))
	require.NoError(t, srv.BroadcastJSON(map[string]any{
		"type":  push.TypeStatsUpdate,
		"stats": map[string]any{"total_jobs": 9, "processing_jobs": 2},
	}))
	require.NoError(t, srv.BroadcastJSON(map[string]any{
		"type": push.TypeSystemAlert, "message": "worker lost", "level": "error",
	}))
	require.Eventually(t, func() bool { return len(board.Alerts()) == 1 }, 2*time.Second, 5*time.Millisecond)

	job, _ := board.Job("job-1")
	require.Equal(t, 70, job.Progress)
	require.Equal(t, progress.SourcePush, job.Source)
	stats, pushed := board.Stats()
	require.True(t, pushed)
	require.Equal(t, 9, stats.TotalJobs)

	require.NoError(t, board.RefreshActive(context.Background()))
	require.Zero(t, srv.Hits("progress/job-1"))

	require.NoError(t, ch.Close())
	require.NoError(t, board.RefreshActive(context.Background()))
	require.Equal(t, 1, srv.Hits("progress/job-1"))
}

func TestRefreshActiveHonoursContext(t *testing.T) {
	t.Parallel()

	srv := apitest.New(t)
	srv.Script("a", apitest.Snapshot("a", progress.StatusProcessing, 1))
	board := newBoard(t, srv, Config{})
	board.Track("a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, board.RefreshActive(ctx), context.Canceled)
	require.Zero(t, srv.Hits("progress/a"))
}

func TestStartSchedulesRefresh(t *testing.T) {
	t.Parallel()

	srv := apitest.New(t)
	srv.Script("a", apitest.Snapshot("a", progress.StatusProcessing, 1))
	board := newBoard(t, srv, Config{JobUpdateInterval: 20 * time.Millisecond})
	board.Track("a")

	require.NoError(t, board.Start(context.Background()))
	require.NoError(t, board.Start(context.Background()))
	require.Eventually(t, func() bool { return srv.Hits("progress/a") >= 2 }, 2*time.Second, 5*time.Millisecond)
	board.Stop()
	board.Stop()

	hits := srv.Hits("progress/a")
	time.Sleep(60 * time.Millisecond)
	require.LessOrEqual(t, srv.Hits("progress/a"), hits+1)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{MaxAlerts: -1}, &api.Client{}, nil)
	require.Error(t, err)
}

func TestTrackResetsFinishedJob(t *testing.T) {
	t.Parallel()

	board := newBoard(t, apitest.New(t), Config{})
	require.True(t, board.ApplyJob(progress.JobProgress{JobID: "j", Status: progress.StatusFailed, ErrorMessage: "oom"}, progress.SourcePush))

	board.Track("j")
	job, ok := board.Job("j")
	require.True(t, ok)
	require.Equal(t, progress.StatusPending, job.Status)
	require.Empty(t, job.ErrorMessage)

	require.True(t, board.ApplyJob(progress.JobProgress{JobID: "j", Status: progress.StatusProcessing, Progress: 10}, progress.SourcePoll))
	job, _ = board.Job("j")
	require.Equal(t, progress.StatusProcessing, job.Status)
	require.Equal(t, 10, job.Progress)

	board.Track("j")
	job, _ = board.Job("j")
	require.Equal(t, progress.StatusProcessing, job.Status, "active rows are kept")
}

func TestRetryResetsAcceptedJobs(t *testing.T) {
	t.Parallel()

	srv := apitest.New(t)
	srv.RetryResult("b", http.StatusOK, false, "Job is not in failed state")
	srv.Script("a", apitest.Snapshot("a", progress.StatusProcessing, 5))
	board := newBoard(t, srv, Config{})
	require.True(t, board.ApplyJob(progress.JobProgress{JobID: "a", Status: progress.StatusFailed, ErrorMessage: "node lost"}, progress.SourcePush))
	require.True(t, board.ApplyJob(progress.JobProgress{JobID: "b", Status: progress.StatusCompleted, Progress: 100}, progress.SourcePush))

	err := board.Retry(context.Background(), "a", "b", "c")
	require.Error(t, err)
	require.ErrorContains(t, err, "retry b")
	require.NotContains(t, err.Error(), "retry a")
	var rejected *api.RejectedError
	require.ErrorAs(t, err, &rejected)

	require.Equal(t, 1, srv.Hits("retry/a"))
	require.Equal(t, 1, srv.Hits("retry/b"))
	require.Equal(t, 1, srv.Hits("retry/c"))

	a, _ := board.Job("a")
	require.Equal(t, progress.StatusPending, a.Status)
	require.True(t, a.Active())
	b, _ := board.Job("b")
	require.Equal(t, progress.StatusCompleted, b.Status)
	require.Contains(t, b.LastError, "not in failed state")
	c, ok := board.Job("c")
	require.True(t, ok)
	require.Equal(t, progress.StatusPending, c.Status)

	require.NoError(t, board.RefreshActive(context.Background()))
	a, _ = board.Job("a")
	require.Equal(t, progress.StatusProcessing, a.Status)
	require.Equal(t, 5, a.Progress)
}

func TestRetryHonoursContext(t *testing.T) {
	t.Parallel()

	srv := apitest.New(t)
	board := newBoard(t, srv, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, board.Retry(ctx, "a"), context.Canceled)
	require.Zero(t, srv.Hits("retry/a"))
}

// TestApplyJobConcurrentKeepsTerminal races an older snapshot against the
// terminal one for many jobs; a completed row is never overwritten.
func TestApplyJobConcurrentKeepsTerminal(t *testing.T) {
	t.Parallel()

	board := newBoard(t, apitest.New(t), Config{})
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("job-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			board.ApplyJob(progress.JobProgress{JobID: id, Status: progress.StatusProcessing, Progress: 50}, progress.SourcePoll)
		}()
		go func() {
			defer wg.Done()
			board.ApplyJob(progress.JobProgress{JobID: id, Status: progress.StatusCompleted, Progress: 100}, progress.SourcePush)
		}()
	}
	wg.Wait()

	jobs := board.Jobs()
	require.Len(t, jobs, n)
	for _, job := range jobs {
		require.Equal(t, progress.StatusCompleted, job.Status, job.JobID)
	}
}
