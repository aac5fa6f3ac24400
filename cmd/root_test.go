package cmd

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/convertwatch/internal/api/apitest"
	"github.com/JakeFAU/convertwatch/internal/app"
	"github.com/JakeFAU/convertwatch/internal/config"
	"github.com/JakeFAU/convertwatch/internal/monitor"
	"github.com/JakeFAU/convertwatch/internal/progress"
)

// runCLI executes the root command against a fresh container with fast
// polling. Tests using it must not run in parallel: newApp is swapped.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CONVERTWATCH_POLL_INTERVAL_MS", "5")
	t.Setenv("CONVERTWATCH_LOGGING_DEVELOPMENT", "false")

	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(ctx context.Context, cfg config.Config) (App, error) {
		return app.New(ctx, cfg, app.Options{Logger: zap.NewNop(), Registry: prometheus.NewRegistry()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestWatchUntilComplete(t *testing.T) {
	srv := apitest.New(t)
	srv.Script("job-1",
		apitest.Snapshot("job-1", progress.StatusPending, 0),
		apitest.Snapshot("job-1", progress.StatusProcessing, 40),
		apitest.Snapshot("job-1", progress.StatusCompleted, 100),
	)

	out, err := runCLI(t, "--server", srv.URL(), "watch", "job-1")
	require.NoError(t, err)
	require.Contains(t, out, "job-1 pending 0%")
	require.Contains(t, out, "job-1 processing 40%")
	require.Contains(t, out, "job-1 completed in")
	require.Equal(t, 3, srv.Hits("progress/job-1"))
}

func TestWatchReportsFailure(t *testing.T) {
	srv := apitest.New(t)
	srv.Script("job-2", apitest.Failed("job-2", "bad codec"))

	out, err := runCLI(t, "--server", srv.URL(), "watch", "job-2")
	require.ErrorIs(t, err, ErrJobFailed)
	require.Contains(t, out, "job-2 failed: bad codec")
	require.Zero(t, srv.Hits("retry/job-2"))
}

// TestWatchKeepsPollingMissingJob shows a 404 once and keeps polling until
// the job appears and completes.
func TestWatchKeepsPollingMissingJob(t *testing.T) {
	srv := apitest.New(t)
	srv.Script("job-8",
		apitest.Reply{Code: http.StatusNotFound, Raw: `{"error":"Job not found"}`},
		apitest.Reply{Code: http.StatusNotFound, Raw: `{"error":"Job not found"}`},
		apitest.Snapshot("job-8", progress.StatusCompleted, 100),
	)

	out, err := runCLI(t, "--server", srv.URL(), "watch", "job-8")
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(out, "Job not found; still polling"))
	require.Contains(t, out, "job-8 completed in")
	require.Equal(t, 3, srv.Hits("progress/job-8"))
}

func TestWatchAutoRetryRecovers(t *testing.T) {
	srv := apitest.New(t)
	srv.Script("job-3",
		apitest.Failed("job-3", "node lost"),
		apitest.Snapshot("job-3", progress.StatusCompleted, 100),
	)

	out, err := runCLI(t, "--server", srv.URL(), "watch", "--auto-retry", "job-3")
	require.NoError(t, err)
	require.Contains(t, out, "job-3 failed: node lost; retrying")
	require.Contains(t, out, "job-3 completed")
	require.Equal(t, 1, srv.Hits("retry/job-3"))
}

func TestWatchAutoRetryExhausts(t *testing.T) {
	t.Setenv("CONVERTWATCH_POLL_MAX_RETRIES", "2")
	srv := apitest.New(t)
	srv.Script("job-4", apitest.Failed("job-4", "corrupt input"))

	out, err := runCLI(t, "--server", srv.URL(), "watch", "--auto-retry", "job-4")
	require.ErrorIs(t, err, monitor.ErrRetriesExhausted)
	require.Contains(t, out, "retries exhausted after 2 attempts")
	require.Equal(t, 2, srv.Hits("retry/job-4"))
	require.Equal(t, 3, srv.Hits("progress/job-4"))
}

func TestWatchConvertFirst(t *testing.T) {
	srv := apitest.New(t)
	srv.ConvertResult("job-5", http.StatusOK, true, "")
	srv.Script("job-5", apitest.Snapshot("job-5", progress.StatusCompleted, 100))

	_, err := runCLI(t, "--server", srv.URL(), "watch", "--convert", "job-5")
	require.NoError(t, err)
	require.Equal(t, 1, srv.Hits("convert/job-5"))
}

func TestWatchConvertRejected(t *testing.T) {
	srv := apitest.New(t)
	srv.ConvertResult("job-6", http.StatusOK, false, "unsupported format")

	out, err := runCLI(t, "--server", srv.URL(), "watch", "--convert", "job-6")
	require.ErrorContains(t, err, "unsupported format")
	require.Contains(t, out, "job-6 failed")
	require.Zero(t, srv.Hits("progress/job-6"))
}

func TestWatchRequiresJobID(t *testing.T) {
	_, err := runCLI(t, "watch")
	require.Error(t, err)
}

func TestAdminOnce(t *testing.T) {
	srv := apitest.New(t)
	srv.Script("job-a", apitest.Snapshot("job-a", progress.StatusProcessing, 30))
	srv.Script("job-b", apitest.Failed("job-b", "disk full"))

	out, err := runCLI(t, "--server", srv.URL(), "admin", "--once", "--track", "job-a,job-b", "--track", "job-c")
	require.NoError(t, err)
	require.Contains(t, out, "job-a")
	require.Contains(t, out, "30%")
	require.Contains(t, out, "disk full")
	require.Contains(t, out, "Job not found")
	require.Contains(t, out, "total=3 pending=1 processing=1 completed=0 failed=1 (derived)")
}

func TestAdminRetry(t *testing.T) {
	srv := apitest.New(t)
	srv.RetryResult("job-y", http.StatusOK, false, "Job is not in failed state")

	out, err := runCLI(t, "--server", srv.URL(), "admin", "retry", "job-x", "job-y")
	require.ErrorContains(t, err, "retry job-y")
	require.Contains(t, out, "job-x: retry requested")
	require.Contains(t, out, "job-y: retry failed:")
	require.Contains(t, out, "Job is not in failed state")
	require.Contains(t, out, "1 of 2 retries accepted")
	require.Equal(t, 1, srv.Hits("retry/job-x"))
	require.Equal(t, 1, srv.Hits("retry/job-y"))
}

func TestAdminRetryRequiresJobID(t *testing.T) {
	_, err := runCLI(t, "admin", "retry")
	require.Error(t, err)
}

func TestConfigLoadError(t *testing.T) {
	_, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "watch", "job-1")
	require.ErrorContains(t, err, "load config")
}

func TestResolveAppMissing(t *testing.T) {
	t.Parallel()

	_, err := resolveApp(context.Background())
	require.ErrorContains(t, err, "not initialized")
}
