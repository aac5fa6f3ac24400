package cmd

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/convertwatch/internal/api/apitest"
	"github.com/JakeFAU/convertwatch/internal/app"
	"github.com/JakeFAU/convertwatch/internal/config"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestAdminFollowsPushChannel runs the live admin loop against the fake
// server and feeds it over the admin socket.
func TestAdminFollowsPushChannel(t *testing.T) {
	t.Parallel()

	srv := apitest.New(t)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.BaseURL = srv.URL()

	a, err := app.New(context.Background(), cfg, app.Options{Logger: zap.NewNop(), Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runAdmin(ctx, a, adminOptions{printEvery: 20 * time.Millisecond}, out)
	}()

	require.Eventually(t, func() bool { return srv.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, srv.BroadcastJSON(map[string]any{
		"type": "job_update",
		"job":  map[string]any{"job_id": "job-9", "status": "processing", "progress": 70},
	}))
	require.NoError(t, srv.BroadcastJSON(map[string]any{
		"type":  "stats_update",
		"stats": map[string]any{"total_jobs": 4, "pending_jobs": 1, "processing_jobs": 1, "completed_jobs": 2},
	}))
	require.NoError(t, srv.BroadcastJSON(map[string]any{"type": "system_alert", "message": "node-3 drained", "level": "warning"}))

	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "job-9") &&
			strings.Contains(s, "70%") &&
			strings.Contains(s, "total=4 pending=1 processing=1 completed=2 failed=0 (pushed)") &&
			strings.Contains(s, "node-3 drained")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("admin loop did not stop")
	}
}
