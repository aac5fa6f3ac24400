// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/convertwatch/internal/api/apitest"
	"github.com/JakeFAU/convertwatch/internal/app"
	"github.com/JakeFAU/convertwatch/internal/clock/manual"
	"github.com/JakeFAU/convertwatch/internal/config"
	"github.com/JakeFAU/convertwatch/internal/monitor"
	"github.com/JakeFAU/convertwatch/internal/progress"
	"github.com/JakeFAU/convertwatch/internal/push"
)

// MockPublisher mocks the app.Publisher interface.
type MockPublisher struct {
	mock.Mock
}

// Publish satisfies the sinks.Publisher interface for the mock.
func (m *MockPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	args := m.Called(ctx, topic, payload)
	return args.String(0), args.Error(1)
}

// Close satisfies the app.Publisher interface for the mock.
func (m *MockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.BaseURL = baseURL
	return cfg
}

func TestNew_Success(t *testing.T) {
	cfg := testConfig(t, "http://localhost:5000")

	a, err := app.New(context.Background(), cfg, app.Options{
		Logger:   zap.NewNop(),
		Registry: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.GetLogger())
	assert.NotNil(t, a.GetHub())
	assert.NotNil(t, a.GetPublisher())
	assert.Equal(t, "http://localhost:5000", a.GetClient().BaseURL().String())
	assert.Equal(t, cfg, a.GetConfig())

	families, err := a.GetRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNew_InvalidServer(t *testing.T) {
	cfg := testConfig(t, "http://localhost:5000")
	cfg.Server.BaseURL = "ftp://nowhere"

	_, err := app.New(context.Background(), cfg, app.Options{Logger: zap.NewNop(), Registry: prometheus.NewRegistry()})
	require.ErrorContains(t, err, "init api client")
}

func TestNew_DuplicateRegistry(t *testing.T) {
	cfg := testConfig(t, "http://localhost:5000")
	reg := prometheus.NewRegistry()

	first, err := app.New(context.Background(), cfg, app.Options{Logger: zap.NewNop(), Registry: reg})
	require.NoError(t, err)
	defer first.Close()

	_, err = app.New(context.Background(), cfg, app.Options{Logger: zap.NewNop(), Registry: reg})
	require.ErrorContains(t, err, "init prometheus sink")
}

// TestMonitorPublishesOutcome wires a monitor through the container and checks
// the completion reaches the analytics publisher once the hub drains.
func TestMonitorPublishesOutcome(t *testing.T) {
	srv := apitest.New(t)
	srv.Script("job-1",
		apitest.Snapshot("job-1", progress.StatusProcessing, 50),
		apitest.Snapshot("job-1", progress.StatusCompleted, 100),
	)
	cfg := testConfig(t, srv.URL())
	cfg.Analytics.ProjectID = "proj"
	cfg.Analytics.TopicName = "conversions"

	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, "conversions", mock.MatchedBy(func(p map[string]any) bool {
		return p["event"] == "conversion_complete" && p["job_id"] == "job-1"
	})).Return("msg-1", nil).Once()
	pub.On("Close").Return(nil).Once()

	clk := manual.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a, err := app.New(context.Background(), cfg, app.Options{
		Logger:    zap.NewNop(),
		Publisher: pub,
		Registry:  prometheus.NewRegistry(),
		Clock:     clk,
	})
	require.NoError(t, err)

	m, err := a.NewMonitor(context.Background(), "job-1")
	require.NoError(t, err)
	require.NoError(t, m.Start())
	clk.Advance(0)
	require.Equal(t, monitor.StatePolling, m.State())
	clk.Advance(cfg.PollInterval())
	require.Equal(t, monitor.StateSucceeded, m.State())

	a.Close()
	pub.AssertExpectations(t)
}

func TestNewMonitor_ZeroRetriesDisablesRestart(t *testing.T) {
	srv := apitest.New(t)
	srv.Script("job-2", apitest.Failed("job-2", "bad codec"))
	cfg := testConfig(t, srv.URL())
	cfg.Poll.MaxRetries = 0

	clk := manual.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a, err := app.New(context.Background(), cfg, app.Options{Logger: zap.NewNop(), Registry: prometheus.NewRegistry(), Clock: clk})
	require.NoError(t, err)
	defer a.Close()

	m, err := a.NewMonitor(context.Background(), "job-2")
	require.NoError(t, err)
	require.NoError(t, m.Start())
	clk.Advance(0)
	require.Equal(t, monitor.StateFailed, m.State())
	require.ErrorIs(t, m.Restart(context.Background()), monitor.ErrRetriesExhausted)
	require.Zero(t, srv.Hits("retry/job-2"))
}

func TestNewChannelAndBoard(t *testing.T) {
	cfg := testConfig(t, "https://convert.example.com")
	a, err := app.New(context.Background(), cfg, app.Options{Logger: zap.NewNop(), Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	defer a.Close()

	ch, err := a.NewChannel()
	require.NoError(t, err)
	require.Equal(t, push.StateClosed, ch.State())

	board, err := a.NewBoard()
	require.NoError(t, err)
	require.Empty(t, board.Jobs())
}

func TestApp_Close_WithErrors(t *testing.T) {
	cfg := testConfig(t, "http://localhost:5000")
	pub := new(MockPublisher)
	pub.On("Close").Return(errors.New("pubsub error")).Once()

	a, err := app.New(context.Background(), cfg, app.Options{Logger: zap.NewNop(), Publisher: pub, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)

	a.Close()
	pub.AssertExpectations(t)
}
