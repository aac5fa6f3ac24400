package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "http://localhost:5000", cfg.Server.BaseURL)
	require.Equal(t, 30*time.Second, cfg.Timeout())
	require.Equal(t, 2*time.Second, cfg.PollInterval())
	require.Equal(t, 5*time.Second, cfg.BackgroundInterval())
	require.Equal(t, 3, cfg.Poll.MaxRetries)
	require.Equal(t, 5*time.Second, cfg.ReconnectDelay())
	require.Equal(t, 5*time.Second, cfg.JobUpdateInterval())
	require.InDelta(t, 5.0, cfg.Dashboard.RequestsPerSecond, 0.0001)
	require.Equal(t, 50, cfg.Dashboard.MaxAlerts)
	pushURL, err := cfg.PushURL()
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:5000/ws/admin", pushURL)
	require.False(t, cfg.AnalyticsEnabled())
	require.True(t, cfg.Logging.Development)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  base_url: https://convert.example.com
  timeout_seconds: 10
poll:
  interval_ms: 1000
  background_interval_ms: 8000
  max_retries: 5
push:
  reconnect_delay_ms: 2500
dashboard:
  job_update_seconds: 15
  requests_per_second: 2.5
  max_alerts: 10
analytics:
  project_id: proj
  topic_name: conversions
metrics:
  addr: ":9102"
logging:
  development: false
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 10*time.Second, cfg.Timeout())
	require.Equal(t, time.Second, cfg.PollInterval())
	require.Equal(t, 8*time.Second, cfg.BackgroundInterval())
	require.Equal(t, 5, cfg.Poll.MaxRetries)
	require.Equal(t, 2500*time.Millisecond, cfg.ReconnectDelay())
	require.Equal(t, 15*time.Second, cfg.JobUpdateInterval())
	require.InDelta(t, 2.5, cfg.Dashboard.RequestsPerSecond, 0.0001)
	pushURL, err := cfg.PushURL()
	require.NoError(t, err)
	require.Equal(t, "wss://convert.example.com/ws/admin", pushURL)
	require.True(t, cfg.AnalyticsEnabled())
	require.Equal(t, ":9102", cfg.Metrics.Addr)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONVERTWATCH_POLL_MAX_RETRIES", "7")
	t.Setenv("CONVERTWATCH_PUSH_URL", "ws://push.internal:9000/ws/admin")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Poll.MaxRetries)
	pushURL, err := cfg.PushURL()
	require.NoError(t, err)
	require.Equal(t, "ws://push.internal:9000/ws/admin", pushURL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			Server:    ServerConfig{BaseURL: "http://localhost:5000", TimeoutSeconds: 30},
			Poll:      PollConfig{IntervalMs: 2000, BackgroundIntervalMs: 5000, MaxRetries: 3},
			Push:      PushConfig{ReconnectDelayMs: 5000},
			Dashboard: DashboardConfig{JobUpdateSeconds: 5, RequestsPerSecond: 5, MaxAlerts: 50},
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"base url scheme":   func(c *Config) { c.Server.BaseURL = "ftp://x" },
		"base url host":     func(c *Config) { c.Server.BaseURL = "http://" },
		"timeout":           func(c *Config) { c.Server.TimeoutSeconds = 0 },
		"interval":          func(c *Config) { c.Poll.IntervalMs = 0 },
		"background":        func(c *Config) { c.Poll.BackgroundIntervalMs = -1 },
		"retries":           func(c *Config) { c.Poll.MaxRetries = -1 },
		"push url":          func(c *Config) { c.Push.URL = "http://x/ws/admin" },
		"reconnect":         func(c *Config) { c.Push.ReconnectDelayMs = 0 },
		"job update":        func(c *Config) { c.Dashboard.JobUpdateSeconds = 0 },
		"rps":               func(c *Config) { c.Dashboard.RequestsPerSecond = 0 },
		"alerts":            func(c *Config) { c.Dashboard.MaxAlerts = 0 },
		"analytics partial": func(c *Config) { c.Analytics.ProjectID = "proj" },
		"log level":         func(c *Config) { c.Logging.Level = "loud" },
	}
	for name, mutate := range cases {
		cfg := valid()
		mutate(&cfg)
		require.Error(t, cfg.Validate(), name)
	}
}
