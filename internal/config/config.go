// Package config loads and validates convertwatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/convertwatch/internal/push"
)

// EnvPrefix is prepended to every environment override, e.g.
// CONVERTWATCH_SERVER_BASE_URL.
const EnvPrefix = "CONVERTWATCH"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Poll      PollConfig      `mapstructure:"poll"`
	Push      PushConfig      `mapstructure:"push"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig locates the conversion server.
type ServerConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PollConfig governs per-job monitors.
type PollConfig struct {
	IntervalMs           int `mapstructure:"interval_ms"`
	BackgroundIntervalMs int `mapstructure:"background_interval_ms"`
	MaxRetries           int `mapstructure:"max_retries"`
}

// PushConfig governs the admin WebSocket channel.
type PushConfig struct {
	// URL overrides the ws(s)://host/ws/admin address derived from the server.
	URL              string `mapstructure:"url"`
	ReconnectDelayMs int    `mapstructure:"reconnect_delay_ms"`
}

// DashboardConfig tunes the admin board fallback refresh.
type DashboardConfig struct {
	JobUpdateSeconds  int     `mapstructure:"job_update_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	MaxAlerts         int     `mapstructure:"max_alerts"`
}

// AnalyticsConfig points at the Pub/Sub topic for outcome events. Publishing
// is disabled when either field is empty.
type AnalyticsConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied Viper instance, letting the CLI bind
// flags before reading.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "http://localhost:5000")
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("poll.interval_ms", 2000)
	v.SetDefault("poll.background_interval_ms", 5000)
	v.SetDefault("poll.max_retries", 3)
	v.SetDefault("push.url", "")
	v.SetDefault("push.reconnect_delay_ms", 5000)
	v.SetDefault("dashboard.job_update_seconds", 5)
	v.SetDefault("dashboard.requests_per_second", 5)
	v.SetDefault("dashboard.max_alerts", 50)
	v.SetDefault("analytics.project_id", "")
	v.SetDefault("analytics.topic_name", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	base, err := url.Parse(c.Server.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return fmt.Errorf("server.base_url must be an http(s) URL, got %q", c.Server.BaseURL)
	}
	if c.Server.TimeoutSeconds <= 0 {
		return errors.New("server.timeout_seconds must be > 0")
	}
	if c.Poll.IntervalMs <= 0 {
		return errors.New("poll.interval_ms must be > 0")
	}
	if c.Poll.BackgroundIntervalMs <= 0 {
		return errors.New("poll.background_interval_ms must be > 0")
	}
	if c.Poll.MaxRetries < 0 {
		return errors.New("poll.max_retries must be >= 0")
	}
	if c.Push.URL != "" {
		u, err := url.Parse(c.Push.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("push.url must be a ws(s) URL, got %q", c.Push.URL)
		}
	}
	if c.Push.ReconnectDelayMs <= 0 {
		return errors.New("push.reconnect_delay_ms must be > 0")
	}
	if c.Dashboard.JobUpdateSeconds <= 0 {
		return errors.New("dashboard.job_update_seconds must be > 0")
	}
	if c.Dashboard.RequestsPerSecond <= 0 {
		return errors.New("dashboard.requests_per_second must be > 0")
	}
	if c.Dashboard.MaxAlerts <= 0 {
		return errors.New("dashboard.max_alerts must be > 0")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); c.Logging.Level != "" && err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if (c.Analytics.ProjectID == "") != (c.Analytics.TopicName == "") {
		return errors.New("analytics.project_id and analytics.topic_name must be set together")
	}
	return nil
}

// Timeout is the per-request HTTP timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// PollInterval is the foreground poll cadence.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMs) * time.Millisecond
}

// BackgroundInterval is the hidden poll cadence.
func (c Config) BackgroundInterval() time.Duration {
	return time.Duration(c.Poll.BackgroundIntervalMs) * time.Millisecond
}

// ReconnectDelay is the push channel redial pause.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Push.ReconnectDelayMs) * time.Millisecond
}

// JobUpdateInterval is the dashboard fallback refresh cadence.
func (c Config) JobUpdateInterval() time.Duration {
	return time.Duration(c.Dashboard.JobUpdateSeconds) * time.Second
}

// PushURL returns push.url, or ws(s)://host/ws/admin derived from the server
// base URL.
func (c Config) PushURL() (string, error) {
	if c.Push.URL != "" {
		return c.Push.URL, nil
	}
	return push.AdminURL(c.Server.BaseURL)
}

// AnalyticsEnabled reports whether outcome events should be published.
func (c Config) AnalyticsEnabled() bool {
	return c.Analytics.ProjectID != "" && c.Analytics.TopicName != ""
}
