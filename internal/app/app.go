// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/convertwatch/internal/api"
	"github.com/JakeFAU/convertwatch/internal/clock"
	"github.com/JakeFAU/convertwatch/internal/clock/system"
	"github.com/JakeFAU/convertwatch/internal/config"
	"github.com/JakeFAU/convertwatch/internal/dashboard"
	"github.com/JakeFAU/convertwatch/internal/id/uuid"
	"github.com/JakeFAU/convertwatch/internal/logging"
	"github.com/JakeFAU/convertwatch/internal/monitor"
	"github.com/JakeFAU/convertwatch/internal/progress"
	"github.com/JakeFAU/convertwatch/internal/progress/sinks"
	"github.com/JakeFAU/convertwatch/internal/publisher/memory"
	"github.com/JakeFAU/convertwatch/internal/publisher/pubsub"
	"github.com/JakeFAU/convertwatch/internal/push"
)

const hubCloseTimeout = 5 * time.Second

// Publisher is the analytics publisher held by the container.
type Publisher interface {
	sinks.Publisher
	Close() error
}

// Options override pieces the container would otherwise build from config.
type Options struct {
	Logger    *zap.Logger
	Publisher Publisher
	Registry  *prometheus.Registry
	Clock     clock.Clock
}

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and handed to the commands that need it.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	client    *api.Client
	registry  *prometheus.Registry
	hub       *progress.Hub
	publisher Publisher
	clock     clock.Clock
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetConfig returns the validated configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetClient exposes the conversion server API client.
func (a *App) GetClient() *api.Client {
	return a.client
}

// GetRegistry returns the registry holding the progress sink collectors.
func (a *App) GetRegistry() *prometheus.Registry {
	return a.registry
}

// GetHub returns the event hub every monitor and push channel emits into.
func (a *App) GetHub() *progress.Hub {
	return a.hub
}

// GetPublisher returns the analytics publisher.
func (a *App) GetPublisher() Publisher {
	return a.publisher
}

// New builds the container from cfg. It fails fast if any service cannot be
// initialized.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		l, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		logger = l
	}
	logger.Info("Initializing application services...", zap.String("server", cfg.Server.BaseURL))

	client, err := api.NewClient(api.Config{
		BaseURL: cfg.Server.BaseURL,
		Timeout: cfg.Timeout(),
		Logger:  logging.Component(logger, "api"),
		IDs:     uuid.New(),
	})
	if err != nil {
		return nil, fmt.Errorf("init api client: %w", err)
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}

	pub := opts.Publisher
	if pub == nil {
		pub, err = newPublisher(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	hub := progress.NewHub(
		progress.Config{Logger: logging.Component(logger, "hub")},
		sinks.NewLogSink(logging.Component(logger, "events")),
		promSink,
		sinks.NewAnalyticsSink(pub, cfg.Analytics.TopicName, logging.Component(logger, "analytics")),
	)

	clk := opts.Clock
	if clk == nil {
		clk = system.New()
	}

	logger.Info("Application services initialized successfully.")
	return &App{
		cfg:       cfg,
		logger:    logger,
		client:    client,
		registry:  registry,
		hub:       hub,
		publisher: pub,
		clock:     clk,
	}, nil
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (Publisher, error) {
	if !cfg.AnalyticsEnabled() {
		logger.Info("Analytics disabled; outcome events will not be published.")
		return nopCloser{memory.New()}, nil
	}
	logger.Info("Connecting to GCP Pub/Sub",
		zap.String("project", cfg.Analytics.ProjectID),
		zap.String("topic", cfg.Analytics.TopicName))
	pub, err := pubsub.Dial(ctx, cfg.Analytics.ProjectID, cfg.Analytics.TopicName)
	if err != nil {
		return nil, fmt.Errorf("init analytics publisher: %w", err)
	}
	return pub, nil
}

type nopCloser struct{ *memory.Publisher }

func (nopCloser) Close() error { return nil }

// NewMonitor builds an idle monitor for jobID using the configured cadence.
// Poll requests inherit ctx.
func (a *App) NewMonitor(ctx context.Context, jobID string) (*monitor.Monitor, error) {
	maxRetries := a.cfg.Poll.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	return monitor.New(jobID, a.client, monitor.Config{
		PollInterval:       a.cfg.PollInterval(),
		BackgroundInterval: a.cfg.BackgroundInterval(),
		MaxRetries:         maxRetries,
		Clock:              a.clock,
		Logger:             logging.Component(a.logger, "monitor"),
		Emitter:            a.hub,
		BaseContext:        ctx,
	})
}

// NewChannel builds a closed push channel pointed at the admin socket.
func (a *App) NewChannel() (*push.Channel, error) {
	target, err := a.cfg.PushURL()
	if err != nil {
		return nil, fmt.Errorf("resolve push url: %w", err)
	}
	return push.New(push.Config{
		URL:            target,
		ReconnectDelay: a.cfg.ReconnectDelay(),
		Clock:          a.clock,
		Logger:         logging.Component(a.logger, "push"),
		Emitter:        a.hub,
	})
}

// NewBoard builds an empty admin board backed by the API client.
func (a *App) NewBoard() (*dashboard.Board, error) {
	return dashboard.New(dashboard.Config{
		JobUpdateInterval: a.cfg.JobUpdateInterval(),
		RequestsPerSecond: a.cfg.Dashboard.RequestsPerSecond,
		MaxAlerts:         a.cfg.Dashboard.MaxAlerts,
		Clock:             a.clock,
	}, a.client, logging.Component(a.logger, "dashboard"))
}

// Close drains the hub, then releases the publisher and flushes the logger.
// It is called by a Cobra hook after the command finishes execution.
func (a *App) Close() {
	a.logger.Info("Shutting down application services...")
	ctx, cancel := context.WithTimeout(context.Background(), hubCloseTimeout)
	defer cancel()
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("Error draining event hub", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("Error closing analytics publisher", zap.Error(err))
		}
	}
	_ = a.logger.Sync() // best-effort; stderr sync fails on terminals
}
