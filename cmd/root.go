// Package cmd defines and implements the CLI commands for the convertwatch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/convertwatch/internal/api"
	"github.com/JakeFAU/convertwatch/internal/app"
	"github.com/JakeFAU/convertwatch/internal/config"
	"github.com/JakeFAU/convertwatch/internal/dashboard"
	"github.com/JakeFAU/convertwatch/internal/monitor"
	"github.com/JakeFAU/convertwatch/internal/push"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a different container during tests.
type App interface {
	Close()
	GetLogger() *zap.Logger
	GetConfig() config.Config
	GetClient() *api.Client
	GetRegistry() *prometheus.Registry
	NewMonitor(ctx context.Context, jobID string) (*monitor.Monitor, error)
	NewChannel() (*push.Channel, error)
	NewBoard() (*dashboard.Board, error)
}

// newApp is the application factory. It's a variable so tests can swap it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.New(ctx, cfg, app.Options{})
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "convertwatch",
		Short: "Track media conversion jobs on a conversion server.",
		Long: `convertwatch follows conversion jobs over the server's JSON API and
admin WebSocket. "watch" polls one job until it completes or fails, with
optional automatic retries. "admin" keeps a live table of jobs, cluster
stats and system alerts.`,
		SilenceUsage: true,

		// Load config and build the container before the subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWith(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	flags.String("server", "", "conversion server base URL (overrides server.base_url)")
	flags.String("log-level", "", "minimum log level (overrides logging.level)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	mustBind(v, "server.base_url", flags.Lookup("server"))
	mustBind(v, "logging.level", flags.Lookup("log-level"))
	mustBind(v, "metrics.addr", flags.Lookup("metrics-addr"))

	cmd.AddCommand(newWatchCmd(), newAdminCmd())
	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// mustBind only fails on a nil flag, which is a programming error.
func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}
