package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/convertwatch/internal/dashboard"
)

type adminOptions struct {
	track      []string
	printEvery time.Duration
	once       bool
}

// newAdminCmd creates the 'admin' subcommand: a live job table fed by the
// admin WebSocket with rate-limited polling as a fallback.
func newAdminCmd() *cobra.Command {
	var opts adminOptions
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Show live job, cluster and alert state from the admin channel",
		Long: `Connects to ws(s)://<host>/ws/admin and prints the job table, cluster
stats and recent alerts. Tracked jobs that are still active are refreshed over
HTTP whenever the push channel is down. With --once the tracked jobs are
fetched a single time and printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if opts.once {
				return runAdminOnce(cmd.Context(), appInstance, opts, cmd.OutOrStdout())
			}
			ms, err := startMetricsServer(appInstance.GetConfig().Metrics.Addr, appInstance.GetLogger(), appInstance.GetRegistry())
			if err != nil {
				return err
			}
			defer ms.Shutdown()
			return runAdmin(cmd.Context(), appInstance, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&opts.track, "track", nil, "job ids to follow (repeatable or comma separated)")
	cmd.Flags().DurationVar(&opts.printEvery, "print-every", 5*time.Second, "how often to print the table")
	cmd.Flags().BoolVar(&opts.once, "once", false, "fetch tracked jobs once, print and exit")
	cmd.AddCommand(newAdminRetryCmd())
	return cmd
}

func newAdminRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID...",
		Short: "Ask the server to resume one or more failed jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runAdminRetry(cmd.Context(), appInstance, args, cmd.OutOrStdout())
		},
	}
}

func runAdminRetry(ctx context.Context, appInstance App, jobIDs []string, out io.Writer) error {
	board, err := appInstance.NewBoard()
	if err != nil {
		return fmt.Errorf("build dashboard: %w", err)
	}
	retryErr := board.Retry(ctx, jobIDs...)
	ok := 0
	for _, id := range jobIDs {
		job, found := board.Job(id)
		switch {
		case !found:
		case job.LastError != "":
			_, _ = fmt.Fprintf(out, "%s: retry failed: %s\n", id, job.LastError)
		default:
			ok++
			_, _ = fmt.Fprintf(out, "%s: retry requested\n", id)
		}
	}
	_, _ = fmt.Fprintf(out, "%d of %d retries accepted\n", ok, len(jobIDs))
	return retryErr
}

func runAdminOnce(ctx context.Context, appInstance App, opts adminOptions, out io.Writer) error {
	board, err := appInstance.NewBoard()
	if err != nil {
		return fmt.Errorf("build dashboard: %w", err)
	}
	for _, id := range opts.track {
		board.Track(id)
	}
	if err := board.RefreshActive(ctx); err != nil {
		return fmt.Errorf("refresh jobs: %w", err)
	}
	return printBoard(out, board)
}

func runAdmin(ctx context.Context, appInstance App, opts adminOptions, out io.Writer) error {
	logger := appInstance.GetLogger()
	board, err := appInstance.NewBoard()
	if err != nil {
		return fmt.Errorf("build dashboard: %w", err)
	}
	ch, err := appInstance.NewChannel()
	if err != nil {
		return fmt.Errorf("build push channel: %w", err)
	}
	if err := board.Attach(ch); err != nil {
		return fmt.Errorf("attach push channel: %w", err)
	}
	for _, id := range opts.track {
		board.Track(id)
	}

	if err := ch.Start(ctx); err != nil {
		return fmt.Errorf("start push channel: %w", err)
	}
	defer func() {
		if err := ch.Close(); err != nil {
			logger.Debug("push channel close", zap.Error(err))
		}
	}()
	if err := board.Start(ctx); err != nil {
		return fmt.Errorf("start dashboard: %w", err)
	}
	defer board.Stop()

	if opts.printEvery <= 0 {
		opts.printEvery = 5 * time.Second
	}
	ticker := time.NewTicker(opts.printEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			logger.Debug("printing dashboard", zap.String("push_state", string(ch.State())))
			if err := printBoard(out, board); err != nil {
				return err
			}
		}
	}
}

func printBoard(out io.Writer, board *dashboard.Board) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB\tSTATUS\tPROGRESS\tSOURCE\tERROR")
	for _, job := range board.Jobs() {
		msg := job.ErrorMessage
		if job.LastError != "" {
			msg = job.LastError
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\t%s\n", job.JobID, job.Status, job.Progress, job.Source, msg)
	}
	stats, pushed := board.Stats()
	origin := "derived"
	if pushed {
		origin = "pushed"
	}
	_, _ = fmt.Fprintf(w, "\ntotal=%d pending=%d processing=%d completed=%d failed=%d (%s)\n",
		stats.TotalJobs, stats.PendingJobs, stats.ProcessingJobs, stats.CompletedJobs, stats.FailedJobs, origin)
	for _, alert := range board.Alerts() {
		_, _ = fmt.Fprintf(w, "[%s] %s %s\n", alert.Level, alert.At.Format(time.RFC3339), alert.Message)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("print dashboard: %w", err)
	}
	return nil
}
