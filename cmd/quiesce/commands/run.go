// Package commands implements the quiesce CLI subcommands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/quiesce/internal/simproc"
	"github.com/Sumatoshi-tech/quiesce/pkg/checkpoint"
	"github.com/Sumatoshi-tech/quiesce/pkg/config"
	"github.com/Sumatoshi-tech/quiesce/pkg/observability"
	"github.com/Sumatoshi-tech/quiesce/pkg/proc"
	"github.com/Sumatoshi-tech/quiesce/pkg/sched"
	"github.com/Sumatoshi-tech/quiesce/pkg/snapshot"
)

// Metrics endpoint shutdown budget.
const metricsShutdownTimeout = 2 * time.Second

// runOptions holds the run command's flags.
type runOptions struct {
	configPath  string
	threads     int
	rounds      int
	interval    time.Duration
	stalled     int
	snapshotDir string
	metrics     bool
	debug       bool
}

// NewRunCommand creates the run subcommand: simulate a multi-threaded
// process and drive checkpoint rounds over it.
func NewRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Simulate a multi-threaded process and checkpoint it",
		Long: `Run starts a simulated process of N worker threads under the simulated
scheduler, triggers one or more checkpoint rounds against it, and writes
captured snapshots to the snapshot directory. Workers marked as stalled
ignore checkpoint requests, demonstrating the barrier-timeout abort path.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulation(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	cmd.Flags().IntVarP(&opts.threads, "threads", "t", 4, "number of threads in the simulated process")
	cmd.Flags().IntVarP(&opts.rounds, "rounds", "r", 1, "number of checkpoint rounds to run")
	cmd.Flags().DurationVarP(&opts.interval, "interval", "i", 500*time.Millisecond, "delay between rounds")
	cmd.Flags().IntVar(&opts.stalled, "stalled", 0, "number of workers that ignore checkpoint requests")
	cmd.Flags().StringVar(&opts.snapshotDir, "snapshot-dir", "", "override the snapshot output directory")
	cmd.Flags().BoolVar(&opts.metrics, "metrics", false, "serve Prometheus metrics")
	cmd.Flags().BoolVar(&opts.debug, "debug-verbose", false, "enable debug-verbose mode (wider barrier timeout, paranoid checks)")

	return cmd
}

// runSimulation wires the stack together and drives the requested rounds.
func runSimulation(parent context.Context, opts *runOptions) error {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}

	if opts.snapshotDir != "" {
		cfg.Snapshot.Dir = opts.snapshotDir
	}

	if opts.debug {
		cfg.Checkpoint.DebugVerbose = true
	}

	if opts.metrics {
		cfg.Metrics.Enabled = true
	}

	logger := observability.NewLogger(cfg.Logging, "quiesce")

	metrics, metricsSrv, err := setupMetrics(cfg.Metrics, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	capture := simproc.NewCapture()
	sink := snapshot.NewFileSink(cfg.Snapshot.Dir)

	coord := snapshot.NewCoordinator(snapshot.CoordinatorConfig{
		Files:     capture,
		Signals:   capture,
		Registers: capture,
		Sink:      sink,
		Logger:    logger,
	})

	scheduler := sched.NewSimScheduler()

	ctl := checkpoint.NewController(checkpoint.ControllerConfig{
		Scheduler:   scheduler,
		Coordinator: coord,
		Checkpoint:  cfg.Checkpoint,
		Logger:      logger,
		Metrics:     metrics,
	})

	const groupID proc.GroupID = 1

	stalledSet := make(map[int]bool, opts.stalled)
	for i := 0; i < opts.stalled && i+1 < opts.threads; i++ {
		// Stall the last workers; the leader (index 0) always cooperates.
		stalledSet[opts.threads-1-i] = true
	}

	process, err := simproc.New(simproc.Config{
		GroupID:    groupID,
		Threads:    opts.threads,
		Controller: ctl,
		Scheduler:  scheduler,
		Logger:     logger,
		Stalled:    stalledSet,
	})
	if err != nil {
		return err
	}

	capture.Bind(process)
	process.Start(ctx)

	defer func() {
		stopErr := process.Stop()
		if stopErr != nil {
			logger.Error("process stop", slog.String("error", stopErr.Error()))
		}

		shutdownMetrics(metricsSrv, logger)
	}()

	for i := range opts.rounds {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(opts.interval):
			}
		}

		out, reqErr := ctl.RequestCheckpoint(ctx, groupID)
		if reqErr != nil {
			return reqErr
		}

		reportOutcome(i+1, out, sink, groupID)
	}

	return nil
}

// reportOutcome prints one round's result to stdout.
func reportOutcome(round int, out checkpoint.Outcome, sink *snapshot.FileSink, g proc.GroupID) {
	switch out.Status {
	case checkpoint.StatusSuccess:
		meta, err := sink.LoadMetadata(int32(g))
		if err != nil {
			fmt.Fprintf(os.Stdout, "round %d: success (barrier wait %v)\n", round, out.BarrierWait)

			return
		}

		fmt.Fprintf(os.Stdout, "round %d: success (barrier wait %v, %d threads, %s raw, %s compressed)\n",
			round, out.BarrierWait, meta.Threads,
			humanize.Bytes(uint64(meta.RawSize)), humanize.Bytes(uint64(meta.CompressedSize)))
	case checkpoint.StatusTimedOut:
		fmt.Fprintf(os.Stdout, "round %d: timed out after %v; all threads restored\n", round, out.BarrierWait)
	case checkpoint.StatusError:
		fmt.Fprintf(os.Stdout, "round %d: capture failed: %v\n", round, out.Err)
	}
}

// setupMetrics builds the round instruments, optionally backed by a
// Prometheus scrape endpoint.
func setupMetrics(cfg config.MetricsConfig, logger *slog.Logger) (*observability.RoundMetrics, *http.Server, error) {
	if !cfg.Enabled {
		return observability.NopRoundMetrics(), nil, nil
	}

	meter, handler, err := observability.PrometheusHandler("quiesce")
	if err != nil {
		return nil, nil, err
	}

	metrics, err := observability.NewRoundMetrics(meter)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		serveErr := srv.ListenAndServe()
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("metrics endpoint", slog.String("error", serveErr.Error()))
		}
	}()

	logger.Info("serving metrics", slog.String("addr", cfg.ListenAddr))

	return metrics, srv, nil
}

// shutdownMetrics stops the metrics endpoint if one was started.
func shutdownMetrics(srv *http.Server, logger *slog.Logger) {
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	if err != nil {
		logger.Error("metrics shutdown", slog.String("error", err.Error()))
	}
}
