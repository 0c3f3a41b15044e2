// Command modelrunner-allinone composes a primary and a worker node in
// one process over a single broker connection and data directory, the
// "worker_is_primary" co-located mode used for local development and
// single-box deployments where the model runs on the same host that
// accepts jobs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/modelrunner/modelrunner/internal/broker/redisbroker"
	"github.com/modelrunner/modelrunner/internal/dispatch"
	"github.com/modelrunner/modelrunner/internal/metrics"
	"github.com/modelrunner/modelrunner/internal/primary"
	"github.com/modelrunner/modelrunner/internal/worker"
	"github.com/modelrunner/modelrunner/pkg/config"
	"github.com/modelrunner/modelrunner/pkg/logger"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var redisURLFlag, prefixFlag, primaryURLFlag, dataDirFlag, modelFlag, commandFlag, logLevelFlag string

	root := &cobra.Command{
		Use:          "modelrunner-allinone",
		Short:        "Run a co-located primary+worker ModelRunner node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			applyAllInOneFlagOverrides(cfg, cmd.Flags(), redisURLFlag, prefixFlag, primaryURLFlag, dataDirFlag, modelFlag, logLevelFlag)
			// In co-located mode, the worker serves jobs under the same
			// public URL the primary listens on: there is only one node.
			cfg.WorkerURL = cfg.PrimaryURL
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			modelCommand := commandFlag
			if modelCommand == "" {
				modelCommand, err = cfg.CommandFor(cfg.Model)
				if err != nil {
					return fmt.Errorf("failed to resolve model command: %w", err)
				}
			}

			level, err := logger.ParseLevel(cfg.Logging.Level)
			if err != nil {
				level = logger.INFO
			}
			logger.SetLevel(level)
			logger.SetGlobalMode("allinone")
			logger.Info("starting all-in-one node", "config_path", path, "model", cfg.Model, "primary_url", cfg.PrimaryURL)

			return runAllInOne(cmd.Context(), cfg, modelCommand)
		},
	}

	flags := root.Flags()
	flags.StringVar(&redisURLFlag, "redis-url", "", "broker connection string (host:port)")
	flags.StringVar(&prefixFlag, "prefix", "", "broker keyspace prefix")
	flags.StringVar(&primaryURLFlag, "primary-url", "", "public base URL this node serves its data directory under")
	flags.StringVar(&dataDirFlag, "data-dir", "", "local root for per-job subdirectories")
	flags.StringVar(&modelFlag, "model", "", "model name this node serves")
	flags.StringVar(&commandFlag, "command", "", "override the configured model_command for this model")
	flags.StringVar(&logLevelFlag, "log-level", "", "DEBUG, INFO, WARN, or ERROR")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func applyAllInOneFlagOverrides(cfg *config.Config, flags *pflag.FlagSet, redisURL, prefix, primaryURL, dataDir, model, logLevel string) {
	if flags.Changed("redis-url") {
		cfg.RedisURL = redisURL
	}
	if flags.Changed("prefix") {
		cfg.Prefix = prefix
	}
	if flags.Changed("primary-url") {
		cfg.PrimaryURL = primaryURL
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("model") {
		cfg.Model = model
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
}

func runAllInOne(ctx context.Context, cfg *config.Config, modelCommand string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	br, err := redisbroker.Dial(ctx, redisbroker.DialOptions{
		Addr:           cfg.RedisURL,
		MaxAttempts:    5,
		InitialBackoff: 250 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer br.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	reg := prometheus.NewRegistry()
	dispatchMetrics := metrics.NewDispatch(reg)
	workerMetrics := metrics.NewWorker(reg)

	primaryHandler := primary.New(br, cfg.Prefix, cfg.PrimaryURL, cfg.DataDir, version)
	workerHandler := worker.New(br, cfg.Prefix, cfg.PrimaryURL, cfg.WorkerURL, cfg.DataDir, cfg.Model, modelCommand, version, workerMetrics)

	primaryDispatch := dispatch.New(br, primaryHandler, primaryHandler.QueueName(), primaryHandler.ChannelNames(), dispatchMetrics)
	workerDispatch := dispatch.New(br, workerHandler, workerHandler.QueueName(), workerHandler.ChannelNames(), dispatchMetrics)

	metricsSrv := serveMetrics(cfg.Port, reg)
	defer shutdownMetrics(metricsSrv)

	go primaryDispatch.WaitForQueueCommands(ctx)
	go primaryDispatch.WaitForChannelCommands(ctx)
	go workerDispatch.WaitForQueueCommands(ctx)
	go workerDispatch.WaitForChannelCommands(ctx)

	<-ctx.Done()
	logger.Info("shutting down all-in-one node")
	return nil
}

func serveMetrics(port int, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	return srv
}

func shutdownMetrics(srv *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", "error", err)
	}
}
