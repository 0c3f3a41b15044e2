// Command modelrunner-primaryd runs a ModelRunner primary node: it
// accepts enqueue/kill_job calls from the (out-of-scope) web tier,
// pushes PROCESS_JOB commands onto model queues, and retrieves job
// logs/output once workers report COMPLETE_JOB.
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
	"github.com/modelrunner/modelrunner/pkg/config"
	"github.com/modelrunner/modelrunner/pkg/logger"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var redisURLFlag, prefixFlag, primaryURLFlag, dataDirFlag, logLevelFlag string

	root := &cobra.Command{
		Use:          "modelrunner-primaryd",
		Short:        "Run a ModelRunner primary node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			applyPrimaryFlagOverrides(cfg, cmd.Flags(), redisURLFlag, prefixFlag, primaryURLFlag, dataDirFlag, logLevelFlag)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			level, err := logger.ParseLevel(cfg.Logging.Level)
			if err != nil {
				level = logger.INFO
			}
			logger.SetLevel(level)
			logger.SetGlobalMode("primary")
			logger.Info("starting primary node", "config_path", path, "primary_url", cfg.PrimaryURL)

			return runPrimary(cmd.Context(), cfg)
		},
	}

	flags := root.Flags()
	flags.StringVar(&redisURLFlag, "redis-url", "", "broker connection string (host:port)")
	flags.StringVar(&prefixFlag, "prefix", "", "broker keyspace prefix")
	flags.StringVar(&primaryURLFlag, "primary-url", "", "public base URL this primary serves its data directory under")
	flags.StringVar(&dataDirFlag, "data-dir", "", "local root for per-job subdirectories")
	flags.StringVar(&logLevelFlag, "log-level", "", "DEBUG, INFO, WARN, or ERROR")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func applyPrimaryFlagOverrides(cfg *config.Config, flags *pflag.FlagSet, redisURL, prefix, primaryURL, dataDir, logLevel string) {
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
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
}

func runPrimary(ctx context.Context, cfg *config.Config) error {
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

	handler := primary.New(br, cfg.Prefix, cfg.PrimaryURL, cfg.DataDir, version)
	d := dispatch.New(br, handler, handler.QueueName(), handler.ChannelNames(), dispatchMetrics)

	metricsSrv := serveMetrics(cfg.Port, reg)
	defer shutdownMetrics(metricsSrv)

	go d.WaitForQueueCommands(ctx)
	go d.WaitForChannelCommands(ctx)

	<-ctx.Done()
	logger.Info("shutting down primary node")
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
