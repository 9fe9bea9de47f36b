package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jbarasa/hesabu/internal/artifact"
	"github.com/jbarasa/hesabu/internal/config"
	"github.com/jbarasa/hesabu/internal/executor"
	"github.com/jbarasa/hesabu/internal/gateway/httpapi"
	"github.com/jbarasa/hesabu/internal/generate"
	"github.com/jbarasa/hesabu/internal/maintenance"
	"github.com/jbarasa/hesabu/internal/observability"
	"github.com/jbarasa/hesabu/internal/ratelimit"
	"github.com/jbarasa/hesabu/internal/safety"
	"github.com/jbarasa/hesabu/internal/service"
	"github.com/jbarasa/hesabu/internal/session"
	sqlitestore "github.com/jbarasa/hesabu/internal/storage/sqlite"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `hesabu --config path` and `hesabu serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", "", "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.LoadOrDefault(goutils.Env("HESABU_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger.Info("starting hesabu",
		slog.String("addr", cfg.Server.ListenAddr()),
		slog.String("data_dir", cfg.DataDir))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistent operation log (optional).
	var history *sqlitestore.Store
	var regOpts []session.Option
	if cfg.Storage != nil {
		history, err = sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.Storage.SQLitePath,
			JournalMode: cfg.Storage.JournalMode,
		}, logger)
		if err != nil {
			return err
		}
		defer history.Close()
		if err := history.Migrate(ctx); err != nil {
			return err
		}
		regOpts = append(regOpts, session.WithOperationLog(history))
	}

	registry := session.NewRegistry(logger, regOpts...)
	store, err := artifact.NewStore(cfg.UploadDir(), logger)
	if err != nil {
		return err
	}

	var metrics *observability.MetricsCollector
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metrics = observability.NewMetricsCollector()
	}

	// One limiter shared by the gateway (consumption), the service (release on
	// delete), and the sweeper (release on expiry).
	var limiter *ratelimit.Limiter
	if cfg.Server.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Server.RequestsPerMinute,
		})
	}

	svcOpts := []service.Option{}
	if metrics != nil {
		svcOpts = append(svcOpts, service.WithMetrics(metrics))
	}
	if limiter != nil {
		svcOpts = append(svcOpts, service.WithRateLimiter(limiter))
	}
	if cfg.Generator.APIKey != "" || cfg.Generator.BaseURL != "" {
		genOpts := []generate.Option{}
		if cfg.Generator.BaseURL != "" {
			genOpts = append(genOpts, generate.WithBaseURL(cfg.Generator.BaseURL))
		}
		svcOpts = append(svcOpts, service.WithGenerator(
			generate.NewClient(cfg.Generator.APIKey, cfg.Generator.ModelName(), logger, genOpts...),
		))
	} else {
		logger.Warn("no generator configured, /api/analyze is disabled")
	}

	svc := service.New(
		registry,
		store,
		safety.New(cfg.DenyTokens...),
		executor.New(logger, executor.WithBudget(cfg.Executor.Timeout())),
		logger,
		svcOpts...,
	)

	// Background retention sweeps.
	sweepOpts := []maintenance.Option{}
	if history != nil {
		sweepOpts = append(sweepOpts, maintenance.WithHistoryPurger(history))
	}
	if metrics != nil {
		sweepOpts = append(sweepOpts, maintenance.WithMetrics(metrics))
	}
	if limiter != nil {
		sweepOpts = append(sweepOpts, maintenance.WithRateLimiter(limiter))
	}
	sweeper, err := maintenance.New(registry, store, cfg.Retention.MaxAge(), cfg.Retention.Schedule(), logger, sweepOpts...)
	if err != nil {
		return err
	}
	cancelSweeper := sweeper.Start(ctx)
	defer cancelSweeper()

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Server.ListenAddr(),
		EnableDocs:     cfg.Server.EnableDocs,
		MaxUploadBytes: cfg.Server.UploadCap(),
	}
	if metrics != nil {
		gwCfg.MetricsRegistry = metrics.Registry
		gwCfg.MetricsPath = cfg.Metrics.MetricsPath()
		gwCfg.Metrics = metrics
	}
	gw := httpapi.NewGateway(gwCfg, svc, logger)
	if limiter != nil {
		gw.WithRateLimiter(limiter)
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("server exited with error", slog.String("error", err.Error()))
			return err
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}
