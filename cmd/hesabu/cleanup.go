package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jbarasa/hesabu/internal/artifact"
	"github.com/jbarasa/hesabu/internal/config"
	sqlitestore "github.com/jbarasa/hesabu/internal/storage/sqlite"
)

var cleanupConfigPath string

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run one retention sweep over stored artifacts and history",
	RunE:  runCleanup,
}

func init() {
	cleanupCmd.Flags().StringVar(&cleanupConfigPath, "config", "", "path to config file")
}

// runCleanup reclaims aged artifacts and history records without starting the
// server. Sessions live only in server memory, so there is nothing to expire
// here.
func runCleanup(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.LoadOrDefault(goutils.Env("HESABU_CONFIG", cleanupConfigPath))
	if err != nil {
		return err
	}

	store, err := artifact.NewStore(cfg.UploadDir(), logger)
	if err != nil {
		return err
	}
	swept, err := store.SweepOlderThan(cfg.Retention.MaxAge())
	if err != nil {
		return err
	}
	logger.Info("artifact sweep completed",
		slog.Int("scopes_removed", len(swept)),
		slog.Duration("max_age", cfg.Retention.MaxAge()))

	if cfg.Storage != nil {
		history, err := sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.Storage.SQLitePath,
			JournalMode: cfg.Storage.JournalMode,
		}, logger)
		if err != nil {
			return err
		}
		defer history.Close()
		if err := history.Migrate(context.Background()); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		purged, err := history.PurgeOlderThan(ctx, cfg.Retention.MaxAge())
		if err != nil {
			return err
		}
		logger.Info("history purge completed", slog.Int64("records_removed", purged))
	}
	return nil
}
