package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/0xPuncker/undertaker/internal/activator"
	"github.com/0xPuncker/undertaker/internal/agent"
	"github.com/0xPuncker/undertaker/internal/api"
	"github.com/0xPuncker/undertaker/internal/config"
	"github.com/0xPuncker/undertaker/internal/cron"
	"github.com/0xPuncker/undertaker/internal/notifications"
	"github.com/0xPuncker/undertaker/internal/scheduler"
	"github.com/0xPuncker/undertaker/internal/storage"
	"github.com/0xPuncker/undertaker/internal/storage/memory"
	"github.com/0xPuncker/undertaker/internal/storage/sqlstore"
	"github.com/dimiro1/banner"
	_ "github.com/lib/pq"
	"github.com/mattn/go-colorable"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const bannerText = `
{{ .Title "Undertaker" "" 0 }}
{{ .AnsiBackground.BrightBlue }}{{ .AnsiColor.White }}
{{ .AnsiReset }}
`

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker pool, recurring jobs and the admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		banner.Init(colorable.NewColorableStdout(), true, true, strings.NewReader(bannerText))

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger := newLogger(cfg.LogLevel)
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "config/config.yaml", "path to config file")
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05-07:00",
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("Unknown log level %q, using info", level)
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *logrus.Logger) (storage.Store, error) {
	reclaim := config.Duration(cfg.ReclaimTimeout, storage.DefaultReclaimTimeout)

	switch cfg.Driver {
	case "memory":
		return memory.New(memory.WithLogger(logger), memory.WithReclaimTimeout(reclaim)), nil
	default:
		return sqlstore.Open(ctx, cfg.Driver, cfg.DSN, sqlstore.WithLogger(logger), sqlstore.WithReclaimTimeout(reclaim))
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	if !cfg.Storage.Owns {
		defer store.Dispose()
	}

	registry := activator.NewRegistry()
	if err := registerBuiltins(registry, logger); err != nil {
		return err
	}

	a := agent.New(logger)
	defer func() {
		if err := a.Dispose(); err != nil {
			logger.WithError(err).Error("Failed to dispose agent")
		}
	}()
	if err := a.UseStorage(store, cfg.Storage.Owns); err != nil {
		return err
	}
	if err := a.UseActivator(registry); err != nil {
		return err
	}
	if err := a.UseConcurrentWorkers(cfg.Agent.Workers); err != nil {
		return err
	}

	var slack *notifications.SlackService
	if cfg.Notifications.SlackWebhookURL != "" {
		slack, err = notifications.NewSlackService(logger, cfg.Notifications.SlackWebhookURL)
		if err != nil {
			return err
		}
		slack.NotifyOnSuccess = cfg.Notifications.NotifyOnSuccess
		if err := a.UseNotifier(slack); err != nil {
			return err
		}
	} else {
		logger.Warn("Slack webhook not configured, job notifications disabled")
	}

	crons := cron.NewScheduler(logger, scheduler.New(store), cfg.Cron)
	if err := crons.LoadPredefinedJobs(); err != nil {
		return fmt.Errorf("failed to load recurring jobs: %w", err)
	}
	if err := crons.Start(); err != nil {
		return err
	}
	defer crons.Stop()

	if err := a.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	if slack != nil {
		go func() {
			stats, err := store.Stats(ctx)
			if err != nil {
				logger.WithError(err).Warn("Failed to read job stats for startup notification")
			}
			if err := slack.NotifyStartup(cfg.Agent.Workers, cfg.Storage.Driver, stats); err != nil {
				logger.WithError(err).Warn("Failed to send startup notification")
			}
		}()
	}

	handler := api.NewHandler(logger, store, a, crons, registry)
	logger.Infof("Server started on port %s - Press Ctrl+C to stop.", cfg.Server.Port)

	if err := api.StartServer(ctx, handler, cfg.Server); err != nil {
		return err
	}

	logger.Info("Shutting down...")
	// Hard stop cancels running jobs and waits for every worker.
	if err := a.Stop(true); err != nil {
		logger.WithError(err).Error("Failed to stop agent")
	}

	logger.Info("Server stopped")
	return nil
}
