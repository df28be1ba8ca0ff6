package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sqlchat/sqlchat/internal/config"
	"github.com/sqlchat/sqlchat/internal/demo/dataset"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/storage"
	s3store "github.com/sqlchat/sqlchat/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlchat-demo-data")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	demoCfg, err := dataset.LoadConfigFromEnv(os.LookupEnv)
	if err != nil {
		logger.Error("failed to load demo dataset config", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.DatasetStore
	if demoCfg.Upload {
		if !cfg.ObjectStore.Enabled {
			logger.Error("SQLCHAT_DEMO_UPLOAD requires SQLCHAT_OBJECTSTORE_ENABLED=true")
			os.Exit(1)
		}
		s3, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		store = s3
	}

	service, err := dataset.NewService(demoCfg, logger, store)
	if err != nil {
		logger.Error("failed to initialize demo dataset generator", slog.Any("error", err))
		os.Exit(1)
	}
	outputs, err := service.Run(ctx)
	if err != nil {
		logger.Error("demo dataset generation failed", slog.Any("error", err))
		os.Exit(1)
	}
	for _, output := range outputs {
		logger.Info("demo dataset ready",
			slog.String("path", output.Path),
			slog.String("object_key", output.Key),
			slog.Int("rows", output.Rows),
		)
	}
}
