package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sqlchat/sqlchat/internal/answer"
	"github.com/sqlchat/sqlchat/internal/api"
	"github.com/sqlchat/sqlchat/internal/api/uistatic"
	"github.com/sqlchat/sqlchat/internal/auth"
	"github.com/sqlchat/sqlchat/internal/config"
	"github.com/sqlchat/sqlchat/internal/inference"
	"github.com/sqlchat/sqlchat/internal/maintenance"
	"github.com/sqlchat/sqlchat/internal/nl2sql"
	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/pipeline"
	"github.com/sqlchat/sqlchat/internal/query"
	duckdbengine "github.com/sqlchat/sqlchat/internal/query/duckdb"
	postgresengine "github.com/sqlchat/sqlchat/internal/query/postgres"
	sqliteengine "github.com/sqlchat/sqlchat/internal/query/sqlite"
	"github.com/sqlchat/sqlchat/internal/session"
	"github.com/sqlchat/sqlchat/internal/storage"
	s3store "github.com/sqlchat/sqlchat/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("sqlchat-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if cfg.Session.UploadDir == "" {
		cfg.Session.UploadDir = filepath.Join(os.TempDir(), "sqlchat-uploads")
	}
	if err := os.MkdirAll(cfg.Session.UploadDir, 0o700); err != nil {
		logger.Error("failed to create upload dir", slog.String("dir", cfg.Session.UploadDir), slog.Any("error", err))
		os.Exit(1)
	}

	postgresSources, err := config.ParsePostgresSources(cfg.Postgres.Sources)
	if err != nil {
		logger.Error("failed to parse postgres sources", slog.Any("error", err))
		os.Exit(1)
	}
	postgresLoader := postgresengine.NewLoader(postgresSources, cfg.Postgres.MaxOpenConns)
	columnar := duckdbengine.NewLoader("")
	engines := query.Engines{
		CSV:      sqliteengine.NewLoader(),
		Columnar: columnar,
		SQLite:   sqliteengine.NewLoader(),
		Postgres: postgresLoader,
	}
	if cfg.Engine.CSV == config.CSVEngineDuckDB {
		engines.CSV = columnar
	}

	// Without an API key the translator and formatter get no completer:
	// questions fail with an auth error and raw queries keep working.
	var completer inference.Completer
	var translator nl2sql.Translator
	model := cfg.Inference.Model
	if cfg.InferenceEnabled() {
		client, err := inference.NewClient(inference.Config{
			BaseURL:      cfg.Inference.BaseURL,
			APIKey:       cfg.Inference.APIKey,
			Model:        cfg.Inference.Model,
			Timeout:      cfg.Inference.Timeout,
			RetryBackoff: cfg.Inference.RetryBackoff,
			Logger:       logger,
		})
		if err != nil {
			logger.Error("failed to initialize inference client", slog.Any("error", err))
			os.Exit(1)
		}
		completer = client
		model = client.Model()
		translator = nl2sql.NewModelTranslator(client, nl2sql.Options{
			Model:       model,
			Temperature: cfg.Inference.QueryTemperature,
			MaxTokens:   cfg.Inference.QueryMaxTokens,
			Prompt: nl2sql.PromptOptions{
				SampleRows:   cfg.Pipeline.SchemaSampleRows,
				HistoryTurns: cfg.Pipeline.HistoryTurns,
			},
		})
	} else {
		logger.Warn("SQLCHAT_INFERENCE_API_KEY is not set; question answering is disabled")
	}

	formatter := answer.NewFormatter(completer, answer.Options{
		Model:          model,
		Temperature:    cfg.Inference.AnswerTemperature,
		MaxTokens:      cfg.Inference.AnswerMaxTokens,
		PreviewRows:    cfg.Pipeline.PreviewRows,
		PreviewColumns: cfg.Pipeline.PreviewColumns,
	}, logger)
	chat := pipeline.New(pipeline.Config{
		Engines:          engines,
		Translator:       translator,
		Formatter:        formatter,
		Logger:           logger,
		SchemaSampleRows: cfg.Pipeline.SchemaSampleRows,
		RowLimit:         cfg.Pipeline.ResultRowLimit,
		QueryTimeout:     cfg.Pipeline.QueryTimeout,
	})
	sessions := session.NewManager(session.ManagerConfig{
		TTL:             cfg.Session.TTL,
		CleanupInterval: cfg.Session.CleanupInterval,
		Logger:          logger,
	})

	readiness := []api.ReadinessCheck{
		api.CheckUploadDir(cfg.Session.UploadDir),
		api.CheckObjectStoreConfig(cfg),
	}
	var datasets storage.DatasetStore
	if cfg.ObjectStore.Enabled {
		store, err := s3store.New(context.Background(), s3store.Config{
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
		datasets = store
		readiness = append(readiness, store.Ready)
	}

	deps := api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: 2 * time.Second,
		Sessions:          sessions,
		Pipeline:          chat,
		Datasets:          datasets,
		PostgresSources:   postgresLoader.Names(),
		InferenceEnabled:  cfg.InferenceEnabled(),
		UI:                uistatic.Handler(),
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Session.SweepInterval > 0 {
		sweeper := &maintenance.Service{
			UploadDir: cfg.Session.UploadDir,
			LivePaths: sessions.SourcePaths,
			Config: maintenance.Config{
				SweepInterval: cfg.Session.SweepInterval,
				MinAge:        cfg.Session.SweepMinAge,
			},
			Logger: logger,
		}
		go func() { _ = sweeper.Run(ctx) }()
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("csv_engine", cfg.Engine.CSV),
			slog.Bool("inference_enabled", cfg.InferenceEnabled()),
			slog.Bool("object_store_enabled", cfg.ObjectStore.Enabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	err = server.Shutdown(shutdownCtx)
	sessions.Close()
	if err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
