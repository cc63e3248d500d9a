// Package main provides the query engine API server entrypoint.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/ask-e9y/query-engine/internal/cache"
	"github.com/ask-e9y/query-engine/internal/config"
	"github.com/ask-e9y/query-engine/internal/embedding"
	"github.com/ask-e9y/query-engine/internal/executor"
	"github.com/ask-e9y/query-engine/internal/llm"
	"github.com/ask-e9y/query-engine/internal/observability"
	"github.com/ask-e9y/query-engine/internal/orchestrator"
	"github.com/ask-e9y/query-engine/internal/schema"
	"github.com/ask-e9y/query-engine/internal/sqlcheck"
	"github.com/ask-e9y/query-engine/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("llm_provider", cfg.LLM.Provider).
		Str("embedding_model", cfg.Embedding.Model).
		Float64("similarity_threshold", cfg.Cache.SimilarityThreshold).
		Msg("Starting query engine API")

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.PingContext(startupCtx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}

	if err := storage.EnsureSchema(startupCtx, db); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ensure schema")
	}

	store := storage.NewStore(db)

	var hot cache.Client
	if cfg.Redis.Enabled {
		redisClient, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, continuing without hot cache")
		} else {
			hot = redisClient
			defer redisClient.Close()
		}
	}

	exactCache := cache.NewExactCache(store.Cache, hot, logger, cache.ExactCacheConfig{
		HotTTL: cfg.Cache.HotTTL,
		MaxAge: cfg.Cache.MaxAge,
	})

	index := cache.NewSimilarityIndex(cache.SimilarityIndexConfig{
		Dimension: cfg.Embedding.Dimension,
		MaxAge:    cfg.Cache.MaxAge,
	})

	entries, err := store.Cache.ListWithEmbeddings(startupCtx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to warm similarity index")
	} else {
		loaded := index.Warm(entries)
		logger.Info().Int("entries", loaded).Msg("Similarity index warmed")
	}

	embedder, err := embedding.NewClient(embedding.Config{
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		BaseURL:   cfg.Embedding.BaseURL,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   cfg.Embedding.Timeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create embedding client")
	}

	llmClient, err := llm.NewClient(llm.Config{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		MaxRetries: cfg.LLM.MaxRetries,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create LLM client")
	}

	schemas := schema.NewProvider(db, logger, schema.ProviderConfig{
		SchemaName:      cfg.Schema.Name,
		RefreshInterval: cfg.Schema.RefreshInterval,
	})

	orch := orchestrator.New(
		exactCache,
		index,
		embedder,
		llm.NewGenerator(llmClient, logger),
		llm.NewExplainer(llmClient, logger),
		sqlcheck.NewValidator(),
		executor.New(db, logger, executor.Config{
			MaxRows:          cfg.Executor.MaxRows,
			StatementTimeout: cfg.Executor.StatementTimeout,
		}),
		schemas,
		store,
		logger,
		orchestrator.Config{
			SimilarityThreshold: cfg.Cache.SimilarityThreshold,
			GenerationTimeout:   cfg.LLM.GenerationTimeout,
			ExplanationTimeout:  cfg.LLM.ExplanationTimeout,
		},
	)

	router := NewRouter(logger, db, orch, store, schemas, cfg.Server.RequestTimeout)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	logger.Info().Msg("Server stopped")
}
