package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/config"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/extract"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/handler"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/cache"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/gemini"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/keypool"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/observability"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/llm"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
	}

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFile)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("configuration rejected", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Int("credentials", len(cfg.GeminiAPIKeys)),
		zap.String("model", cfg.GeminiModel),
		zap.Int("max_attempts", cfg.MaxAttempts),
		zap.Duration("backoff_base", cfg.BackoffBase),
		zap.Duration("rate_limit_cooldown", cfg.RateLimitCooldown),
		zap.Duration("circuit_reset", cfg.CircuitReset),
		zap.Duration("cache_ttl", cfg.CacheTTL),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(context.Background(), cfg.OTLPEndpoint, "cv-analyzer-bfa")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Credential pool ---
	pool, err := keypool.New(cfg.GeminiAPIKeys, keypool.Config{
		RateLimitCooldown:    cfg.RateLimitCooldown,
		MaxRateLimitCooldown: cfg.RateLimitMaxCooldown,
		InvalidKeyCooldown:   cfg.InvalidKeyCooldown,
		CircuitThreshold:     cfg.CircuitFailureThreshold,
		CircuitReset:         cfg.CircuitReset,
		Affinity:             cfg.StageAffinity,
	}, logger, keypool.WithHealthObserver(func(id string, health float64, circuit keypool.CircuitState) {
		metrics.SetCredentialHealth(id, health, circuit == keypool.CircuitOpen)
	}))
	if err != nil {
		logger.Fatal("failed to build credential pool", zap.Error(err))
	}
	for _, id := range pool.IDs() {
		metrics.SetCredentialHealth(id, 100, false)
	}

	// --- Generation ---
	backend := gemini.NewClient(&http.Client{}, cfg.GeminiBaseURL)
	generator := llm.NewClient(pool, backend, nil, metrics, logger, llm.Config{
		Model:            cfg.GeminiModel,
		MaxAttempts:      cfg.MaxAttempts,
		BackoffBase:      cfg.BackoffBase,
		BackoffMax:       cfg.BackoffMax,
		AttemptTimeout:   cfg.GenerationTimeout,
		DegradeToSoonest: true,
		MaxConcurrency:   cfg.MaxConcurrency,
	})

	if cfg.ValidateKeysOnStart {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := generator.ValidateKeys(ctx); err != nil {
			logger.Warn("startup key validation incomplete", zap.Error(err))
		}
		cancel()
	}

	// --- Pipeline ---
	var marketTools []string
	if cfg.MarketSearch {
		marketTools = []string{"google_search"}
	}
	stageCache := cache.New[map[string]any](cfg.CacheTTL, cache.WithMaxEntries(cfg.CacheMaxEntries))

	pipeline, err := service.NewPipeline(
		service.CVStages(service.StageOptions{
			SkillsTTL:   cfg.CacheTTL,
			MarketTTL:   cfg.MarketCacheTTL,
			MarketTools: marketTools,
		}),
		generator,
		extract.New(logger),
		stageCache,
		metrics,
		logger,
		service.WithGenerationConfig(domain.ModelConfig{
			Temperature:     cfg.Temperature,
			TopK:            cfg.TopK,
			TopP:            cfg.TopP,
			MaxOutputTokens: cfg.MaxOutputTokens,
		}),
	)
	if err != nil {
		logger.Fatal("failed to build pipeline", zap.Error(err))
	}
	analyzer := service.NewAnalyzer(pipeline, cfg.MaxConcurrentRuns, metrics, logger)

	// --- Router ---
	router := handler.NewRouter(analyzer, pool, generator, metrics, logger)

	// --- Server ---
	// No WriteTimeout: pipeline runs span several generation calls.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
