package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/ledger-ingest-go/internal/config"
	"github.com/boddenberg/ledger-ingest-go/internal/handler"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/aggregator"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/cache"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/memstore"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/observability"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/postgres"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/resilience"
	"github.com/boddenberg/ledger-ingest-go/internal/infra/secret"
	"github.com/boddenberg/ledger-ingest-go/internal/port"
	"github.com/boddenberg/ledger-ingest-go/internal/recurring"
	"github.com/boddenberg/ledger-ingest-go/internal/rules"
	"github.com/boddenberg/ledger-ingest-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("aggregator_url", cfg.AggregatorURL),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("rule_cache_ttl", cfg.RuleCacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Int("sync_page_size", cfg.SyncPageSize),
		zap.Int("fetch_grace_days", cfg.FetchGraceDays),
		zap.Bool("auth_enabled", cfg.AuthEnabled),
	)

	// --- Tracing ---
	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "ledger-ingest")
		if err != nil {
			logger.Fatal("failed to init tracer", zap.Error(err))
		}
		defer shutdown(context.Background())
	}

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Storage ---
	var store port.Store
	var db handler.Pinger
	switch cfg.StoreBackend {
	case "postgres":
		if cfg.RunMigrations {
			if err := postgres.Migrate(cfg.DatabaseURL, logger); err != nil {
				logger.Fatal("database migration failed", zap.Error(err))
			}
		}
		startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(startCtx, cfg.DatabaseURL, int32(cfg.DBMaxConns))
		cancel()
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		pg := postgres.New(pool, logger)
		defer pg.Close()
		store, db = pg, pg
		logger.Info("using postgres store", zap.Int("max_conns", cfg.DBMaxConns))
	case "memory":
		store = memstore.New()
		logger.Warn("using in-memory store, data is lost on restart")
	default:
		logger.Fatal("unknown store backend", zap.String("store_backend", cfg.StoreBackend))
	}

	// --- Token sealing ---
	sealingKey := cfg.TokenSealingKey
	if sealingKey == "" {
		if cfg.StoreBackend != "memory" {
			logger.Fatal("TOKEN_SEALING_KEY is required with a persistent store")
		}
		sealingKey = ephemeralKey()
		logger.Warn("TOKEN_SEALING_KEY not set, using an ephemeral key")
	}
	sealer, err := secret.NewSealer(sealingKey)
	if err != nil {
		logger.Fatal("invalid token sealing key", zap.Error(err))
	}

	// --- Recurring detector ---
	detectorCfg, err := config.LoadDetectorConfig(cfg.DetectorConfig, recurring.DefaultConfig())
	if err != nil {
		logger.Fatal("failed to load detector config", zap.Error(err), zap.String("path", cfg.DetectorConfig))
	}

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// --- Clients ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	aggregatorClient := aggregator.NewClient(
		httpClient,
		cfg.AggregatorURL,
		aggregator.Credentials{ClientID: cfg.AggregatorClientID, Secret: cfg.AggregatorSecret},
		cfg.SyncPageSize,
		resilienceCfg,
	)

	// --- Services ---
	ruleCache := cache.New[*rules.Matcher](cfg.RuleCacheTTL)
	categorizer := service.NewCategorizer(store, store, ruleCache, metrics, logger)
	reconciler := service.NewReconciler(store, metrics, logger)
	staging := service.NewStagingService(store, categorizer, reconciler, cfg.DefaultSource, metrics, logger)

	svc := handler.Services{
		Sync: service.NewSyncService(
			aggregatorClient,
			store,
			staging,
			sealer,
			resilience.NewBulkhead(cfg.MaxConcurrency),
			cfg.FetchGraceDays,
			metrics,
			logger,
		),
		Review:        service.NewReviewService(store, categorizer, metrics, logger),
		Commit:        service.NewCommitService(store, metrics, logger),
		Imports:       service.NewImportService(store, categorizer, metrics, logger),
		Rules:         service.NewRuleService(store, categorizer, metrics, logger),
		Ledger:        service.NewLedgerService(store, metrics, logger),
		Subscriptions: service.NewSubscriptionService(store, recurring.NewDetector(detectorCfg), metrics, logger),
	}

	// --- Router ---
	router := handler.NewRouter(svc, db, handler.AuthConfig{Enabled: cfg.AuthEnabled, Secret: cfg.JWTSecret}, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
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
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// ephemeralKey returns a random sealing key for throwaway in-memory runs.
func ephemeralKey() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
