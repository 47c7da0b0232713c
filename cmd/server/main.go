package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ErlanBelekov/escrow-orchestrator/config"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/backoff"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/chain"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/health"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/infrastructure/postgres"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/infrastructure/redis"
	ctxlog "github.com/ErlanBelekov/escrow-orchestrator/internal/log"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/metrics"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/routing"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/storage"
	httptransport "github.com/ErlanBelekov/escrow-orchestrator/internal/transport/http"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/transport/http/handler"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/usecase"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/webhook"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if err := cfg.RequireAPI(); err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolConfig{AppName: "orchestrator-api", MaxConns: cfg.DBMaxConns})
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)

	var cursor routing.Cursor = routing.NewMemoryCursor()
	if cfg.RedisURL != "" {
		rdb, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			stop()
			log.Fatalf("redis: %v", err)
		}
		defer func() { _ = rdb.Close() }()
		cursor = redis.NewCursor(rdb)
		checker.Add("redis", health.PingerFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }))
	}

	gateway := chain.NewGateway(cfg.ChainGatewayURL, cfg.SigningAddress, cfg.HTTPTimeout())
	selector, err := routing.NewSelector(cfg.ChainIDs, cfg.ReputationOracles, gateway, cursor, cfg.RoutingSeed)
	if err != nil {
		stop()
		log.Fatalf("routing: %v", err)
	}

	jobRepo := postgres.NewJobRepository(pool)
	runRepo := postgres.NewCronRunRepository(pool)
	outgoingRepo := postgres.NewOutgoingWebhookRepository(pool)
	incomingRepo := postgres.NewIncomingWebhookRepository(pool)

	// Jobs
	store := storage.NewHTTPClient(cfg.StorageURL, cfg.HTTPTimeout())
	jobUsecase := usecase.NewJobUsecase(jobRepo, runRepo, outgoingRepo, store, selector)
	jobHandler := handler.NewJobHandler(jobUsecase, logger)

	// Inbound oracle events
	policy := backoff.NewPolicy(cfg.BackoffBase(), cfg.BackoffMax(), cfg.MaxRetryCount)
	receiver := webhook.NewReceiver(incomingRepo, jobRepo, webhook.NewKeyring(cfg.OracleSecrets), policy, cfg.StageBatchSize, logger)
	webhookHandler := handler.NewWebhookHandler(receiver, logger)

	srv := http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httptransport.NewRouter(logger, jobHandler, webhookHandler, []byte(cfg.JWTSecret)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
