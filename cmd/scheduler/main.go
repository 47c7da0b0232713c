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
	"github.com/ErlanBelekov/escrow-orchestrator/internal/email"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/health"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/infrastructure/postgres"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/infrastructure/redis"
	ctxlog "github.com/ErlanBelekov/escrow-orchestrator/internal/log"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/metrics"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/moderation"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/routing"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/scheduler"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/stage"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/storage"
	"github.com/ErlanBelekov/escrow-orchestrator/internal/webhook"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// reapInterval is how often stale stage runs are looked for.
const reapInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolConfig{AppName: "orchestrator-scheduler", MaxConns: cfg.DBMaxConns})
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	logger.Info("db connected")

	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)

	// Replicas share the rotation only through redis; without it each keeps its own.
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
	} else {
		logger.Warn("REDIS_URL not set, routing rotation is per replica")
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

	policy := backoff.NewPolicy(cfg.BackoffBase(), cfg.BackoffMax(), cfg.MaxRetryCount)
	notifier := email.NewNotifier(email.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger), cfg.OperatorEmail)
	store := storage.NewHTTPClient(cfg.StorageURL, cfg.HTTPTimeout())

	runner := stage.NewRunner(jobRepo, gateway, stage.Config{
		BatchSize:       cfg.StageBatchSize,
		ItemTimeout:     cfg.StageItemTimeout(),
		Policy:          policy,
		RecheckInterval: cfg.StageRecheck(),
	}, logger)

	var stages []scheduler.Stage
	for _, p := range runner.Processors(stage.Deps{
		Chain:     gateway,
		Router:    selector,
		Moderator: moderation.New(store, cfg.ModerationBlocklist, cfg.ModerationSkipJobTypes),
		Notifier:  notifier,
	}) {
		stages = append(stages, p)
	}

	stages = append(stages,
		webhook.NewReceiver(incomingRepo, jobRepo, webhook.NewKeyring(cfg.OracleSecrets), policy, cfg.StageBatchSize, logger),
		webhook.NewDispatcher(outgoingRepo, notifier, webhook.DispatcherConfig{
			BatchSize:     cfg.StageBatchSize,
			Concurrency:   cfg.WebhookConcurrency,
			Timeout:       cfg.HTTPTimeout(),
			Policy:        policy,
			SignerAddress: cfg.SigningAddress,
			SignerSecret:  cfg.SigningSecret,
		}, logger),
	)

	sched, err := scheduler.New(runRepo, cfg.CronSpec, logger, stages...)
	if err != nil {
		stop()
		log.Fatalf("scheduler: %v", err)
	}
	reaper := scheduler.NewReaper(runRepo, reapInterval, cfg.StaleRunTimeout(), logger)

	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Start(gctx) })
	g.Go(func() error {
		reaper.Start(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("scheduler stopped", "error", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("scheduler shut down")
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
