package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"allinone/internal/billing"
	"allinone/internal/cache"
	"allinone/internal/config"
	"allinone/internal/database"
	"allinone/internal/entitlement"
	"allinone/internal/handlers"
	"allinone/internal/jobs"
	"allinone/internal/log"
	"allinone/internal/metrics"
	"allinone/internal/quota"
	"allinone/internal/repository"
	"allinone/internal/server"
	"allinone/internal/service"
)

const redisCounterPrefix = "allinone:usage:"

type backends struct {
	mongo    *mongo.Client
	db       *mongo.Database
	postgres *pgxpool.Pool
	redis    *redis.Client
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, "")
	ctx := context.Background()

	b := connect(ctx, cfg, logger)

	if err := repository.EnsureIndexes(ctx, b.db); err != nil {
		logger.Fatal().Err(err).Msg("ensure mongo indexes failed")
	}

	counters, err := counterStore(ctx, cfg, b)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Usage.CounterBackend).Msg("counter store init failed")
	}

	m := metrics.New()
	users := repository.NewUserRepository(b.db)
	events := repository.NewProcessedEventRepository(b.db)
	pending := repository.NewPendingPurchaseRepository(b.db)
	sessions := repository.NewSessionRepository(b.db)

	processor := billing.NewStripeProcessor(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
	prices := entitlement.NewPriceMap(cfg.Stripe.PriceDay, cfg.Stripe.PriceMonthly, cfg.Stripe.PriceYearly)
	linker := billing.NewLinker(users, pending, processor, m, logger)
	reconciler := billing.NewReconciler(events, linker, processor, prices, m, logger)

	guest := quota.NewGuestPolicy(counters, cfg.Usage.GuestDailyLimit, cfg.Usage.HashSalt)
	free := quota.NewFreePolicy(counters, cfg.Usage.FreeWeeklyLimit)
	mailer := service.NewLogMailer(logger, cfg.IsProduction())

	handlerSet := handlers.NewHandlerSet(handlers.Deps{
		Log:        logger,
		Config:     cfg,
		Auth:       service.NewAuthService(users, sessions, linker, mailer, cfg, logger),
		Usage:      service.NewUsageService(users, guest, free, m, logger),
		Guest:      guest,
		Users:      users,
		Linker:     linker,
		Reconciler: reconciler,
		Processor:  processor,
		Prices:     prices,
		Metrics:    m,
		Checks:     healthChecks(b),
	})
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet, m)

	var scheduler *jobs.Scheduler
	if b.redis != nil {
		scheduler = jobs.NewScheduler(b.redis, cfg.Jobs, logger)
		if err := scheduler.Start(); err != nil {
			logger.Error().Err(err).Msg("scheduler start failed")
		}
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, scheduler, b)
}

// connect opens mongo, which is required, and the optional stores. Redis is
// required only when it backs the counters; otherwise the maintenance
// schedule is disabled without it.
func connect(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) backends {
	var b backends
	var err error

	b.mongo, b.db, err = database.NewMongoDatabase(ctx, cfg.Mongo)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect mongo")
	}

	b.redis, err = cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		if cfg.Usage.CounterBackend == config.CounterBackendRedis {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		logger.Warn().Err(err).Msg("redis unavailable, maintenance schedule disabled")
		b.redis = nil
	}

	if cfg.Postgres.DSN != "" {
		b.postgres, err = database.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect postgres")
		}
	}
	return b
}

func counterStore(ctx context.Context, cfg *config.AppConfig, b backends) (quota.CounterStore, error) {
	switch cfg.Usage.CounterBackend {
	case config.CounterBackendRedis:
		return repository.NewRedisCounterRepository(b.redis, redisCounterPrefix), nil
	case config.CounterBackendPostgres:
		if b.postgres == nil {
			return nil, errors.New("postgres counter backend without a pool")
		}
		repo := repository.NewPostgresCounterRepository(b.postgres)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return repository.NewCounterRepository(b.db), nil
	}
}

func healthChecks(b backends) map[string]handlers.HealthCheck {
	checks := map[string]handlers.HealthCheck{
		"mongo": func(ctx context.Context) error { return b.mongo.Ping(ctx, nil) },
	}
	if b.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return b.redis.Ping(ctx).Err() }
	}
	if b.postgres != nil {
		checks["postgres"] = func(ctx context.Context) error { return b.postgres.Ping(ctx) }
	}
	return checks
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, scheduler *jobs.Scheduler, b backends) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if scheduler != nil {
		scheduler.Stop()
	}

	if b.postgres != nil {
		b.postgres.Close()
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			logger.Error().Err(err).Msg("redis close error")
		}
	}
	if err := b.mongo.Disconnect(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("mongo disconnect error")
	}

	logger.Info().Msg("server exited cleanly")
}
