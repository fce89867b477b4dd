package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"allinone/internal/cache"
	"allinone/internal/config"
	"allinone/internal/database"
	"allinone/internal/log"
	"allinone/internal/queue"
	"allinone/internal/repository"
	"allinone/internal/tasks"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)
	ctx := context.Background()

	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer client.Close()

	mongoClient, db, err := database.NewMongoDatabase(ctx, cfg.Mongo)
	if err != nil {
		logger.Fatal().Err(err).Msg("mongo connection failed")
	}
	defer func() {
		_ = mongoClient.Disconnect(context.Background())
	}()

	var sweeper tasks.CounterSweeper
	switch cfg.Usage.CounterBackend {
	case config.CounterBackendMongo:
		sweeper = repository.NewCounterRepository(db)
	case config.CounterBackendPostgres:
		var pool *pgxpool.Pool
		pool, err = database.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pool.Close()
		sweeper = repository.NewPostgresCounterRepository(pool)
	}

	processor := tasks.NewProcessor(
		sweeper,
		repository.NewProcessedEventRepository(db),
		cfg.Usage.Retention,
		cfg.Usage.StaleEventAge,
		logger,
	)
	consumer := queue.NewConsumer(
		client,
		cfg.Queue.Stream,
		cfg.Queue.Group,
		cfg.Queue.Consumer,
		cfg.Queue.ClaimInterval,
		logger,
		processor,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal().Err(err).Msg("consumer stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
	time.Sleep(500 * time.Millisecond)
}
