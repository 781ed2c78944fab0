package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"replaymill/internal/config"
	"replaymill/internal/jobstore/postgres"
	"replaymill/internal/notify"
	"replaymill/internal/pkg/logger"
	"replaymill/internal/queue"
	"replaymill/internal/render"
	"replaymill/internal/storage"
	"replaymill/internal/sweeper"
	"replaymill/internal/worker"
)

func main() {
	log := logger.New(logger.Config{
		Level:       config.Env("LOG_LEVEL", "info"),
		Format:      config.Env("LOG_FORMAT", "json"),
		ServiceName: "replaymill-worker",
		AddSource:   config.BoolEnv("LOG_SOURCE", false),
	})

	log.Info("starting replaymill worker")

	cfg, err := config.LoadWorker()
	if err != nil {
		log.LogFatal("invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	if err := postgres.Migrate(pool); err != nil {
		log.LogFatal("failed to run migrations", err)
	}
	log.Info("PostgreSQL connected")

	log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}
	log.Info("Redis connected")

	sp, err := storage.NewProvider(cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	store := postgres.New(pool)
	q := queue.New(rdb, cfg.QueueName)

	// Put queued rows the list has lost back on the queue before any slot
	// starts popping.
	restored, err := q.Restore(ctx, store)
	if err != nil {
		log.LogFatal("failed to restore queue", err)
	}
	if restored > 0 {
		log.Info("restored queued jobs to the queue", "count", restored)
	}

	engine := &render.Engine{
		Command: cfg.RenderCommand,
		WorkDir: cfg.RenderWorkDir,
		Timeout: cfg.RenderTimeout,
		Log:     log,
	}

	p := worker.NewPool(cfg.Slots, worker.Deps{
		Store:   store,
		Queue:   q,
		Invoker: engine,
		Storage: sp,
		InfoDir: cfg.InfoDir,
		Log:     log,
	})

	notifier := notify.New(sp, log)
	notifierDone := make(chan struct{})
	go func() {
		defer close(notifierDone)
		notifier.Run(ctx, p.Completions())
	}()

	sw := sweeper.New(cfg.RetentionAge, sweeper.Deps{
		Store:   store,
		Queue:   q,
		Storage: sp,
		InfoDir: cfg.InfoDir,
		Log:     log,
	})
	if err := sw.Start(cfg.SweepSchedule); err != nil {
		log.LogFatal("failed to start sweeper", err)
	}

	log.Info("worker running", "slots", cfg.Slots, "queue", cfg.QueueName)
	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		log.LogFatal("worker pool failed", err)
	}

	// Pool closed the completions channel; let in-flight notifications and
	// sweeps finish before the connections drop.
	<-notifierDone
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sw.Stop(stopCtx); err != nil {
		log.Warn("sweeper did not stop cleanly", "error", err.Error())
	}

	log.Info("worker stopped")
}
