package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"replaymill/internal/config"
	"replaymill/internal/httpapi"
	"replaymill/internal/jobstore/postgres"
	"replaymill/internal/pkg/logger"
	"replaymill/internal/pkg/shutdown"
	"replaymill/internal/queue"
	"replaymill/internal/storage"
	"replaymill/internal/sweeper"
)

func main() {
	log := logger.New(logger.Config{
		Level:       config.Env("LOG_LEVEL", "info"),
		Format:      config.Env("LOG_FORMAT", "json"),
		ServiceName: "replaymill-api",
		AddSource:   config.BoolEnv("LOG_SOURCE", false),
	})

	log.Info("starting replaymill API")

	cfg, err := config.LoadAPI()
	if err != nil {
		log.LogFatal("invalid configuration", err)
	}

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	log.Info("connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.Register("postgres", func(ctx context.Context) error {
		pool.Close()
		return nil
	})

	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	if err := postgres.Migrate(pool); err != nil {
		log.LogFatal("failed to run migrations", err)
	}
	log.Info("PostgreSQL connected")

	log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
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

	// Admin deletes share the sweeper's cleanup path; no schedule here,
	// the worker owns retention.
	deleter := sweeper.New(0, sweeper.Deps{
		Store:   store,
		Queue:   q,
		Storage: sp,
		InfoDir: cfg.InfoDir,
		Log:     log,
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Store:          store,
		Queue:          q,
		Pool:           pool,
		RDB:            rdb,
		SP:             sp,
		Deleter:        deleter,
		Log:            log,
		UploadDir:      cfg.UploadDir,
		InfoDir:        cfg.InfoDir,
		MaxUploadBytes: cfg.MaxUploadMB << 20,
		AdminPassword:  cfg.AdminPassword,
	})

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait()
}
