package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/opticdata/opticdata/internal/config"
	"github.com/opticdata/opticdata/internal/pkg/logger"
	"github.com/opticdata/opticdata/internal/worker"
)

// Standalone attribution worker, for deployments that keep batch computation
// off the API hosts. With --once it performs a single pass and exits, which is
// what a cron-driven backfill wants.
func main() {
	once := false
	for _, a := range os.Args[1:] {
		if a == "--once" {
			once = true
		}
	}

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		logger.Error("database.url is required (or DATABASE_URL)")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	var rdb *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
		} else {
			rdb = redis.NewClient(opts)
		}
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis unreachable, scheduler will use advisory locks", "error", err)
			rdb = nil
		}
	}

	sched := worker.NewScheduler(db, rdb, cfg.Scheduler, cfg.Attribution)

	if once {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Hour)
		defer cancel()
		if err := sched.RunOnce(ctx, time.Now().UTC()); err != nil {
			logger.Error("attribution pass failed", "error", err)
			os.Exit(1)
		}
		logger.Info("attribution pass complete")
		return
	}

	sched.Start()
	logger.Info("worker running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	sched.Stop()
	if rdb != nil {
		rdb.Close()
	}
	logger.Info("stopped")
}
