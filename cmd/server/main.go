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

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/opticdata/opticdata/internal/api"
	"github.com/opticdata/opticdata/internal/config"
	"github.com/opticdata/opticdata/internal/dnsverify"
	"github.com/opticdata/opticdata/internal/identity"
	"github.com/opticdata/opticdata/internal/ingest"
	"github.com/opticdata/opticdata/internal/pixel"
	"github.com/opticdata/opticdata/internal/pkg/logger"
	"github.com/opticdata/opticdata/internal/worker"
)

func main() {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
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
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		logger.Error("database unreachable", "error", err)
		os.Exit(1)
	}
	cancelPing()
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
			logger.Warn("redis unreachable, continuing without cache", "error", err)
			rdb = nil
		} else {
			logger.Info("connected to redis")
		}
	}

	graph := identity.NewGraph(db)
	sites := ingest.NewSiteCache(db, rdb, time.Duration(cfg.Pixel.SiteCacheSeconds)*time.Second)
	gen := pixel.NewGenerator(cfg.Pixel.PlatformDomain)
	tracking := ingest.NewHandler(sites, graph, gen, cfg.Pixel.ScriptCacheSeconds)
	challenge := dnsverify.NewChallengeService(db, cfg.Pixel.ServerIP)

	srv := api.NewServer(db, cfg, sites, tracking, challenge)
	if cfg.CDN.Enabled {
		cdn, err := dnsverify.NewCDNProvisioner(context.Background(), db, cfg.Pixel.PlatformDomain)
		if err != nil {
			logger.Warn("CDN provisioner unavailable", "error", err)
		} else {
			srv.SetCDNProvisioner(cdn)
			logger.Info("CDN provisioning enabled")
		}
	}

	var sched *worker.Scheduler
	if cfg.Scheduler.Enabled {
		sched = worker.NewScheduler(db, rdb, cfg.Scheduler, cfg.Attribution)
		sched.Start()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           api.SetupRoutes(srv),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	logger.Info("shutting down")

	if sched != nil {
		sched.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if rdb != nil {
		rdb.Close()
	}
	logger.Info("stopped")
}
