package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/agnij-dutta/tempus/internal/app/migrate"
	httpx "github.com/agnij-dutta/tempus/internal/http"
	"github.com/agnij-dutta/tempus/internal/provisioner/docker"
	"github.com/agnij-dutta/tempus/internal/repository/postgres"
	"github.com/agnij-dutta/tempus/internal/schedule"
	"github.com/agnij-dutta/tempus/internal/service/cleanup"
	"github.com/agnij-dutta/tempus/internal/service/preview"
	"github.com/agnij-dutta/tempus/internal/ws"
	"github.com/agnij-dutta/tempus/pkg/config"
	"github.com/agnij-dutta/tempus/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	prov, err := docker.New(docker.Options{
		Host:             cfg.DockerHost,
		UpstreamHost:     cfg.UpstreamHost,
		IngressHost:      cfg.IngressHost,
		ConfigDir:        cfg.NginxConfigDir,
		IngressContainer: cfg.NginxContainer,
	}, log)
	if err != nil {
		log.Error("failed to configure provisioner", "error", err)
		os.Exit(1)
	}
	defer prov.Close()
	if err := prov.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	sched := schedule.NewRedis(redisClient, "")
	if err := sched.Ping(ctx); err != nil {
		log.Error("redis ping failed", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()

	worker := cleanup.NewWorker(repo, prov, sched, hub, log, cfg)
	previewSvc := preview.New(repo, prov, sched, worker, hub, log, cfg)

	dispatcher := schedule.NewDispatcher(sched, worker.Run, cfg.SchedulePollInterval, log)
	go dispatcher.Run(ctx)

	reconciler := cleanup.NewReconciler(repo, worker, cfg.ReconcileInterval, cfg.ReconcileGrace, log)
	go reconciler.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, previewSvc, hub, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
