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

	"github.com/splax/modhost/internal/app/migrate"
	"github.com/splax/modhost/internal/engine"
	httpx "github.com/splax/modhost/internal/http"
	"github.com/splax/modhost/internal/license"
	"github.com/splax/modhost/internal/monitor"
	"github.com/splax/modhost/internal/policy"
	"github.com/splax/modhost/internal/ports"
	"github.com/splax/modhost/internal/repository/postgres"
	"github.com/splax/modhost/internal/service/audit"
	"github.com/splax/modhost/internal/service/orchestrator"
	"github.com/splax/modhost/internal/topology"
	"github.com/splax/modhost/internal/ws"
	"github.com/splax/modhost/pkg/config"
	"github.com/splax/modhost/pkg/logger"
)

func main() {
	cfg := config.LoadOrchestratorConfig()
	log := logger.New("orchestrator", slog.LevelInfo)

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
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	eng, err := engine.New(cfg.DockerHost, cfg.EngineTimeout, cfg.StopGrace, log)
	if err != nil {
		log.Error("failed to connect to container engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()
	if err := eng.EnsureNetwork(ctx); err != nil {
		log.Error("failed to ensure module network", "error", err)
		os.Exit(1)
	}

	var dryRun topology.ValidateFunc
	if composeBin := strings.TrimSpace(os.Getenv("COMPOSE_BINARY")); composeBin != "" {
		dryRun = topology.ExecValidator(composeBin)
	}
	topo, err := topology.NewManager(cfg.TopologyPath, cfg.BackupDir, cfg.BackupRetention, dryRun, log)
	if err != nil {
		log.Error("failed to open topology file", "error", err)
		os.Exit(1)
	}

	allocator, err := ports.NewAllocator(repo, repo, cfg.PortRangeStart, cfg.PortRangeEnd, log)
	if err != nil {
		log.Error("invalid module port range", "error", err)
		os.Exit(1)
	}

	images := policy.NewValidator(cfg.TrustedRegistries, cfg.ImageSizeCeiling, log)
	licenses := license.NewValidator(cfg.LicenseServiceURL, cfg.LicenseTimeout, log)
	auditSvc := audit.New(repo, log)
	hub := ws.NewHub(cfg.EventBuffer)

	svc := orchestrator.New(repo, eng, images, licenses, topo, allocator, auditSvc, hub,
		cfg.EnvEncryptionKey,
		orchestrator.Budget{CPUCores: cfg.HostCPUBudget, MemoryBytes: cfg.HostMemoryBudget}, log)

	mon := monitor.New(repo, eng, svc, hub, monitor.Config{
		Interval:      cfg.MonitorInterval,
		UsageFraction: cfg.MonitorUsageFraction,
		AlertPolls:    cfg.MonitorAlertPolls,
		StopPolls:     cfg.MonitorStopPolls,
	}, log)
	go mon.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, svc, auditSvc, hub, limiter, cfg.JWTSecret, cfg.PrivilegedRole,
		pool.Ping, eng.Ping, licenses.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("orchestrator server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
