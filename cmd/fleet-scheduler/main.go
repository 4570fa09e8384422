// Fleet Scheduler — ставит задачи SCHEDULED модулей по cron.
//
// Несколько реплик безопасны: тикает только лидер (pg advisory lock),
// а ID задачи детерминирован по модулю и времени срабатывания.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/bookingfleet/internal/config"
	"github.com/shaiso/bookingfleet/internal/modules"
	"github.com/shaiso/bookingfleet/internal/orchestrator"
	"github.com/shaiso/bookingfleet/internal/orders"
	"github.com/shaiso/bookingfleet/internal/queue"
	"github.com/shaiso/bookingfleet/internal/repo"
	"github.com/shaiso/bookingfleet/internal/resource"
	"github.com/shaiso/bookingfleet/internal/scheduler"
	"github.com/shaiso/bookingfleet/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting fleet-scheduler")

	cfg, err := config.Load("")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, repo.PoolConfig{DSN: cfg.Database.URL, MaxConns: cfg.Database.MaxConns})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	rdb, err := queue.NewClient(ctx, queue.ClientConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Реестр нужен только для конфигураций по умолчанию: воркеры здесь не запускаются.
	proxyRepo := repo.NewProxyRepo(pool)
	registry := modules.NewRegistry(modules.Deps{
		Orders: orders.NewService(repo.NewOrderRepo(pool), logger),
		Health: resource.NewHealthChecker(resource.HealthConfig{
			Pool:    resource.NewPool(resource.Config{Proxies: proxyRepo, Logger: logger}),
			Proxies: proxyRepo,
			Logger:  logger,
		}),
		Logger: logger,
	})

	orch := orchestrator.New(orchestrator.Config{
		Registry: registry,
		Modules:  repo.NewModuleRepo(pool),
		Ledger:   repo.NewTaskRunRepo(pool),
		Client:   rdb,
		Queue: queue.Options{
			Prefix:        cfg.Redis.Prefix,
			KeepCompleted: cfg.Redis.KeepCompleted,
			KeepFailed:    cfg.Redis.KeepFailed,
		},
		SyncInterval: cfg.Worker.SyncInterval.D(),
		Logger:       logger,
	})

	sched := scheduler.New(scheduler.Config{
		Orchestrator: orch,
		Location:     cfg.Location(),
		Logger:       logger,
	})

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.SchedulerPort),
		Handler: mux,
	}
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	lock := repo.NewLeaderLock(pool, cfg.Scheduler.LockKey)
	defer lock.Release(context.Background())

	// scheduler loop
	tick := time.NewTicker(cfg.Scheduler.TickInterval.D())
	defer tick.Stop()
	syncEvery := cfg.Worker.SyncInterval.D()
	var lastSync time.Time

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = server.Shutdown(shutdownCtx)
			shutdownCancel()
			logger.Info("fleet-scheduler stopped")
			return

		case <-tick.C:
			// пытаемся стать лидером (или подтвердить лидерство)
			wasLeader := lock.IsLeader()
			ok, err := lock.TryAcquire(ctx)
			if err != nil {
				logger.Warn("leader lock failed", "error", err)
				continue
			}
			if !ok {
				// не лидер — пропускаем тик
				continue
			}
			if !wasLeader {
				logger.Info("became scheduler leader")
				lastSync = time.Time{}
			}

			if time.Since(lastSync) >= syncEvery {
				mods, err := orch.Sync(ctx)
				if err != nil {
					logger.Error("module sync failed", "error", err)
					continue
				}
				if err := sched.Sync(ctx, mods); err != nil {
					logger.Error("schedule sync failed", "error", err)
					continue
				}
				lastSync = time.Now()
			}

			if _, err := sched.Tick(ctx); err != nil && ctx.Err() == nil {
				logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}
