// Fleet API — операторский HTTP API.
//
// Ставит задачи модулей, управляет очередями и читает журнал задач.
// Воркеры здесь не запускаются. Если доступен RabbitMQ, события задач
// пишутся в журнал аудита.
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

	"github.com/shaiso/bookingfleet/internal/api"
	"github.com/shaiso/bookingfleet/internal/config"
	"github.com/shaiso/bookingfleet/internal/modules"
	"github.com/shaiso/bookingfleet/internal/mq"
	"github.com/shaiso/bookingfleet/internal/orchestrator"
	"github.com/shaiso/bookingfleet/internal/orders"
	"github.com/shaiso/bookingfleet/internal/queue"
	"github.com/shaiso/bookingfleet/internal/repo"
	"github.com/shaiso/bookingfleet/internal/resource"
	"github.com/shaiso/bookingfleet/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting fleet-api")

	cfg, err := config.Load("")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Подключаемся к базе данных
	pool, err := repo.NewPool(ctx, repo.PoolConfig{DSN: cfg.Database.URL, MaxConns: cfg.Database.MaxConns})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

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

	proxyRepo := repo.NewProxyRepo(pool)
	resources := resource.NewPool(resource.Config{Proxies: proxyRepo, Logger: logger})
	health := resource.NewHealthChecker(resource.HealthConfig{
		Pool:             resources,
		Proxies:          proxyRepo,
		DialTimeout:      cfg.Resource.DialTimeout.D(),
		LatencyThreshold: cfg.Resource.LatencyThreshold.D(),
		Parallelism:      cfg.Resource.Parallelism,
		Logger:           logger,
	})

	registry := modules.NewRegistry(modules.Deps{
		Orders: orders.NewService(repo.NewOrderRepo(pool), logger),
		Health: health,
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
	if _, err := orch.Sync(ctx); err != nil {
		logger.Error("failed to sync modules", "error", err)
		os.Exit(1)
	}
	go orch.Run(ctx)

	// Журнал аудита событий задач
	if cfg.RabbitMQ.URL != "" {
		mqConn, err := mq.NewConnection(cfg.RabbitMQ.URL, "fleet-api", logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, audit log disabled", "error", err)
		} else {
			defer mqConn.Close()
			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			consumer := api.NewAuditConsumer(mqConn, logger)
			go func() {
				if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("audit consumer stopped", "error", err)
				}
			}()
		}
	}

	handler := api.NewHandler(api.Config{
		Platform: orch,
		Proxies:  health,
		Logger:   logger,
	})

	// Создаём HTTP сервер с возможностью graceful shutdown
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.APIPort),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Запускаем сервер в горутине
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
