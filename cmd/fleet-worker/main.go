// Fleet Worker — выполняет задачи модулей.
//
// Worker:
//   - Синхронизирует конфигурацию модулей из БД
//   - Держит по одному пулу воркеров на очередь Redis
//   - Выполняет order.submit, order.cancel, order.payment-link, proxy.health-check
//   - Публикует события задач в RabbitMQ (если доступен)
//
// Workers масштабируются горизонтально.
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

	"github.com/shaiso/bookingfleet/internal/atour"
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
	logger.Info("starting fleet-worker")

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

	if err := repo.Migrate(ctx, pool, logger); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	// Redis
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
	logger.Info("redis connected", "addr", cfg.Redis.Addr)

	// RabbitMQ
	var publisher *mq.Publisher
	if cfg.RabbitMQ.URL != "" {
		mqConn, err := mq.NewConnection(cfg.RabbitMQ.URL, "fleet-worker", logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, job events disabled", "error", err)
		} else {
			defer mqConn.Close()
			logger.Info("RabbitMQ connected")

			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			publisher = mq.NewPublisher(mqConn, logger)
		}
	}

	// Репозитории
	accountRepo := repo.NewAccountRepo(pool)
	proxyRepo := repo.NewProxyRepo(pool)
	orderRepo := repo.NewOrderRepo(pool)

	// Пул ресурсов
	var decryptor resource.Decryptor
	if cfg.Resource.PrivateKeyPath != "" {
		dec, err := resource.LoadRSADecryptor(cfg.Resource.PrivateKeyPath)
		if err != nil {
			logger.Error("failed to load token key", "error", err)
			os.Exit(1)
		}
		decryptor = dec
	} else {
		logger.Warn("token key not configured, pool tokens are unavailable")
	}

	resources := resource.NewPool(resource.Config{
		Accounts:  accountRepo,
		Proxies:   proxyRepo,
		Decryptor: decryptor,
		Logger:    logger,
	})
	health := resource.NewHealthChecker(resource.HealthConfig{
		Pool:             resources,
		Proxies:          proxyRepo,
		DialTimeout:      cfg.Resource.DialTimeout.D(),
		LatencyThreshold: cfg.Resource.LatencyThreshold.D(),
		Parallelism:      cfg.Resource.Parallelism,
		Logger:           logger,
	})

	booker := atour.New(atour.Config{
		BaseURL:     cfg.Atour.BaseURL,
		Timeout:     cfg.Atour.Timeout.D(),
		RateLimit:   cfg.Atour.RateLimit,
		TokenHeader: cfg.Atour.TokenHeader,
		Logger:      logger,
	})

	orderSvc := orders.NewService(orderRepo, logger)

	registry := modules.NewRegistry(modules.Deps{
		Orders:        orderSvc,
		Tokens:        resources,
		Booker:        booker,
		FallbackToken: cfg.Atour.FallbackToken,
		Health:        health,
		Logger:        logger,
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
		Publisher:     publisher,
		Orders:        orderSvc,
		Proxies:       resources,
		EnableWorkers: cfg.Worker.Enabled,
		Worker: orchestrator.WorkerConfig{
			PollInterval:    cfg.Worker.PollInterval.D(),
			LeaseDuration:   cfg.Worker.LeaseDuration.D(),
			RecoverInterval: cfg.Worker.RecoverInterval.D(),
		},
		SyncInterval: cfg.Worker.SyncInterval.D(),
		Logger:       logger,
	})

	mods, err := orch.Sync(ctx)
	if err != nil {
		logger.Error("failed to sync modules", "error", err)
		os.Exit(1)
	}
	logger.Info("modules synced", "modules", len(mods), "workers_enabled", cfg.Worker.Enabled)

	go orch.Run(ctx)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if orch.IsStopped() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.WorkerPort),
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем пулы: выполняющиеся задачи дорабатывают
	orch.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	logger.Info("fleet-worker stopped")
}
