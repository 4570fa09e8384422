package api

import (
	"context"
	"log/slog"

	"github.com/shaiso/bookingfleet/internal/domain"
	"github.com/shaiso/bookingfleet/internal/orchestrator"
	"github.com/shaiso/bookingfleet/internal/queue"
	"github.com/shaiso/bookingfleet/internal/repo"
	"github.com/shaiso/bookingfleet/internal/resource"
)

// Platform — операции оркестратора, доступные через API.
type Platform interface {
	Enqueue(ctx context.Context, moduleID string, payload map[string]any, meta map[string]string, opts orchestrator.EnqueueOptions) (*orchestrator.EnqueueResult, error)
	Sync(ctx context.Context) ([]domain.TaskModule, error)
	Modules() []domain.TaskModule
	ListQueues(ctx context.Context) ([]orchestrator.QueueInfo, error)
	PauseQueue(ctx context.Context, name string) (bool, error)
	ResumeQueue(ctx context.Context, name string) (bool, error)
	ListJobs(ctx context.Context, name string, status queue.Status, limit int) ([]*queue.Job, error)
	GetRun(ctx context.Context, queueName, jobID string) (*domain.TaskRun, error)
	ListRuns(ctx context.Context, filter repo.TaskRunFilter) ([]domain.TaskRun, error)
}

var _ Platform = (*orchestrator.Orchestrator)(nil)

// ProxyChecker проверяет прокси по запросу оператора.
type ProxyChecker interface {
	CheckAll(ctx context.Context) (*resource.HealthReport, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	platform Platform
	proxies  ProxyChecker
	logger   *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Platform Platform

	// Proxies — nil отключает /proxies/health-check.
	Proxies ProxyChecker

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		platform: cfg.Platform,
		proxies:  cfg.Proxies,
		logger:   logger,
	}
}
