// Package modules собирает реестр обработчиков всех модулей платформы.
package modules

import (
	"context"
	"log/slog"

	"github.com/shaiso/bookingfleet/internal/domain"
	"github.com/shaiso/bookingfleet/internal/orders"
	"github.com/shaiso/bookingfleet/internal/resource"
	"github.com/shaiso/bookingfleet/internal/telemetry"
	"github.com/shaiso/bookingfleet/internal/worker"
)

// Идентификаторы служебных модулей.
const (
	ModuleProxyHealth = "proxy.health-check"

	// MaintenanceQueue — очередь служебных модулей.
	MaintenanceQueue = "maintenance"

	// DefaultHealthSchedule — проверка прокси каждые 5 минут.
	DefaultHealthSchedule = "*/5 * * * *"
)

// Deps — зависимости обработчиков.
type Deps struct {
	Orders *orders.Service
	Tokens orders.TokenAcquirer
	Booker orders.Booker

	// FallbackToken — токен, если в пуле нет подходящей учётной записи.
	FallbackToken string

	// Health — nil отключает proxy.health-check.
	Health *resource.HealthChecker

	Logger *slog.Logger
}

// NewRegistry регистрирует все модули с конфигурацией по умолчанию.
func NewRegistry(deps Deps) *worker.Registry {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reg := worker.NewRegistry()

	reg.Register(orders.SubmitDefaults(), orders.NewSubmitHandler(orders.SubmitConfig{
		Service:       deps.Orders,
		Tokens:        deps.Tokens,
		Booker:        deps.Booker,
		FallbackToken: deps.FallbackToken,
		Logger:        logger,
	}))
	reg.Register(orders.CancelDefaults(), orders.NewCancelHandler(deps.Orders, logger))
	reg.Register(orders.PaymentLinkDefaults(), orders.NewPaymentLinkHandler(deps.Orders))

	if deps.Health != nil {
		reg.Register(HealthCheckDefaults(), HealthCheckHandler(deps.Health))
	}
	return reg
}

// HealthCheckDefaults — конфигурация proxy.health-check по умолчанию.
func HealthCheckDefaults() domain.TaskModule {
	m := domain.NewTaskModule(ModuleProxyHealth, MaintenanceQueue)
	m.Category = domain.CategoryScheduled
	m.Schedule = DefaultHealthSchedule
	m.Description = "TCP health check of every proxy node"
	return m
}

// HealthCheckHandler проверяет все прокси и возвращает отчёт.
func HealthCheckHandler(checker *resource.HealthChecker) worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, job *worker.Job) (any, error) {
		report, err := checker.CheckAll(ctx)
		if err != nil {
			return nil, err
		}
		job.Progress(ctx, 100)
		telemetry.FromContext(ctx).Info("proxy health check finished",
			"checked", report.Checked,
			"online", report.Online,
			"offline", report.Offline,
			"latency", report.Latency,
		)
		return report, nil
	})
}
