package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/shaiso/bookingfleet/internal/domain"
	"github.com/shaiso/bookingfleet/internal/mq"
	"github.com/shaiso/bookingfleet/internal/queue"
	"github.com/shaiso/bookingfleet/internal/repo"
	"github.com/shaiso/bookingfleet/internal/worker"
)

// Default configuration values.
const (
	defaultSyncInterval = 30 * time.Second
)

// ModuleStore — хранилище конфигураций модулей.
type ModuleStore interface {
	Create(ctx context.Context, m *domain.TaskModule) error
	List(ctx context.Context) ([]domain.TaskModule, error)
	UpdateQueueName(ctx context.Context, moduleID, queueName string) error
}

// Ledger — журнал задач: запись из воркеров и поиск для операторов.
type Ledger interface {
	worker.LedgerStore
	List(ctx context.Context, filter repo.TaskRunFilter) ([]domain.TaskRun, error)
}

// Orchestrator держит конфигурацию модулей, очереди и пулы воркеров.
//
// Orchestrator — центральный компонент платформы, который:
//   - Синхронизирует конфигурацию модулей с БД (Sync)
//   - Создаёт очередь на каждое уникальное имя очереди
//   - Запускает по одному пулу воркеров на очередь
//   - Ставит задачи в очередь и ведёт журнал (Enqueue)
type Orchestrator struct {
	registry *worker.Registry
	store    ModuleStore
	ledger   Ledger

	client    *redis.Client
	publisher *mq.Publisher
	queueOpts queue.Options

	// Опциональные зависимости воркеров.
	orders  worker.OrderTracker
	proxies worker.ProxyAcquirer

	// modules — текущая конфигурация (moduleID → module).
	modules map[string]domain.TaskModule
	mu      sync.RWMutex

	// queues — очереди по нормализованному имени. Записи не удаляются.
	queues   map[string]*queueEntry
	queuesMu sync.RWMutex

	// syncMu сериализует Sync.
	syncMu sync.Mutex

	enableWorkers bool
	workerCfg     WorkerConfig
	syncInterval  time.Duration
	validate      *validator.Validate

	logger    *slog.Logger
	stopped   bool
	stoppedMu sync.RWMutex
}

// WorkerConfig — параметры пулов воркеров.
type WorkerConfig struct {
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	RecoverInterval time.Duration
}

// Config — конфигурация Orchestrator.
type Config struct {
	Registry *worker.Registry
	Modules  ModuleStore
	Ledger   Ledger

	// Redis
	Client *redis.Client
	Queue  queue.Options

	// Publisher — события задач в RabbitMQ (опционально).
	Publisher *mq.Publisher

	// Orders, Proxies — передаются пулам воркеров (опционально).
	Orders  worker.OrderTracker
	Proxies worker.ProxyAcquirer

	// EnableWorkers — запускать пулы воркеров на Sync.
	EnableWorkers bool
	Worker        WorkerConfig

	// SyncInterval — период Run (default: 30s).
	SyncInterval time.Duration

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	syncInterval := cfg.SyncInterval
	if syncInterval <= 0 {
		syncInterval = defaultSyncInterval
	}

	registry := cfg.Registry
	if registry == nil {
		registry = worker.NewRegistry()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		registry:      registry,
		store:         cfg.Modules,
		ledger:        cfg.Ledger,
		client:        cfg.Client,
		publisher:     cfg.Publisher,
		queueOpts:     cfg.Queue,
		orders:        cfg.Orders,
		proxies:       cfg.Proxies,
		modules:       make(map[string]domain.TaskModule),
		queues:        make(map[string]*queueEntry),
		enableWorkers: cfg.EnableWorkers,
		workerCfg:     cfg.Worker,
		syncInterval:  syncInterval,
		validate:      validator.New(),
		logger:        logger,
	}
}

// Sync синхронизирует конфигурацию модулей, очереди и пулы воркеров.
//
//  1. Модули из реестра без сохранённой конфигурации получают конфигурацию по умолчанию.
//  2. Имена очередей нормализуются, изменённые сохраняются.
//  3. Карта moduleID → конфигурация публикуется целиком.
//  4. На каждую новую очередь создаётся запись очереди.
//  5. Если воркеры включены — на каждую очередь без пула запускается один пул.
//
// Повторный вызов без изменений в БД ничего не меняет.
func (o *Orchestrator) Sync(ctx context.Context) ([]domain.TaskModule, error) {
	if o.IsStopped() {
		return nil, ErrOrchestratorStopped
	}

	o.syncMu.Lock()
	defer o.syncMu.Unlock()

	modules, err := o.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}

	// 1. Seed
	modules, err = o.seed(ctx, modules)
	if err != nil {
		return nil, err
	}

	// 2. Нормализация
	next := make(map[string]domain.TaskModule, len(modules))
	valid := modules[:0]
	for _, m := range modules {
		normalized := domain.NormalizeQueueName(m.QueueName)
		if normalized != m.QueueName {
			if err := o.store.UpdateQueueName(ctx, m.ModuleID, normalized); err != nil {
				return nil, fmt.Errorf("normalize queue of %s: %w", m.ModuleID, err)
			}
			o.logger.Info("queue name normalized",
				"module_id", m.ModuleID,
				"from", m.QueueName,
				"to", normalized,
			)
			m.QueueName = normalized
		}

		if err := o.validate.Struct(m); err != nil {
			o.logger.Error("invalid module config, skipping", "module_id", m.ModuleID, "error", err)
			continue
		}
		next[m.ModuleID] = m
		valid = append(valid, m)
	}

	// 3. Публикация
	o.mu.Lock()
	o.modules = next
	o.mu.Unlock()

	// 4–5. Очереди и пулы
	for _, name := range queueNames(valid) {
		entry := o.ensureQueue(name)
		if o.enableWorkers {
			o.ensurePool(ctx, entry, valid)
		}
	}

	o.logger.Debug("modules synced", "modules", len(valid))
	return valid, nil
}

// seed создаёт конфигурации по умолчанию для зарегистрированных модулей,
// которых ещё нет в БД.
func (o *Orchestrator) seed(ctx context.Context, existing []domain.TaskModule) ([]domain.TaskModule, error) {
	known := make(map[string]bool, len(existing))
	for _, m := range existing {
		known[m.ModuleID] = true
	}

	for _, def := range o.registry.Defaults() {
		if known[def.ModuleID] {
			continue
		}
		now := time.Now().UTC()
		def.CreatedAt, def.UpdatedAt = now, now

		err := o.store.Create(ctx, &def)
		if errors.Is(err, repo.ErrAlreadyExists) {
			// модуль создан параллельным Sync; подхватим на следующем
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("seed module %s: %w", def.ModuleID, err)
		}
		o.logger.Info("module seeded with defaults", "module_id", def.ModuleID, "queue", def.QueueName)
		existing = append(existing, def)
	}

	sort.Slice(existing, func(i, j int) bool { return existing[i].ModuleID < existing[j].ModuleID })
	return existing, nil
}

// Run вызывает Sync каждые syncInterval до отмены ctx.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Sync(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("module sync failed", "error", err)
			}
		}
	}
}

// Stop останавливает все пулы воркеров и ждёт завершения выполняющихся задач.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	o.queuesMu.RLock()
	entries := make([]*queueEntry, 0, len(o.queues))
	for _, e := range o.queues {
		entries = append(entries, e)
	}
	o.queuesMu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		if pool := e.workerPool(); pool != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pool.Stop()
			}()
		}
	}
	wg.Wait()

	o.logger.Info("orchestrator stopped", "queues", len(entries))
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// Module возвращает текущую конфигурацию модуля.
func (o *Orchestrator) Module(moduleID string) (domain.TaskModule, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.modules[moduleID]
	return m, ok
}

// Modules возвращает текущую конфигурацию, отсортированную по moduleID.
func (o *Orchestrator) Modules() []domain.TaskModule {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]domain.TaskModule, 0, len(o.modules))
	for _, m := range o.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out
}

// queueNames возвращает уникальные имена очередей в порядке сортировки.
func queueNames(modules []domain.TaskModule) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range modules {
		if !seen[m.QueueName] {
			seen[m.QueueName] = true
			names = append(names, m.QueueName)
		}
	}
	sort.Strings(names)
	return names
}

// poolConcurrency — максимум concurrency среди включённых модулей очереди, минимум 1.
func poolConcurrency(queueName string, modules []domain.TaskModule) int {
	n := 1
	for _, m := range modules {
		if m.QueueName == queueName && m.Enabled {
			n = max(n, m.Concurrency)
		}
	}
	return n
}
