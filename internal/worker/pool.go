package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/bookingfleet/internal/domain"
	"github.com/shaiso/bookingfleet/internal/mq"
	"github.com/shaiso/bookingfleet/internal/queue"
)

// Default configuration values.
const (
	defaultPollInterval    = time.Second
	defaultLeaseDuration   = 30 * time.Second
	defaultRecoverInterval = 15 * time.Second
)

// LedgerStore — журнал выполнения задач.
type LedgerStore interface {
	Create(ctx context.Context, run *domain.TaskRun) (bool, error)
	GetByJob(ctx context.Context, queueName, jobID string) (*domain.TaskRun, error)
	Update(ctx context.Context, run *domain.TaskRun) error
	UpdateProgress(ctx context.Context, queueName, jobID string, progress int) error
}

// OrderTracker пересчитывает статусы заказов по результатам задач.
type OrderTracker interface {
	// Refresh пересчитывает статус заказа, на который ссылается ref.
	Refresh(ctx context.Context, ref domain.OrderRef) error

	// FailItem переводит позицию в FAILED (кроме отменённых)
	// и пересчитывает статус заказа.
	FailItem(ctx context.Context, itemID uuid.UUID, reason string) error
}

// ProxyAcquirer выдаёт прокси.
type ProxyAcquirer interface {
	AcquireProxy(ctx context.Context, preferred domain.ProxyType) (*domain.ProxyNode, error)
}

// ModuleLookup возвращает текущую конфигурацию модуля.
type ModuleLookup interface {
	Module(moduleID string) (domain.TaskModule, bool)
}

// Events публикует события задач.
type Events interface {
	Emit(ctx context.Context, ev mq.JobEvent)
}

// Pool — пул воркеров одной очереди.
//
// Каждый из concurrency воркеров в цикле забирает задачу из очереди
// и выполняет её. Отдельная горутина возвращает в очередь задачи
// упавших процессов (истёкшая аренда).
type Pool struct {
	queue       *queue.Queue
	concurrency int

	registry *Registry
	modules  ModuleLookup
	ledger   LedgerStore
	orders   OrderTracker
	proxies  ProxyAcquirer
	events   Events

	pollInterval    time.Duration
	leaseDuration   time.Duration
	recoverInterval time.Duration

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	running    bool
	runningMu  sync.Mutex
}

// PoolConfig — конфигурация пула.
type PoolConfig struct {
	Queue *queue.Queue

	// Concurrency — количество параллельных воркеров (min 1).
	Concurrency int

	Registry *Registry
	Modules  ModuleLookup
	Ledger   LedgerStore

	// Orders, Proxies, Events — опциональны.
	Orders  OrderTracker
	Proxies ProxyAcquirer
	Events  Events

	PollInterval    time.Duration // пауза при пустой очереди (default: 1s)
	LeaseDuration   time.Duration // аренда задачи (default: 30s)
	RecoverInterval time.Duration // проверка зависших задач (default: 15s)

	Logger *slog.Logger
}

// NewPool создаёт пул воркеров.
func NewPool(cfg PoolConfig) *Pool {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	lease := cfg.LeaseDuration
	if lease <= 0 {
		lease = defaultLeaseDuration
	}
	recoverInterval := cfg.RecoverInterval
	if recoverInterval <= 0 {
		recoverInterval = defaultRecoverInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		queue:           cfg.Queue,
		concurrency:     max(1, cfg.Concurrency),
		registry:        cfg.Registry,
		modules:         cfg.Modules,
		ledger:          cfg.Ledger,
		orders:          cfg.Orders,
		proxies:         cfg.Proxies,
		events:          cfg.Events,
		pollInterval:    pollInterval,
		leaseDuration:   lease,
		recoverInterval: recoverInterval,
		logger:          logger.With("queue", cfg.Queue.Name()),
	}
}

// Concurrency возвращает размер пула.
func (p *Pool) Concurrency() int {
	return p.concurrency
}

// Start запускает воркеры.
func (p *Pool) Start(ctx context.Context) error {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	if p.running {
		return ErrPoolRunning
	}
	p.running = true

	ctx, cancel := context.WithCancel(ctx)
	p.cancelFunc = cancel

	p.logger.Info("starting worker pool",
		"concurrency", p.concurrency,
		"lease", p.leaseDuration,
	)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runLoop(ctx)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.recoverLoop(ctx)
	}()

	return nil
}

// Stop останавливает пул и ждёт завершения задач, которые уже выполняются.
func (p *Pool) Stop() {
	p.runningMu.Lock()
	if !p.running {
		p.runningMu.Unlock()
		return
	}
	p.running = false
	p.runningMu.Unlock()

	p.logger.Info("stopping worker pool...")

	if p.cancelFunc != nil {
		p.cancelFunc()
	}
	p.wg.Wait()

	p.logger.Info("worker pool stopped")
}

// IsRunning проверяет, запущен ли пул.
func (p *Pool) IsRunning() bool {
	p.runningMu.Lock()
	defer p.runningMu.Unlock()
	return p.running
}

// runLoop — цикл одного воркера.
func (p *Pool) runLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Reserve(ctx, p.leaseDuration)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("failed to reserve job", "error", err)
			}
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}

		// выполняющаяся задача доводится до конца и при остановке пула
		p.process(context.WithoutCancel(ctx), job)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// recoverLoop возвращает в очередь задачи с истёкшей арендой.
func (p *Pool) recoverLoop(ctx context.Context) {
	ticker := time.NewTicker(p.recoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.RecoverStalled(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("failed to recover stalled jobs", "error", err)
				}
				continue
			}
			if n > 0 {
				p.logger.Warn("recovered stalled jobs", "count", n)
			}
		}
	}
}
