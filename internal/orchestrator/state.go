package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/bookingfleet/internal/domain"
	"github.com/shaiso/bookingfleet/internal/mq"
	"github.com/shaiso/bookingfleet/internal/queue"
	"github.com/shaiso/bookingfleet/internal/repo"
	"github.com/shaiso/bookingfleet/internal/worker"
)

// queueEntry — очередь, её канал событий и (опционально) пул воркеров.
//
// Запись создаётся при первом появлении имени очереди на Sync
// и живёт до остановки процесса.
type queueEntry struct {
	queue  *queue.Queue
	events *mq.QueueEvents

	pool   *worker.Pool
	poolMu sync.Mutex
}

func (e *queueEntry) workerPool() *worker.Pool {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	return e.pool
}

// QueueInfo — состояние очереди для операторов.
type QueueInfo struct {
	Name    string       `json:"name"`
	Counts  queue.Counts `json:"counts"`
	Modules []string     `json:"modules"`
	Workers int          `json:"workers"`
}

// ensureQueue возвращает запись очереди, создавая её при необходимости.
func (o *Orchestrator) ensureQueue(name string) *queueEntry {
	o.queuesMu.Lock()
	defer o.queuesMu.Unlock()

	if e, ok := o.queues[name]; ok {
		return e
	}

	e := &queueEntry{
		queue:  queue.New(o.client, name, o.queueOpts),
		events: mq.NewQueueEvents(name, o.publisher, o.logger),
	}
	o.queues[name] = e
	o.logger.Info("queue registered", "queue", name)
	return e
}

// ensurePool запускает пул воркеров очереди, если он ещё не запущен.
// Размер пула фиксируется при запуске.
func (o *Orchestrator) ensurePool(ctx context.Context, e *queueEntry, modules []domain.TaskModule) {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	if e.pool != nil {
		return
	}

	pool := worker.NewPool(worker.PoolConfig{
		Queue:           e.queue,
		Concurrency:     poolConcurrency(e.queue.Name(), modules),
		Registry:        o.registry,
		Modules:         o,
		Ledger:          o.ledger,
		Orders:          o.orders,
		Proxies:         o.proxies,
		Events:          e.events,
		PollInterval:    o.workerCfg.PollInterval,
		LeaseDuration:   o.workerCfg.LeaseDuration,
		RecoverInterval: o.workerCfg.RecoverInterval,
		Logger:          o.logger,
	})

	// пул живёт дольше вызова Sync и останавливается через Stop
	if err := pool.Start(context.WithoutCancel(ctx)); err != nil {
		o.logger.Error("failed to start worker pool", "queue", e.queue.Name(), "error", err)
		return
	}
	e.pool = pool
}

// entry возвращает запись очереди по имени.
func (o *Orchestrator) entry(name string) (*queueEntry, bool) {
	o.queuesMu.RLock()
	defer o.queuesMu.RUnlock()
	e, ok := o.queues[name]
	return e, ok
}

// Queue возвращает очередь по имени.
func (o *Orchestrator) Queue(name string) (*queue.Queue, bool) {
	e, ok := o.entry(name)
	if !ok {
		return nil, false
	}
	return e.queue, true
}

// QueueNames возвращает имена известных очередей.
func (o *Orchestrator) QueueNames() []string {
	o.queuesMu.RLock()
	defer o.queuesMu.RUnlock()

	names := make([]string, 0, len(o.queues))
	for name := range o.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListQueues возвращает состояние всех известных очередей.
func (o *Orchestrator) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	modulesByQueue := make(map[string][]string)
	for _, m := range o.Modules() {
		modulesByQueue[m.QueueName] = append(modulesByQueue[m.QueueName], m.ModuleID)
	}

	names := o.QueueNames()
	out := make([]QueueInfo, 0, len(names))
	for _, name := range names {
		e, _ := o.entry(name)
		counts, err := e.queue.Counts(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPlatformDisabled, err)
		}

		info := QueueInfo{
			Name:    name,
			Counts:  counts,
			Modules: modulesByQueue[name],
		}
		if pool := e.workerPool(); pool != nil {
			info.Workers = pool.Concurrency()
		}
		out = append(out, info)
	}
	return out, nil
}

// PauseQueue ставит очередь на паузу. false — очередь неизвестна.
func (o *Orchestrator) PauseQueue(ctx context.Context, name string) (bool, error) {
	e, ok := o.entry(domain.NormalizeQueueName(name))
	if !ok {
		return false, nil
	}
	if err := e.queue.Pause(ctx); err != nil {
		return false, fmt.Errorf("pause queue %s: %w", name, err)
	}
	o.logger.Info("queue paused", "queue", e.queue.Name())
	return true, nil
}

// ResumeQueue снимает очередь с паузы. false — очередь неизвестна.
func (o *Orchestrator) ResumeQueue(ctx context.Context, name string) (bool, error) {
	e, ok := o.entry(domain.NormalizeQueueName(name))
	if !ok {
		return false, nil
	}
	if err := e.queue.Resume(ctx); err != nil {
		return false, fmt.Errorf("resume queue %s: %w", name, err)
	}
	o.logger.Info("queue resumed", "queue", e.queue.Name())
	return true, nil
}

// ListJobs возвращает задачи очереди в указанном статусе.
func (o *Orchestrator) ListJobs(ctx context.Context, name string, status queue.Status, limit int) ([]*queue.Job, error) {
	e, ok := o.entry(domain.NormalizeQueueName(name))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return e.queue.Jobs(ctx, status, limit)
}

// GetRun возвращает запись журнала задачи.
func (o *Orchestrator) GetRun(ctx context.Context, queueName, jobID string) (*domain.TaskRun, error) {
	return o.ledger.GetByJob(ctx, domain.NormalizeQueueName(queueName), jobID)
}

// ListRuns ищет записи журнала, новые первыми.
// Имя очереди в фильтре нормализуется так же, как в конфигурации модулей.
func (o *Orchestrator) ListRuns(ctx context.Context, filter repo.TaskRunFilter) ([]domain.TaskRun, error) {
	if filter.QueueName != "" {
		filter.QueueName = domain.NormalizeQueueName(filter.QueueName)
	}
	runs, err := o.ledger.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	return runs, nil
}
