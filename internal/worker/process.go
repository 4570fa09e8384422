package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/bookingfleet/internal/domain"
	"github.com/shaiso/bookingfleet/internal/mq"
	"github.com/shaiso/bookingfleet/internal/queue"
	"github.com/shaiso/bookingfleet/internal/telemetry"
)

// process выполняет одну задачу, полученную из очереди.
//
//  1. Модуль не найден или выключен → ErrModuleDisabled, без retry.
//  2. Нет обработчика → ErrModuleNotImplemented, без retry.
//  3. useProxy → прокси из пула (не обязателен).
//  4. Журнал → active (время старта, попытка, прокси).
//  5. Вызов обработчика.
//  6. Успех → completed, пересчёт статуса заказа.
//  7. Ошибка → retry по политике очереди, либо failed и FAILED у позиции.
func (p *Pool) process(ctx context.Context, qjob *queue.Job) {
	meta := ParseMeta(qjob.Meta)
	logger := telemetry.WithModuleID(telemetry.WithJob(p.logger, p.queue.Name(), qjob.ID), qjob.Name).
		With("attempt", qjob.AttemptsMade)

	// 1. Конфигурация модуля
	module, ok := p.modules.Module(qjob.Name)
	if !ok || !module.Enabled {
		p.reject(ctx, qjob, meta, fmt.Errorf("%w: %s", domain.ErrModuleDisabled, qjob.Name), logger)
		return
	}

	// 2. Обработчик
	handler, err := p.registry.Get(qjob.Name)
	if err != nil {
		p.reject(ctx, qjob, meta, err, logger)
		return
	}

	// 3. Прокси
	var proxy *domain.ProxyNode
	if module.UseProxy && p.proxies != nil {
		preferred := domain.ProxyType(meta.Extra["proxyType"])
		proxy, err = p.proxies.AcquireProxy(ctx, preferred)
		if err != nil {
			logger.Warn("proxy acquisition failed, continuing without proxy", "error", err)
			proxy = nil
		}
		if proxy == nil {
			logger.Debug("no proxy available")
		}
	}

	// 4. Журнал → active
	run, err := p.loadRun(ctx, qjob, meta)
	if err != nil {
		logger.Error("failed to load task run", "error", err)
		p.failQueueJob(ctx, qjob, err.Error(), true, logger)
		return
	}
	if run.State.IsTerminal() {
		p.settleFinished(ctx, qjob, run, logger)
		return
	}

	var proxyID *uuid.UUID
	if proxy != nil {
		proxyID = &proxy.ID
	}
	if err := run.MarkActive(qjob.AttemptsMade, proxyID); err != nil {
		logger.Error("failed to mark task run active", "error", err)
		return
	}
	if err := p.ledger.Update(ctx, run); err != nil {
		logger.Error("failed to update task run", "error", err)
		p.failQueueJob(ctx, qjob, err.Error(), true, logger)
		return
	}

	logger.Info("job started", "proxy_id", proxyID)
	p.emit(ctx, mq.JobEvent{Event: mq.JobActive, JobID: qjob.ID, ModuleID: qjob.Name, Attempt: qjob.AttemptsMade, OrderItemID: meta.OrderItemID})

	// 5. Обработчик
	job := &Job{
		ID:          qjob.ID,
		QueueName:   p.queue.Name(),
		ModuleID:    qjob.Name,
		Payload:     qjob.Payload,
		Meta:        meta,
		Proxy:       proxy,
		Attempt:     qjob.AttemptsMade,
		MaxAttempts: qjob.Attempts,
		progress: func(ctx context.Context, pct int) {
			if err := p.ledger.UpdateProgress(ctx, p.queue.Name(), qjob.ID, pct); err != nil {
				logger.Warn("failed to update progress", "error", err)
			}
			p.emit(ctx, mq.JobEvent{Event: mq.JobProgress, JobID: qjob.ID, ModuleID: qjob.Name, Progress: pct})
		},
	}

	result, handlerErr := p.invoke(ctx, handler, job, qjob, logger)

	if handlerErr == nil {
		p.succeed(ctx, qjob, run, meta, result, logger)
		return
	}
	p.fail(ctx, qjob, run, meta, handlerErr, logger)
}

// invoke вызывает обработчик, продлевая аренду задачи, пока он работает.
func (p *Pool) invoke(ctx context.Context, h Handler, job *Job, qjob *queue.Job, logger *slog.Logger) (result any, err error) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.leaseDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, qjob, p.leaseDuration); err != nil {
					logger.Warn("failed to extend lease", "error", err)
					return
				}
			}
		}
	}()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = Fatal(fmt.Errorf("handler panic: %v", r))
		}
		close(stop)
		<-done
		telemetry.JobDuration.WithLabelValues(job.QueueName, job.ModuleID).Observe(time.Since(start).Seconds())
	}()

	return h.Handle(telemetry.WithLogger(ctx, logger), job)
}

// succeed — шаг 6.
func (p *Pool) succeed(ctx context.Context, qjob *queue.Job, run *domain.TaskRun, meta Meta, result any, logger *slog.Logger) {
	if err := p.queue.Complete(ctx, qjob, result); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			logger.Warn("lease lost before completion, job will be retried elsewhere")
			return
		}
		logger.Error("failed to complete job in queue", "error", err)
	}

	if err := run.MarkCompleted(normalizeResult(result)); err != nil {
		logger.Error("failed to mark task run completed", "error", err)
	} else if err := p.ledger.Update(ctx, run); err != nil {
		logger.Error("failed to update task run", "error", err)
	}

	telemetry.JobsCompleted.WithLabelValues(p.queue.Name(), qjob.Name).Inc()
	logger.Info("job completed", "duration", run.Duration())
	p.emit(ctx, mq.JobEvent{Event: mq.JobCompleted, JobID: qjob.ID, ModuleID: qjob.Name, Attempt: qjob.AttemptsMade, OrderItemID: meta.OrderItemID})

	if ref := meta.OrderRef(); !ref.IsZero() && p.orders != nil {
		if err := p.orders.Refresh(ctx, ref); err != nil {
			logger.Error("failed to refresh order status", "error", err)
		}
	}
}

// fail — шаг 7.
func (p *Pool) fail(ctx context.Context, qjob *queue.Job, run *domain.TaskRun, meta Meta, handlerErr error, logger *slog.Logger) {
	msg := handlerErr.Error()
	fatal := IsFatal(handlerErr)

	retried, err := p.queue.Fail(ctx, qjob, msg, !fatal)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			logger.Warn("lease lost before failure was recorded", "error", msg)
			return
		}
		logger.Error("failed to fail job in queue", "error", err)
	}

	if retried {
		run.RecordAttemptError(msg)
		if err := p.ledger.Update(ctx, run); err != nil {
			logger.Error("failed to update task run", "error", err)
		}
		telemetry.JobsRetried.WithLabelValues(p.queue.Name(), qjob.Name).Inc()
		logger.Warn("job attempt failed, retry scheduled",
			"error", msg,
			"max_attempts", qjob.Attempts,
			"backoff_ms", qjob.BackoffMs,
		)
		p.emit(ctx, mq.JobEvent{Event: mq.JobRetrying, JobID: qjob.ID, ModuleID: qjob.Name, Attempt: qjob.AttemptsMade, Error: msg, OrderItemID: meta.OrderItemID})
		return
	}

	p.finalizeFailure(ctx, qjob, run, meta, msg, logger)
	logger.Error("job failed", "error", msg, "fatal", fatal)
}

// reject отклоняет задачу до запуска обработчика (шаги 1–2).
func (p *Pool) reject(ctx context.Context, qjob *queue.Job, meta Meta, reason error, logger *slog.Logger) {
	msg := reason.Error()
	if _, err := p.queue.Fail(ctx, qjob, msg, false); err != nil {
		logger.Error("failed to reject job in queue", "error", err)
		if errors.Is(err, queue.ErrLeaseLost) {
			return
		}
	}

	run, err := p.loadRun(ctx, qjob, meta)
	if err != nil {
		logger.Error("failed to load task run", "error", err)
		return
	}
	if run.State.IsTerminal() {
		return
	}
	if run.State == domain.JobStateWaiting {
		// попытка засчитывается и видна в журнале до перехода в failed
		if err := run.MarkActive(qjob.AttemptsMade, nil); err != nil {
			logger.Error("failed to mark task run active", "error", err)
			return
		}
		if err := p.ledger.Update(ctx, run); err != nil {
			logger.Error("failed to update task run", "error", err)
			return
		}
	}

	p.finalizeFailure(ctx, qjob, run, meta, msg, logger)
	logger.Warn("job rejected", "error", msg)
}

// finalizeFailure переводит журнал в failed и позицию заказа в FAILED.
func (p *Pool) finalizeFailure(ctx context.Context, qjob *queue.Job, run *domain.TaskRun, meta Meta, msg string, logger *slog.Logger) {
	if err := run.MarkFailed(msg); err != nil {
		logger.Error("failed to mark task run failed", "error", err)
	} else if err := p.ledger.Update(ctx, run); err != nil {
		logger.Error("failed to update task run", "error", err)
	}

	telemetry.JobsFailed.WithLabelValues(p.queue.Name(), qjob.Name).Inc()
	p.emit(ctx, mq.JobEvent{Event: mq.JobFailed, JobID: qjob.ID, ModuleID: qjob.Name, Attempt: qjob.AttemptsMade, Error: msg, OrderItemID: meta.OrderItemID})

	if p.orders == nil {
		return
	}
	ref := meta.OrderRef()
	switch {
	case ref.OrderItemID != nil:
		if err := p.orders.FailItem(ctx, *ref.OrderItemID, msg); err != nil {
			logger.Error("failed to mark order item failed", "order_item_id", ref.OrderItemID, "error", err)
		}
	case ref.OrderGroupID != nil:
		if err := p.orders.Refresh(ctx, ref); err != nil {
			logger.Error("failed to refresh order status", "error", err)
		}
	}
}

// settleFinished обрабатывает повторную доставку задачи,
// чья запись в журнале уже финальная.
func (p *Pool) settleFinished(ctx context.Context, qjob *queue.Job, run *domain.TaskRun, logger *slog.Logger) {
	logger.Warn("task run already finished, settling redelivered job", "state", run.State)
	if run.State == domain.JobStateCompleted {
		if err := p.queue.Complete(ctx, qjob, run.Result); err != nil {
			logger.Error("failed to complete redelivered job", "error", err)
		}
		return
	}
	p.failQueueJob(ctx, qjob, run.Error, false, logger)
}

func (p *Pool) failQueueJob(ctx context.Context, qjob *queue.Job, msg string, retry bool, logger *slog.Logger) {
	if _, err := p.queue.Fail(ctx, qjob, msg, retry); err != nil {
		logger.Error("failed to fail job in queue", "error", err)
	}
}

// loadRun возвращает запись журнала, создавая её, если задачу
// поставили в очередь в обход оркестратора.
func (p *Pool) loadRun(ctx context.Context, qjob *queue.Job, meta Meta) (*domain.TaskRun, error) {
	run, err := p.ledger.GetByJob(ctx, p.queue.Name(), qjob.ID)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("get task run: %w", err)
	}

	run = domain.NewTaskRun(qjob.Name, p.queue.Name(), qjob.ID, qjob.Payload)
	run.OrderGroupID = meta.OrderGroupID
	run.OrderItemID = meta.OrderItemID
	if _, err := p.ledger.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create task run: %w", err)
	}
	return run, nil
}

func (p *Pool) emit(ctx context.Context, ev mq.JobEvent) {
	if p.events == nil {
		return
	}
	p.events.Emit(ctx, ev)
}

// normalizeResult приводит результат обработчика к JSON-виду,
// в котором он хранится в журнале.
func normalizeResult(result any) any {
	if result == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
