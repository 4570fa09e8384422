package orchestrator

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/bookingfleet/internal/domain"
	"github.com/shaiso/bookingfleet/internal/mq"
	"github.com/shaiso/bookingfleet/internal/queue"
	"github.com/shaiso/bookingfleet/internal/telemetry"
	"github.com/shaiso/bookingfleet/internal/worker"
)

// EnqueueOptions — дополнительные параметры постановки задачи.
type EnqueueOptions struct {
	// JobID — собственный идентификатор задачи. Пустой — генерируется uuid.
	JobID string

	// Delay — отложить первую попытку.
	Delay time.Duration
}

// EnqueueResult — результат постановки задачи.
type EnqueueResult struct {
	JobID     string          `json:"job_id"`
	QueueName string          `json:"queue_name"`
	Run       *domain.TaskRun `json:"run"`

	// Created — false, если задача с таким JobID уже была.
	Created bool `json:"created"`
}

// Enqueue ставит задачу модуля в его очередь.
//
// Порядок:
//  1. Модуль должен существовать и быть включён.
//  2. Очередь должна быть доступна, иначе ErrPlatformDisabled.
//  3. Задача добавляется в очередь с attempts/backoff модуля.
//     Если добавить не удалось, запись журнала не создаётся.
//  4. Запись журнала создаётся в waiting (идемпотентно по JobID).
//     Если воркер успел взять задачу раньше, возвращается его запись.
func (o *Orchestrator) Enqueue(ctx context.Context, moduleID string, payload map[string]any, meta map[string]string, opts EnqueueOptions) (*EnqueueResult, error) {
	if o.IsStopped() {
		return nil, ErrOrchestratorStopped
	}

	// 1. Модуль
	module, ok := o.Module(moduleID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrModuleNotFound, moduleID)
	}
	if !module.Enabled {
		return nil, fmt.Errorf("%w: %s", domain.ErrModuleDisabled, moduleID)
	}

	// 2. Очередь
	e := o.ensureQueue(module.QueueName)
	if err := e.queue.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPlatformDisabled, err)
	}

	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	if payload == nil {
		payload = map[string]any{}
	}
	meta = orderMeta(payload, meta)
	parsed := worker.ParseMeta(meta)

	logger := telemetry.WithJob(o.logger, module.QueueName, jobID).With("module_id", moduleID)

	// 3. Очередь
	_, added, err := e.queue.Add(ctx, queue.JobSpec{
		ID:       jobID,
		Name:     moduleID,
		Payload:  payload,
		Meta:     meta,
		Attempts: module.Attempts,
		Backoff:  module.Backoff(),
		Delay:    opts.Delay,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: add job: %v", domain.ErrPlatformDisabled, err)
	}

	// 4. Журнал
	run := domain.NewTaskRun(moduleID, module.QueueName, jobID, payload)
	run.OrderGroupID = parsed.OrderGroupID
	run.OrderItemID = parsed.OrderItemID

	if _, err := o.ledger.Create(ctx, run); err != nil {
		// задача уже в очереди, воркер создаст запись сам
		logger.Error("failed to create task run", "error", err)
		return nil, fmt.Errorf("create task run: %w", err)
	}

	if added {
		telemetry.JobsEnqueued.WithLabelValues(module.QueueName, moduleID).Inc()
		e.events.Emit(ctx, mq.JobEvent{
			Event:       mq.JobAdded,
			JobID:       jobID,
			ModuleID:    moduleID,
			OrderItemID: parsed.OrderItemID,
		})
		logger.Info("job enqueued", "source", parsed.Source, "delay", opts.Delay)
	} else {
		logger.Debug("job already enqueued")
	}

	return &EnqueueResult{
		JobID:     jobID,
		QueueName: module.QueueName,
		Run:       run,
		Created:   added,
	}, nil
}

// orderMeta копирует orderItemId/orderGroupId из payload в meta,
// если в meta их нет.
func orderMeta(payload map[string]any, meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta)+2)
	maps.Copy(out, meta)

	for _, key := range []string{worker.MetaOrderItemID, worker.MetaOrderGroupID} {
		if _, ok := out[key]; ok {
			continue
		}
		if v, ok := payload[key].(string); ok && v != "" {
			out[key] = v
		}
	}
	return out
}
