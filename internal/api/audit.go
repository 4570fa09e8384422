package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/bookingfleet/internal/mq"
	"github.com/shaiso/bookingfleet/internal/telemetry"
)

// AuditHandler пишет события задач в журнал приложения.
//
// Сообщения других типов подтверждаются без обработки. Событие, которое
// не удалось разобрать, сразу уходит в DLQ.
func AuditHandler(logger *slog.Logger) mq.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, msg *mq.Delivery) error {
		if msg.Message.Type != mq.MessageTypeJobEvent {
			return nil
		}

		ev, err := mq.ParsePayload[mq.JobEvent](&msg.Message)
		if err != nil {
			return mq.Poison(fmt.Errorf("parse job event: %w", err))
		}
		telemetry.EventsConsumed.WithLabelValues(string(ev.Event)).Inc()

		attrs := []any{
			"event", ev.Event,
			"queue", ev.Queue,
			"job_id", ev.JobID,
			"module_id", ev.ModuleID,
		}
		if ev.Attempt > 0 {
			attrs = append(attrs, "attempt", ev.Attempt)
		}
		if ev.OrderItemID != nil {
			attrs = append(attrs, "order_item_id", ev.OrderItemID)
		}

		switch ev.Event {
		case mq.JobFailed:
			logger.Warn("job event", append(attrs, "error", ev.Error)...)
		case mq.JobRetrying:
			logger.Info("job event", append(attrs, "error", ev.Error)...)
		case mq.JobProgress:
			logger.Debug("job event", append(attrs, "progress", ev.Progress)...)
		default:
			logger.Info("job event", attrs...)
		}
		return nil
	}
}

// NewAuditConsumer создаёт consumer очереди событий задач.
func NewAuditConsumer(conn *mq.Connection, logger *slog.Logger) *mq.Consumer {
	return mq.NewConsumer(conn, logger, mq.ConsumerConfig{
		Queue:    string(mq.QueueJobEvents),
		Handler:  AuditHandler(logger),
		Prefetch: 20,
	})
}
