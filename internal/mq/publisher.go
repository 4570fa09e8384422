package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения.
type MessageType string

// MessageTypeJobEvent — событие жизненного цикла задачи.
const MessageTypeJobEvent MessageType = "job.event"

// JobEventType — вид события задачи.
type JobEventType string

const (
	JobAdded     JobEventType = "added"
	JobActive    JobEventType = "active"
	JobProgress  JobEventType = "progress"
	JobCompleted JobEventType = "completed"
	JobRetrying  JobEventType = "retrying"
	JobFailed    JobEventType = "failed"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — конверт сообщения.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// JobEvent — payload события задачи.
type JobEvent struct {
	Event       JobEventType `json:"event"`
	Queue       string       `json:"queue"`
	JobID       string       `json:"job_id"`
	ModuleID    string       `json:"module_id"`
	Attempt     int          `json:"attempt,omitempty"`
	Progress    int          `json:"progress,omitempty"`
	Error       string       `json:"error,omitempty"`
	OrderItemID *uuid.UUID   `json:"order_item_id,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishJobEvent публикует событие задачи в booking.jobs.
func (p *Publisher) PublishJobEvent(ctx context.Context, ev JobEvent) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeJobEvent,
		Payload:   ev,
		Timestamp: time.Now().UTC(),
	}
	return p.Publish(ctx, ExchangeJobs, JobRoutingKey(ev.Queue, ev.Event), msg)
}

// QueueEvents — канал событий одной очереди.
//
// Нулевой Publisher допустим: события тогда не публикуются.
type QueueEvents struct {
	queue  string
	pub    *Publisher
	logger *slog.Logger
}

// NewQueueEvents создаёт канал событий очереди.
func NewQueueEvents(queueName string, pub *Publisher, logger *slog.Logger) *QueueEvents {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueEvents{queue: queueName, pub: pub, logger: logger}
}

// Emit публикует событие. Ошибка публикации логируется и не возвращается:
// события — вспомогательный канал, на выполнение задач они не влияют.
func (e *QueueEvents) Emit(ctx context.Context, ev JobEvent) {
	if e == nil || e.pub == nil {
		return
	}
	ev.Queue = e.queue
	if err := e.pub.PublishJobEvent(ctx, ev); err != nil {
		e.logger.Warn("failed to publish job event",
			"queue", e.queue,
			"job_id", ev.JobID,
			"event", ev.Event,
			"error", err,
		)
	}
}
