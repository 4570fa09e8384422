package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler обрабатывает одно сообщение.
//
// nil — сообщение подтверждается. Ошибка, помеченная Poison, отправляет
// сообщение в DLQ сразу; любая другая возвращает его в очередь один раз,
// а при повторной доставке тоже отправляет в DLQ.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — разобранное сообщение очереди.
type Delivery struct {
	Message Message

	// Redelivered — сообщение уже возвращалось в очередь.
	Redelivered bool
}

// Poison помечает ошибку как неисправимую: повторная доставка не поможет.
func Poison(err error) error {
	return fmt.Errorf("%w: %w", ErrPoison, err)
}

// settlement — итог обработки сообщения.
type settlement int

const (
	settleAck settlement = iota
	settleRequeue
	settleDeadLetter
)

func (s settlement) String() string {
	switch s {
	case settleAck:
		return "ack"
	case settleRequeue:
		return "requeue"
	default:
		return "dead-letter"
	}
}

// settle выбирает итог по ошибке обработчика.
func settle(err error, redelivered bool) settlement {
	switch {
	case err == nil:
		return settleAck
	case errors.Is(err, ErrPoison), redelivered:
		return settleDeadLetter
	default:
		return settleRequeue
	}
}

// Consumer читает очередь RabbitMQ и переподключается вместе с Connection.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	handler  Handler
	prefetch int
}

// ConsumerConfig — конфигурация Consumer.
type ConsumerConfig struct {
	Queue   string
	Handler Handler

	// Prefetch — сколько неподтверждённых сообщений держит канал (default: 1).
	Prefetch int
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:     conn,
		logger:   logger.With("queue", cfg.Queue),
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Start читает сообщения до отмены ctx.
// После обрыва канала ждёт переподключения и продолжает.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		deliveries, err := c.subscribe()
		if err == nil {
			c.logger.Info("consumer started")
			c.drain(ctx, deliveries)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed, waiting for reconnect")
		} else {
			c.logger.Error("failed to subscribe", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.ReconnectNotify():
			c.logger.Info("reconnected, restarting consumer")
		}
	}
}

// subscribe открывает подписку с ручным подтверждением.
func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNotConnected
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

// drain обрабатывает сообщения, пока открыт канал и не отменён ctx.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				return
			}
			c.handleDelivery(ctx, raw)
		}
	}
}

// handleDelivery разбирает сообщение, вызывает обработчик и подтверждает
// или отклоняет сообщение по settle.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) settlement {
	var msg Message
	err := json.Unmarshal(raw.Body, &msg)
	if err != nil {
		err = Poison(fmt.Errorf("unmarshal message: %w", err))
	} else {
		err = c.handler(ctx, &Delivery{Message: msg, Redelivered: raw.Redelivered})
	}

	outcome := settle(err, raw.Redelivered)
	if err != nil {
		c.logger.Error("message handling failed",
			"message_id", msg.ID,
			"type", msg.Type,
			"redelivered", raw.Redelivered,
			"outcome", outcome,
			"error", err,
		)
	}

	var ackErr error
	switch outcome {
	case settleAck:
		ackErr = raw.Ack(false)
	case settleRequeue:
		ackErr = raw.Nack(false, true)
	default:
		// очередь объявлена с x-dead-letter-exchange
		ackErr = raw.Nack(false, false)
	}
	if ackErr != nil {
		c.logger.Warn("failed to settle message", "outcome", outcome, "error", ackErr)
	}
	return outcome
}

// ParsePayload разбирает payload сообщения в T.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// payload после json.Unmarshal в Message — это map[string]any
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}
