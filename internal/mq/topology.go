package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	// ExchangeJobs — события жизненного цикла задач (topic).
	// Routing key: <queue>.<event>, например "orders.failed".
	ExchangeJobs Exchange = "booking.jobs"
	ExchangeDLQ  Exchange = "booking.dlq"
)

// Queues — имена очередей.
const (
	QueueJobEvents Queue = "jobs.events"
	QueueDLQEvents Queue = "dlq.events"
)

// Routing keys.
const (
	RoutingKeyAllJobs   RoutingKey = "#"
	RoutingKeyDLQEvents RoutingKey = "events"
)

// JobRoutingKey возвращает ключ маршрутизации события очереди.
func JobRoutingKey(queueName string, event JobEventType) RoutingKey {
	return RoutingKey(queueName + "." + string(event))
}

// SetupTopology объявляет обменники, очереди и привязки.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeJobs, "topic"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}
	return nil
}

func declareQueues(ch *amqp.Channel) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQEvents),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// jobs.events — аудит событий, битые сообщения уходят в DLQ
		{QueueJobEvents, dlqArgs},
		{QueueDLQEvents, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueJobEvents, RoutingKeyAllJobs, ExchangeJobs},
		{QueueDLQEvents, RoutingKeyDLQEvents, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Booking Fleet RabbitMQ Topology:

    booking.jobs (topic)
    └── jobs.events [routing: #]
            Consumer: fleet-api (audit)
            DLQ: dlq.events

    booking.dlq (direct)
    └── dlq.events [routing: events]
            Manual processing
  `
}
