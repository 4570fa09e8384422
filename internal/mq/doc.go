// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация событий задач, QueueEvents на очередь
//   - consumer.go   — потребление сообщений из очередей
//
// Сами задачи живут в Redis (пакет queue); через RabbitMQ идут только
// события их жизненного цикла: added, active, progress, completed,
// retrying, failed.
//
// Exchanges:
//   - booking.jobs — события задач (topic, <queue>.<event>)
//   - booking.dlq  — dead letter queue
package mq
