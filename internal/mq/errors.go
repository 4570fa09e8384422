package mq

import "errors"

// ErrNotConnected — соединение с RabbitMQ не установлено или канал закрыт.
var ErrNotConnected = errors.New("rabbitmq not connected")

// ErrPoison — сообщение нельзя обработать при повторной доставке, оно уходит в DLQ.
var ErrPoison = errors.New("poison message")
