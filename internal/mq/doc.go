// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация эффектов и событий переходов
//   - consumer.go   — потребление эффектов
//
// Типы сообщений:
//   - effect.dispatch   — отложенный эффект для выполнения любым узлом
//   - task.transition   — событие перехода task для внешних наблюдателей
//
// Exchanges:
//   - rex.effects — распределение эффектов между узлами
//   - rex.events  — события переходов (topic, routing key task.<STATE>)
//   - rex.dlq     — dead letter queue
package mq
