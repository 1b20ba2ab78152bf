package mq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected — нет открытого канала RabbitMQ.
var ErrNotConnected = errors.New("rabbitmq not connected")

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeEffects Exchange = "rex.effects"
	ExchangeEvents  Exchange = "rex.events"
	ExchangeDLQ     Exchange = "rex.dlq"
)

// Queues — имена очередей.
const (
	QueueEffects    Queue = "effects.pending"
	QueueDLQEffects Queue = "dlq.effects"
)

// Routing keys.
const (
	RoutingKeyEffect     RoutingKey = "effect"
	RoutingKeyDLQEffects RoutingKey = "effects"
)

// TransitionKey возвращает routing key события перехода в state.
// Наблюдатели подписываются на task.# или task.FAILED.
func TransitionKey(state string) RoutingKey {
	return RoutingKey("task." + state)
}

// SetupTopology объявляет обменники и очереди.
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
		{ExchangeEffects, "direct"},
		{ExchangeEvents, "topic"},
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
		"x-dead-letter-routing-key": string(RoutingKeyDLQEffects),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// Эффект, который не удалось выполнить повторно, уходит в DLQ
		{QueueEffects, dlqArgs},
		{QueueDLQEffects, nil},
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
		{QueueEffects, RoutingKeyEffect, ExchangeEffects},
		{QueueDLQEffects, RoutingKeyDLQEffects, ExchangeDLQ},
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
  rex RabbitMQ topology:

    rex.effects (direct)
    └── effects.pending [routing: effect]
            Consumer: every rex-server instance
            DLQ: dlq.effects

    rex.events (topic)
    └── (bound by external observers) [routing: task.<STATE>]

    rex.dlq (direct)
    └── dlq.effects [routing: effects]
            Manual processing
  `
}
