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

// Типы сообщений.
const (
	MessageTypeEffect     MessageType = "effect.dispatch"
	MessageTypeTransition MessageType = "task.transition"
)

// Message — конверт сообщения.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Source    string          `json:"source,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage кодирует payload в конверт.
func NewMessage(msgType MessageType, source string, payload any, at time.Time) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Source:    source,
		Payload:   data,
		Timestamp: at,
	}, nil
}

// TransitionPayload — событие перехода для внешних наблюдателей.
type TransitionPayload struct {
	Task   string    `json:"task"`
	Before string    `json:"before"`
	After  string    `json:"after"`
	At     time.Time `json:"at"`

	// Snapshot — состояние task после перехода.
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	source string
	logger *slog.Logger
}

// NewPublisher создаёт Publisher. source — идентификатор узла-отправителя.
func NewPublisher(conn *Connection, source string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		source: source,
		logger: logger,
	}
}

// Connected проверяет, можно ли сейчас публиковать.
func (p *Publisher) Connected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Publish публикует сообщение и ждёт подтверждения брокера.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		confirm, err := ch.PublishWithDeferredConfirmWithContext(
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

		if confirm != nil {
			acked, err := confirm.WaitContext(ctx)
			if err != nil {
				return fmt.Errorf("wait confirm %s/%s: %w", exchange, routingKey, err)
			}
			if !acked {
				return fmt.Errorf("publish to %s/%s: nacked by broker", exchange, routingKey)
			}
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

// PublishEffect отправляет эффект в общую очередь узлов.
func (p *Publisher) PublishEffect(ctx context.Context, effect any) error {
	msg, err := NewMessage(MessageTypeEffect, p.source, effect, time.Now())
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeEffects, RoutingKeyEffect, msg)
}

// PublishTransition публикует событие перехода.
func (p *Publisher) PublishTransition(ctx context.Context, event TransitionPayload) error {
	msg, err := NewMessage(MessageTypeTransition, p.source, event, time.Now())
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeEvents, TransitionKey(event.After), msg)
}
