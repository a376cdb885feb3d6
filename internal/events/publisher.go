// Package events announces newly stored records on a RabbitMQ topic exchange so downstream
// consumers (alerting, archive) need not poll the database.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kjstillabower/balloon-tracker-service/internal/models"
	"github.com/kjstillabower/balloon-tracker-service/internal/observability"
)

// RoutingKeyPrefix is followed by the record kind, e.g. record.stored.weather.
const RoutingKeyPrefix = "record.stored."

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RecordStored is the event body.
type RecordStored struct {
	Kind     models.RecordKind `json:"kind"`
	StoredAt time.Time         `json:"storedAt"`
	Key      time.Time         `json:"key"`
	Record   models.Record     `json:"record"`
}

// Publisher implements persist.Notifier.
type Publisher struct {
	conn     *amqp.Connection
	channel  Channel
	exchange string
	logger   *zap.Logger
	now      func() time.Time
}

// Dial connects to url and declares exchange as a durable topic exchange.
func Dial(url, exchange string, logger *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	p, err := NewPublisher(ch, exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisher declares exchange on ch and returns a publisher using it.
func NewPublisher(ch Channel, exchange string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{channel: ch, exchange: exchange, logger: logger, now: time.Now}, nil
}

// RecordStored publishes one persistent message for rec.
func (p *Publisher) RecordStored(ctx context.Context, rec models.Record) error {
	kind := string(rec.Kind())
	body, err := json.Marshal(RecordStored{
		Kind:     rec.Kind(),
		StoredAt: models.Millis(p.now()),
		Key:      rec.Key(),
		Record:   rec,
	})
	if err != nil {
		observability.EventsPublishedTotal.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: observability.CorrelationID(ctx),
		Timestamp:     p.now().UTC(),
		Body:          body,
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, RoutingKeyPrefix+kind, false, false, msg); err != nil {
		observability.EventsPublishedTotal.WithLabelValues(kind, "error").Inc()
		return fmt.Errorf("publish %s event: %w", kind, err)
	}

	observability.EventsPublishedTotal.WithLabelValues(kind, "ok").Inc()
	observability.LoggerFrom(ctx, p.logger).Debug("published record event",
		zap.String("routing_key", RoutingKeyPrefix+kind),
		zap.String("message_id", msg.MessageId))
	return nil
}

// Close closes the channel and, when Dial opened it, the connection.
func (p *Publisher) Close() error {
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
