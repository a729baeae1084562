package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/myconso/internal/metrics"
	"github.com/Checker-Finance/myconso/pkg/model"
)

// amqpChannel is the part of *amqp.Channel we use.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes envelopes to RabbitMQ. The subject is used as routing key.
type AMQP struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	logger   *zap.Logger
}

// NewAMQP dials url and opens a channel.
func NewAMQP(url, exchange string, logger *zap.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQP{conn: conn, channel: channel, exchange: exchange, logger: logger}, nil
}

func (p *AMQP) PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error {
	if subject == "" {
		subject = env.Topic
	}
	body, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("publisher.marshal_failed", zap.String("subject", subject), zap.Error(err))
		return err
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		subject,    // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.ID.String(),
			CorrelationId: env.CorrelationID.String(),
			Type:          env.EventType,
			Timestamp:     env.Timestamp,
			Body:          body,
		},
	)
	if err != nil {
		p.logger.Error("publisher.publish_failed", zap.String("subject", subject), zap.Error(err))
		metrics.IncPublish("amqp", subject, "error")
		return err
	}

	p.logger.Info("publisher.publish_success",
		zap.String("subject", subject),
		zap.String("event_type", env.EventType))
	metrics.IncPublish("amqp", subject, "ok")
	return nil
}

func (p *AMQP) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
