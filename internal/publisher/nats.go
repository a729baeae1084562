package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/myconso/internal/metrics"
	"github.com/Checker-Finance/myconso/pkg/model"
)

// msgPublisher is the part of nats.JetStreamContext we use.
type msgPublisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATS publishes envelopes through JetStream.
type NATS struct {
	nc      *nats.Conn
	js      msgPublisher
	subject string
	service string
	logger  *zap.Logger
}

// NewNATS creates a JetStream publisher. subject is used when PublishEnvelope gets an empty one.
func NewNATS(nc *nats.Conn, subject, service string, logger *zap.Logger) (*NATS, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{nc: nc, js: js, subject: subject, service: service, logger: logger}, nil
}

// PublishEnvelope serializes and publishes a canonical event envelope.
func (p *NATS) PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("publisher.marshal_failed",
			zap.String("subject", subject),
			zap.String("event_type", env.EventType),
			zap.Error(err))
		return err
	}

	if subject == "" {
		subject = p.subject
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"event_type":     []string{env.EventType},
			"correlation_id": []string{env.CorrelationID.String()},
			"service":        []string{p.service},
			"content_type":   []string{"application/json"},
			"housing_id":     []string{env.HousingID},
		},
	}
	// dedupe on redelivery of the same envelope
	msg.Header.Set(nats.MsgIdHdr, env.ID.String())

	start := time.Now()
	_, err = p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		p.logger.Error("publisher.publish_failed",
			zap.String("subject", subject),
			zap.String("event_type", env.EventType),
			zap.Error(err))
		metrics.IncPublish("nats", subject, "error")
		return err
	}

	p.logger.Info("publisher.publish_success",
		zap.String("subject", subject),
		zap.String("event_type", env.EventType),
		zap.Duration("elapsed", time.Since(start)))
	metrics.IncPublish("nats", subject, "ok")
	return nil
}

func (p *NATS) Close() error {
	if p.nc != nil && p.nc.IsConnected() {
		p.nc.Close()
	}
	return nil
}
