package publisher

import (
	"context"
	"time"

	"github.com/Checker-Finance/myconso/pkg/model"
)

// Publisher delivers canonical envelopes to the event bus.
type Publisher interface {
	PublishEnvelope(ctx context.Context, subject string, env *model.Envelope) error
	Close() error
}

// PublishMeterReadings wraps readings in one envelope and publishes it on the
// meter reading topic. Empty batches are dropped.
func PublishMeterReadings(ctx context.Context, p Publisher, account, housingID string, readings []model.MeterReading) error {
	if len(readings) == 0 {
		return nil
	}
	env, err := model.NewMeterReadingEnvelope(account, housingID, readings, time.Now())
	if err != nil {
		return err
	}
	return p.PublishEnvelope(ctx, model.MeterReadingTopic, env)
}

// Nop discards everything. It is used when no bus is configured.
type Nop struct{}

func (Nop) PublishEnvelope(context.Context, string, *model.Envelope) error { return nil }
func (Nop) Close() error                                                  { return nil }
