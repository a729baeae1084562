package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Envelope is the canonical event envelope published on the bus.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Account       string          `json:"account"`
	HousingID     string          `json:"housing_id"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	MeterReadingTopic     = "evt.myconso.meter_reading.v1"
	MeterReadingEventType = "myconso.meter_reading"
)

// MeterReading is one day of one counter.
type MeterReading struct {
	HousingID string          `json:"housing_id"`
	Counter   string          `json:"counter"`
	FluidType string          `json:"fluid_type"`
	MeterType string          `json:"meter_type"`
	Unit      string          `json:"unit"`
	Day       time.Time       `json:"day"`
	Value     decimal.Decimal `json:"value"`
	Index     decimal.Decimal `json:"index"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// NewMeterReadingEnvelope wraps readings for one counter. The payload is the JSON array.
func NewMeterReadingEnvelope(account, housingID string, readings []MeterReading, now time.Time) (*Envelope, error) {
	data, err := json.Marshal(readings)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:            uuid.New(),
		CorrelationID: uuid.New(),
		Account:       account,
		HousingID:     housingID,
		Topic:         MeterReadingTopic,
		EventType:     MeterReadingEventType,
		Version:       "1.0.0",
		Timestamp:     now.UTC(),
		Payload:       data,
	}, nil
}
