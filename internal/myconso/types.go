package myconso

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/myconso/pkg/model"
)

// Document is a decoded JSON object with its JSON-LD keys removed.
type Document map[string]any

// CleanJSONLD drops top-level keys that start with "@". Nested objects are kept as is.
func CleanJSONLD(doc Document) Document {
	for k := range doc {
		if strings.HasPrefix(k, "@") {
			delete(doc, k)
		}
	}
	return doc
}

// decodeDocument keeps numbers as json.Number so values survive without float rounding.
func decodeDocument(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return CleanJSONLD(doc), nil
}

// Dashboard is the consumption summary of a housing.
type Dashboard struct {
	CurrentMonth DashboardPeriod `json:"currentMonth"`

	// Raw keeps every field of the cleaned response, typed or not.
	Raw Document `json:"-"`
}

type DashboardPeriod struct {
	Values []FluidSummary `json:"values"`
}

// FluidSummary aggregates the counters of one fluid type.
type FluidSummary struct {
	Counters      []model.FlexString  `json:"counters"`
	FluidType     string              `json:"fluidType"`
	MeterType     string              `json:"meterType"`
	Unit          string              `json:"unit"`
	Value         decimal.NullDecimal `json:"value"`
	MinValue      decimal.NullDecimal `json:"minValue"`
	MaxValue      decimal.NullDecimal `json:"maxValue"`
	WeightedValue decimal.NullDecimal `json:"weightedValue"`
}

// Counter is a meter of the housing, as listed by the dashboard.
type Counter struct {
	Counter   string `json:"counter"`
	FluidType string `json:"fluidType"`
	MeterType string `json:"meterType"`
	Unit      string `json:"unit"`
}

// Counters flattens the dashboard values into one entry per counter, in response order.
func (d *Dashboard) Counters() []Counter {
	var out []Counter
	for _, v := range d.CurrentMonth.Values {
		for _, c := range v.Counters {
			out = append(out, Counter{
				Counter:   string(c),
				FluidType: v.FluidType,
				MeterType: v.MeterType,
				Unit:      v.Unit,
			})
		}
	}
	return out
}
