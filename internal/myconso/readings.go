package myconso

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Checker-Finance/myconso/pkg/model"
)

var (
	seriesKeys = []string{"values", "data", "measures"}
	dateKeys   = []string{"date", "day", "startDate", "measureDate"}
)

// ParseReadings turns a meter series document into one reading per dated point.
// Points without a parseable date or value are skipped.
func ParseReadings(doc Document, housing string, ctr Counter, fetchedAt time.Time) []model.MeterReading {
	var points []any
	for _, k := range seriesKeys {
		if arr, ok := doc[k].([]any); ok {
			points = arr
			break
		}
	}

	out := make([]model.MeterReading, 0, len(points))
	for _, p := range points {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		day, ok := pointDate(m)
		if !ok {
			continue
		}
		value, ok := toDecimal(m["value"])
		if !ok {
			continue
		}
		index, _ := toDecimal(m["index"])
		out = append(out, model.MeterReading{
			HousingID: housing,
			Counter:   ctr.Counter,
			FluidType: ctr.FluidType,
			MeterType: ctr.MeterType,
			Unit:      ctr.Unit,
			Day:       day,
			Value:     value,
			Index:     index,
			FetchedAt: fetchedAt.UTC(),
		})
	}
	return out
}

func pointDate(m map[string]any) (time.Time, bool) {
	for _, k := range dateKeys {
		s, ok := m[k].(string)
		if !ok || s == "" {
			continue
		}
		for _, layout := range []string{DateLayout, time.RFC3339Nano, time.DateOnly} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	var s string
	switch x := v.(type) {
	case json.Number:
		s = x.String()
	case string:
		s = x
	case float64:
		return decimal.NewFromFloat(x), true
	default:
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// String identifies the counter in logs.
func (c Counter) String() string {
	return fmt.Sprintf("%s/%s/%s", c.FluidType, c.MeterType, c.Counter)
}
