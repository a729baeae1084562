package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Checker-Finance/myconso/internal/myconso"
)

var dateLayouts = []string{myconso.DateLayout, time.RFC3339Nano, time.DateOnly}

// parseRange reads the optional start and end query parameters.
func parseRange(c *fiber.Ctx) (myconso.DateRange, error) {
	var r myconso.DateRange
	var err error
	if r.Start, err = parseDate(c.Query("start")); err != nil {
		return r, fmt.Errorf("invalid start: %w", err)
	}
	if r.End, err = parseDate(c.Query("end")); err != nil {
		return r, fmt.Errorf("invalid end: %w", err)
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return r, fmt.Errorf("end %s is before start %s", r.End.Format(time.DateOnly), r.Start.Format(time.DateOnly))
	}
	return r, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a date (use YYYY-MM-DD or RFC 3339)", s)
}
