package myconso

import "time"

// DateLayout is ISO-8601 with millisecond precision and a numeric offset.
const DateLayout = "2006-01-02T15:04:05.000-07:00"

// MonthBounds returns the first and last instant of now's calendar month in UTC.
// The upper bound is whole-second, 23:59:59.000 on the last day.
func MonthBounds(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, 0).Add(-time.Second)
	return first, last
}

// FormatDate renders t in UTC with DateLayout.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// DateRange is an optional query window. Zero bounds default to the current month.
type DateRange struct {
	Start time.Time
	End   time.Time
}

func (r DateRange) resolve(now time.Time) (time.Time, time.Time) {
	first, last := MonthBounds(now)
	start, end := r.Start, r.End
	if start.IsZero() {
		start = first
	}
	if end.IsZero() {
		end = last
	}
	return start, end
}
