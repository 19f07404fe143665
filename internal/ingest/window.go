package ingest

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Window returns the fetch window for signed day offsets relative to now:
// from the start of day now+fromOffset to the end of day now+toOffset, both
// computed as calendar days in loc. Reversed offsets are swapped.
func Window(now time.Time, fromOffset, toOffset int, loc *time.Location) (from, to time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	if fromOffset > toOffset {
		fromOffset, toOffset = toOffset, fromOffset
	}
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	from = today.AddDate(0, 0, fromOffset)
	to = EndOfDay(today.AddDate(0, 0, toOffset))
	return from, to
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// EndOfDay returns the last nanosecond of t's calendar day in its location.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// ParseWindow parses an explicit fetch window. Both bounds or neither must be
// given; an empty pair yields nil bounds. Each bound is RFC 3339 or a bare
// YYYY-MM-DD date in loc, and a bare upper bound covers its whole day.
func ParseWindow(from, to string, loc *time.Location) (*time.Time, *time.Time, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if from == "" && to == "" {
		return nil, nil, nil
	}
	if from == "" || to == "" {
		return nil, nil, eris.New("date_from and date_to must be given together")
	}
	if loc == nil {
		loc = time.UTC
	}
	f, err := parseBound(from, loc, false)
	if err != nil {
		return nil, nil, eris.Wrap(err, "date_from")
	}
	t, err := parseBound(to, loc, true)
	if err != nil {
		return nil, nil, eris.Wrap(err, "date_to")
	}
	if t.Before(f) {
		return nil, nil, eris.New("date_to is before date_from")
	}
	return &f, &t, nil
}

func parseBound(v string, loc *time.Location, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		return time.Time{}, eris.Errorf("%q is neither YYYY-MM-DD nor RFC 3339", v)
	}
	if end {
		return EndOfDay(d), nil
	}
	return d, nil
}
