package schedule

import (
	"fmt"
	"math"
	"time"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
)

const dateLayout = "2006-01-02"

// parseClock parses a "HH:MM" time of day.
func parseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time of day %q must be HH:MM", ErrInvalid, s)
	}
	return t.Hour(), t.Minute(), nil
}

// occurrence is one concrete instance of a schedule's window.
type occurrence struct {
	date  string
	start time.Time
	end   time.Time
}

func (o occurrence) firing(edge storage.Edge) storage.Firing {
	return storage.Firing{Date: o.date, Edge: edge}
}

// occurrences returns the windows starting yesterday and today in loc, so
// that a window crossing midnight is still seen after the date changes.
func occurrences(s *storage.Schedule, now time.Time, loc *time.Location) ([]occurrence, error) {
	startH, startM, err := parseClock(s.Start)
	if err != nil {
		return nil, err
	}
	endH, endM, err := parseClock(s.End)
	if err != nil {
		return nil, err
	}

	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	var out []occurrence
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		if !s.RunsOn(day.Weekday()) {
			continue
		}

		start := time.Date(day.Year(), day.Month(), day.Day(), startH, startM, 0, 0, loc)
		end := time.Date(day.Year(), day.Month(), day.Day(), endH, endM, 0, 0, loc)
		if !end.After(start) {
			end = end.AddDate(0, 0, 1)
		}

		out = append(out, occurrence{date: day.Format(dateLayout), start: start, end: end})
	}
	return out, nil
}

// minutesUntil rounds up so a connect always covers the rest of the window.
func minutesUntil(end, now time.Time) int {
	m := int(math.Ceil(end.Sub(now).Minutes()))
	if m < 1 {
		return 1
	}
	return m
}
