package scheduler

import (
	"time"

	"github.com/ignite/nurture/internal/domain"
)

// NextBusinessHourSlot normalises a candidate send time into the lead's
// business-hour window: the next instant >= candidate, in the lead's zone,
// within [startHour, endHour), on a non-weekend non-paused day, rounded up
// to the next windowMinutes boundary. Weekends and paused dates push to the
// next open day at startHour.
func NextBusinessHourSlot(candidate time.Time, timezone string, settings *domain.Settings) time.Time {
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}
	bh := settings.BusinessHours
	window := bh.WindowMinutes
	if window <= 0 {
		window = 15
	}

	t := candidate.In(loc)
	// Bounded iteration: paused-date runs longer than a year are a
	// configuration error, not a scheduling case.
	for i := 0; i < 366; i++ {
		if bh.IsWeekend(t) || settings.IsPausedDate(t) {
			t = nextDayStart(t, bh.StartHour)
			continue
		}
		if t.Hour() < bh.StartHour {
			t = time.Date(t.Year(), t.Month(), t.Day(), bh.StartHour, 0, 0, 0, loc)
			continue
		}
		if t.Hour() >= bh.EndHour {
			t = nextDayStart(t, bh.StartHour)
			continue
		}

		rounded := roundUpToWindow(t, window)
		if rounded.Hour() >= bh.EndHour || rounded.Day() != t.Day() {
			t = nextDayStart(t, bh.StartHour)
			continue
		}
		return rounded
	}
	return t
}

func nextDayStart(t time.Time, startHour int) time.Time {
	next := t.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), startHour, 0, 0, 0, t.Location())
}

func roundUpToWindow(t time.Time, windowMinutes int) time.Time {
	base := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	offset := t.Sub(base)
	step := time.Duration(windowMinutes) * time.Minute
	slots := offset / step
	if offset%step != 0 {
		slots++
	}
	return base.Add(slots * step)
}
