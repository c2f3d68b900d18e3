package quota

import (
	"time"

	"chatgate/pkg/clock"
)

// NextReset returns the next occurrence of day-of-month at 00:00 in the
// reporting zone, strictly after now. The configured day is clamped to the
// last valid day of the target month, so day 31 in February collapses to the
// 28th (or 29th).
func NextReset(now time.Time, day int) time.Time {
	now = now.In(clock.Reporting)
	candidate := resetInstant(now.Year(), now.Month(), day)
	if candidate.After(now) {
		return candidate
	}
	year, month := now.Year(), now.Month()
	if month == time.December {
		year, month = year+1, time.January
	} else {
		month++
	}
	return resetInstant(year, month, day)
}

func resetInstant(year int, month time.Month, day int) time.Time {
	if day < 1 {
		day = 1
	}
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, clock.Reporting)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, clock.Reporting).Day()
}
