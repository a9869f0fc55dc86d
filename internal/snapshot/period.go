package snapshot

import (
	"fmt"
	"time"

	"github.com/lalith-99/insightops/internal/models"
)

// PeriodBounds returns the [start, end) period of the given type that
// contains t. Weeks start on Monday. All bounds are UTC midnights.
func PeriodBounds(pt models.PeriodType, t time.Time) (time.Time, time.Time, error) {
	day := models.Day(t)
	switch pt {
	case models.PeriodDaily:
		return day, day.AddDate(0, 0, 1), nil
	case models.PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7), nil
	case models.PeriodMonthly:
		start := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown period type %q", pt)
	}
}

// LastComplete returns the most recent period of type pt that ended at or
// before now.
func LastComplete(pt models.PeriodType, now time.Time) (time.Time, time.Time, error) {
	current, _, err := PeriodBounds(pt, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return PeriodBounds(pt, current.Add(-time.Nanosecond))
}
