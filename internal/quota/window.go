package quota

import (
	"fmt"
	"time"
)

// DayKey formats the UTC calendar day of now, e.g. 2025-03-14.
func DayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// NextUTCDay returns the next UTC midnight after now.
func NextUTCDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// ISOWeekKey formats the ISO-8601 week of now, e.g. 2025-W07. The year is the
// ISO week-numbering year, which differs from the calendar year around
// January 1st.
func ISOWeekKey(now time.Time) string {
	year, week := now.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// NextISOWeek returns the Monday 00:00 UTC that starts the week after now.
func NextISOWeek(now time.Time) time.Time {
	utc := now.UTC()
	y, m, d := utc.Date()
	weekday := int(utc.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	return time.Date(y, m, d+8-weekday, 0, 0, 0, 0, time.UTC)
}
