package usecase

import "time"

// Quiet hours run from 22:00 up to but not including 07:00 local time.
// Both bounds are fixed product behavior, not configuration.
const (
	quietHoursStart = 22
	quietHoursEnd   = 7
)

// CalendarDay returns the local calendar day a timestamp falls on, in
// YYYY-MM-DD form. Derived from the message's own timestamp so a delayed
// worker attributes the message to the day it was sent, not the day it was
// processed.
func CalendarDay(ts time.Time, loc *time.Location) string {
	return ts.In(loc).Format("2006-01-02")
}

// InQuietHours reports whether a timestamp falls inside the local quiet-hours
// window. The window wraps midnight: 22:00 and later, or before 07:00.
func InQuietHours(ts time.Time, loc *time.Location) bool {
	h := ts.In(loc).Hour()
	return h >= quietHoursStart || h < quietHoursEnd
}
