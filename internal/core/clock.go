package core

import "time"

// Clock supplies the current time for timestamps and durations.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reports wall-clock time in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// durationMinutes returns the whole minutes elapsed between start and end,
// never negative.
func durationMinutes(start *time.Time, end time.Time) int {
	if start == nil {
		return 0
	}
	d := end.Sub(*start)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}
