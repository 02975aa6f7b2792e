package cache

import (
	"fmt"
	"time"
)

const dayKeyLayout = "2006-01-02"

// Rollover defines when one challenge day ends and the next begins: the
// calendar date in Location, shifted back one day before Hour.
type Rollover struct {
	Location *time.Location
	Hour     int
}

// NewRollover loads the named time zone. An empty name means UTC.
func NewRollover(tz string, hour int) (Rollover, error) {
	if hour < 0 || hour > 23 {
		return Rollover{}, fmt.Errorf("rollover hour out of range: %d", hour)
	}
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return Rollover{}, fmt.Errorf("load time zone %q: %w", tz, err)
		}
		loc = l
	}
	return Rollover{Location: loc, Hour: hour}, nil
}

func (r Rollover) location() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// DayKey returns the challenge-day key in effect at now.
func (r Rollover) DayKey(now time.Time) string {
	local := now.In(r.location())
	if local.Hour() < r.Hour {
		local = local.AddDate(0, 0, -1)
	}
	return local.Format(dayKeyLayout)
}

// Next returns the first rollover instant strictly after now.
func (r Rollover) Next(now time.Time) time.Time {
	local := now.In(r.location())
	next := time.Date(local.Year(), local.Month(), local.Day(), r.Hour, 0, 0, 0, r.location())
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, r.Hour, 0, 0, 0, r.location())
	}
	return next
}

// Until returns the time left before the next rollover.
func (r Rollover) Until(now time.Time) time.Duration {
	return r.Next(now).Sub(now)
}
