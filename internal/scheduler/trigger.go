package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger computes the next fire time strictly after a given instant.
// A zero return means the trigger will never fire again.
type Trigger interface {
	Next(after time.Time) time.Time
}

// Cron parses a standard five-field cron expression.
// Descriptors such as "@daily" and a CRON_TZ= prefix are accepted.
func Cron(spec string) (Trigger, error) {
	s, err := cron.ParseStandard(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", spec, err)
	}
	return s, nil
}

// DailyAt fires every day at hour:minute in the location of the instant
// passed to Next.
func DailyAt(hour, minute int) (Trigger, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("invalid clock time %02d:%02d", hour, minute)
	}
	return Cron(fmt.Sprintf("%d %d * * *", minute, hour))
}

// ParseClock parses "HH:MM" into a DailyAt trigger.
func ParseClock(s string) (Trigger, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid clock time %q: want HH:MM", s)
	}
	return DailyAt(t.Hour(), t.Minute())
}

// Hourly fires at the top of every hour.
func Hourly() Trigger {
	s, err := cron.ParseStandard("@hourly")
	if err != nil {
		panic(err)
	}
	return s
}

// Every fires at a fixed interval measured from the previous computation.
// Intervals below one second are rounded up to one second.
func Every(d time.Duration) Trigger {
	return cron.Every(d)
}
