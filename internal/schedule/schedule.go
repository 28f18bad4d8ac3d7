package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes the next run strictly after now. A zero result means "never".
type Schedule interface {
	Next(now time.Time) time.Time
}

// Parser accepts both 5-field and 6-field (with seconds) specs and descriptors.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type located struct {
	base cron.Schedule
	loc  *time.Location
}

func (s located) Next(now time.Time) time.Time { return s.base.Next(now.In(s.loc)) }

// Every runs d after the previous evaluation, rounded down to whole seconds.
func Every(d time.Duration) Schedule {
	return cron.Every(d)
}

// Cron parses a cron expression evaluated in loc (nil means time.Local).
func Cron(expr string, loc *time.Location) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	base, err := Parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.Local
	}
	return located{base: base, loc: loc}, nil
}

// Daily runs once a day at hhmm in loc.
func Daily(hhmm string, loc *time.Location) (Schedule, error) {
	h, m, err := parseHHMM(hhmm)
	if err != nil {
		return nil, err
	}
	return Cron(fmt.Sprintf("%d %d * * *", m, h), loc)
}

// Parse accepts any form understood by ParseSchedule.
func Parse(raw string, loc *time.Location) (Schedule, error) {
	p, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	if p.Kind == SpecInterval {
		return Every(p.Every), nil
	}
	return Cron(p.CronSpec(), loc)
}

// LoadLocation resolves an IANA name; empty means time.Local.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
