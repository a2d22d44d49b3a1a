// Package schedule computes when recurring tasks should fire next.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind selects the schedule shape.
type Kind string

const (
	Manual   Kind = "manual"
	Once     Kind = "once"
	Interval Kind = "interval"
	Daily    Kind = "daily"
	Weekly   Kind = "weekly"
	Monthly  Kind = "monthly"
)

// Schedule is a tagged variant; only the fields of the active Kind matter.
// Time is "HH:MM" local, Days are lowercase three-letter weekday names,
// StartDate is "2006-01-02".
type Schedule struct {
	Kind        Kind     `json:"type"`
	Minutes     int      `json:"minutes,omitempty"`
	Time        string   `json:"time,omitempty"`
	Days        []string `json:"days,omitempty"`
	DayOfMonth  int      `json:"day_of_month,omitempty"`
	RecurMonths int      `json:"recur_months,omitempty"`
	StartDate   string   `json:"start_date,omitempty"`
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// parseClock parses "HH:MM" and rejects out-of-range components.
func parseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time format %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time format %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time format %q", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time out of range %d:%d", hour, minute)
	}
	return hour, minute, nil
}

// NextRun returns the next firing time strictly relevant to now, or false
// when the schedule produces no future run (manual, missed one-shots and
// malformed shapes).
func (s Schedule) NextRun(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case Interval:
		minutes := s.Minutes
		if minutes < 1 {
			minutes = 1
		}
		return now.Add(time.Duration(minutes) * time.Minute), true
	case Daily, Once, Weekly, Monthly:
		hour, minute, err := parseClock(s.Time)
		if err != nil {
			return time.Time{}, false
		}
		base := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		switch s.Kind {
		case Daily:
			if !base.After(now) {
				base = base.AddDate(0, 0, 1)
			}
			return base, true
		case Once:
			if !base.After(now) {
				return time.Time{}, false
			}
			return base, true
		case Weekly:
			return s.nextWeekly(now, base)
		case Monthly:
			return s.nextMonthly(now, base)
		}
	}
	return time.Time{}, false
}

// nextWeekly scans the next 8 calendar days from the time-of-day anchor and
// picks the first enabled weekday strictly after now.
func (s Schedule) nextWeekly(now, base time.Time) (time.Time, bool) {
	targets := make(map[time.Weekday]bool, len(s.Days))
	for _, d := range s.Days {
		name := strings.ToLower(d)
		if len(name) > 3 {
			name = name[:3]
		}
		if wd, ok := weekdayNames[name]; ok {
			targets[wd] = true
		}
	}
	if len(targets) == 0 {
		return time.Time{}, false
	}
	for offset := 0; offset < 8; offset++ {
		candidate := base.AddDate(0, 0, offset)
		if targets[candidate.Weekday()] && candidate.After(now) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

// nextMonthly walks forward by RecurMonths from the anchor month, skipping
// months where the day does not exist, for at most 24 iterations.
func (s Schedule) nextMonthly(now, base time.Time) (time.Time, bool) {
	if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
		return time.Time{}, false
	}
	recur := s.RecurMonths
	if recur < 1 {
		recur = 1
	}
	candidate := base
	if s.StartDate != "" {
		if start, err := time.ParseInLocation("2006-01-02", s.StartDate, now.Location()); err == nil {
			candidate = time.Date(start.Year(), start.Month(), start.Day(), base.Hour(), base.Minute(), 0, 0, now.Location())
		}
	}
	for i := 0; i < 24; i++ {
		year, month := candidate.Year(), candidate.Month()
		if dayExists(year, month, s.DayOfMonth) {
			at := time.Date(year, month, s.DayOfMonth, base.Hour(), base.Minute(), 0, 0, now.Location())
			if at.After(now) {
				return at, true
			}
		}
		candidate = time.Date(year, month, 1, base.Hour(), base.Minute(), 0, 0, now.Location()).AddDate(0, recur, 0)
	}
	return time.Time{}, false
}

// dayExists reports whether the month has the given day (Feb 31 does not).
func dayExists(year int, month time.Month, day int) bool {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Day() == day
}

// Summary renders a short human label for task listings.
func (s Schedule) Summary() string {
	switch s.Kind {
	case Interval:
		if s.Minutes > 0 {
			return fmt.Sprintf("Every %d min", s.Minutes)
		}
		return "Interval"
	case Daily:
		return strings.TrimSpace("Daily " + s.Time)
	case Weekly:
		dayText := strings.Join(s.Days, ",")
		switch {
		case dayText != "" && s.Time != "":
			return fmt.Sprintf("Weekly %s %s", dayText, s.Time)
		case dayText != "":
			return "Weekly " + dayText
		default:
			return "Weekly"
		}
	case Monthly:
		if s.RecurMonths > 1 {
			return strings.TrimSpace(fmt.Sprintf("Every %d months on day %d at %s", s.RecurMonths, s.DayOfMonth, s.Time))
		}
		return strings.TrimSpace(fmt.Sprintf("Monthly on day %d at %s", s.DayOfMonth, s.Time))
	case Once:
		return strings.TrimSpace("Once " + s.Time)
	}
	return "Manual"
}
