package markethours

import (
	"fmt"
	"strings"
	"time"
)

// Clock is a wall-clock time of day in IST.
type Clock struct {
	Hour   int
	Minute int
}

// DefaultCutover is Kite's daily session reset.
var DefaultCutover = Clock{Hour: 6, Minute: 0}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	var c Clock
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &c.Hour, &c.Minute); err != nil {
		return Clock{}, fmt.Errorf("parse clock %q: %w", s, err)
	}
	if c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 {
		return Clock{}, fmt.Errorf("parse clock %q: out of range", s)
	}
	return c, nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// SessionExpiry returns the first cutover strictly after issuedAt, in IST.
// A session issued at 03:00 expires at 06:00 the same day; one issued at
// 09:00 expires at 06:00 the next day.
func SessionExpiry(issuedAt time.Time, cutover Clock) time.Time {
	ist := issuedAt.In(IST)
	next := time.Date(ist.Year(), ist.Month(), ist.Day(), cutover.Hour, cutover.Minute, 0, 0, IST)
	if !ist.Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// Day truncates t to midnight IST.
func Day(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, IST)
}

// MostRecentWeekday returns the latest date on or before today (IST) that
// falls on wd.
func MostRecentWeekday(today time.Time, wd time.Weekday) time.Time {
	d := Day(today)
	back := (int(d.Weekday()) - int(wd) + 7) % 7
	return d.AddDate(0, 0, -back)
}

// ParseWeekday accepts full or three-letter English day names.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		name := strings.ToLower(wd.String())
		if s == name || s == name[:3] {
			return wd, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", s)
}
