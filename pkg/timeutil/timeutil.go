// Package timeutil provides calendar helpers bound to the platform's
// reporting timezone. Records are keyed by calendar date in that zone, so
// every "today" in the tracker goes through a Calendar.
package timeutil

import (
	"fmt"
	"time"
)

// Common date/time formats.
const (
	// FormatDate is the storage and wire format for calendar dates (YYYY-MM-DD).
	FormatDate = "2006-01-02"
	// FormatTime is the clock format (HH:MM).
	FormatTime = "15:04"
	// FormatDateTime is the human datetime format.
	FormatDateTime = "2006-01-02 15:04"
)

// Calendar resolves instants to calendar dates in a fixed location.
type Calendar struct {
	loc *time.Location
	now func() time.Time
}

// NewCalendar returns a Calendar for loc. A nil loc means UTC.
func NewCalendar(loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{loc: loc, now: time.Now}
}

// WithClock returns a copy of the calendar that reads time from now.
func (c *Calendar) WithClock(now func() time.Time) *Calendar {
	return &Calendar{loc: c.loc, now: now}
}

// Location returns the reporting location.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Now returns the current instant in the reporting location.
func (c *Calendar) Now() time.Time {
	return c.now().In(c.loc)
}

// Today returns the current calendar date key.
func (c *Calendar) Today() string {
	return c.DateKey(c.now())
}

// DateKey converts an instant to its calendar date key in the reporting location.
func (c *Calendar) DateKey(t time.Time) string {
	return t.In(c.loc).Format(FormatDate)
}

// StartOfDay returns midnight of t's calendar day in the reporting location.
func (c *Calendar) StartOfDay(t time.Time) time.Time {
	l := t.In(c.loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, c.loc)
}

// Hour returns the wall clock hour of the current instant.
func (c *Calendar) Hour() int {
	return c.Now().Hour()
}

// ParseDate validates a YYYY-MM-DD key and returns it as UTC midnight.
func ParseDate(value string) (time.Time, error) {
	t, err := time.Parse(FormatDate, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", value, err)
	}
	return t, nil
}

// ValidDate reports whether value is a well-formed date key.
func ValidDate(value string) bool {
	_, err := ParseDate(value)
	return err == nil
}

// AddDays shifts a date key by n calendar days.
func AddDays(date string, n int) (string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, n).Format(FormatDate), nil
}

// MustAddDays is AddDays for keys already known to be valid.
func MustAddDays(date string, n int) string {
	out, err := AddDays(date, n)
	if err != nil {
		panic(err)
	}
	return out
}

// DaysBetween returns the signed number of calendar days from a to b.
func DaysBetween(a, b string) (int, error) {
	ta, err := ParseDate(a)
	if err != nil {
		return 0, err
	}
	tb, err := ParseDate(b)
	if err != nil {
		return 0, err
	}
	return int(tb.Sub(ta).Hours() / 24), nil
}

// DateRange returns every date key from `from` to `to`, inclusive.
func DateRange(from, to string) ([]string, error) {
	n, err := DaysBetween(from, to)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	out := make([]string, 0, n+1)
	for i := 0; i <= n; i++ {
		out = append(out, MustAddDays(from, i))
	}
	return out, nil
}
