package scheduler

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CronExpression represents a parsed cron expression.
// Supports standard 5-field format: minute hour day-of-month month day-of-week
// Examples:
//   - "*/5 * * * *"   - every 5 minutes
//   - "0 8,20 * * *"  - 08:00 and 20:00 every day
//   - "30 7 * * 1-5"  - 07:30 on weekdays
type CronExpression struct {
	raw      string
	minutes  []int // 0-59
	hours    []int // 0-23
	days     []int // 1-31
	months   []int // 1-12
	weekdays []int // 0-6 (0 = Sunday)
}

// ParseCronExpression parses a cron expression string.
// Format: minute hour day-of-month month day-of-week
// Supports: *, */n, n, n-m, n-m/s, n/s and comma lists of those.
func ParseCronExpression(expr string) (*CronExpression, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("invalid cron expression: expected 5 fields, got %d", len(fields))
	}

	ce := &CronExpression{raw: expr}
	var err error

	ce.minutes, err = parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}

	ce.hours, err = parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}

	ce.days, err = parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("invalid day field: %w", err)
	}

	ce.months, err = parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}

	ce.weekdays, err = parseField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("invalid weekday field: %w", err)
	}

	return ce, nil
}

// parseField parses a single cron field. Lists may mix values, ranges and
// steps ("1-5,10,*/15").
func parseField(field string, min, max int) ([]int, error) {
	if field == "" {
		return nil, fmt.Errorf("empty field")
	}

	if strings.Contains(field, ",") {
		seen := make(map[int]bool)
		var result []int
		for _, part := range strings.Split(field, ",") {
			vals, err := parseField(strings.TrimSpace(part), min, max)
			if err != nil {
				return nil, err
			}
			for _, v := range vals {
				if !seen[v] {
					seen[v] = true
					result = append(result, v)
				}
			}
		}
		sort.Ints(result)
		return result, nil
	}

	step := 1
	if base, stepStr, ok := strings.Cut(field, "/"); ok {
		s, err := strconv.Atoi(stepStr)
		if err != nil || s <= 0 {
			return nil, fmt.Errorf("invalid step value: %s", stepStr)
		}
		step = s
		field = base
	}

	start, end, err := parseRange(field, min, max)
	if err != nil {
		return nil, err
	}
	if step > 1 && start == end && field != "*" {
		end = max
	}

	var result []int
	for i := start; i <= end; i += step {
		result = append(result, i)
	}
	return result, nil
}

// parseRange parses "*", "n" or "n-m". A lone value followed by a step
// ("5/15") runs to max.
func parseRange(field string, min, max int) (int, int, error) {
	if field == "*" {
		return min, max, nil
	}

	if lo, hi, ok := strings.Cut(field, "-"); ok {
		start, err := parseValue(lo, min, max)
		if err != nil {
			return 0, 0, err
		}
		end, err := parseValue(hi, min, max)
		if err != nil {
			return 0, 0, err
		}
		if start > end {
			return 0, 0, fmt.Errorf("invalid range: %s", field)
		}
		return start, end, nil
	}

	v, err := parseValue(field, min, max)
	if err != nil {
		return 0, 0, err
	}
	return v, v, nil
}

func parseValue(s string, min, max int) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value: %s", s)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value out of range [%d-%d]: %d", min, max, v)
	}
	return v, nil
}

func (ce *CronExpression) String() string {
	return ce.raw
}

// cronHorizon bounds the search in Next. Every valid expression except an
// impossible date such as "0 0 31 2 *" matches well inside it.
const cronHorizon = 5 * 366 * 24 * time.Hour

// Next returns the first matching minute strictly after after, in after's
// location, or the zero time when nothing matches within five years.
// Non-matching days and hours are skipped whole.
func (ce *CronExpression) Next(after time.Time) time.Time {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(cronHorizon)

	for t.Before(limit) {
		if !slices.Contains(ce.months, int(t.Month())) ||
			!slices.Contains(ce.days, t.Day()) ||
			!slices.Contains(ce.weekdays, int(t.Weekday())) {
			y, m, d := t.Date()
			t = time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !slices.Contains(ce.hours, t.Hour()) {
			y, m, d := t.Date()
			next := time.Date(y, m, d, t.Hour()+1, 0, 0, 0, t.Location())
			if !next.After(t) {
				// zone transition mapped the boundary back onto t
				next = t.Truncate(time.Hour).Add(time.Hour)
			}
			t = next
			continue
		}
		if slices.Contains(ce.minutes, t.Minute()) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

// MustParseCronExpression is ParseCronExpression for constants. It panics on
// a bad expression.
func MustParseCronExpression(expr string) *CronExpression {
	ce, err := ParseCronExpression(expr)
	if err != nil {
		panic(fmt.Sprintf("invalid cron expression %q: %v", expr, err))
	}
	return ce
}
