package scheduler

import "time"

// IntervalSchedule fires every Interval, counted from the start of the
// previous run, so a slow run does not push later ones back.
type IntervalSchedule struct {
	Interval time.Duration
}

// NewIntervalSchedule clamps non-positive intervals to one minute.
func NewIntervalSchedule(interval time.Duration) *IntervalSchedule {
	if interval <= 0 {
		interval = time.Minute
	}
	return &IntervalSchedule{Interval: interval}
}

func (s *IntervalSchedule) Next(t time.Time) time.Time { return t.Add(s.Interval) }

func (s *IntervalSchedule) String() string { return "@every " + s.Interval.String() }
