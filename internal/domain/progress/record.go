// Package progress holds the tracker's core model: the canonical daily
// SessionRecord, the partial observations sources produce, the merge rule
// that folds one into the other, and read-time derivations (streak, weekly
// summary). Nothing here performs I/O.
package progress

import (
	"strings"
	"time"

	"github.com/study-tracker/synthesis-tracker/internal/domain/shared"
	"github.com/study-tracker/synthesis-tracker/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// SOURCES
// ══════════════════════════════════════════════════════════════════════════════

// Source identifies where an observation came from.
type Source string

const (
	SourceEmail Source = "EMAIL"
	SourceWeb   Source = "WEB"
)

// AllSources lists sources in their canonical order.
var AllSources = []Source{SourceEmail, SourceWeb}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourceEmail || s == SourceWeb
}

// ParseSource parses a source name case-insensitively.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToUpper(strings.TrimSpace(s)))
	if !src.Valid() {
		return "", shared.ErrUnknownSource
	}
	return src, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION RECORD
// ══════════════════════════════════════════════════════════════════════════════

// SessionRecord is the canonical progress record for one calendar date.
// StudyMinutes and LessonsCompleted never decrease for a given date.
type SessionRecord struct {
	Date             string     `json:"date"`
	LoggedIn         bool       `json:"logged_in"`
	LoginTime        *time.Time `json:"login_time,omitempty"`
	StudyMinutes     int        `json:"study_minutes"`
	LessonsCompleted []string   `json:"lessons_completed"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
	TotalPoints      *int       `json:"total_points,omitempty"`

	// StreakDays is derived on read and never stored authoritatively.
	StreakDays int `json:"streak_days"`

	Sources   []Source  `json:"sources"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasSource reports whether src contributed to the record.
func (r *SessionRecord) HasSource(src Source) bool {
	for _, s := range r.Sources {
		if s == src {
			return true
		}
	}
	return false
}

// StudiedToday reports whether the record shows actual study, not just a login.
func (r *SessionRecord) StudiedToday() bool {
	return r != nil && r.LoggedIn && r.StudyMinutes > 0
}

// Clone returns a deep copy so callers can mutate it without touching
// shared state (cached values, store rows).
func (r SessionRecord) Clone() SessionRecord {
	out := r
	out.LoginTime = cloneTime(r.LoginTime)
	out.LastActivity = cloneTime(r.LastActivity)
	if r.TotalPoints != nil {
		v := *r.TotalPoints
		out.TotalPoints = &v
	}
	out.LessonsCompleted = append([]string(nil), r.LessonsCompleted...)
	out.Sources = append([]Source(nil), r.Sources...)
	return out
}

// ══════════════════════════════════════════════════════════════════════════════
// PARTIAL RECORD
// ══════════════════════════════════════════════════════════════════════════════

// PartialRecord is what one source observed about one date. Nil pointers mean
// "not observed", which is different from an observed zero.
type PartialRecord struct {
	Source           Source     `json:"source"`
	Date             string     `json:"date"`
	LoggedIn         *bool      `json:"logged_in,omitempty"`
	LoginTime        *time.Time `json:"login_time,omitempty"`
	StudyMinutes     *int       `json:"study_minutes,omitempty"`
	LessonsCompleted []string   `json:"lessons_completed,omitempty"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
	TotalPoints      *int       `json:"total_points,omitempty"`

	// Achievements are not part of the record. They become notifications.
	Achievements []string `json:"achievements,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
}

// Validate checks the keys and value ranges of the partial.
func (p PartialRecord) Validate() error {
	if !p.Source.Valid() {
		return shared.ErrUnknownSource
	}
	if !timeutil.ValidDate(p.Date) {
		return shared.ErrInvalidDate
	}
	if p.StudyMinutes != nil && *p.StudyMinutes < 0 {
		return shared.ErrInvalidMinutes
	}
	return nil
}

// Empty reports whether the partial carries no record field at all.
func (p PartialRecord) Empty() bool {
	return p.LoggedIn == nil && p.LoginTime == nil && p.StudyMinutes == nil &&
		len(p.LessonsCompleted) == 0 && p.LastActivity == nil && p.TotalPoints == nil
}

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS AND SETTINGS
// ══════════════════════════════════════════════════════════════════════════════

// Reason is why a notification was recorded.
type Reason string

const (
	ReasonReminder    Reason = "reminder"
	ReasonAchievement Reason = "achievement"
	ReasonSummary     Reason = "summary"
)

// Notification is an append-only log entry.
type Notification struct {
	ID      int64     `json:"id"`
	Date    string    `json:"date"`
	Message string    `json:"message"`
	Reason  Reason    `json:"reason"`
	SentAt  time.Time `json:"sent_at"`
}

// Known settings keys.
const (
	SettingStudyGoalMinutes    = "study_goal_minutes"
	SettingMinimumStudyMinutes = "minimum_study_minutes"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB HEALTH
// ══════════════════════════════════════════════════════════════════════════════

// JobName identifies a background job. There is exactly one health row per job.
type JobName string

const (
	JobEmailPoll   JobName = "EMAIL_POLL"
	JobWebScrape   JobName = "WEB_SCRAPE"
	JobHealthCheck JobName = "HEALTH_CHECK"
)

// JobForSource returns the collection job that harvests src.
func JobForSource(src Source) JobName {
	if src == SourceWeb {
		return JobWebScrape
	}
	return JobEmailPoll
}

// JobHealth is the last known outcome of a job.
type JobHealth struct {
	Name                JobName    `json:"name"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastError           *string    `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// JobOutcome is the result of one completed run.
type JobOutcome struct {
	FinishedAt time.Time
	Err        error
}

// Apply folds an outcome into the health row.
func (h JobHealth) Apply(o JobOutcome) JobHealth {
	at := o.FinishedAt
	h.LastRunAt = &at
	if o.Err == nil {
		h.LastSuccessAt = &at
		h.LastError = nil
		h.ConsecutiveFailures = 0
		return h
	}
	msg := o.Err.Error()
	h.LastError = &msg
	h.ConsecutiveFailures++
	return h
}

// StaleSince reports whether the job has not succeeded within threshold of now.
func (h JobHealth) StaleSince(now time.Time, threshold time.Duration) bool {
	if h.LastSuccessAt == nil {
		return true
	}
	return now.Sub(*h.LastSuccessAt) > threshold
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Ptr returns a pointer to v. Handy when building partials.
func Ptr[T any](v T) *T {
	return &v
}
