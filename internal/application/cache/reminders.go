package cache

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REMINDERS
// ══════════════════════════════════════════════════════════════════════════════

// ReminderResult says whether a reminder was recorded and why not.
type ReminderResult struct {
	Sent         bool                   `json:"sent"`
	Reason       string                 `json:"reason,omitempty"`
	Notification *progress.Notification `json:"notification,omitempty"`
	SentToday    int                    `json:"sent_today"`
}

// Skip reasons.
const (
	SkipAlreadyStudied = "already studied today"
	SkipDailyLimit     = "daily reminder limit reached"
)

// SendStudyReminder records a reminder for today unless the learner already
// studied or today's reminders are used up. An empty message picks one for
// the time of day.
func (f *Facade) SendStudyReminder(ctx context.Context, message string) (ReminderResult, error) {
	today := f.calendar.Today()

	rec, found, err := f.store.GetSession(ctx, today)
	if err != nil {
		return ReminderResult{}, fmt.Errorf("get session %s: %w", today, err)
	}

	existing, err := f.store.NotificationsOn(ctx, today)
	if err != nil {
		return ReminderResult{}, fmt.Errorf("notifications on %s: %w", today, err)
	}
	sent := 0
	for _, n := range existing {
		if n.Reason == progress.ReasonReminder {
			sent++
		}
	}

	if found && rec.StudiedToday() {
		return ReminderResult{Reason: SkipAlreadyStudied, SentToday: sent}, nil
	}
	if f.config.MaxDailyReminders > 0 && sent >= f.config.MaxDailyReminders {
		return ReminderResult{Reason: SkipDailyLimit, SentToday: sent}, nil
	}

	message = strings.TrimSpace(message)
	if message == "" {
		message = progress.ReminderMessage(f.calendar.Hour())
	}

	n, err := f.store.AppendNotification(ctx, progress.Notification{
		Date:    today,
		Message: message,
		Reason:  progress.ReasonReminder,
		SentAt:  f.calendar.Now(),
	})
	if err != nil {
		return ReminderResult{}, fmt.Errorf("append reminder: %w", err)
	}
	return ReminderResult{Sent: true, Notification: &n, SentToday: sent + 1}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SETTINGS
// ══════════════════════════════════════════════════════════════════════════════

// numericSettings are validated on write with their minimum value.
var numericSettings = map[string]int{
	progress.SettingMinimumStudyMinutes: 0,
	progress.SettingStudyGoalMinutes:    1,
}

// GetSetting returns a stored setting.
func (f *Facade) GetSetting(ctx context.Context, key string) (string, error) {
	v, found, err := f.store.GetSetting(ctx, key)
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	if !found {
		return "", shared.ErrSettingNotFound
	}
	return v, nil
}

// SetSetting stores a setting. Goal and threshold keys must be integers in range.
func (f *Facade) SetSetting(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return shared.NewDomainError("cache", "SetSetting", shared.ErrEmptyValue, "setting key is required")
	}
	if lower, ok := numericSettings[key]; ok {
		v, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return shared.WrapError("cache", "SetSetting", shared.ErrInvalidFormat, key+" must be an integer", err)
		}
		if v < lower {
			return shared.NewDomainError("cache", "SetSetting", shared.ErrValueOutOfRange, fmt.Sprintf("%s must be at least %d", key, lower))
		}
		value = strconv.Itoa(v)
	}
	if err := f.store.SetSetting(ctx, key, value); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// JOB STATUS
// ══════════════════════════════════════════════════════════════════════════════

// JobStatus is a job's health row with its staleness.
type JobStatus struct {
	progress.JobHealth
	Stale bool `json:"stale"`
}

// JobStatus lists every job's health, including registered sources whose
// job has not run yet. Only collection jobs can be stale.
func (f *Facade) JobStatus(ctx context.Context) ([]JobStatus, error) {
	rows, err := f.store.ListJobHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("list job health: %w", err)
	}

	seen := make(map[progress.JobName]bool, len(rows))
	now := f.calendar.Now()
	out := make([]JobStatus, 0, len(rows)+len(f.config.Sources))
	for _, h := range rows {
		seen[h.Name] = true
		out = append(out, JobStatus{
			JobHealth: h,
			Stale:     h.Name != progress.JobHealthCheck && h.StaleSince(now, f.config.StalenessThreshold),
		})
	}
	for _, src := range f.config.Sources {
		name := progress.JobForSource(src)
		if !seen[name] {
			out = append(out, JobStatus{JobHealth: progress.JobHealth{Name: name}, Stale: true})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
