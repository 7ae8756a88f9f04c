package cache

import (
	"context"
	"fmt"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/domain/shared"
	"github.com/study-tracker/synthesis-tracker/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// READ OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// RecentActivityDays is the length of the activity strip returned with a streak.
const RecentActivityDays = 7

// DefaultNotificationLimit is used when a non-positive limit is requested.
const DefaultNotificationLimit = 10

// RecordResponse is one day's record. A date with no record yields an empty
// record with Found=false.
type RecordResponse struct {
	progress.SessionRecord
	Found bool `json:"found"`
	Freshness
}

// WeeklyResponse is the weekly summary.
type WeeklyResponse struct {
	progress.WeeklySummary
	Freshness
}

// StreakResponse is the current streak with the recent activity strip.
type StreakResponse struct {
	CurrentStreak  int                    `json:"current_streak"`
	AsOf           string                 `json:"as_of"`
	MinimumMinutes int                    `json:"minimum_minutes"`
	RecentActivity []progress.ActivityDay `json:"recent_activity"`
	Freshness
}

// NotificationsResponse lists recent notifications, newest first.
type NotificationsResponse struct {
	Notifications []progress.Notification `json:"notifications"`
	Count         int                     `json:"count"`
	Freshness
}

// GetToday returns today's record.
func (f *Facade) GetToday(ctx context.Context) (RecordResponse, error) {
	return f.GetByDate(ctx, f.calendar.Today())
}

// GetByDate returns the record for date (YYYY-MM-DD) with its streak.
func (f *Facade) GetByDate(ctx context.Context, date string) (RecordResponse, error) {
	if !timeutil.ValidDate(date) {
		return RecordResponse{}, shared.ErrInvalidDate
	}

	fresh, err := f.freshness(ctx)
	if err != nil {
		return RecordResponse{}, err
	}

	rec, found, err := f.store.GetSession(ctx, date)
	if err != nil {
		return RecordResponse{}, fmt.Errorf("get session %s: %w", date, err)
	}

	resp := RecordResponse{Found: found, Freshness: fresh}
	if found {
		resp.SessionRecord = rec.Clone()
	} else {
		resp.SessionRecord = progress.SessionRecord{
			Date:             date,
			LessonsCompleted: []string{},
			Sources:          []progress.Source{},
		}
	}

	goals, err := f.goals(ctx)
	if err != nil {
		return RecordResponse{}, err
	}
	streak, _, err := f.streakAsOf(ctx, date, goals.MinimumStudyMinutes)
	if err != nil {
		return RecordResponse{}, err
	}
	resp.StreakDays = streak

	return resp, nil
}

// GetWeeklySummary summarises the seven days ending today.
func (f *Facade) GetWeeklySummary(ctx context.Context) (WeeklyResponse, error) {
	today := f.calendar.Today()

	fresh, err := f.freshness(ctx)
	if err != nil {
		return WeeklyResponse{}, err
	}
	goals, err := f.goals(ctx)
	if err != nil {
		return WeeklyResponse{}, err
	}
	streak, records, err := f.streakAsOf(ctx, today, goals.MinimumStudyMinutes)
	if err != nil {
		return WeeklyResponse{}, err
	}

	return WeeklyResponse{
		WeeklySummary: progress.Summarize(records, today, streak, goals),
		Freshness:     fresh,
	}, nil
}

// GetStreak returns the streak as of today.
func (f *Facade) GetStreak(ctx context.Context) (StreakResponse, error) {
	today := f.calendar.Today()

	fresh, err := f.freshness(ctx)
	if err != nil {
		return StreakResponse{}, err
	}
	goals, err := f.goals(ctx)
	if err != nil {
		return StreakResponse{}, err
	}
	streak, records, err := f.streakAsOf(ctx, today, goals.MinimumStudyMinutes)
	if err != nil {
		return StreakResponse{}, err
	}

	return StreakResponse{
		CurrentStreak:  streak,
		AsOf:           today,
		MinimumMinutes: goals.MinimumStudyMinutes,
		RecentActivity: progress.RecentActivity(records, today, RecentActivityDays),
		Freshness:      fresh,
	}, nil
}

// GetRecentNotifications returns the newest limit notifications.
func (f *Facade) GetRecentNotifications(ctx context.Context, limit int) (NotificationsResponse, error) {
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}

	fresh, err := f.freshness(ctx)
	if err != nil {
		return NotificationsResponse{}, err
	}
	list, err := f.store.RecentNotifications(ctx, limit)
	if err != nil {
		return NotificationsResponse{}, fmt.Errorf("recent notifications: %w", err)
	}
	if list == nil {
		list = []progress.Notification{}
	}

	return NotificationsResponse{Notifications: list, Count: len(list), Freshness: fresh}, nil
}
