package progress

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/study-tracker/synthesis-tracker/pkg/timeutil"
)

// ResolveGoals applies the settings overrides to defaults. Missing or
// unparseable values keep the default.
func ResolveGoals(ctx context.Context, settings SettingsStore, defaults Goals) (Goals, error) {
	goals := defaults
	overrides := []struct {
		key  string
		dest *int
		min  int
	}{
		{SettingMinimumStudyMinutes, &goals.MinimumStudyMinutes, 0},
		{SettingStudyGoalMinutes, &goals.StudyGoalMinutes, 1},
	}
	for _, o := range overrides {
		raw, found, err := settings.GetSetting(ctx, o.key)
		if err != nil {
			return defaults, fmt.Errorf("read setting %s: %w", o.key, err)
		}
		if !found {
			continue
		}
		if v, err := strconv.Atoi(raw); err == nil && v >= o.min {
			*o.dest = v
		}
	}
	return goals, nil
}

// WeekLength is the number of days covered by a weekly summary.
const WeekLength = 7

// Goals are the thresholds summaries and reminders are judged against.
type Goals struct {
	// MinimumStudyMinutes is the streak threshold and the per-session minimum.
	MinimumStudyMinutes int
	// StudyGoalMinutes is the daily target; the weekly goal is seven times this.
	StudyGoalMinutes int
}

// DaySummary is one row of the weekly breakdown.
type DaySummary struct {
	Date         string `json:"date"`
	LoggedIn     bool   `json:"logged_in"`
	StudyMinutes int    `json:"study_minutes"`
	Lessons      int    `json:"lessons"`
}

// WeeklySummary aggregates the seven days ending at EndDate.
type WeeklySummary struct {
	StartDate           string       `json:"start_date"`
	EndDate             string       `json:"end_date"`
	DaysLoggedIn        int          `json:"days_logged_in"`
	TotalMinutes        int          `json:"total_minutes"`
	AverageMinutes      float64      `json:"average_minutes"`
	BestPoints          *int         `json:"best_points,omitempty"`
	DailyBreakdown      []DaySummary `json:"daily_breakdown"`
	CurrentStreak       int          `json:"current_streak"`
	WeeklyGoalMinutes   int          `json:"weekly_goal_minutes"`
	GoalProgressPercent float64      `json:"goal_progress_percent"`
	Recommendations     []string     `json:"recommendations"`
}

// Summarize builds the weekly summary for the week ending at endDate.
// Records outside the window are ignored. The breakdown is newest first and
// includes days without a record.
func Summarize(records []SessionRecord, endDate string, streak int, goals Goals) WeeklySummary {
	start := timeutil.MustAddDays(endDate, -(WeekLength - 1))
	byDate := indexByDate(records)

	s := WeeklySummary{
		StartDate:         start,
		EndDate:           endDate,
		CurrentStreak:     streak,
		WeeklyGoalMinutes: goals.StudyGoalMinutes * WeekLength,
		DailyBreakdown:    make([]DaySummary, 0, WeekLength),
	}

	for i := 0; i < WeekLength; i++ {
		day := timeutil.MustAddDays(endDate, -i)
		row := DaySummary{Date: day}
		if r, ok := byDate[day]; ok {
			row.LoggedIn = r.LoggedIn
			row.StudyMinutes = r.StudyMinutes
			row.Lessons = len(r.LessonsCompleted)
			if r.LoggedIn {
				s.DaysLoggedIn++
				s.TotalMinutes += r.StudyMinutes
			}
			if r.TotalPoints != nil && (s.BestPoints == nil || *r.TotalPoints > *s.BestPoints) {
				s.BestPoints = Ptr(*r.TotalPoints)
			}
		}
		s.DailyBreakdown = append(s.DailyBreakdown, row)
	}

	if s.DaysLoggedIn > 0 {
		s.AverageMinutes = round1(float64(s.TotalMinutes) / float64(s.DaysLoggedIn))
	}
	if s.WeeklyGoalMinutes > 0 {
		s.GoalProgressPercent = math.Min(100, round1(float64(s.TotalMinutes)/float64(s.WeeklyGoalMinutes)*100))
	}
	s.Recommendations = Recommend(s, goals)
	return s
}

// Recommend produces study advice for a weekly summary.
func Recommend(s WeeklySummary, goals Goals) []string {
	var out []string
	if s.DaysLoggedIn < 5 {
		out = append(out, "Try to study at least 5 days this week for better consistency!")
	}
	if s.AverageMinutes < float64(goals.MinimumStudyMinutes) {
		out = append(out, fmt.Sprintf("Aim for at least %d minutes per session.", goals.MinimumStudyMinutes))
	}
	switch {
	case s.CurrentStreak >= 7:
		out = append(out, fmt.Sprintf("Amazing! You're on a %d-day streak! Keep it going!", s.CurrentStreak))
	case s.CurrentStreak >= 3:
		out = append(out, fmt.Sprintf("Great %d-day streak! Try to reach a week!", s.CurrentStreak))
	}
	if len(out) == 0 {
		out = append(out, "You're doing great! Keep up the consistent study habits!")
	}
	return out
}

// ReminderMessage picks the default reminder text for the hour of day.
func ReminderMessage(hour int) string {
	switch {
	case hour < 12:
		return "Good morning! Time for some Synthesis math practice! 🧮"
	case hour < 17:
		return "Afternoon math time! Ready to boost your math skills today? 📚"
	default:
		return "Evening study session? Your brain is ready for some number crunching! 🤓"
	}
}

// DailySummaryMessage is the evening summary notification text.
func DailySummaryMessage(rec *SessionRecord, streak int) string {
	minutes := 0
	if rec != nil {
		minutes = rec.StudyMinutes
	}
	return fmt.Sprintf("Daily Summary: %d minutes studied today. Current streak: %d days!", minutes, streak)
}

// AchievementMessage is the notification text for a newly seen achievement.
func AchievementMessage(name string) string {
	return fmt.Sprintf("Achievement unlocked: %s! 🏆", name)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
