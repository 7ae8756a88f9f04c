package progress

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultGoals = Goals{MinimumStudyMinutes: 15, StudyGoalMinutes: 30}

func TestSummarize(t *testing.T) {
	records := []SessionRecord{
		{Date: "2024-03-01", LoggedIn: true, StudyMinutes: 30, TotalPoints: Ptr(100)},
		{Date: "2024-03-04", LoggedIn: true, StudyMinutes: 45, LessonsCompleted: []string{"A", "B"}, TotalPoints: Ptr(140)},
		{Date: "2024-03-07", LoggedIn: true, StudyMinutes: 20},
		{Date: "2024-02-20", LoggedIn: true, StudyMinutes: 500},
	}

	s := Summarize(records, "2024-03-07", 1, defaultGoals)

	assert.Equal(t, "2024-03-01", s.StartDate)
	assert.Equal(t, "2024-03-07", s.EndDate)
	assert.Equal(t, 3, s.DaysLoggedIn)
	assert.Equal(t, 95, s.TotalMinutes)
	assert.Equal(t, 31.7, s.AverageMinutes)
	assert.Equal(t, 210, s.WeeklyGoalMinutes)
	assert.Equal(t, 45.2, s.GoalProgressPercent)
	require.NotNil(t, s.BestPoints)
	assert.Equal(t, 140, *s.BestPoints)

	require.Len(t, s.DailyBreakdown, 7)
	assert.Equal(t, "2024-03-07", s.DailyBreakdown[0].Date)
	assert.Equal(t, DaySummary{Date: "2024-03-04", LoggedIn: true, StudyMinutes: 45, Lessons: 2}, s.DailyBreakdown[3])
	assert.Equal(t, DaySummary{Date: "2024-03-02"}, s.DailyBreakdown[5])

	assert.Equal(t, []string{"Try to study at least 5 days this week for better consistency!"}, s.Recommendations)
}

func TestSummarize_GoalCappedAt100(t *testing.T) {
	var records []SessionRecord
	for _, d := range []string{"2024-03-01", "2024-03-02", "2024-03-03", "2024-03-04", "2024-03-05"} {
		records = append(records, SessionRecord{Date: d, LoggedIn: true, StudyMinutes: 90})
	}

	s := Summarize(records, "2024-03-05", 5, defaultGoals)

	assert.Equal(t, 100.0, s.GoalProgressPercent)
	assert.Equal(t, []string{"Great 5-day streak! Try to reach a week!"}, s.Recommendations)
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		name    string
		summary WeeklySummary
		want    []string
	}{
		{
			name:    "all good",
			summary: WeeklySummary{DaysLoggedIn: 6, AverageMinutes: 30, CurrentStreak: 2},
			want:    []string{"You're doing great! Keep up the consistent study habits!"},
		},
		{
			name:    "long streak but short sessions",
			summary: WeeklySummary{DaysLoggedIn: 7, AverageMinutes: 10, CurrentStreak: 9},
			want: []string{
				"Aim for at least 15 minutes per session.",
				"Amazing! You're on a 9-day streak! Keep it going!",
			},
		},
		{
			name:    "empty week",
			summary: WeeklySummary{},
			want: []string{
				"Try to study at least 5 days this week for better consistency!",
				"Aim for at least 15 minutes per session.",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Recommend(tt.summary, defaultGoals))
		})
	}
}

func TestReminderMessage(t *testing.T) {
	assert.Contains(t, ReminderMessage(8), "Good morning!")
	assert.Contains(t, ReminderMessage(12), "Afternoon math time!")
	assert.Contains(t, ReminderMessage(16), "Afternoon math time!")
	assert.Contains(t, ReminderMessage(21), "Evening study session?")
}

func TestJobHealth_Apply(t *testing.T) {
	h := JobHealth{Name: JobEmailPoll}
	t1 := *at(10, 0)

	h = h.Apply(JobOutcome{FinishedAt: t1, Err: assert.AnError})
	h = h.Apply(JobOutcome{FinishedAt: t1, Err: assert.AnError})
	assert.Equal(t, 2, h.ConsecutiveFailures)
	assert.Nil(t, h.LastSuccessAt)
	require.NotNil(t, h.LastError)

	h = h.Apply(JobOutcome{FinishedAt: t1})
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Nil(t, h.LastError)
	assert.Equal(t, t1, *h.LastSuccessAt)
	assert.False(t, h.StaleSince(t1.Add(30*time.Minute), time.Hour))
	assert.True(t, h.StaleSince(t1.Add(2*time.Hour), time.Hour))
}

type mapSettings map[string]string

func (m mapSettings) SetSetting(_ context.Context, k, v string) error {
	m[k] = v
	return nil
}

func (m mapSettings) GetSetting(_ context.Context, k string) (string, bool, error) {
	v, ok := m[k]
	return v, ok, nil
}

type failingSettings struct{ mapSettings }

func (failingSettings) GetSetting(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk I/O error")
}

func TestResolveGoals(t *testing.T) {
	ctx := context.Background()

	goals, err := ResolveGoals(ctx, mapSettings{}, defaultGoals)
	require.NoError(t, err)
	assert.Equal(t, defaultGoals, goals)

	goals, err = ResolveGoals(ctx, mapSettings{
		SettingMinimumStudyMinutes: "20",
		SettingStudyGoalMinutes:    "45",
	}, defaultGoals)
	require.NoError(t, err)
	assert.Equal(t, Goals{MinimumStudyMinutes: 20, StudyGoalMinutes: 45}, goals)

	goals, err = ResolveGoals(ctx, mapSettings{
		SettingMinimumStudyMinutes: "lots",
		SettingStudyGoalMinutes:    "0",
	}, defaultGoals)
	require.NoError(t, err)
	assert.Equal(t, defaultGoals, goals)

	_, err = ResolveGoals(ctx, failingSettings{}, defaultGoals)
	assert.Error(t, err)
}
