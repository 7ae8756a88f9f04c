package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/domain/shared"
	"github.com/study-tracker/synthesis-tracker/internal/domain/source"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/persistence/sqlite"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/scheduler"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/scheduler/jobs"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
	"github.com/study-tracker/synthesis-tracker/pkg/timeutil"
)

const testDate = "2024-03-07"

var testNow = time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)

type fakeAdapter struct {
	kind  progress.Source
	gate  chan struct{}
	calls atomic.Int32

	mu    sync.Mutex
	batch []progress.PartialRecord
	err   error
}

func (a *fakeAdapter) Kind() progress.Source { return a.kind }

func (a *fakeAdapter) Collect(ctx context.Context, _ source.Request) ([]progress.PartialRecord, error) {
	a.calls.Add(1)
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, source.NewTransient(a.kind, "collect", ctx.Err())
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.batch, a.err
}

type fixture struct {
	store  *sqlite.Store
	sched  *scheduler.Scheduler
	facade *Facade
	email  *fakeAdapter
	web    *fakeAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cal := timeutil.NewCalendar(time.UTC).WithClock(func() time.Time { return testNow })

	cfg := scheduler.DefaultConfig()
	cfg.Logger = logger.Discard()
	cfg.Health = store
	cfg.Now = func() time.Time { return testNow }
	cfg.IsPermanent = source.IsPermanent
	sched := scheduler.New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})

	f := &fixture{
		store: store,
		sched: sched,
		email: &fakeAdapter{kind: progress.SourceEmail},
		web:   &fakeAdapter{kind: progress.SourceWeb},
	}
	for _, a := range []*fakeAdapter{f.email, f.web} {
		job := jobs.NewCollectJob(a, store, cal, logger.Discard(), jobs.CollectConfig{Timeout: 5 * time.Second})
		require.NoError(t, sched.Register(job, scheduler.NewIntervalSchedule(time.Hour)))
	}

	fc := DefaultConfig()
	fc.ForceWait = 5 * time.Second
	f.facade = New(store, sched, cal, logger.Discard(), fc)
	return f
}

func (f *fixture) seed(t *testing.T, date string, minutes int) {
	t.Helper()
	_, _, err := f.store.UpsertSession(context.Background(), progress.PartialRecord{
		Source:       progress.SourceEmail,
		Date:         date,
		LoggedIn:     progress.Ptr(true),
		StudyMinutes: progress.Ptr(minutes),
		ObservedAt:   testNow,
	})
	require.NoError(t, err)
}

func (f *fixture) healthy(t *testing.T, names ...progress.JobName) {
	t.Helper()
	for _, name := range names {
		_, err := f.store.RecordJobHealth(context.Background(), name, progress.JobOutcome{FinishedAt: testNow})
		require.NoError(t, err)
	}
}

// ════════════════════════════════════════════════════════════════════════════
// READS
// ════════════════════════════════════════════════════════════════════════════

func TestFacade_GetTodayWithoutRecord(t *testing.T) {
	f := newFixture(t)

	resp, err := f.facade.GetToday(context.Background())
	require.NoError(t, err)

	assert.False(t, resp.Found)
	assert.Equal(t, testDate, resp.Date)
	assert.False(t, resp.LoggedIn)
	assert.Empty(t, resp.LessonsCompleted)
	assert.True(t, resp.Stale)
	assert.Equal(t, []progress.Source{progress.SourceEmail, progress.SourceWeb}, resp.StaleSources)
}

func TestFacade_GetByDateDerivesStreak(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "2024-03-05", 20)
	f.seed(t, "2024-03-06", 10)
	f.seed(t, testDate, 25)
	f.healthy(t, progress.JobEmailPoll, progress.JobWebScrape)

	resp, err := f.facade.GetByDate(context.Background(), testDate)
	require.NoError(t, err)

	assert.True(t, resp.Found)
	assert.Equal(t, 25, resp.StudyMinutes)
	assert.Equal(t, 1, resp.StreakDays)
	assert.False(t, resp.Stale)
	assert.Empty(t, resp.StaleSources)

	_, err = f.facade.GetByDate(context.Background(), "07/03/2024")
	assert.ErrorIs(t, err, shared.ErrInvalidDate)
}

func TestFacade_StaleSourceFlagged(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.RecordJobHealth(context.Background(), progress.JobWebScrape, progress.JobOutcome{FinishedAt: testNow.Add(-2 * time.Hour)})
	require.NoError(t, err)
	f.healthy(t, progress.JobEmailPoll)

	resp, err := f.facade.GetStreak(context.Background())
	require.NoError(t, err)

	assert.True(t, resp.Stale)
	assert.Equal(t, []progress.Source{progress.SourceWeb}, resp.StaleSources)
}

func TestFacade_GetStreakHonoursThresholdSetting(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "2024-03-05", 20)
	f.seed(t, "2024-03-06", 10)
	f.seed(t, testDate, 25)

	resp, err := f.facade.GetStreak(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resp.CurrentStreak)
	assert.Equal(t, 15, resp.MinimumMinutes)
	require.Len(t, resp.RecentActivity, RecentActivityDays)
	assert.Equal(t, testDate, resp.RecentActivity[0].Date)
	assert.True(t, resp.RecentActivity[0].Studied)

	require.NoError(t, f.facade.SetSetting(context.Background(), progress.SettingMinimumStudyMinutes, "5"))

	resp, err = f.facade.GetStreak(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, resp.CurrentStreak)
	assert.Equal(t, 5, resp.MinimumMinutes)
}

func TestFacade_GetWeeklySummary(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "2024-02-29", 90) // outside the week
	f.seed(t, "2024-03-05", 20)
	f.seed(t, "2024-03-06", 10)
	f.seed(t, testDate, 30)

	resp, err := f.facade.GetWeeklySummary(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2024-03-01", resp.StartDate)
	assert.Equal(t, testDate, resp.EndDate)
	assert.Equal(t, 3, resp.DaysLoggedIn)
	assert.Equal(t, 60, resp.TotalMinutes)
	assert.Equal(t, 20.0, resp.AverageMinutes)
	assert.Len(t, resp.DailyBreakdown, 7)
	assert.Equal(t, 210, resp.WeeklyGoalMinutes)
	assert.Equal(t, 1, resp.CurrentStreak)
	assert.True(t, resp.Stale)
}

func TestFacade_GetRecentNotifications(t *testing.T) {
	f := newFixture(t)

	resp, err := f.facade.GetRecentNotifications(context.Background(), 0)
	require.NoError(t, err)
	assert.NotNil(t, resp.Notifications)
	assert.Zero(t, resp.Count)

	for i := 0; i < 3; i++ {
		_, err := f.facade.SendStudyReminder(context.Background(), "")
		require.NoError(t, err)
	}

	resp, err = f.facade.GetRecentNotifications(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Count)
}

// ════════════════════════════════════════════════════════════════════════════
// REMINDERS AND SETTINGS
// ════════════════════════════════════════════════════════════════════════════

func TestFacade_SendStudyReminder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.facade.SendStudyReminder(ctx, "")
	require.NoError(t, err)
	require.True(t, res.Sent)
	assert.Contains(t, res.Notification.Message, "Good morning!")
	assert.Equal(t, progress.ReasonReminder, res.Notification.Reason)
	assert.Equal(t, testDate, res.Notification.Date)

	res, err = f.facade.SendStudyReminder(ctx, "  Time for math  ")
	require.NoError(t, err)
	assert.Equal(t, "Time for math", res.Notification.Message)

	res, err = f.facade.SendStudyReminder(ctx, "")
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Equal(t, 3, res.SentToday)

	res, err = f.facade.SendStudyReminder(ctx, "")
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.Equal(t, SkipDailyLimit, res.Reason)
}

func TestFacade_SendStudyReminderSkipsWhenStudied(t *testing.T) {
	f := newFixture(t)
	f.seed(t, testDate, 1)

	res, err := f.facade.SendStudyReminder(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, res.Sent)
	assert.Equal(t, SkipAlreadyStudied, res.Reason)
}

func TestFacade_Settings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.facade.GetSetting(ctx, "theme")
	assert.ErrorIs(t, err, shared.ErrSettingNotFound)

	require.NoError(t, f.facade.SetSetting(ctx, "theme", "dark"))
	v, err := f.facade.GetSetting(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", v)

	require.NoError(t, f.facade.SetSetting(ctx, progress.SettingStudyGoalMinutes, " 45 "))
	v, err = f.facade.GetSetting(ctx, progress.SettingStudyGoalMinutes)
	require.NoError(t, err)
	assert.Equal(t, "45", v)

	err = f.facade.SetSetting(ctx, progress.SettingStudyGoalMinutes, "lots")
	assert.True(t, shared.IsValidation(err))
	err = f.facade.SetSetting(ctx, progress.SettingStudyGoalMinutes, "0")
	assert.True(t, shared.IsValidation(err))
	err = f.facade.SetSetting(ctx, " ", "x")
	assert.True(t, shared.IsValidation(err))
}

func TestFacade_JobStatus(t *testing.T) {
	f := newFixture(t)
	f.healthy(t, progress.JobEmailPoll, progress.JobHealthCheck)

	list, err := f.facade.JobStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.Equal(t, progress.JobEmailPoll, list[0].Name)
	assert.False(t, list[0].Stale)
	assert.Equal(t, progress.JobHealthCheck, list[1].Name)
	assert.False(t, list[1].Stale)
	assert.Equal(t, progress.JobWebScrape, list[2].Name)
	assert.True(t, list[2].Stale)
	assert.Nil(t, list[2].LastRunAt)
}

// ════════════════════════════════════════════════════════════════════════════
// FORCE UPDATE
// ════════════════════════════════════════════════════════════════════════════

func TestFacade_ForceUpdateMergesBothSources(t *testing.T) {
	f := newFixture(t)
	f.email.batch = []progress.PartialRecord{{
		Source: progress.SourceEmail, Date: testDate,
		LoggedIn: progress.Ptr(true), StudyMinutes: progress.Ptr(20), LessonsCompleted: []string{"A"},
	}}
	f.web.batch = []progress.PartialRecord{{
		Source: progress.SourceWeb, Date: testDate,
		LoggedIn: progress.Ptr(true), StudyMinutes: progress.Ptr(15), LessonsCompleted: []string{"A", "B"},
	}}

	res, err := f.facade.ForceUpdate(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Found)
	assert.False(t, res.PartialFailure)
	assert.Empty(t, res.Summary)
	assert.Equal(t, 20, res.Record.StudyMinutes)
	assert.Equal(t, []string{"A", "B"}, res.Record.LessonsCompleted)
	assert.False(t, res.Stale)
	for _, o := range res.Sources {
		assert.True(t, o.Success)
		assert.False(t, o.Joined)
	}
}

func TestFacade_ForceUpdatePartialFailure(t *testing.T) {
	f := newFixture(t)
	f.email.batch = []progress.PartialRecord{{
		Source: progress.SourceEmail, Date: testDate, LoggedIn: progress.Ptr(true), StudyMinutes: progress.Ptr(12),
	}}
	f.web.err = source.NewPermanent(progress.SourceWeb, "verify", errors.New("code not accepted"))

	res, err := f.facade.ForceUpdate(context.Background())
	require.NoError(t, err)

	assert.True(t, res.PartialFailure)
	assert.Contains(t, res.Summary, "1 of 2 sources failed")
	assert.Contains(t, res.Summary, "WEB")
	assert.Equal(t, 12, res.Record.StudyMinutes)
	assert.Equal(t, []progress.Source{progress.SourceWeb}, res.StaleSources)
}

func TestFacade_ForceUpdateAllFailed(t *testing.T) {
	f := newFixture(t)
	f.email.err = source.NewTransient(progress.SourceEmail, "dial", errors.New("connection refused"))
	f.web.err = source.NewTransient(progress.SourceWeb, "dashboard", errors.New("502"))

	res, err := f.facade.ForceUpdate(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrAllSourcesFailed)
	assert.False(t, res.PartialFailure)
	assert.False(t, res.Found)
	assert.Len(t, res.Sources, 2)
}

func TestFacade_ForceUpdateBypassesBackoff(t *testing.T) {
	f := newFixture(t)
	f.web.err = source.NewTransient(progress.SourceWeb, "dashboard", errors.New("502"))
	_, _, _ = f.sched.RunOrJoin(context.Background(), string(progress.JobWebScrape), time.Second)

	started, err := f.sched.Trigger(string(progress.JobWebScrape))
	require.NoError(t, err)
	require.False(t, started, "web job should be backing off")

	f.web.mu.Lock()
	f.web.err = nil
	f.web.mu.Unlock()

	_, err = f.facade.ForceUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.web.calls.Load())
}

func TestFacade_ForceUpdateJoinsInFlightRun(t *testing.T) {
	f := newFixture(t)
	f.email.gate = make(chan struct{})
	f.email.batch = []progress.PartialRecord{{
		Source: progress.SourceEmail, Date: testDate, LoggedIn: progress.Ptr(true), StudyMinutes: progress.Ptr(18),
	}}

	started, err := f.sched.Trigger(string(progress.JobEmailPoll))
	require.NoError(t, err)
	require.True(t, started)
	require.Eventually(t, func() bool { return f.email.calls.Load() == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		res ForceUpdateResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.facade.ForceUpdate(context.Background())
		done <- outcome{res, err}
	}()

	time.Sleep(50 * time.Millisecond)
	close(f.email.gate)

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("force update did not finish")
	}
	require.NoError(t, out.err)

	assert.Equal(t, int32(1), f.email.calls.Load())
	assert.Equal(t, 18, out.res.Record.StudyMinutes)
	for _, o := range out.res.Sources {
		if o.Source == progress.SourceEmail {
			assert.True(t, o.Joined)
			assert.True(t, o.Success)
		}
	}
}

func TestFacade_ForceUpdateWithoutSources(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.Sources = nil
	facade := New(f.store, f.sched, timeutil.NewCalendar(time.UTC), logger.Discard(), cfg)

	_, err := facade.ForceUpdate(context.Background())
	assert.ErrorIs(t, err, shared.ErrUnknownJob)
}
