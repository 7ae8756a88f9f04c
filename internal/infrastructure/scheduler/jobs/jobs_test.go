package jobs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/domain/source"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/persistence/sqlite"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/scheduler"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
	"github.com/study-tracker/synthesis-tracker/pkg/timeutil"
)

const today = "2024-03-07"

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func calendarAt(hour int) *timeutil.Calendar {
	at := time.Date(2024, 3, 7, hour, 0, 0, 0, time.UTC)
	return timeutil.NewCalendar(time.UTC).WithClock(func() time.Time { return at })
}

type fakeAdapter struct {
	kind  progress.Source
	mu    sync.Mutex
	batch []progress.PartialRecord
	err   error
	block bool
	calls atomic.Int32
}

func (a *fakeAdapter) Kind() progress.Source { return a.kind }

func (a *fakeAdapter) Collect(ctx context.Context, req source.Request) ([]progress.PartialRecord, error) {
	a.calls.Add(1)
	if a.block {
		<-ctx.Done()
		return nil, source.NewTransient(a.kind, "collect", ctx.Err())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.batch, a.err
}

func newCollect(t *testing.T, a *fakeAdapter, store CollectStore) *CollectJob {
	t.Helper()
	return NewCollectJob(a, store, calendarAt(10), logger.Discard(), CollectConfig{Timeout: time.Second})
}

// ════════════════════════════════════════════════════════════════════════════
// COLLECT
// ════════════════════════════════════════════════════════════════════════════

func TestCollectJob_MergesPartials(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := &fakeAdapter{kind: progress.SourceEmail, batch: []progress.PartialRecord{
		{Date: today, LoggedIn: progress.Ptr(true), StudyMinutes: progress.Ptr(20), LessonsCompleted: []string{"A"}},
		{Date: today, StudyMinutes: progress.Ptr(15), LessonsCompleted: []string{"A", "B"}},
	}}
	job := newCollect(t, a, store)
	assert.Equal(t, "EMAIL_POLL", job.Name())

	require.NoError(t, job.Run(ctx))

	rec, found, err := store.GetSession(ctx, today)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 20, rec.StudyMinutes)
	assert.Equal(t, []string{"A", "B"}, rec.LessonsCompleted)
	assert.Equal(t, []progress.Source{progress.SourceEmail}, rec.Sources)

	stats := job.LastStats()
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.Partials)
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Changed)
}

func TestCollectJob_RereadOfLowerEmailSucceeds(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, _, err := store.UpsertSession(ctx, progress.PartialRecord{
		Source: progress.SourceWeb, Date: today, LoggedIn: progress.Ptr(true), StudyMinutes: progress.Ptr(40),
		LastActivity: progress.Ptr(time.Date(2024, 3, 7, 9, 30, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	// The mailbox lookback returns the same lower reading on every poll.
	a := &fakeAdapter{kind: progress.SourceEmail, batch: []progress.PartialRecord{{
		Date: today, LoggedIn: progress.Ptr(true), StudyMinutes: progress.Ptr(20),
		LastActivity: progress.Ptr(time.Date(2024, 3, 7, 9, 0, 0, 0, time.UTC)),
	}}}
	job := newCollect(t, a, store)

	cfg := scheduler.DefaultConfig()
	cfg.Logger = logger.Discard()
	cfg.Health = store
	cfg.IsPermanent = source.IsPermanent
	s := scheduler.New(cfg)
	require.NoError(t, s.Register(job, scheduler.NewIntervalSchedule(5*time.Minute)))

	for i := 0; i < 3; i++ {
		res, _, err := s.RunOrJoin(ctx, job.Name(), time.Second)
		require.NoError(t, err, "poll %d", i+1)
		assert.True(t, res.Success)
	}

	h, found, err := store.GetJobHealth(ctx, progress.JobForSource(progress.SourceEmail))
	require.NoError(t, err)
	require.True(t, found)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.NotNil(t, h.LastSuccessAt)
	assert.Nil(t, h.LastError)

	stats := job.LastStats()
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.Rejected)
	assert.Zero(t, stats.Changed)

	rec, _, err := store.GetSession(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 40, rec.StudyMinutes)
	assert.Equal(t, []progress.Source{progress.SourceWeb, progress.SourceEmail}, rec.Sources)
}

func TestCollectJob_RejectionLogLevels(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	early := time.Date(2024, 3, 7, 8, 0, 0, 0, time.UTC)
	_, _, err := store.UpsertSession(ctx, progress.PartialRecord{
		Source: progress.SourceWeb, Date: today, StudyMinutes: progress.Ptr(40), LoginTime: progress.Ptr(early),
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	a := &fakeAdapter{kind: progress.SourceEmail, batch: []progress.PartialRecord{{
		Date: today, StudyMinutes: progress.Ptr(20), LoginTime: progress.Ptr(early.Add(time.Hour)),
	}}}
	job := NewCollectJob(a, store, calendarAt(10), log, CollectConfig{Timeout: time.Second})

	require.NoError(t, job.Run(ctx))
	out := buf.String()
	assert.Contains(t, out, "field=login_time")
	assert.NotContains(t, out, "field=study_minutes")
}

func TestCollectJob_PartlyRejectedSucceeds(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, _, err := store.UpsertSession(ctx, progress.PartialRecord{
		Source: progress.SourceWeb, Date: today, StudyMinutes: progress.Ptr(30),
	})
	require.NoError(t, err)

	a := &fakeAdapter{kind: progress.SourceWeb, batch: []progress.PartialRecord{
		{Date: today, StudyMinutes: progress.Ptr(10), TotalPoints: progress.Ptr(150)},
	}}
	require.NoError(t, newCollect(t, a, store).Run(ctx))

	rec, _, err := store.GetSession(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 30, rec.StudyMinutes)
	require.NotNil(t, rec.TotalPoints)
	assert.Equal(t, 150, *rec.TotalPoints)
}

func TestCollectJob_EmptyBatchSucceeds(t *testing.T) {
	a := &fakeAdapter{kind: progress.SourceEmail}
	assert.NoError(t, newCollect(t, a, newStore(t)).Run(context.Background()))
}

func TestCollectJob_SkipsInvalidPartials(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := &fakeAdapter{kind: progress.SourceEmail, batch: []progress.PartialRecord{
		{Date: "07/03/2024", StudyMinutes: progress.Ptr(20)},
		{Date: today, StudyMinutes: progress.Ptr(-5)},
		{Date: today, StudyMinutes: progress.Ptr(25)},
	}}
	job := newCollect(t, a, store)
	require.NoError(t, job.Run(ctx))
	assert.Equal(t, 2, job.LastStats().Invalid)

	rec, found, err := store.GetSession(ctx, today)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 25, rec.StudyMinutes)
}

func TestCollectJob_PermanentErrorDoesNotTripBreaker(t *testing.T) {
	a := &fakeAdapter{kind: progress.SourceEmail, err: source.NewPermanent(progress.SourceEmail, "login", errors.New("bad password"))}
	job := newCollect(t, a, newStore(t))

	for i := 0; i < 5; i++ {
		err := job.Run(context.Background())
		require.Error(t, err)
		assert.True(t, source.IsPermanent(err))
	}
	assert.EqualValues(t, 5, a.calls.Load())
	assert.Equal(t, "closed", job.BreakerState().String())
}

func TestCollectJob_TransientErrorsOpenBreaker(t *testing.T) {
	a := &fakeAdapter{kind: progress.SourceWeb, err: source.NewTransient(progress.SourceWeb, "fetch", errors.New("502 bad gateway"))}
	job := newCollect(t, a, newStore(t))

	for i := 0; i < 3; i++ {
		require.Error(t, job.Run(context.Background()))
	}
	err := job.Run(context.Background())
	require.Error(t, err)
	assert.True(t, source.IsTransient(err))
	assert.EqualValues(t, 3, a.calls.Load())
	assert.Equal(t, "open", job.BreakerState().String())
}

func TestCollectJob_DeadlineIsTransient(t *testing.T) {
	a := &fakeAdapter{kind: progress.SourceWeb, block: true}
	job := NewCollectJob(a, newStore(t), calendarAt(10), logger.Discard(), CollectConfig{Timeout: 20 * time.Millisecond})

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.True(t, source.IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCollectJob_AchievementsRecordedOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	a := &fakeAdapter{kind: progress.SourceEmail, batch: []progress.PartialRecord{
		{Date: today, LoggedIn: progress.Ptr(true), StudyMinutes: progress.Ptr(20), Achievements: []string{"Week Warrior", "Week Warrior"}},
	}}
	job := newCollect(t, a, store)

	require.NoError(t, job.Run(ctx))
	a.batch[0].StudyMinutes = progress.Ptr(40)
	require.NoError(t, job.Run(ctx))

	notes, err := store.NotificationsOn(ctx, today)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, progress.ReasonAchievement, notes[0].Reason)
	assert.Equal(t, progress.AchievementMessage("Week Warrior"), notes[0].Message)
}

// ════════════════════════════════════════════════════════════════════════════
// HEALTH CHECK
// ════════════════════════════════════════════════════════════════════════════

type recordingTrigger struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingTrigger) Trigger(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	return true, nil
}

type probeFunc func(ctx context.Context) error

func (f probeFunc) CheckHealth(ctx context.Context) error { return f(ctx) }

type downStore struct{ *sqlite.Store }

func (downStore) Ping(context.Context) error { return errors.New("database is locked") }

func newHealth(store HealthStore, probes []Probe, trig JobTrigger, hour int) *HealthCheckJob {
	return NewHealthCheckJob(store, probes, trig, calendarAt(hour), logger.Discard(), DefaultHealthCheckConfig())
}

func TestHealthCheck_TriggersWebWhenTodayMissing(t *testing.T) {
	trig := &recordingTrigger{}
	job := newHealth(newStore(t), nil, trig, 8)

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []string{"WEB_SCRAPE"}, trig.names)

	report := job.LastReport()
	require.NotNil(t, report)
	assert.True(t, report.StoreOK)
	assert.True(t, report.TodayMissing)
	assert.True(t, report.WebTriggered)
	assert.False(t, report.SummaryAdded)
}

func TestHealthCheck_FlagsStaleJobs(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	now := time.Date(2024, 3, 7, 8, 0, 0, 0, time.UTC)
	_, err := store.RecordJobHealth(ctx, progress.JobEmailPoll, progress.JobOutcome{FinishedAt: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = store.RecordJobHealth(ctx, progress.JobWebScrape, progress.JobOutcome{FinishedAt: now.Add(-10 * time.Minute)})
	require.NoError(t, err)
	_, _, err = store.UpsertSession(ctx, progress.PartialRecord{Source: progress.SourceWeb, Date: today, StudyMinutes: progress.Ptr(5)})
	require.NoError(t, err)

	trig := &recordingTrigger{}
	job := newHealth(store, nil, trig, 8)
	require.NoError(t, job.Run(ctx))

	report := job.LastReport()
	assert.Equal(t, []progress.JobName{progress.JobEmailPoll}, report.StaleJobs)
	assert.False(t, report.TodayMissing)
	assert.Empty(t, trig.names)
}

func TestHealthCheck_EveningSummary(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	for date, minutes := range map[string]int{"2024-03-06": 20, today: 25} {
		_, _, err := store.UpsertSession(ctx, progress.PartialRecord{Source: progress.SourceEmail, Date: date, StudyMinutes: progress.Ptr(minutes)})
		require.NoError(t, err)
	}

	job := newHealth(store, nil, nil, 20)
	require.NoError(t, job.Run(ctx))
	require.NoError(t, job.Run(ctx))

	notes, err := store.NotificationsOn(ctx, today)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, progress.ReasonSummary, notes[0].Reason)
	assert.Equal(t, "Daily Summary: 25 minutes studied today. Current streak: 2 days!", notes[0].Message)
}

func TestHealthCheck_SummaryHonoursThresholdSetting(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, _, err := store.UpsertSession(ctx, progress.PartialRecord{Source: progress.SourceEmail, Date: today, StudyMinutes: progress.Ptr(25)})
	require.NoError(t, err)
	require.NoError(t, store.SetSetting(ctx, progress.SettingMinimumStudyMinutes, "30"))

	job := newHealth(store, nil, nil, 21)
	require.NoError(t, job.Run(ctx))
	assert.Equal(t, 0, job.LastReport().SummaryStreak)
}

func TestHealthCheck_ProbeFailureStillFinishes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	probes := []Probe{
		{Name: "EMAIL", Checker: probeFunc(func(context.Context) error { return errors.New("imap: connection refused") })},
		{Name: "WEB", Checker: probeFunc(func(context.Context) error { return nil })},
	}

	job := newHealth(store, probes, nil, 20)
	err := job.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EMAIL")

	report := job.LastReport()
	assert.Contains(t, report.ProbeErrors, "EMAIL")
	assert.NotContains(t, report.ProbeErrors, "WEB")
	assert.True(t, report.SummaryAdded)
	assert.Equal(t, 0, report.SummaryStreak)
}

func TestHealthCheck_StorePingFails(t *testing.T) {
	trig := &recordingTrigger{}
	job := newHealth(downStore{newStore(t)}, nil, trig, 8)

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.False(t, job.LastReport().StoreOK)
	assert.Empty(t, trig.names)
}
