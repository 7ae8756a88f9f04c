package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
	"github.com/study-tracker/synthesis-tracker/pkg/retry"
)

var (
	errTransient = errors.New("connection reset")
	errAuth      = errors.New("bad credentials")
)

type fakeJob struct {
	name  string
	gate  chan struct{}
	err   error
	panic bool

	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	ctxErr    atomic.Value
}

func newFakeJob(name string) *fakeJob { return &fakeJob{name: name} }

func (j *fakeJob) Name() string        { return j.name }
func (j *fakeJob) Description() string { return "fake " + j.name }

func (j *fakeJob) Run(ctx context.Context) error {
	j.calls.Add(1)
	n := j.active.Add(1)
	defer j.active.Add(-1)
	for {
		cur := j.maxActive.Load()
		if n <= cur || j.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	if j.gate != nil {
		<-j.gate
	}
	j.ctxErr.Store(fmtErr(ctx.Err()))
	if j.panic {
		panic("boom")
	}
	return j.err
}

func fmtErr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type memHealth struct {
	mu   sync.Mutex
	rows map[progress.JobName]progress.JobHealth
}

func newMemHealth() *memHealth {
	return &memHealth{rows: map[progress.JobName]progress.JobHealth{}}
}

func (m *memHealth) RecordJobHealth(_ context.Context, name progress.JobName, o progress.JobOutcome) (progress.JobHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[name]
	row.Name = name
	row = row.Apply(o)
	m.rows[name] = row
	return row, nil
}

func (m *memHealth) get(name string) progress.JobHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[progress.JobName(name)]
}

func newTestScheduler(t *testing.T, mutate func(*Config)) (*Scheduler, *memHealth) {
	t.Helper()
	health := newMemHealth()
	cfg := DefaultConfig()
	cfg.Logger = logger.Discard()
	cfg.Health = health
	cfg.TickInterval = 5 * time.Millisecond
	cfg.Backoff = retry.Backoff{Initial: time.Hour, Max: 4 * time.Hour, Multiplier: 2}
	cfg.IsPermanent = func(err error) bool { return errors.Is(err, errAuth) }
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, health
}

func TestScheduler_Register(t *testing.T) {
	s, _ := newTestScheduler(t, nil)

	assert.ErrorIs(t, s.Register(nil, NewIntervalSchedule(time.Minute)), ErrNilJob)
	assert.ErrorIs(t, s.Register(newFakeJob("a"), nil), ErrNilSchedule)
	require.NoError(t, s.Register(newFakeJob("a"), NewIntervalSchedule(time.Minute)))
	assert.ErrorIs(t, s.Register(newFakeJob("a"), NewIntervalSchedule(time.Minute)), ErrJobAlreadyExists)

	_, err := s.GetJobInfo("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.Trigger("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, _, err = s.RunOrJoin(context.Background(), "missing", time.Second)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, s.ResumeJob("missing"), ErrJobNotFound)
}

func TestScheduler_RunOrJoinRecordsHealth(t *testing.T) {
	s, health := newTestScheduler(t, nil)
	job := newFakeJob("EMAIL_POLL")
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Hour)))

	res, joined, err := s.RunOrJoin(context.Background(), job.Name(), time.Second)
	require.NoError(t, err)
	assert.False(t, joined)
	assert.True(t, res.Success)
	assert.Equal(t, TriggerForce, res.Trigger)
	_, perr := uuid.Parse(res.RunID)
	assert.NoError(t, perr)

	row := health.get(job.Name())
	require.NotNil(t, row.LastSuccessAt)
	assert.Zero(t, row.ConsecutiveFailures)
	assert.Nil(t, row.LastError)

	info, err := s.GetJobInfo(job.Name())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, info.State)
	assert.EqualValues(t, 1, info.RunCount)
	require.NotNil(t, info.LastResult)
	assert.Equal(t, res.RunID, info.LastResult.RunID)
}

func TestScheduler_TransientFailuresBackOff(t *testing.T) {
	s, health := newTestScheduler(t, nil)
	job := newFakeJob("WEB_SCRAPE")
	job.err = errTransient
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Minute)))

	want := []time.Duration{time.Hour, 2 * time.Hour, 4 * time.Hour}
	var prev time.Duration
	for i, delay := range want {
		res, _, err := s.RunOrJoin(context.Background(), job.Name(), time.Second)
		require.ErrorIs(t, err, errTransient)
		assert.False(t, res.Permanent)

		info, err := s.GetJobInfo(job.Name())
		require.NoError(t, err)
		assert.Equal(t, StateBackoff, info.State)
		assert.Equal(t, i+1, info.ConsecutiveFailures)
		got := info.BackoffUntil.Sub(info.LastResult.CompletedAt)
		assert.Equal(t, delay, got)
		assert.Greater(t, got, prev)
		prev = got
	}

	row := health.get(job.Name())
	assert.Equal(t, 3, row.ConsecutiveFailures)
	require.NotNil(t, row.LastError)
	assert.Equal(t, errTransient.Error(), *row.LastError)

	// A tick during backoff is dropped, RunOrJoin above bypassed it.
	started, err := s.Trigger(job.Name())
	require.NoError(t, err)
	assert.False(t, started)

	require.NoError(t, s.ResumeJob(job.Name()))
	info, _ := s.GetJobInfo(job.Name())
	assert.Equal(t, StateIdle, info.State)

	job.err = nil
	started, err = s.Trigger(job.Name())
	require.NoError(t, err)
	assert.True(t, started)
	require.Eventually(t, func() bool {
		return health.get(job.Name()).ConsecutiveFailures == 0
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_BackoffIsCapped(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	job := newFakeJob("WEB_SCRAPE")
	job.err = errTransient
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Minute)))

	for i := 0; i < 6; i++ {
		_, _, _ = s.RunOrJoin(context.Background(), job.Name(), time.Second)
	}
	info, err := s.GetJobInfo(job.Name())
	require.NoError(t, err)
	assert.Equal(t, 6, info.ConsecutiveFailures)
	assert.Equal(t, 4*time.Hour, info.BackoffUntil.Sub(info.LastResult.CompletedAt))
}

func TestScheduler_PermanentFailureSkipsBackoff(t *testing.T) {
	s, health := newTestScheduler(t, nil)
	job := newFakeJob("EMAIL_POLL")
	job.err = errAuth
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Minute)))

	res, _, err := s.RunOrJoin(context.Background(), job.Name(), time.Second)
	require.ErrorIs(t, err, errAuth)
	assert.True(t, res.Permanent)

	info, err := s.GetJobInfo(job.Name())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, info.State)
	assert.True(t, info.BackoffUntil.IsZero())
	assert.Equal(t, 1, info.ConsecutiveFailures)
	assert.Equal(t, 1, health.get(job.Name()).ConsecutiveFailures)

	started, err := s.Trigger(job.Name())
	require.NoError(t, err)
	assert.True(t, started)
}

func TestScheduler_PermanentCooldown(t *testing.T) {
	s, _ := newTestScheduler(t, func(c *Config) { c.PermanentCooldown = time.Hour })
	job := newFakeJob("EMAIL_POLL")
	job.err = errAuth
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Minute)))

	_, _, _ = s.RunOrJoin(context.Background(), job.Name(), time.Second)

	info, _ := s.GetJobInfo(job.Name())
	assert.Equal(t, StateIdle, info.State)
	assert.False(t, info.CooldownUntil.IsZero())

	started, err := s.Trigger(job.Name())
	require.NoError(t, err)
	assert.False(t, started)

	require.NoError(t, s.ResumeJob(job.Name()))
	started, err = s.Trigger(job.Name())
	require.NoError(t, err)
	assert.True(t, started)
}

func TestScheduler_DropsTicksWhileRunning(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	job := newFakeJob("EMAIL_POLL")
	job.gate = make(chan struct{})
	require.NoError(t, s.Register(job, NewIntervalSchedule(10*time.Millisecond), WithRunOnStart()))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return job.calls.Load() == 1 }, time.Second, time.Millisecond)

	// Several ticks pass while the first run is blocked.
	time.Sleep(60 * time.Millisecond)
	assert.EqualValues(t, 1, job.calls.Load())

	close(job.gate)
	require.Eventually(t, func() bool { return job.calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, job.maxActive.Load())
}

func TestScheduler_RunOrJoinJoinsInflight(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	job := newFakeJob("WEB_SCRAPE")
	job.gate = make(chan struct{})
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Hour)))

	started, err := s.Trigger(job.Name())
	require.NoError(t, err)
	require.True(t, started)

	var wg sync.WaitGroup
	joinedCount := atomic.Int32{}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, joined, err := s.RunOrJoin(context.Background(), job.Name(), time.Second)
			assert.NoError(t, err)
			assert.Equal(t, TriggerManual, res.Trigger)
			if joined {
				joinedCount.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool { return job.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(job.gate)
	wg.Wait()

	assert.EqualValues(t, 1, job.calls.Load())
	assert.EqualValues(t, 2, joinedCount.Load())
}

func TestScheduler_RunOrJoinWaitTimeout(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	job := newFakeJob("WEB_SCRAPE")
	job.gate = make(chan struct{})
	defer close(job.gate)
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Hour)))

	_, joined, err := s.RunOrJoin(context.Background(), job.Name(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.False(t, joined)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, joined, err = s.RunOrJoin(ctx, job.Name(), time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, joined)
}

func TestScheduler_StopLetsRunFinish(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	job := newFakeJob("EMAIL_POLL")
	job.gate = make(chan struct{})
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())

	started, err := s.Trigger(job.Name())
	require.NoError(t, err)
	require.True(t, started)
	require.Eventually(t, func() bool { return job.calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(job.gate)
	require.NoError(t, <-stopped)
	assert.Equal(t, "", job.ctxErr.Load())
	assert.False(t, s.IsRunning())

	_, err = s.Trigger(job.Name())
	assert.ErrorIs(t, err, ErrSchedulerStopped)
	_, _, err = s.RunOrJoin(context.Background(), job.Name(), time.Second)
	assert.ErrorIs(t, err, ErrSchedulerStopped)
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerStopped)
}

func TestScheduler_StopTimesOut(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	job := newFakeJob("EMAIL_POLL")
	job.gate = make(chan struct{})
	defer close(job.gate)
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Hour)))

	_, err := s.Trigger(job.Name())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}

func TestScheduler_RunTimeout(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	job := &ctxJob{}
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Hour), WithRunTimeout(10*time.Millisecond)))

	_, _, err := s.RunOrJoin(context.Background(), job.Name(), time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type ctxJob struct{}

func (ctxJob) Name() string        { return "ctx" }
func (ctxJob) Description() string { return "waits for its context" }
func (ctxJob) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestScheduler_PanicBecomesFailure(t *testing.T) {
	s, health := newTestScheduler(t, nil)
	job := newFakeJob("HEALTH_CHECK")
	job.panic = true
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Hour)))

	res, _, err := s.RunOrJoin(context.Background(), job.Name(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.False(t, res.Success)
	assert.Equal(t, 1, health.get(job.Name()).ConsecutiveFailures)
}

func TestScheduler_HistoryAndMetrics(t *testing.T) {
	s, _ := newTestScheduler(t, func(c *Config) { c.MaxHistorySize = 2 })
	ok := newFakeJob("a")
	bad := newFakeJob("b")
	bad.err = errTransient
	require.NoError(t, s.Register(ok, NewIntervalSchedule(time.Hour)))
	require.NoError(t, s.Register(bad, NewIntervalSchedule(time.Hour)))

	_, _, _ = s.RunOrJoin(context.Background(), "a", time.Second)
	_, _, _ = s.RunOrJoin(context.Background(), "b", time.Second)
	_, _, _ = s.RunOrJoin(context.Background(), "a", time.Second)

	history := s.GetHistory(0)
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[0].JobName)
	assert.Equal(t, "a", history[1].JobName)

	snap := s.GetMetrics().Snapshot()
	assert.EqualValues(t, 3, snap.TotalExecutions)
	assert.EqualValues(t, 1, snap.TotalFailures)
	assert.InDelta(t, 2.0/3.0, snap.SuccessRate, 0.001)

	jobs := s.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	assert.EqualValues(t, 1, jobs[1].FailCount)
}

func TestJobState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "backoff", StateBackoff.String())
}
