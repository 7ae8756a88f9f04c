// Package scheduler runs the periodic collection and health jobs.
// Each job moves Idle -> Running -> Idle on success and through Backoff on
// transient failure. At most one run per job is in flight; ticks that fire
// while a job runs are dropped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
	"github.com/study-tracker/synthesis-tracker/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB INTERFACE
// ══════════════════════════════════════════════════════════════════════════════

// Job defines the interface that all scheduled jobs must implement.
type Job interface {
	// Name returns the unique name of the job.
	Name() string

	// Run executes the job. Shutdown does not cancel ctx; a started run is
	// allowed to finish.
	Run(ctx context.Context) error

	// Description returns a human-readable description of the job.
	Description() string
}

// Schedule defines when a job should run.
type Schedule interface {
	// Next returns the next time the job should run after the given time.
	Next(t time.Time) time.Time

	// String returns a human-readable representation of the schedule.
	String() string
}

// HealthRecorder persists the outcome of every completed run.
type HealthRecorder interface {
	RecordJobHealth(ctx context.Context, name progress.JobName, outcome progress.JobOutcome) (progress.JobHealth, error)
}

// JobState is the per-job lifecycle state.
type JobState int

const (
	StateIdle JobState = iota
	StateRunning
	StateBackoff
)

func (s JobState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Trigger names what started a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerForce    Trigger = "force"
)

// JobResult contains the result of a job execution.
type JobResult struct {
	RunID       string
	JobName     string
	Trigger     Trigger
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Success     bool
	Permanent   bool
	Error       error
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER
// ══════════════════════════════════════════════════════════════════════════════

// Scheduler manages and executes scheduled jobs.
type Scheduler struct {
	mu sync.RWMutex

	// Configuration
	logger      *slog.Logger
	timezone    *time.Location
	now         func() time.Time
	tick        time.Duration
	health      HealthRecorder
	backoff     retry.Backoff
	cooldown    time.Duration
	isPermanent func(error) bool
	maxHistory  int

	// State
	jobs      map[string]*scheduledJob
	running   bool
	stopped   bool
	base      context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	runs      sync.WaitGroup
	startedAt time.Time

	// Metrics and history
	metrics    *SchedulerMetrics
	lastRuns   map[string]*JobResult
	runHistory []JobResult
}

// scheduledJob wraps a Job with scheduling information.
type scheduledJob struct {
	job        Job
	schedule   Schedule
	runOnStart bool
	timeout    time.Duration

	state         JobState
	nextRun       time.Time
	backoffUntil  time.Time
	cooldownUntil time.Time
	failures      int
	lastRun       time.Time
	runCount      int64
	failCount     int64
	inflight      *runHandle
}

// runHandle lets callers join an in-flight run.
type runHandle struct {
	done   chan struct{}
	result JobResult
}

// blockedUntil is the earliest time a scheduled tick may start the job.
func (sj *scheduledJob) blockedUntil() time.Time {
	if sj.cooldownUntil.After(sj.backoffUntil) {
		return sj.cooldownUntil
	}
	return sj.backoffUntil
}

// Config contains configuration for the Scheduler.
type Config struct {
	// Logger for structured logging.
	Logger *slog.Logger

	// Timezone for schedule calculations (default: UTC).
	Timezone *time.Location

	// Health receives every completed run. Optional.
	Health HealthRecorder

	// Backoff after transient failures.
	Backoff retry.Backoff

	// PermanentCooldown postpones the next scheduled attempt after a
	// permanent failure. Zero keeps the normal schedule.
	PermanentCooldown time.Duration

	// IsPermanent classifies run errors. Nil treats every error as transient.
	IsPermanent func(error) bool

	// TickInterval is the loop resolution (default: 1s).
	TickInterval time.Duration

	// MaxHistorySize is the maximum number of job results to keep in history.
	MaxHistorySize int

	// EnableMetrics enables metrics collection.
	EnableMetrics bool

	// Now is the clock (default: time.Now).
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Logger:         slog.Default(),
		Timezone:       time.UTC,
		Backoff:        retry.Backoff{Initial: time.Minute, Max: 30 * time.Minute, Multiplier: 2},
		TickInterval:   time.Second,
		MaxHistorySize: 1000,
		EnableMetrics:  true,
		Now:            time.Now,
	}
}

// New creates a new Scheduler with the given configuration.
func New(config Config) *Scheduler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timezone == nil {
		config.Timezone = time.UTC
	}
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	if config.MaxHistorySize <= 0 {
		config.MaxHistorySize = 1000
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.IsPermanent == nil {
		config.IsPermanent = func(error) bool { return false }
	}

	s := &Scheduler{
		logger:      config.Logger.With(logger.Component("scheduler")),
		timezone:    config.Timezone,
		now:         config.Now,
		tick:        config.TickInterval,
		health:      config.Health,
		backoff:     config.Backoff,
		cooldown:    config.PermanentCooldown,
		isPermanent: config.IsPermanent,
		maxHistory:  config.MaxHistorySize,
		base:        context.Background(),
		jobs:        make(map[string]*scheduledJob),
		lastRuns:    make(map[string]*JobResult),
		runHistory:  make([]JobResult, 0, 64),
	}

	if config.EnableMetrics {
		s.metrics = NewSchedulerMetrics()
	}

	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// JOB REGISTRATION
// ══════════════════════════════════════════════════════════════════════════════

// RegisterOption tunes a single job.
type RegisterOption func(*scheduledJob)

// WithRunOnStart makes the job due as soon as the scheduler starts.
func WithRunOnStart() RegisterOption {
	return func(sj *scheduledJob) { sj.runOnStart = true }
}

// WithRunTimeout bounds every run of the job.
func WithRunTimeout(d time.Duration) RegisterOption {
	return func(sj *scheduledJob) {
		if d > 0 {
			sj.timeout = d
		}
	}
}

// Register adds a job to the scheduler with the given schedule.
func (s *Scheduler) Register(job Job, schedule Schedule, opts ...RegisterOption) error {
	if job == nil {
		return ErrNilJob
	}
	if schedule == nil {
		return ErrNilSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("%w: %s", ErrJobAlreadyExists, name)
	}

	sj := &scheduledJob{
		job:      job,
		schedule: schedule,
		state:    StateIdle,
		nextRun:  schedule.Next(s.now().In(s.timezone)),
	}
	for _, opt := range opts {
		opt(sj)
	}
	s.jobs[name] = sj

	s.logger.Info("job registered",
		logger.Job(name),
		slog.String("description", job.Description()),
		slog.String("schedule", schedule.String()),
		slog.Bool("run_on_start", sj.runOnStart),
	)

	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Start begins the scheduler loop. Cancelling ctx stops the loop but not
// runs already in flight.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.base = context.WithoutCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.startedAt = s.now()
	s.loopDone = make(chan struct{})

	now := s.now().In(s.timezone)
	for _, sj := range s.jobs {
		if sj.runOnStart {
			sj.nextRun = now
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.logger.Info("scheduler started", slog.Int("jobs_count", count))

	go s.runLoop(loopCtx)
	s.checkAndRunJobs()

	return nil
}

// Stop stops new attempts and waits, bounded by ctx, for in-flight runs.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	wasRunning := s.running
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	loopDone := s.loopDone
	s.mu.Unlock()

	if wasRunning && loopDone != nil {
		<-loopDone
	}

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with runs in flight")
		return ctx.Err()
	}

	s.logger.Info("scheduler stopped",
		slog.String("uptime", s.now().Sub(s.startedAt).String()),
	)

	return nil
}

// IsRunning returns true if the scheduler loop is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER LOOP
// ══════════════════════════════════════════════════════════════════════════════

func (s *Scheduler) runLoop(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRunJobs()
		}
	}
}

// checkAndRunJobs starts every due job that is not running or blocked.
func (s *Scheduler) checkAndRunJobs() {
	now := s.now().In(s.timezone)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	for name, sj := range s.jobs {
		if sj.state == StateBackoff && !now.Before(sj.backoffUntil) {
			sj.state = StateIdle
		}
		if sj.nextRun.IsZero() || now.Before(sj.nextRun) {
			continue
		}
		if sj.inflight != nil {
			sj.nextRun = sj.schedule.Next(now)
			s.logger.Debug("tick dropped, job still running",
				logger.Job(name),
				slog.Time("next_run", sj.nextRun),
			)
			continue
		}
		if now.Before(sj.blockedUntil()) {
			continue
		}
		s.startRunLocked(sj, TriggerSchedule)
	}
}

// startRunLocked launches a run. Callers hold s.mu and have checked that no
// run is in flight.
func (s *Scheduler) startRunLocked(sj *scheduledJob, trigger Trigger) *runHandle {
	startedAt := s.now()
	h := &runHandle{done: make(chan struct{})}

	sj.inflight = h
	sj.state = StateRunning
	sj.lastRun = startedAt
	sj.nextRun = sj.schedule.Next(startedAt.In(s.timezone))
	sj.runCount++

	res := JobResult{
		RunID:     uuid.NewString(),
		JobName:   sj.job.Name(),
		Trigger:   trigger,
		StartedAt: startedAt,
	}

	s.runs.Add(1)
	go s.runJob(s.base, sj, h, res)

	return h
}

// runJob executes a single job and records the result.
func (s *Scheduler) runJob(base context.Context, sj *scheduledJob, h *runHandle, res JobResult) {
	defer s.runs.Done()

	log := s.logger.With(logger.Job(res.JobName), logger.RunID(res.RunID))
	log.Info("job started", slog.String("trigger", string(res.Trigger)))

	ctx := base
	if sj.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, sj.timeout)
		defer cancel()
	}

	err := s.safeRun(ctx, sj.job)

	res.CompletedAt = s.now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)
	res.Success = err == nil
	res.Error = err
	res.Permanent = err != nil && s.isPermanent(err)

	failures := -1
	if s.health != nil {
		hctx, cancel := context.WithTimeout(base, 10*time.Second)
		row, herr := s.health.RecordJobHealth(hctx, progress.JobName(res.JobName), progress.JobOutcome{
			FinishedAt: res.CompletedAt,
			Err:        err,
		})
		cancel()
		if herr != nil {
			log.Error("record job health failed", logger.Err(herr))
		} else {
			failures = row.ConsecutiveFailures
		}
	}

	if s.metrics != nil {
		s.metrics.RecordExecution(res.JobName, res.Duration, res.Success, res.CompletedAt)
	}

	s.mu.Lock()
	switch {
	case err == nil:
		sj.failures = 0
		sj.state = StateIdle
		sj.backoffUntil = time.Time{}
		sj.cooldownUntil = time.Time{}
	case res.Permanent:
		sj.failures = nextFailures(sj.failures, failures)
		sj.failCount++
		sj.state = StateIdle
		if s.cooldown > 0 {
			sj.cooldownUntil = res.CompletedAt.Add(s.cooldown)
		}
	default:
		sj.failures = nextFailures(sj.failures, failures)
		sj.failCount++
		sj.state = StateBackoff
		sj.backoffUntil = res.CompletedAt.Add(s.backoff.Delay(sj.failures))
	}
	consecutive := sj.failures
	backoffUntil := sj.backoffUntil
	sj.inflight = nil
	h.result = res
	s.lastRuns[res.JobName] = &h.result
	s.addToHistory(res)
	s.mu.Unlock()

	close(h.done)

	switch {
	case err == nil:
		log.Info("job completed", logger.Latency(res.Duration))
	case res.Permanent:
		log.Error("job failed permanently",
			logger.Latency(res.Duration),
			slog.Int("consecutive_failures", consecutive),
			logger.Err(err),
		)
	default:
		log.Warn("job failed, backing off",
			logger.Latency(res.Duration),
			slog.Int("consecutive_failures", consecutive),
			slog.Time("backoff_until", backoffUntil),
			logger.Err(err),
		)
	}
}

// safeRun turns a panicking job into a failed run.
func (s *Scheduler) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), r)
		}
	}()
	return job.Run(ctx)
}

// nextFailures prefers the persisted count so backoff survives restarts.
func nextFailures(current, persisted int) int {
	if persisted > 0 {
		return persisted
	}
	return current + 1
}

// addToHistory adds a result to the run history with size limit.
func (s *Scheduler) addToHistory(result JobResult) {
	s.runHistory = append(s.runHistory, result)

	if len(s.runHistory) > s.maxHistory {
		s.runHistory = s.runHistory[len(s.runHistory)-s.maxHistory:]
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MANUAL EXECUTION
// ══════════════════════════════════════════════════════════════════════════════

// Trigger fires a tick for the job now. Like a scheduled tick it is dropped
// when the job is running or backing off; started reports which happened.
func (s *Scheduler) Trigger(jobName string) (started bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj, exists := s.jobs[jobName]
	if !exists {
		return false, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	if s.stopped {
		return false, ErrSchedulerStopped
	}
	if sj.inflight != nil || s.now().Before(sj.blockedUntil()) {
		s.logger.Debug("manual tick dropped", logger.Job(jobName), slog.String("state", sj.state.String()))
		return false, nil
	}

	s.startRunLocked(sj, TriggerManual)
	return true, nil
}

// RunOrJoin waits for the job's in-flight run, or starts one ignoring
// backoff and cooldown. It waits at most wait. joined reports whether an
// existing run was joined. The returned error is the run's error, or
// ErrWaitTimeout / ctx.Err() when the wait ended first.
func (s *Scheduler) RunOrJoin(ctx context.Context, jobName string, wait time.Duration) (JobResult, bool, error) {
	s.mu.Lock()
	sj, exists := s.jobs[jobName]
	if !exists {
		s.mu.Unlock()
		return JobResult{}, false, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	if s.stopped {
		s.mu.Unlock()
		return JobResult{}, false, ErrSchedulerStopped
	}

	h, joined := sj.inflight, true
	if h == nil {
		h, joined = s.startRunLocked(sj, TriggerForce), false
	}
	s.mu.Unlock()

	if joined {
		s.logger.Info("joined in-flight run", logger.Job(jobName))
	}

	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-h.done:
		return h.result, joined, h.result.Error
	case <-ctx.Done():
		return JobResult{JobName: jobName}, joined, ctx.Err()
	case <-timeout:
		return JobResult{JobName: jobName}, joined, fmt.Errorf("%w: %s after %s", ErrWaitTimeout, jobName, wait)
	}
}

// ResumeJob clears backoff and cooldown so the next tick may run the job.
func (s *Scheduler) ResumeJob(jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sj, exists := s.jobs[jobName]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}

	sj.backoffUntil = time.Time{}
	sj.cooldownUntil = time.Time{}
	if sj.state == StateBackoff {
		sj.state = StateIdle
	}
	s.logger.Info("job resumed", logger.Job(jobName))

	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// STATUS & INFO
// ══════════════════════════════════════════════════════════════════════════════

// JobInfo contains information about a registered job.
type JobInfo struct {
	Name                string
	Description         string
	Schedule            string
	State               JobState
	LastRun             time.Time
	NextRun             time.Time
	BackoffUntil        time.Time
	CooldownUntil       time.Time
	ConsecutiveFailures int
	RunCount            int64
	FailCount           int64
	LastResult          *JobResult
}

func (s *Scheduler) infoLocked(name string, sj *scheduledJob) JobInfo {
	info := JobInfo{
		Name:                name,
		Description:         sj.job.Description(),
		Schedule:            sj.schedule.String(),
		State:               sj.state,
		LastRun:             sj.lastRun,
		NextRun:             sj.nextRun,
		BackoffUntil:        sj.backoffUntil,
		CooldownUntil:       sj.cooldownUntil,
		ConsecutiveFailures: sj.failures,
		RunCount:            sj.runCount,
		FailCount:           sj.failCount,
	}
	if last, ok := s.lastRuns[name]; ok {
		r := *last
		info.LastResult = &r
	}
	return info
}

// ListJobs returns information about all registered jobs, sorted by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, sj := range s.jobs {
		infos = append(infos, s.infoLocked(name, sj))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return infos
}

// GetJobInfo returns information about a specific job.
func (s *Scheduler) GetJobInfo(jobName string) (*JobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sj, exists := s.jobs[jobName]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}

	info := s.infoLocked(jobName, sj)
	return &info, nil
}

// GetHistory returns the recent job execution history, oldest first.
func (s *Scheduler) GetHistory(limit int) []JobResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.runHistory) {
		limit = len(s.runHistory)
	}

	start := len(s.runHistory) - limit
	result := make([]JobResult, limit)
	copy(result, s.runHistory[start:])

	return result
}

// GetMetrics returns scheduler metrics, nil when disabled.
func (s *Scheduler) GetMetrics() *SchedulerMetrics {
	return s.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// SchedulerMetrics tracks scheduler performance metrics.
type SchedulerMetrics struct {
	mu sync.RWMutex

	TotalExecutions int64
	TotalSuccesses  int64
	TotalFailures   int64
	TotalDuration   time.Duration

	ExecutionsByJob map[string]int64
	FailuresByJob   map[string]int64
	DurationsByJob  map[string]time.Duration
	LastExecutions  map[string]time.Time
}

// NewSchedulerMetrics creates a new metrics tracker.
func NewSchedulerMetrics() *SchedulerMetrics {
	return &SchedulerMetrics{
		ExecutionsByJob: make(map[string]int64),
		FailuresByJob:   make(map[string]int64),
		DurationsByJob:  make(map[string]time.Duration),
		LastExecutions:  make(map[string]time.Time),
	}
}

// RecordExecution records a job execution.
func (m *SchedulerMetrics) RecordExecution(jobName string, duration time.Duration, success bool, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalExecutions++
	m.TotalDuration += duration
	m.ExecutionsByJob[jobName]++
	m.DurationsByJob[jobName] += duration
	m.LastExecutions[jobName] = at

	if success {
		m.TotalSuccesses++
	} else {
		m.TotalFailures++
		m.FailuresByJob[jobName]++
	}
}

// Snapshot returns a point-in-time snapshot of metrics.
func (m *SchedulerMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var avgDuration time.Duration
	if m.TotalExecutions > 0 {
		avgDuration = m.TotalDuration / time.Duration(m.TotalExecutions)
	}

	var successRate float64
	if m.TotalExecutions > 0 {
		successRate = float64(m.TotalSuccesses) / float64(m.TotalExecutions)
	}

	return MetricsSnapshot{
		TotalExecutions: m.TotalExecutions,
		TotalSuccesses:  m.TotalSuccesses,
		TotalFailures:   m.TotalFailures,
		SuccessRate:     successRate,
		AverageDuration: avgDuration,
	}
}

// MetricsSnapshot is a point-in-time snapshot of scheduler metrics.
type MetricsSnapshot struct {
	TotalExecutions int64         `json:"total_executions"`
	TotalSuccesses  int64         `json:"total_successes"`
	TotalFailures   int64         `json:"total_failures"`
	SuccessRate     float64       `json:"success_rate"`
	AverageDuration time.Duration `json:"average_duration"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNilJob is returned when trying to register a nil job.
	ErrNilJob = errors.New("job cannot be nil")

	// ErrNilSchedule is returned when trying to register a job with nil schedule.
	ErrNilSchedule = errors.New("schedule cannot be nil")

	// ErrJobAlreadyExists is returned when a job with the same name already exists.
	ErrJobAlreadyExists = errors.New("job already exists")

	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")

	// ErrSchedulerAlreadyRunning is returned when Start is called on a running scheduler.
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")

	// ErrSchedulerStopped is returned once Stop has been called.
	ErrSchedulerStopped = errors.New("scheduler is stopped")

	// ErrWaitTimeout is returned by RunOrJoin when the run outlives the wait.
	ErrWaitTimeout = errors.New("timed out waiting for run")
)
