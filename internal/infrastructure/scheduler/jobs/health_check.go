package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/domain/source"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
	"github.com/study-tracker/synthesis-tracker/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH CHECK JOB
// ══════════════════════════════════════════════════════════════════════════════

// HealthStore is the part of the store the health check reads and writes.
type HealthStore interface {
	progress.SessionStore
	progress.HealthStore
	progress.NotificationStore
	progress.SettingsStore
	Ping(ctx context.Context) error
}

// JobTrigger fires a scheduled tick for a job by name.
type JobTrigger interface {
	Trigger(jobName string) (bool, error)
}

// Probe is a named upstream health check.
type Probe struct {
	Name    string
	Checker source.HealthChecker
}

// HealthCheckConfig contains configuration for the health check.
type HealthCheckConfig struct {
	// StalenessThreshold marks a collection job stale when it has not
	// succeeded for this long.
	StalenessThreshold time.Duration

	// SummaryHour is the local hour from which a run records the evening
	// summary. Negative disables it.
	SummaryHour int

	// Goals are the configured defaults; settings may override them.
	Goals progress.Goals

	// StreakLookbackDays bounds the streak query.
	StreakLookbackDays int

	// ProbeTimeout bounds each upstream probe.
	ProbeTimeout time.Duration
}

// DefaultHealthCheckConfig returns sensible defaults.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		StalenessThreshold: time.Hour,
		SummaryHour:        20,
		Goals:              progress.Goals{MinimumStudyMinutes: 15, StudyGoalMinutes: 30},
		StreakLookbackDays: 365,
		ProbeTimeout:       30 * time.Second,
	}
}

// HealthReport contains what the last run found.
type HealthReport struct {
	CheckedAt     time.Time
	StoreOK       bool
	ProbeErrors   map[string]string
	StaleJobs     []progress.JobName
	TodayMissing  bool
	WebTriggered  bool
	SummaryStreak int
	SummaryAdded  bool
}

// HealthCheckJob pings the store and upstreams, flags stale jobs, nudges the
// web job when today has no record and records the evening summary.
type HealthCheckJob struct {
	store    HealthStore
	probes   []Probe
	trigger  JobTrigger
	calendar *timeutil.Calendar
	logger   *slog.Logger
	config   HealthCheckConfig

	lastReport atomic.Value // *HealthReport
}

// NewHealthCheckJob creates the health check. trigger may be nil.
func NewHealthCheckJob(
	store HealthStore,
	probes []Probe,
	trigger JobTrigger,
	calendar *timeutil.Calendar,
	log *slog.Logger,
	config HealthCheckConfig,
) *HealthCheckJob {
	if log == nil {
		log = slog.Default()
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 30 * time.Second
	}
	if config.StreakLookbackDays <= 0 {
		config.StreakLookbackDays = 365
	}

	return &HealthCheckJob{
		store:    store,
		probes:   probes,
		trigger:  trigger,
		calendar: calendar,
		logger:   log.With(logger.Job(string(progress.JobHealthCheck))),
		config:   config,
	}
}

// Name returns the job name.
func (j *HealthCheckJob) Name() string {
	return string(progress.JobHealthCheck)
}

// Description returns a human-readable description.
func (j *HealthCheckJob) Description() string {
	return "Checks store and sources, flags stale jobs and records the evening summary"
}

// Run executes the health check. A failed store ping fails the run at once;
// failed probes fail it after the remaining checks have run.
func (j *HealthCheckJob) Run(ctx context.Context) error {
	now := j.calendar.Now()
	today := j.calendar.Today()
	report := &HealthReport{CheckedAt: now, ProbeErrors: map[string]string{}}
	defer j.lastReport.Store(report)

	if err := j.store.Ping(ctx); err != nil {
		j.logger.Error("store ping failed", logger.Err(err))
		return fmt.Errorf("store ping: %w", err)
	}
	report.StoreOK = true

	var probeErrs []error
	for _, p := range j.probes {
		pctx, cancel := context.WithTimeout(ctx, j.config.ProbeTimeout)
		err := p.Checker.CheckHealth(pctx)
		cancel()
		if err != nil {
			report.ProbeErrors[p.Name] = err.Error()
			probeErrs = append(probeErrs, fmt.Errorf("%s: %w", p.Name, err))
			j.logger.Warn("source probe failed", logger.Source(p.Name), logger.Err(err))
		}
	}

	if err := j.checkStaleness(ctx, now, report); err != nil {
		return err
	}

	rec, found, err := j.store.GetSession(ctx, today)
	if err != nil {
		return fmt.Errorf("read today's record: %w", err)
	}
	if !found {
		report.TodayMissing = true
		j.nudgeWeb(report)
	}

	if j.config.SummaryHour >= 0 && now.In(j.calendar.Location()).Hour() >= j.config.SummaryHour {
		if err := j.recordSummary(ctx, today, rec, report); err != nil {
			j.logger.Error("record evening summary failed", logger.Err(err))
		}
	}

	j.logger.Info("health check finished",
		slog.Int("stale_jobs", len(report.StaleJobs)),
		slog.Int("probe_failures", len(probeErrs)),
		slog.Bool("today_missing", report.TodayMissing),
		slog.Bool("summary_added", report.SummaryAdded),
	)

	return errors.Join(probeErrs...)
}

func (j *HealthCheckJob) checkStaleness(ctx context.Context, now time.Time, report *HealthReport) error {
	rows, err := j.store.ListJobHealth(ctx)
	if err != nil {
		return fmt.Errorf("list job health: %w", err)
	}
	for _, h := range rows {
		if h.Name == progress.JobHealthCheck {
			continue
		}
		if h.StaleSince(now, j.config.StalenessThreshold) {
			report.StaleJobs = append(report.StaleJobs, h.Name)
			attrs := []any{
				logger.Job(string(h.Name)),
				slog.Int("consecutive_failures", h.ConsecutiveFailures),
			}
			if h.LastSuccessAt != nil {
				attrs = append(attrs, slog.Time("last_success_at", *h.LastSuccessAt))
			}
			if h.LastError != nil {
				attrs = append(attrs, slog.String("last_error", *h.LastError))
			}
			j.logger.Warn("job is stale", attrs...)
		}
	}
	return nil
}

func (j *HealthCheckJob) nudgeWeb(report *HealthReport) {
	if j.trigger == nil {
		return
	}
	started, err := j.trigger.Trigger(string(progress.JobWebScrape))
	if err != nil {
		j.logger.Debug("web job not triggered", logger.Err(err))
		return
	}
	report.WebTriggered = started
	j.logger.Info("no record for today, web collection triggered", slog.Bool("started", started))
}

// recordSummary appends today's summary once.
func (j *HealthCheckJob) recordSummary(ctx context.Context, today string, rec *progress.SessionRecord, report *HealthReport) error {
	existing, err := j.store.NotificationsOn(ctx, today)
	if err != nil {
		return err
	}
	for _, n := range existing {
		if n.Reason == progress.ReasonSummary {
			return nil
		}
	}

	goals, err := progress.ResolveGoals(ctx, j.store, j.config.Goals)
	if err != nil {
		return err
	}
	from, err := timeutil.AddDays(today, -(j.config.StreakLookbackDays - 1))
	if err != nil {
		return err
	}
	records, err := j.store.QuerySessions(ctx, from, today)
	if err != nil {
		return err
	}
	streak := progress.StreakAsOf(records, today, goals.MinimumStudyMinutes)

	if _, err := j.store.AppendNotification(ctx, progress.Notification{
		Date:    today,
		Message: progress.DailySummaryMessage(rec, streak),
		Reason:  progress.ReasonSummary,
		SentAt:  j.calendar.Now(),
	}); err != nil {
		return err
	}
	report.SummaryStreak = streak
	report.SummaryAdded = true
	return nil
}

// LastReport returns what the last run found.
func (j *HealthCheckJob) LastReport() *HealthReport {
	r := j.lastReport.Load()
	if r == nil {
		return nil
	}
	return r.(*HealthReport)
}
