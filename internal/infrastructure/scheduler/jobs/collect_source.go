// Package jobs contains the scheduled jobs of the tracker: one collection job
// per source and the twice-daily health check.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/domain/shared"
	"github.com/study-tracker/synthesis-tracker/internal/domain/source"
	"github.com/study-tracker/synthesis-tracker/pkg/circuitbreaker"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
	"github.com/study-tracker/synthesis-tracker/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// COLLECT SOURCE JOB
// ══════════════════════════════════════════════════════════════════════════════

// CollectStore is what a collection run writes to.
type CollectStore interface {
	progress.SessionStore
	progress.NotificationStore
}

// CollectConfig contains configuration for a collection job.
type CollectConfig struct {
	// Timeout is the deadline for one adapter call plus the writes.
	Timeout time.Duration
}

// CollectStats contains statistics from one run.
type CollectStats struct {
	StartedAt    time.Time
	CompletedAt  time.Time
	Duration     time.Duration
	Partials     int
	Invalid      int
	Created      int
	Changed      int
	Rejected     int
	Achievements int
	Dates        []string
}

// CollectJob harvests one source and merges what it finds into the store.
type CollectJob struct {
	adapter  source.Adapter
	store    CollectStore
	breaker  *circuitbreaker.CircuitBreaker
	calendar *timeutil.Calendar
	logger   *slog.Logger
	config   CollectConfig

	lastStats atomic.Value // *CollectStats
}

// NewCollectJob creates a collection job for the adapter's source. Only
// transient failures trip the breaker.
func NewCollectJob(
	adapter source.Adapter,
	store CollectStore,
	calendar *timeutil.Calendar,
	log *slog.Logger,
	config CollectConfig,
) *CollectJob {
	if log == nil {
		log = slog.Default()
	}
	kind := adapter.Kind()
	log = log.With(logger.Job(string(progress.JobForSource(kind))), logger.Source(string(kind)))

	breaker := circuitbreaker.SourceBreaker(string(kind), source.IsTransient, func(name string, from, to circuitbreaker.State) {
		log.Warn("source circuit changed", slog.String("from", from.String()), slog.String("to", to.String()))
	})

	return &CollectJob{
		adapter:  adapter,
		store:    store,
		breaker:  breaker,
		calendar: calendar,
		logger:   log,
		config:   config,
	}
}

// Name returns the job name.
func (j *CollectJob) Name() string {
	return string(progress.JobForSource(j.adapter.Kind()))
}

// Description returns a human-readable description.
func (j *CollectJob) Description() string {
	return fmt.Sprintf("Collects %s progress and merges it into the daily record", j.adapter.Kind())
}

// Source returns the source this job harvests.
func (j *CollectJob) Source() progress.Source {
	return j.adapter.Kind()
}

// Run executes one collection attempt.
func (j *CollectJob) Run(ctx context.Context) error {
	kind := j.adapter.Kind()
	stats := &CollectStats{StartedAt: j.calendar.Now()}
	defer func() {
		stats.CompletedAt = j.calendar.Now()
		stats.Duration = stats.CompletedAt.Sub(stats.StartedAt)
		j.lastStats.Store(stats)
	}()

	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	req := source.Request{Kind: kind, Today: j.calendar.Today()}

	var partials []progress.PartialRecord
	err := j.breaker.Execute(ctx, func(ctx context.Context) error {
		var cerr error
		partials, cerr = j.adapter.Collect(ctx, req)
		return cerr
	})
	if err != nil {
		if circuitbreaker.IsRejection(err) {
			return source.NewTransient(kind, "collect", err)
		}
		return err
	}

	stats.Partials = len(partials)

	for _, p := range partials {
		if p.Source == "" {
			p.Source = kind
		}

		_, report, err := j.store.UpsertSession(ctx, p)
		if err != nil {
			if shared.IsValidation(err) {
				stats.Invalid++
				j.logger.Warn("discarding invalid partial record", logger.Date(p.Date), logger.Err(err))
				continue
			}
			return fmt.Errorf("upsert %s record for %s: %w", kind, p.Date, err)
		}
		stats.Dates = append(stats.Dates, p.Date)

		switch {
		case report.Created:
			stats.Created++
		case len(report.Changed) > 0:
			stats.Changed++
		}
		if report.AllRejected() {
			stats.Rejected++
		}
		for _, r := range report.Rejected {
			level := slog.LevelWarn
			if r.Stale() {
				level = slog.LevelDebug
			}
			j.logger.Log(ctx, level, "merge rejected field",
				logger.Date(report.Date),
				slog.String("field", r.Field),
				slog.String("existing", r.Existing),
				slog.String("incoming", r.Incoming),
			)
		}

		if len(p.Achievements) > 0 {
			n, err := j.recordAchievements(ctx, p)
			if err != nil {
				j.logger.Error("record achievements failed", logger.Date(p.Date), logger.Err(err))
			}
			stats.Achievements += n
		}
	}

	j.logger.Info("collection finished",
		slog.Int("partials", stats.Partials),
		slog.Int("created", stats.Created),
		slog.Int("changed", stats.Changed),
		slog.Int("rejected", stats.Rejected),
		slog.Int("invalid", stats.Invalid),
	)

	return nil
}

// recordAchievements appends one achievement notification per name and date.
func (j *CollectJob) recordAchievements(ctx context.Context, p progress.PartialRecord) (int, error) {
	existing, err := j.store.NotificationsOn(ctx, p.Date)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(existing))
	for _, n := range existing {
		if n.Reason == progress.ReasonAchievement {
			seen[n.Message] = true
		}
	}

	added := 0
	for _, name := range p.Achievements {
		msg := progress.AchievementMessage(name)
		if seen[msg] {
			continue
		}
		seen[msg] = true
		if _, err := j.store.AppendNotification(ctx, progress.Notification{
			Date:    p.Date,
			Message: msg,
			Reason:  progress.ReasonAchievement,
			SentAt:  j.calendar.Now(),
		}); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// LastStats returns statistics from the last run.
func (j *CollectJob) LastStats() *CollectStats {
	stats := j.lastStats.Load()
	if stats == nil {
		return nil
	}
	return stats.(*CollectStats)
}

// BreakerState returns the state of the source circuit.
func (j *CollectJob) BreakerState() circuitbreaker.State {
	return j.breaker.State()
}
