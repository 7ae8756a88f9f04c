// Package cache is the read surface of the tracker. Reads answer from the
// store only and never wait on a source; ForceUpdate is the one call that
// reaches out, and it goes through the scheduler so it never duplicates a
// run that is already in flight.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/scheduler"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
	"github.com/study-tracker/synthesis-tracker/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// Store is the part of the persistence layer the facade uses.
type Store interface {
	progress.SessionStore
	progress.HealthStore
	progress.NotificationStore
	progress.SettingsStore
}

// JobRunner runs a job now or joins the run already in flight.
// *scheduler.Scheduler implements it.
type JobRunner interface {
	RunOrJoin(ctx context.Context, name string, wait time.Duration) (scheduler.JobResult, bool, error)
}

// Config contains configuration for the facade.
type Config struct {
	// Sources are the registered collection sources.
	Sources []progress.Source

	// Goals are the defaults; settings override them.
	Goals progress.Goals

	// StalenessThreshold marks a source stale when its job has not
	// succeeded for this long.
	StalenessThreshold time.Duration

	// StreakLookbackDays bounds the streak query.
	StreakLookbackDays int

	// MaxDailyReminders caps reminders per calendar day.
	MaxDailyReminders int

	// ForceWait bounds how long ForceUpdate waits for a run.
	ForceWait time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Sources:            progress.AllSources,
		Goals:              progress.Goals{MinimumStudyMinutes: 15, StudyGoalMinutes: 30},
		StalenessThreshold: time.Hour,
		StreakLookbackDays: 365,
		MaxDailyReminders:  3,
		ForceWait:          3 * time.Minute,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// FACADE
// ══════════════════════════════════════════════════════════════════════════════

// Facade answers progress queries.
type Facade struct {
	store    Store
	runner   JobRunner
	calendar *timeutil.Calendar
	logger   *slog.Logger
	config   Config
}

// New creates the facade. runner may be nil, in which case ForceUpdate fails.
func New(store Store, runner JobRunner, calendar *timeutil.Calendar, log *slog.Logger, config Config) *Facade {
	if log == nil {
		log = slog.Default()
	}
	if config.StreakLookbackDays <= 0 {
		config.StreakLookbackDays = 365
	}
	if config.ForceWait <= 0 {
		config.ForceWait = 3 * time.Minute
	}
	return &Facade{
		store:    store,
		runner:   runner,
		calendar: calendar,
		logger:   log.With(logger.Component("cache")),
		config:   config,
	}
}

// Freshness is attached to every response.
type Freshness struct {
	Stale        bool              `json:"stale"`
	StaleSources []progress.Source `json:"stale_sources"`
}

// freshness reports which registered sources have not succeeded recently.
// A source whose job never ran is stale.
func (f *Facade) freshness(ctx context.Context) (Freshness, error) {
	rows, err := f.store.ListJobHealth(ctx)
	if err != nil {
		return Freshness{}, fmt.Errorf("list job health: %w", err)
	}
	byName := make(map[progress.JobName]progress.JobHealth, len(rows))
	for _, h := range rows {
		byName[h.Name] = h
	}

	now := f.calendar.Now()
	out := Freshness{StaleSources: []progress.Source{}}
	for _, src := range f.config.Sources {
		h, ok := byName[progress.JobForSource(src)]
		if !ok || h.StaleSince(now, f.config.StalenessThreshold) {
			out.StaleSources = append(out.StaleSources, src)
		}
	}
	out.Stale = len(out.StaleSources) > 0
	return out, nil
}

func (f *Facade) goals(ctx context.Context) (progress.Goals, error) {
	return progress.ResolveGoals(ctx, f.store, f.config.Goals)
}

// streakAsOf loads the lookback window ending at date and counts the streak.
func (f *Facade) streakAsOf(ctx context.Context, date string, threshold int) (int, []progress.SessionRecord, error) {
	from, err := timeutil.AddDays(date, -(f.config.StreakLookbackDays - 1))
	if err != nil {
		return 0, nil, err
	}
	records, err := f.store.QuerySessions(ctx, from, date)
	if err != nil {
		return 0, nil, fmt.Errorf("query sessions: %w", err)
	}
	return progress.StreakAsOf(records, date, threshold), records, nil
}
