// Package app builds the process-scoped object graph: store, adapters,
// scheduler with its jobs, and the cache facade. Both the long-running
// worker and the one-shot CLI commands go through New.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/study-tracker/synthesis-tracker/config"
	"github.com/study-tracker/synthesis-tracker/internal/application/cache"
	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/domain/source"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/external/mail"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/external/synthesis"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/persistence/postgres"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/persistence/redis"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/persistence/sqlite"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/scheduler"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/scheduler/jobs"
	httpapi "github.com/study-tracker/synthesis-tracker/internal/interface/http"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
	"github.com/study-tracker/synthesis-tracker/pkg/retry"
	"github.com/study-tracker/synthesis-tracker/pkg/timeutil"
)

// writeSlack is added to a collection deadline so the merge writes of a run
// that used its whole adapter budget still finish.
const writeSlack = 30 * time.Second

// App holds everything one process needs.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Calendar  *timeutil.Calendar
	Store     progress.Store
	Scheduler *scheduler.Scheduler
	Facade    *cache.Facade

	// Adapters are the configured sources, in canonical order.
	Adapters []source.Adapter

	// HTTP is nil unless HTTP_ENABLED is set.
	HTTP *httpapi.Server
}

// Option tunes New. Used by tests.
type Option func(*options)

type options struct {
	adapters []source.Adapter
	now      func() time.Time
}

// WithAdapters replaces the adapters built from configuration.
func WithAdapters(adapters ...source.Adapter) Option {
	return func(o *options) { o.adapters = adapters }
}

// WithClock overrides the wall clock of the calendar and the scheduler.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New wires the application. The scheduler is built but not started; call
// Run for the worker loop. The caller must Close the App.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	calendar := timeutil.NewCalendar(cfg.App.Location).WithClock(o.now)

	store, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	adapters := o.adapters
	if adapters == nil {
		adapters = buildAdapters(cfg, calendar, log)
	}

	sched := scheduler.New(scheduler.Config{
		Logger:   log,
		Timezone: cfg.App.Location,
		Health:   store,
		Backoff: retry.Backoff{
			Initial:    cfg.Scheduler.BackoffInitial,
			Max:        cfg.Scheduler.BackoffMax,
			Multiplier: cfg.Scheduler.BackoffMultiplier,
		},
		PermanentCooldown: cfg.Scheduler.PermanentCooldown,
		IsPermanent:       IsPermanent,
		TickInterval:      time.Second,
		MaxHistorySize:    1000,
		EnableMetrics:     true,
		Now:               o.now,
	})

	a := &App{
		Config:    cfg,
		Logger:    log,
		Calendar:  calendar,
		Store:     store,
		Scheduler: sched,
		Adapters:  adapters,
	}

	if err := a.registerJobs(); err != nil {
		_ = store.Close()
		return nil, err
	}

	sources := make([]progress.Source, 0, len(adapters))
	for _, ad := range adapters {
		sources = append(sources, ad.Kind())
	}

	a.Facade = cache.New(store, sched, calendar, log, cache.Config{
		Sources: sources,
		Goals: progress.Goals{
			MinimumStudyMinutes: cfg.Tracking.MinimumStudyMinutes,
			StudyGoalMinutes:    cfg.Tracking.StudyGoalMinutes,
		},
		StalenessThreshold: cfg.Tracking.StalenessThreshold,
		StreakLookbackDays: cfg.Tracking.StreakLookbackDays,
		MaxDailyReminders:  cfg.Tracking.MaxDailyReminders,
		ForceWait:          cfg.Scheduler.ForceWait,
	})

	if cfg.HTTP.Enabled {
		hcfg := httpapi.DefaultConfig()
		hcfg.Host = cfg.HTTP.Host
		hcfg.Port = cfg.HTTP.Port
		hcfg.APIKey = cfg.HTTP.APIKey
		hcfg.WriteTimeout = cfg.Scheduler.ForceWait + writeSlack
		a.HTTP = httpapi.NewServer(hcfg, a.Facade, log)
		a.HTTP.AddReadyCheck("store", store.Ping)
		a.HTTP.AddReadyCheck("scheduler", func(context.Context) error {
			if !sched.IsRunning() {
				return errors.New("scheduler not running")
			}
			return nil
		})
	}

	return a, nil
}

// IsPermanent classifies a failed run. Permanent adapter errors are not
// backed off. Merge rejections never fail a run.
func IsPermanent(err error) bool {
	return source.IsPermanent(err)
}

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// OpenStore opens the configured durable store, applying pending postgres
// migrations, and puts the Redis session cache in front of it when enabled.
// An unreachable Redis disables the cache instead of failing.
func OpenStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (progress.Store, error) {
	var store progress.Store

	switch cfg.Database.Driver {
	case config.DriverPostgres:
		conn, err := postgres.NewConnectionFromURL(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		store = postgres.NewProgressStore(conn)
	default:
		s, err := sqlite.Open(ctx, cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		store = s
	}
	log.Info("store opened", slog.String("driver", cfg.Database.Driver))

	if !cfg.Redis.Enabled {
		return store, nil
	}

	rcfg := redis.DefaultConfig()
	rcfg.Host = cfg.Redis.Host
	rcfg.Port = cfg.Redis.Port
	rcfg.Password = cfg.Redis.Password
	rcfg.DB = cfg.Redis.DB

	rc, err := redis.NewCache(rcfg)
	if err != nil {
		log.Warn("redis unavailable, session cache disabled", slog.String("addr", rcfg.Addr()), logger.Err(err))
		return store, nil
	}
	log.Info("session cache enabled", slog.String("addr", rcfg.Addr()))
	return redis.NewSessionCache(store, rc, cfg.Redis.SessionTTL, log), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ADAPTERS AND JOBS
// ══════════════════════════════════════════════════════════════════════════════

// buildAdapters creates the sources that have credentials. The web source
// reads its login codes through the email adapter.
func buildAdapters(cfg *config.Config, calendar *timeutil.Calendar, log *slog.Logger) []source.Adapter {
	var out []source.Adapter
	var mailAdapter *mail.Adapter

	if cfg.Email.Configured() {
		mailbox := mail.NewMailbox(mail.MailboxConfig{
			Server:   cfg.Email.Server,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			UseSSL:   cfg.Email.UseSSL,
			Mailbox:  cfg.Email.Mailbox,
		}, log)
		mailAdapter = mail.NewAdapter(mailbox, calendar, log, mail.AdapterConfig{Lookback: cfg.Email.Lookback})
		out = append(out, mailAdapter)
	} else {
		log.Warn("email source not configured, EMAIL_POLL disabled")
	}

	if cfg.Synthesis.Configured() && mailAdapter != nil {
		ccfg := synthesis.DefaultClientConfig(cfg.Synthesis.ScraperURL)
		ccfg.Timeout = cfg.Synthesis.RequestTimeout
		ccfg.Logger = log
		out = append(out, synthesis.NewAdapter(synthesis.NewClient(ccfg), mailAdapter, calendar, log, synthesis.AdapterConfig{
			Email:    cfg.Synthesis.Email,
			CodeWait: cfg.Synthesis.CodeWait,
		}))
	} else {
		log.Warn("web source not configured, WEB_SCRAPE disabled")
	}

	return out
}

func (a *App) registerJobs() error {
	sc := a.Config.Scheduler
	var probes []jobs.Probe

	for _, ad := range a.Adapters {
		interval := sc.EmailInterval
		timeout := sc.JobTimeout
		if ad.Kind() == progress.SourceWeb {
			interval = sc.WebInterval
			// the adapter waits for the login code email inside its call
			timeout += a.Config.Synthesis.CodeWait
		}

		job := jobs.NewCollectJob(ad, a.Store, a.Calendar, a.Logger, jobs.CollectConfig{Timeout: timeout})
		regOpts := []scheduler.RegisterOption{scheduler.WithRunTimeout(timeout + writeSlack)}
		if sc.RunOnStart {
			regOpts = append(regOpts, scheduler.WithRunOnStart())
		}
		if err := a.Scheduler.Register(job, scheduler.NewIntervalSchedule(interval), regOpts...); err != nil {
			return fmt.Errorf("register %s: %w", job.Name(), err)
		}

		if hc, ok := ad.(source.HealthChecker); ok {
			probes = append(probes, jobs.Probe{Name: string(ad.Kind()), Checker: hc})
		}
	}

	cron, err := scheduler.ParseCronExpression(sc.HealthCron)
	if err != nil {
		return fmt.Errorf("parse health cron: %w", err)
	}
	hcfg := jobs.DefaultHealthCheckConfig()
	hcfg.StalenessThreshold = a.Config.Tracking.StalenessThreshold
	hcfg.StreakLookbackDays = a.Config.Tracking.StreakLookbackDays
	hcfg.Goals = progress.Goals{
		MinimumStudyMinutes: a.Config.Tracking.MinimumStudyMinutes,
		StudyGoalMinutes:    a.Config.Tracking.StudyGoalMinutes,
	}

	var trigger jobs.JobTrigger
	for _, ad := range a.Adapters {
		if ad.Kind() == progress.SourceWeb {
			trigger = a.Scheduler
		}
	}

	health := jobs.NewHealthCheckJob(a.Store, probes, trigger, a.Calendar, a.Logger, hcfg)
	if err := a.Scheduler.Register(health, cron, scheduler.WithRunTimeout(2*time.Minute)); err != nil {
		return fmt.Errorf("register %s: %w", health.Name(), err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE
// ══════════════════════════════════════════════════════════════════════════════

// Run starts the scheduler, and the HTTP API when enabled, and blocks until
// ctx is cancelled. It then stops both, waiting up to the shutdown timeout
// for in-flight runs and requests.
func (a *App) Run(ctx context.Context) error {
	if len(a.Adapters) == 0 {
		a.Logger.Warn("no sources configured, only the health check will run")
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.Logger.Info("worker running",
		slog.Int("sources", len(a.Adapters)),
		slog.String("timezone", a.Calendar.Location().String()),
	)

	var serveErr <-chan error
	if a.HTTP != nil {
		serveErr = a.HTTP.StartAsync()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.Logger.Info("shutdown signal received")
	case err, ok := <-serveErr:
		if ok && err != nil {
			a.Logger.Error("http server failed", logger.Err(err))
			runErr = err
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), a.Config.App.ShutdownTimeout)
	defer cancel()
	if a.HTTP != nil {
		if err := a.HTTP.Shutdown(stopCtx); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("stop http server: %w", err))
		}
	}
	if err := a.Scheduler.Stop(stopCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("stop scheduler: %w", err))
	}
	return runErr
}

// Close stops the scheduler if it is still running and closes the store.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.App.ShutdownTimeout)
	defer cancel()
	stopErr := a.Scheduler.Stop(ctx)
	return errors.Join(stopErr, a.Store.Close())
}
