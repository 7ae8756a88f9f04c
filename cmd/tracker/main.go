// Command tracker runs the study progress collector and answers progress
// queries from the local store.
//
//	tracker run                  start the background worker (and API)
//	tracker today | week | streak
//	tracker force-update         collect every source now
//	tracker setting set study_goal_minutes 45
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/study-tracker/synthesis-tracker/config"
	"github.com/study-tracker/synthesis-tracker/internal/app"
	"github.com/study-tracker/synthesis-tracker/internal/domain/shared"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/persistence/postgres"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case shared.IsValidation(err), errors.Is(err, shared.ErrInvalidDate):
		return 2
	case errors.Is(err, shared.ErrAllSourcesFailed):
		return 3
	default:
		return 1
	}
}

// env is shared by every subcommand.
type env struct {
	envFiles []string
}

func (e *env) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(e.envFiles...)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Options{
		Level:  cfg.Observability.LogLevel,
		Format: logger.Format(cfg.Observability.LogFormat),
		// stdout carries command output
		Output: os.Stderr,
		Attrs: []slog.Attr{
			slog.String("app", cfg.App.Name),
			slog.String("env", string(cfg.App.Environment)),
		},
	})
	slog.SetDefault(log)
	return cfg, log, nil
}

func (e *env) open(ctx context.Context) (*app.App, error) {
	cfg, log, err := e.load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, log)
}

// withApp opens the application for one command, prints what fn returns as
// JSON and closes the application afterwards.
func (e *env) withApp(fn func(ctx context.Context, a *app.App, args []string) (any, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := e.open(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		out, err := fn(ctx, a, args)
		// a force update that failed everywhere still shows what was tried
		if err == nil || errors.Is(err, shared.ErrAllSourcesFailed) {
			if perr := printJSON(cmd, out); perr != nil {
				return perr
			}
		}
		return err
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:           "tracker",
		Short:         "Study progress tracker for the Synthesis platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&e.envFiles, "env-file", nil, "env files to load before reading the environment (default ./.env if present)")

	root.AddCommand(
		newRunCmd(e),
		newTodayCmd(e),
		newDayCmd(e),
		newWeekCmd(e),
		newStreakCmd(e),
		newNotificationsCmd(e),
		newRemindCmd(e),
		newForceUpdateCmd(e),
		newStatusCmd(e),
		newSettingCmd(e),
		newMigrateCmd(e),
	)
	return root
}

// ══════════════════════════════════════════════════════════════════════════════
// WORKER
// ══════════════════════════════════════════════════════════════════════════════

func newRunCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the collection worker, plus the local API when HTTP_ENABLED, until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := e.open(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					a.Logger.Error("close failed", logger.Err(err))
				}
				a.Logger.Info("worker stopped")
			}()

			return a.Run(ctx)
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ══════════════════════════════════════════════════════════════════════════════

func newTodayCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "today",
		Short: "Show today's merged record",
		Args:  cobra.NoArgs,
		RunE: e.withApp(func(ctx context.Context, a *app.App, _ []string) (any, error) {
			return a.Facade.GetToday(ctx)
		}),
	}
}

func newDayCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "day <YYYY-MM-DD>",
		Short: "Show the merged record for a date",
		Args:  cobra.ExactArgs(1),
		RunE: e.withApp(func(ctx context.Context, a *app.App, args []string) (any, error) {
			return a.Facade.GetByDate(ctx, args[0])
		}),
	}
}

func newWeekCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "week",
		Short: "Summarise the last seven days",
		Args:  cobra.NoArgs,
		RunE: e.withApp(func(ctx context.Context, a *app.App, _ []string) (any, error) {
			return a.Facade.GetWeeklySummary(ctx)
		}),
	}
}

func newStreakCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "streak",
		Short: "Show the current study streak",
		Args:  cobra.NoArgs,
		RunE: e.withApp(func(ctx context.Context, a *app.App, _ []string) (any, error) {
			return a.Facade.GetStreak(ctx)
		}),
	}
}

func newNotificationsCmd(e *env) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List recent notifications, newest first",
		Args:  cobra.NoArgs,
		RunE: e.withApp(func(ctx context.Context, a *app.App, _ []string) (any, error) {
			return a.Facade.GetRecentNotifications(ctx, limit)
		}),
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of notifications")
	return cmd
}

func newStatusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the health of every background job",
		Args:  cobra.NoArgs,
		RunE: e.withApp(func(ctx context.Context, a *app.App, _ []string) (any, error) {
			return a.Facade.JobStatus(ctx)
		}),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ACTIONS
// ══════════════════════════════════════════════════════════════════════════════

func newRemindCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "remind [message]",
		Short: "Record a study reminder unless today's study is done",
		Args:  cobra.MaximumNArgs(1),
		RunE: e.withApp(func(ctx context.Context, a *app.App, args []string) (any, error) {
			message := ""
			if len(args) == 1 {
				message = args[0]
			}
			return a.Facade.SendStudyReminder(ctx, message)
		}),
	}
}

func newForceUpdateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "force-update",
		Short: "Collect every source now and show today's record",
		Long: `Collect every source now and show today's record.

This command runs its own collection and cannot join a run already in
flight in "tracker run". While the worker is up, ask it instead so the
sources are contacted once:

  curl -X POST http://127.0.0.1:8080/api/v1/force-update`,
		Args: cobra.NoArgs,
		RunE: e.withApp(func(ctx context.Context, a *app.App, _ []string) (any, error) {
			return a.Facade.ForceUpdate(ctx)
		}),
	}
}

func newSettingCmd(e *env) *cobra.Command {
	setting := &cobra.Command{Use: "setting", Short: "Read or change a setting"}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a setting",
		Args:  cobra.ExactArgs(1),
		RunE: e.withApp(func(ctx context.Context, a *app.App, args []string) (any, error) {
			return readSetting(ctx, a, args[0])
		}),
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a setting",
		Args:  cobra.ExactArgs(2),
		RunE: e.withApp(func(ctx context.Context, a *app.App, args []string) (any, error) {
			if err := a.Facade.SetSetting(ctx, args[0], args[1]); err != nil {
				return nil, err
			}
			return readSetting(ctx, a, args[0])
		}),
	}

	setting.AddCommand(get, set)
	return setting
}

func readSetting(ctx context.Context, a *app.App, key string) (map[string]string, error) {
	v, err := a.Facade.GetSetting(ctx, key)
	if err != nil {
		return nil, err
	}
	return map[string]string{"key": key, "value": v}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

func newMigrateCmd(e *env) *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema (sqlite creates its schema on open)",
	}

	withMigrator := func(fn func(ctx context.Context, m *postgres.Migrator) (any, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := e.load()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate needs DB_DRIVER=postgres, got %s", cfg.Database.Driver)
			}
			conn, err := postgres.NewConnectionFromURL(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer conn.Close()

			out, err := fn(cmd.Context(), postgres.NewMigrator(conn))
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		}
	}

	status := func(ctx context.Context, m *postgres.Migrator) (any, error) {
		list, err := m.Status(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(list))
		for _, mig := range list {
			row := map[string]any{"version": mig.Version, "name": mig.Name, "applied": mig.IsApplied}
			if mig.IsApplied {
				row["applied_at"] = mig.AppliedAt
			}
			out = append(out, row)
		}
		return out, nil
	}

	migrate.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *postgres.Migrator) (any, error) {
				if err := m.Migrate(ctx); err != nil {
					return nil, err
				}
				return status(ctx, m)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(ctx context.Context, m *postgres.Migrator) (any, error) {
				if err := m.Rollback(ctx); err != nil {
					return nil, err
				}
				return status(ctx, m)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			Args:  cobra.NoArgs,
			RunE:  withMigrator(status),
		},
	)
	return migrate
}
