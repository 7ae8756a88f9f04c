package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/domain/shared"
	"github.com/study-tracker/synthesis-tracker/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STORE IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ProgressStore implements progress.Store for PostgreSQL. Per-date upserts
// lock the row with SELECT ... FOR UPDATE; a race on the first insert for a
// date surfaces as a unique violation and is retried.
type ProgressStore struct {
	conn    *Connection
	now     func() time.Time
	retrier *retry.Retrier
}

// NewProgressStore creates a new ProgressStore.
func NewProgressStore(conn *Connection) *ProgressStore {
	return &ProgressStore{
		conn:    conn,
		now:     time.Now,
		retrier: retry.DatabaseRetrier(),
	}
}

// Ping checks the pool.
func (s *ProgressStore) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the pool.
func (s *ProgressStore) Close() error {
	s.conn.Close()
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────────────────────

const selectSession = `
	SELECT to_char(date, 'YYYY-MM-DD'), logged_in, login_time, study_minutes,
	       lessons_completed, last_activity, total_points, sources, created_at, updated_at
	FROM study_sessions
`

// UpsertSession merges partial into the row for its date.
func (s *ProgressStore) UpsertSession(ctx context.Context, partial progress.PartialRecord) (*progress.SessionRecord, progress.MergeReport, error) {
	if err := partial.Validate(); err != nil {
		return nil, progress.MergeReport{}, err
	}

	var (
		rec    *progress.SessionRecord
		report progress.MergeReport
	)
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		err := s.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			var err error
			rec, report, err = s.upsertTx(ctx, tx, partial)
			return err
		})
		if IsUniqueViolation(err) || IsSerializationFailure(err) {
			return retry.Retryable(shared.StoreConflict(err))
		}
		return err
	})
	if err != nil {
		return nil, progress.MergeReport{}, fmt.Errorf("upsert session %s: %w", partial.Date, err)
	}
	return rec, report, nil
}

func (s *ProgressStore) upsertTx(ctx context.Context, tx pgx.Tx, partial progress.PartialRecord) (*progress.SessionRecord, progress.MergeReport, error) {
	existing, err := scanSession(tx.QueryRow(ctx, selectSession+` WHERE date = $1::date FOR UPDATE`, partial.Date))
	if err != nil && !IsNoRows(err) {
		return nil, progress.MergeReport{}, err
	}

	merged, report := progress.Merge(existing, partial)
	if !report.HasChanges() {
		return &merged, report, nil
	}

	lessons, err := json.Marshal(merged.LessonsCompleted)
	if err != nil {
		return nil, report, fmt.Errorf("failed to marshal lessons: %w", err)
	}
	sources := make([]string, len(merged.Sources))
	for i, src := range merged.Sources {
		sources[i] = string(src)
	}

	now := s.now().UTC()
	merged.UpdatedAt = now

	if report.Created {
		merged.CreatedAt = now
		_, err = tx.Exec(ctx, `
			INSERT INTO study_sessions (
				date, logged_in, login_time, study_minutes, lessons_completed,
				last_activity, total_points, sources, created_at, updated_at
			) VALUES ($1::date, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			merged.Date, merged.LoggedIn, merged.LoginTime, merged.StudyMinutes, lessons,
			merged.LastActivity, merged.TotalPoints, sources, merged.CreatedAt, merged.UpdatedAt,
		)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE study_sessions SET
				logged_in = $2, login_time = $3, study_minutes = $4, lessons_completed = $5,
				last_activity = $6, total_points = $7, sources = $8, updated_at = $9
			WHERE date = $1::date
		`,
			merged.Date, merged.LoggedIn, merged.LoginTime, merged.StudyMinutes, lessons,
			merged.LastActivity, merged.TotalPoints, sources, merged.UpdatedAt,
		)
	}
	if err != nil {
		return nil, report, err
	}
	return &merged, report, nil
}

// GetSession returns the record for date.
func (s *ProgressStore) GetSession(ctx context.Context, date string) (*progress.SessionRecord, bool, error) {
	rec, err := scanSession(s.conn.QueryRow(ctx, selectSession+` WHERE date = $1::date`, date))
	if IsNoRows(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get session %s: %w", date, err)
	}
	return rec, true, nil
}

// QuerySessions returns records in [from, to], ascending.
func (s *ProgressStore) QuerySessions(ctx context.Context, from, to string) ([]progress.SessionRecord, error) {
	rows, err := s.conn.Query(ctx, selectSession+` WHERE date BETWEEN $1::date AND $2::date ORDER BY date ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []progress.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*progress.SessionRecord, error) {
	var (
		rec     progress.SessionRecord
		lessons []byte
		sources []string
	)
	err := row.Scan(
		&rec.Date, &rec.LoggedIn, &rec.LoginTime, &rec.StudyMinutes,
		&lessons, &rec.LastActivity, &rec.TotalPoints, &sources, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(lessons, &rec.LessonsCompleted); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lessons: %w", err)
	}
	rec.Sources = make([]progress.Source, len(sources))
	for i, src := range sources {
		rec.Sources[i] = progress.Source(src)
	}
	return &rec, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Job health
// ─────────────────────────────────────────────────────────────────────────────

const selectHealth = `
	SELECT name, last_run_at, last_success_at, last_error, consecutive_failures
	FROM job_health
`

// RecordJobHealth folds outcome into the job's single row.
func (s *ProgressStore) RecordJobHealth(ctx context.Context, name progress.JobName, outcome progress.JobOutcome) (progress.JobHealth, error) {
	var out progress.JobHealth
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		err := s.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			current, err := scanHealth(tx.QueryRow(ctx, selectHealth+` WHERE name = $1 FOR UPDATE`, string(name)))
			if IsNoRows(err) {
				current = progress.JobHealth{Name: name}
			} else if err != nil {
				return err
			}

			next := current.Apply(outcome)
			_, err = tx.Exec(ctx, `
				INSERT INTO job_health (name, last_run_at, last_success_at, last_error, consecutive_failures)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (name) DO UPDATE SET
					last_run_at = EXCLUDED.last_run_at,
					last_success_at = EXCLUDED.last_success_at,
					last_error = EXCLUDED.last_error,
					consecutive_failures = EXCLUDED.consecutive_failures
			`, string(name), next.LastRunAt, next.LastSuccessAt, next.LastError, next.ConsecutiveFailures)
			out = next
			return err
		})
		if IsSerializationFailure(err) {
			return retry.Retryable(err)
		}
		return err
	})
	if err != nil {
		return progress.JobHealth{}, fmt.Errorf("failed to record job health %s: %w", name, err)
	}
	return out, nil
}

// GetJobHealth returns the row for name.
func (s *ProgressStore) GetJobHealth(ctx context.Context, name progress.JobName) (progress.JobHealth, bool, error) {
	h, err := scanHealth(s.conn.QueryRow(ctx, selectHealth+` WHERE name = $1`, string(name)))
	if IsNoRows(err) {
		return progress.JobHealth{}, false, nil
	}
	if err != nil {
		return progress.JobHealth{}, false, fmt.Errorf("failed to get job health %s: %w", name, err)
	}
	return h, true, nil
}

// ListJobHealth returns every row ordered by name.
func (s *ProgressStore) ListJobHealth(ctx context.Context) ([]progress.JobHealth, error) {
	rows, err := s.conn.Query(ctx, selectHealth+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list job health: %w", err)
	}
	defer rows.Close()

	var out []progress.JobHealth
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHealth(row pgx.Row) (progress.JobHealth, error) {
	var (
		h    progress.JobHealth
		name string
	)
	if err := row.Scan(&name, &h.LastRunAt, &h.LastSuccessAt, &h.LastError, &h.ConsecutiveFailures); err != nil {
		return h, err
	}
	h.Name = progress.JobName(name)
	return h, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Notifications
// ─────────────────────────────────────────────────────────────────────────────

const selectNotification = `
	SELECT id, to_char(date, 'YYYY-MM-DD'), message, reason, sent_at
	FROM notifications
`

// AppendNotification inserts n and returns it with its id.
func (s *ProgressStore) AppendNotification(ctx context.Context, n progress.Notification) (progress.Notification, error) {
	if n.SentAt.IsZero() {
		n.SentAt = s.now()
	}
	n.SentAt = n.SentAt.UTC()

	err := s.conn.QueryRow(ctx, `
		INSERT INTO notifications (date, message, reason, sent_at)
		VALUES ($1::date, $2, $3, $4)
		RETURNING id
	`, n.Date, n.Message, string(n.Reason), n.SentAt).Scan(&n.ID)
	if err != nil {
		return n, fmt.Errorf("failed to append notification: %w", err)
	}
	return n, nil
}

// RecentNotifications returns the newest limit entries.
func (s *ProgressStore) RecentNotifications(ctx context.Context, limit int) ([]progress.Notification, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryNotifications(ctx, selectNotification+` ORDER BY id DESC LIMIT $1`, limit)
}

// NotificationsOn returns the entries for date, oldest first.
func (s *ProgressStore) NotificationsOn(ctx context.Context, date string) ([]progress.Notification, error) {
	return s.queryNotifications(ctx, selectNotification+` WHERE date = $1::date ORDER BY id ASC`, date)
}

func (s *ProgressStore) queryNotifications(ctx context.Context, query string, args ...interface{}) ([]progress.Notification, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []progress.Notification
	for rows.Next() {
		var (
			n      progress.Notification
			reason string
		)
		if err := rows.Scan(&n.ID, &n.Date, &n.Message, &reason, &n.SentAt); err != nil {
			return nil, err
		}
		n.Reason = progress.Reason(reason)
		out = append(out, n)
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Settings
// ─────────────────────────────────────────────────────────────────────────────

// SetSetting creates or overwrites a setting.
func (s *ProgressStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO user_settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, value, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting reads a setting.
func (s *ProgressStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRow(ctx, `SELECT value FROM user_settings WHERE key = $1`, key).Scan(&value)
	if IsNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, true, nil
}

var _ progress.Store = (*ProgressStore)(nil)
