// Package sqlite is the default progress.Store backend: a single-file
// database through modernc.org/sqlite (pure Go, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/domain/shared"
	"github.com/study-tracker/synthesis-tracker/pkg/retry"
)

// SQLite primary result codes that signal lock contention.
const (
	codeBusy   = 5
	codeLocked = 6
)

const timeLayout = time.RFC3339Nano

// Store implements progress.Store on SQLite. The pool holds one connection,
// so every statement is serialized in-process and per-date upserts cannot
// interleave. Cross-process contention surfaces as SQLITE_BUSY and is
// retried.
type Store struct {
	db      *sql.DB
	path    string
	now     func() time.Time
	retrier *retry.Retrier
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for bookkeeping timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetrier overrides the conflict retrier.
func WithRetrier(r *retry.Retrier) Option {
	return func(s *Store) {
		if r != nil {
			s.retrier = r
		}
	}
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:      db,
		path:    path,
		now:     time.Now,
		retrier: retry.DatabaseRetrier(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS study_sessions (
  date TEXT PRIMARY KEY,
  logged_in INTEGER NOT NULL DEFAULT 0,
  login_time TEXT,
  study_minutes INTEGER NOT NULL DEFAULT 0 CHECK (study_minutes >= 0),
  lessons_completed TEXT NOT NULL DEFAULT '[]',
  last_activity TEXT,
  total_points INTEGER,
  sources TEXT NOT NULL DEFAULT '[]',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  date TEXT NOT NULL,
  message TEXT NOT NULL,
  reason TEXT NOT NULL,
  sent_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_date ON notifications(date);

CREATE TABLE IF NOT EXISTS user_settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS job_health (
  name TEXT PRIMARY KEY,
  last_run_at TEXT,
  last_success_at TEXT,
  last_error TEXT,
  consecutive_failures INTEGER NOT NULL DEFAULT 0
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSIONS
// ══════════════════════════════════════════════════════════════════════════════

// UpsertSession merges partial into the stored record for its date.
func (s *Store) UpsertSession(ctx context.Context, partial progress.PartialRecord) (*progress.SessionRecord, progress.MergeReport, error) {
	if err := partial.Validate(); err != nil {
		return nil, progress.MergeReport{}, err
	}

	var (
		rec    *progress.SessionRecord
		report progress.MergeReport
	)
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		rec, report, err = s.upsertOnce(ctx, partial)
		if isContention(err) {
			return retry.Retryable(shared.StoreConflict(err))
		}
		return err
	})
	if err != nil {
		return nil, progress.MergeReport{}, fmt.Errorf("upsert session %s: %w", partial.Date, err)
	}
	return rec, report, nil
}

func (s *Store) upsertOnce(ctx context.Context, partial progress.PartialRecord) (*progress.SessionRecord, progress.MergeReport, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, progress.MergeReport{}, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, found, err := getSession(ctx, tx, partial.Date)
	if err != nil {
		return nil, progress.MergeReport{}, err
	}
	var prev *progress.SessionRecord
	if found {
		prev = existing
	}

	merged, report := progress.Merge(prev, partial)
	if !report.HasChanges() {
		return &merged, report, tx.Commit()
	}

	now := s.now().UTC()
	merged.UpdatedAt = now
	if report.Created {
		merged.CreatedAt = now
	}

	lessons, err := json.Marshal(merged.LessonsCompleted)
	if err != nil {
		return nil, report, fmt.Errorf("encode lessons: %w", err)
	}
	sources, err := json.Marshal(merged.Sources)
	if err != nil {
		return nil, report, fmt.Errorf("encode sources: %w", err)
	}

	const stmt = `
INSERT INTO study_sessions (date, logged_in, login_time, study_minutes, lessons_completed, last_activity, total_points, sources, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(date) DO UPDATE SET
  logged_in=excluded.logged_in,
  login_time=excluded.login_time,
  study_minutes=excluded.study_minutes,
  lessons_completed=excluded.lessons_completed,
  last_activity=excluded.last_activity,
  total_points=excluded.total_points,
  sources=excluded.sources,
  updated_at=excluded.updated_at;
`
	_, err = tx.ExecContext(ctx, stmt,
		merged.Date,
		merged.LoggedIn,
		formatNullTime(merged.LoginTime),
		merged.StudyMinutes,
		string(lessons),
		formatNullTime(merged.LastActivity),
		nullInt(merged.TotalPoints),
		string(sources),
		merged.CreatedAt.Format(timeLayout),
		merged.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, report, err
	}
	if err := tx.Commit(); err != nil {
		return nil, report, err
	}
	return &merged, report, nil
}

// GetSession returns the record for date.
func (s *Store) GetSession(ctx context.Context, date string) (*progress.SessionRecord, bool, error) {
	return getSession(ctx, s.db, date)
}

// QuerySessions returns records in [from, to], ascending.
func (s *Store) QuerySessions(ctx context.Context, from, to string) ([]progress.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectSession+` WHERE date >= ? AND date <= ? ORDER BY date ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
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

const selectSession = `SELECT date, logged_in, login_time, study_minutes, lessons_completed, last_activity, total_points, sources, created_at, updated_at FROM study_sessions`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getSession(ctx context.Context, q queryer, date string) (*progress.SessionRecord, bool, error) {
	rec, err := scanSession(q.QueryRowContext(ctx, selectSession+` WHERE date = ?`, date))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get session %s: %w", date, err)
	}
	return rec, true, nil
}

func scanSession(row scanner) (*progress.SessionRecord, error) {
	var (
		rec                     progress.SessionRecord
		loginTime, lastActivity sql.NullString
		points                  sql.NullInt64
		lessons, sources        string
		createdAt, updatedAt    string
	)
	if err := row.Scan(&rec.Date, &rec.LoggedIn, &loginTime, &rec.StudyMinutes, &lessons, &lastActivity, &points, &sources, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if rec.LoginTime, err = parseNullTime(loginTime); err != nil {
		return nil, err
	}
	if rec.LastActivity, err = parseNullTime(lastActivity); err != nil {
		return nil, err
	}
	if points.Valid {
		rec.TotalPoints = progress.Ptr(int(points.Int64))
	}
	if err := json.Unmarshal([]byte(lessons), &rec.LessonsCompleted); err != nil {
		return nil, fmt.Errorf("decode lessons: %w", err)
	}
	if err := json.Unmarshal([]byte(sources), &rec.Sources); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// JOB HEALTH
// ══════════════════════════════════════════════════════════════════════════════

// RecordJobHealth folds outcome into the job's single row.
func (s *Store) RecordJobHealth(ctx context.Context, name progress.JobName, outcome progress.JobOutcome) (progress.JobHealth, error) {
	var out progress.JobHealth
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		h, err := s.recordHealthOnce(ctx, name, outcome)
		if isContention(err) {
			return retry.Retryable(err)
		}
		out = h
		return err
	})
	if err != nil {
		return progress.JobHealth{}, fmt.Errorf("record job health %s: %w", name, err)
	}
	return out, nil
}

func (s *Store) recordHealthOnce(ctx context.Context, name progress.JobName, outcome progress.JobOutcome) (progress.JobHealth, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return progress.JobHealth{}, err
	}
	defer func() { _ = tx.Rollback() }()

	current, found, err := getJobHealth(ctx, tx, name)
	if err != nil {
		return progress.JobHealth{}, err
	}
	if !found {
		current = progress.JobHealth{Name: name}
	}
	next := current.Apply(outcome)

	const stmt = `
INSERT INTO job_health (name, last_run_at, last_success_at, last_error, consecutive_failures)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  last_run_at=excluded.last_run_at,
  last_success_at=excluded.last_success_at,
  last_error=excluded.last_error,
  consecutive_failures=excluded.consecutive_failures;
`
	if _, err := tx.ExecContext(ctx, stmt,
		string(name),
		formatNullTime(next.LastRunAt),
		formatNullTime(next.LastSuccessAt),
		nullString(next.LastError),
		next.ConsecutiveFailures,
	); err != nil {
		return progress.JobHealth{}, err
	}
	return next, tx.Commit()
}

// GetJobHealth returns the row for name.
func (s *Store) GetJobHealth(ctx context.Context, name progress.JobName) (progress.JobHealth, bool, error) {
	return getJobHealth(ctx, s.db, name)
}

// ListJobHealth returns every row ordered by name.
func (s *Store) ListJobHealth(ctx context.Context) ([]progress.JobHealth, error) {
	rows, err := s.db.QueryContext(ctx, selectHealth+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list job health: %w", err)
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

const selectHealth = `SELECT name, last_run_at, last_success_at, last_error, consecutive_failures FROM job_health`

func getJobHealth(ctx context.Context, q queryer, name progress.JobName) (progress.JobHealth, bool, error) {
	h, err := scanHealth(q.QueryRowContext(ctx, selectHealth+` WHERE name = ?`, string(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return progress.JobHealth{}, false, nil
	}
	if err != nil {
		return progress.JobHealth{}, false, fmt.Errorf("get job health %s: %w", name, err)
	}
	return h, true, nil
}

func scanHealth(row scanner) (progress.JobHealth, error) {
	var (
		h               progress.JobHealth
		name            string
		lastRun, lastOK sql.NullString
		lastErr         sql.NullString
	)
	if err := row.Scan(&name, &lastRun, &lastOK, &lastErr, &h.ConsecutiveFailures); err != nil {
		return h, err
	}
	h.Name = progress.JobName(name)

	var err error
	if h.LastRunAt, err = parseNullTime(lastRun); err != nil {
		return h, err
	}
	if h.LastSuccessAt, err = parseNullTime(lastOK); err != nil {
		return h, err
	}
	if lastErr.Valid {
		h.LastError = progress.Ptr(lastErr.String)
	}
	return h, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ══════════════════════════════════════════════════════════════════════════════

// AppendNotification inserts n and returns it with its id. A zero SentAt is
// set to now.
func (s *Store) AppendNotification(ctx context.Context, n progress.Notification) (progress.Notification, error) {
	if n.SentAt.IsZero() {
		n.SentAt = s.now()
	}
	n.SentAt = n.SentAt.UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (date, message, reason, sent_at) VALUES (?, ?, ?, ?)`,
		n.Date, n.Message, string(n.Reason), n.SentAt.Format(timeLayout),
	)
	if err != nil {
		return n, fmt.Errorf("append notification: %w", err)
	}
	if n.ID, err = res.LastInsertId(); err != nil {
		return n, fmt.Errorf("append notification: %w", err)
	}
	return n, nil
}

// RecentNotifications returns the newest limit entries.
func (s *Store) RecentNotifications(ctx context.Context, limit int) ([]progress.Notification, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryNotifications(ctx, selectNotification+` ORDER BY id DESC LIMIT ?`, limit)
}

// NotificationsOn returns the entries for date, oldest first.
func (s *Store) NotificationsOn(ctx context.Context, date string) ([]progress.Notification, error) {
	return s.queryNotifications(ctx, selectNotification+` WHERE date = ? ORDER BY id ASC`, date)
}

const selectNotification = `SELECT id, date, message, reason, sent_at FROM notifications`

func (s *Store) queryNotifications(ctx context.Context, query string, args ...any) ([]progress.Notification, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []progress.Notification
	for rows.Next() {
		var (
			n      progress.Notification
			reason string
			sentAt string
		)
		if err := rows.Scan(&n.ID, &n.Date, &n.Message, &reason, &sentAt); err != nil {
			return nil, err
		}
		n.Reason = progress.Reason(reason)
		if n.SentAt, err = time.Parse(timeLayout, sentAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ══════════════════════════════════════════════════════════════════════════════
// SETTINGS
// ══════════════════════════════════════════════════════════════════════════════

// SetSetting creates or overwrites a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const stmt = `
INSERT INTO user_settings (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, stmt, key, value, s.now().UTC().Format(timeLayout)); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting reads a setting.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM user_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func isContention(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == codeBusy || code == codeLocked
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", v.String, err)
	}
	return &t, nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

var _ progress.Store = (*Store)(nil)
