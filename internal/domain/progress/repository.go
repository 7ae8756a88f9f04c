package progress

import (
	"context"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Contracts for durable storage. Implementations live in
// infrastructure/persistence (sqlite, postgres, redis decorator).
// ══════════════════════════════════════════════════════════════════════════════

// SessionStore persists canonical daily records.
type SessionStore interface {
	// UpsertSession merges the partial into the record for partial.Date and
	// persists the result atomically. Concurrent upserts for the same date
	// serialize without lost updates. Write conflicts are retried internally.
	UpsertSession(ctx context.Context, partial PartialRecord) (*SessionRecord, MergeReport, error)

	// GetSession returns found=false for a date with no record.
	GetSession(ctx context.Context, date string) (*SessionRecord, bool, error)

	// QuerySessions returns records with from <= date <= to, ascending.
	QuerySessions(ctx context.Context, from, to string) ([]SessionRecord, error)
}

// HealthStore keeps one row per job, overwritten after every run.
type HealthStore interface {
	// RecordJobHealth folds the outcome into the job's row, creating it on
	// first use, and returns the stored row.
	RecordJobHealth(ctx context.Context, name JobName, outcome JobOutcome) (JobHealth, error)

	GetJobHealth(ctx context.Context, name JobName) (JobHealth, bool, error)

	ListJobHealth(ctx context.Context) ([]JobHealth, error)
}

// NotificationStore is an append-only notification log.
type NotificationStore interface {
	AppendNotification(ctx context.Context, n Notification) (Notification, error)

	// RecentNotifications returns the newest limit entries, newest first.
	RecentNotifications(ctx context.Context, limit int) ([]Notification, error)

	// NotificationsOn returns every entry for date, oldest first.
	NotificationsOn(ctx context.Context, date string) ([]Notification, error)
}

// SettingsStore is a small key/value table.
type SettingsStore interface {
	SetSetting(ctx context.Context, key, value string) error

	// GetSetting returns found=false for an unknown key.
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// Store is the full persistence surface owned by one backend.
type Store interface {
	SessionStore
	HealthStore
	NotificationStore
	SettingsStore

	Ping(ctx context.Context) error
	Close() error
}
