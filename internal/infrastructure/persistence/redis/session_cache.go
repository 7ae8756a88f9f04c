package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
)

// versionedCache is the slice of *Cache the session decorator needs.
type versionedCache interface {
	PutIfNewer(ctx context.Context, key string, version int64, value interface{}, ttl time.Duration) (bool, error)
	GetVersioned(ctx context.Context, key string, dest interface{}) error
	DeleteByPattern(ctx context.Context, pattern string) error
	Close() error
}

// SessionCache decorates a progress.Store with a Redis read cache for
// GetSession. Upserts write the merged record through; reads fill on miss.
// Entries are versioned by UpdatedAt so a slow writer or filler never
// replaces a newer record. Every other method goes straight to the store.
type SessionCache struct {
	progress.Store

	cache versionedCache
	ttl   time.Duration
	log   *slog.Logger
}

// NewSessionCache wraps store with cache.
func NewSessionCache(store progress.Store, cache *Cache, ttl time.Duration, log *slog.Logger) *SessionCache {
	return newSessionCache(store, cache, ttl, log)
}

func newSessionCache(store progress.Store, cache versionedCache, ttl time.Duration, log *slog.Logger) *SessionCache {
	if ttl <= 0 {
		ttl = TTLSessionData
	}
	if log == nil {
		log = slog.Default()
	}
	return &SessionCache{
		Store: store,
		cache: cache,
		ttl:   ttl,
		log:   log.With(logger.Component("session_cache")),
	}
}

// UpsertSession writes to the store, then caches the merged record.
func (s *SessionCache) UpsertSession(ctx context.Context, partial progress.PartialRecord) (*progress.SessionRecord, progress.MergeReport, error) {
	rec, report, err := s.Store.UpsertSession(ctx, partial)
	if err != nil {
		return nil, report, err
	}
	if report.HasChanges() {
		s.put(ctx, rec)
	}
	return rec, report, nil
}

// GetSession serves from cache, falling back to the store on miss or error.
func (s *SessionCache) GetSession(ctx context.Context, date string) (*progress.SessionRecord, bool, error) {
	var rec progress.SessionRecord
	err := s.cache.GetVersioned(ctx, SessionKey(date), &rec)
	if err == nil {
		return &rec, true, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		s.log.Warn("session cache read failed", logger.Date(date), logger.Err(err))
	}

	stored, found, err := s.Store.GetSession(ctx, date)
	if err != nil || !found {
		return stored, found, err
	}
	s.put(ctx, stored)
	return stored, true, nil
}

// Flush drops every cached session.
func (s *SessionCache) Flush(ctx context.Context) error {
	return s.cache.DeleteByPattern(ctx, PrefixSession+"*")
}

// Close closes the cache and the underlying store.
func (s *SessionCache) Close() error {
	cacheErr := s.cache.Close()
	storeErr := s.Store.Close()
	return errors.Join(storeErr, cacheErr)
}

func (s *SessionCache) put(ctx context.Context, rec *progress.SessionRecord) {
	if rec == nil {
		return
	}
	if _, err := s.cache.PutIfNewer(ctx, SessionKey(rec.Date), rec.UpdatedAt.UnixMicro(), rec, s.ttl); err != nil {
		s.log.Warn("session cache write failed", logger.Date(rec.Date), logger.Err(err))
	}
}
