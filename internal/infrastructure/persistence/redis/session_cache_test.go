package redis

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/study-tracker/synthesis-tracker/internal/domain/progress"
	"github.com/study-tracker/synthesis-tracker/internal/infrastructure/persistence/sqlite"
	"github.com/study-tracker/synthesis-tracker/pkg/logger"
)

type memEntry struct {
	version int64
	data    []byte
}

// memCache mimics PutIfNewer semantics in memory.
type memCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	gets    int
	failGet error
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]memEntry{}}
}

func (m *memCache) PutIfNewer(_ context.Context, key string, version int64, value interface{}, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[key]; ok && cur.version > version {
		return false, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	m.entries[key] = memEntry{version: version, data: data}
	return true, nil
}

func (m *memCache) GetVersioned(_ context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.failGet != nil {
		return m.failGet
	}
	e, ok := m.entries[key]
	if !ok {
		return ErrCacheMiss
	}
	return json.Unmarshal(e.data, dest)
}

func (m *memCache) DeleteByPattern(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string]memEntry{}
	return nil
}

func (m *memCache) Close() error { return nil }

func newCachedStore(t *testing.T) (*SessionCache, *memCache, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	mem := newMemCache()
	sc := newSessionCache(store, mem, time.Hour, logger.Discard())
	t.Cleanup(func() { _ = sc.Close() })
	return sc, mem, store
}

func TestSessionCache_WriteThroughThenHit(t *testing.T) {
	ctx := context.Background()
	sc, mem, _ := newCachedStore(t)

	_, _, err := sc.UpsertSession(ctx, progress.PartialRecord{
		Source: progress.SourceEmail, Date: "2024-03-01", StudyMinutes: progress.Ptr(20),
	})
	require.NoError(t, err)
	assert.Contains(t, mem.entries, SessionKey("2024-03-01"))

	rec, found, err := sc.GetSession(ctx, "2024-03-01")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 20, rec.StudyMinutes)
}

func TestSessionCache_MissFillsFromStore(t *testing.T) {
	ctx := context.Background()
	sc, mem, store := newCachedStore(t)

	// Written behind the cache's back.
	_, _, err := store.UpsertSession(ctx, progress.PartialRecord{
		Source: progress.SourceWeb, Date: "2024-03-02", StudyMinutes: progress.Ptr(35),
	})
	require.NoError(t, err)

	rec, found, err := sc.GetSession(ctx, "2024-03-02")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 35, rec.StudyMinutes)
	assert.Contains(t, mem.entries, SessionKey("2024-03-02"))

	_, found, err = sc.GetSession(ctx, "2024-03-03")
	require.NoError(t, err)
	assert.False(t, found)
	assert.NotContains(t, mem.entries, SessionKey("2024-03-03"))
}

func TestSessionCache_ReadErrorFallsThrough(t *testing.T) {
	ctx := context.Background()
	sc, mem, _ := newCachedStore(t)

	_, _, err := sc.UpsertSession(ctx, progress.PartialRecord{
		Source: progress.SourceEmail, Date: "2024-03-01", StudyMinutes: progress.Ptr(20),
	})
	require.NoError(t, err)
	mem.failGet = errors.New("connection reset")

	rec, found, err := sc.GetSession(ctx, "2024-03-01")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 20, rec.StudyMinutes)
}

func TestSessionCache_OlderVersionNeverReplacesNewer(t *testing.T) {
	ctx := context.Background()
	mem := newMemCache()
	key := SessionKey("2024-03-01")

	ok, err := mem.PutIfNewer(ctx, key, 200, progress.SessionRecord{Date: "2024-03-01", StudyMinutes: 40}, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = mem.PutIfNewer(ctx, key, 100, progress.SessionRecord{Date: "2024-03-01", StudyMinutes: 10}, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	var rec progress.SessionRecord
	require.NoError(t, mem.GetVersioned(ctx, key, &rec))
	assert.Equal(t, 40, rec.StudyMinutes)
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "tracker:session:2024-03-01", SessionKey("2024-03-01"))
	assert.Equal(t, "localhost:6379", DefaultConfig().Addr())
}
