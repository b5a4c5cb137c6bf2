package exports

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
)

func testRecord(id string, ts int64) models.ExportRecord {
	return models.ExportRecord{
		ExportID:         id,
		PlatformName:     "Aquilo Run " + id,
		SourceInstanceID: 1,
		ExportData:       json.RawMessage(`{"entityCount":5,"compressed":true}`),
		Timestamp:        ts,
		Size:             1024,
	}
}

func newTestStore(t *testing.T, max int) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "platform_exports.json"), max, time.Hour)
}

func TestStore_PutGetDelete(t *testing.T) {
	s := newTestStore(t, 10)

	rec := testRecord("E1", 100)
	s.Put(rec)

	got, ok := s.Get("E1")
	require.True(t, ok)
	assert.Equal(t, rec, got)

	t.Run("put is idempotent on exportId", func(t *testing.T) {
		s.Put(rec)
		assert.Equal(t, 1, s.Len())
	})

	t.Run("delete removes unconditionally", func(t *testing.T) {
		s.Delete("E1")
		_, ok := s.Get("E1")
		assert.False(t, ok)
		s.Delete("E1") // second delete is a no-op
	})
}

func TestStore_BoundedEviction(t *testing.T) {
	s := newTestStore(t, 3)

	for i, id := range []string{"E1", "E2", "E3", "E4"} {
		s.Put(testRecord(id, int64(100+i)))
	}

	assert.Equal(t, 3, s.Len())
	_, ok := s.Get("E1")
	assert.False(t, ok, "oldest record should be evicted")
	for _, id := range []string{"E2", "E3", "E4"} {
		_, ok := s.Get(id)
		assert.True(t, ok, "record %s should survive", id)
	}
}

func TestStore_ListSortedByTimestampDesc(t *testing.T) {
	s := newTestStore(t, 10)
	s.Put(testRecord("old", 100))
	s.Put(testRecord("newest", 300))
	s.Put(testRecord("mid", 200))

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "newest", list[0].ExportID)
	assert.Equal(t, "mid", list[1].ExportID)
	assert.Equal(t, "old", list[2].ExportID)
}

func TestStore_PersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platform_exports.json")

	s := NewStore(path, 10, time.Hour)
	s.Put(testRecord("E1", 100))
	s.Put(testRecord("E2", 200))
	require.NoError(t, s.Flush())

	reloaded := NewStore(path, 10, time.Hour)
	assert.Equal(t, 2, reloaded.Len())

	got, ok := reloaded.Get("E1")
	require.True(t, ok)
	assert.Equal(t, "Aquilo Run E1", got.PlatformName)
	// Opaque payload survives byte-for-byte.
	assert.JSONEq(t, `{"entityCount":5,"compressed":true}`, string(got.ExportData))
}

func TestStore_LoadRespectsCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platform_exports.json")

	s := NewStore(path, 10, time.Hour)
	for i := 0; i < 5; i++ {
		s.Put(testRecord(string(rune('A'+i)), int64(i)))
	}
	require.NoError(t, s.Flush())

	// Reopening with a smaller cap evicts the oldest on load.
	reloaded := NewStore(path, 2, time.Hour)
	assert.Equal(t, 2, reloaded.Len())
	_, ok := reloaded.Get("E")
	assert.True(t, ok)
}

func TestStore_MissingFileStartsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nope", "platform_exports.json"), 10, time.Hour)
	assert.Equal(t, 0, s.Len())
}

func TestStore_DebouncedFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platform_exports.json")
	s := NewStore(path, 10, 20*time.Millisecond)

	for i := 0; i < 5; i++ {
		s.Put(testRecord("E1", int64(i)))
	}

	assert.Eventually(t, func() bool {
		probe := NewStore(path, 10, time.Hour)
		return probe.Len() == 1
	}, time.Second, 10*time.Millisecond)
}
