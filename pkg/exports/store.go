// Package exports implements the coordinator's bounded, durably persisted
// store of platform export payloads.
package exports

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/solarcloud7/clusterio-surface-export/pkg/models"
	"github.com/solarcloud7/clusterio-surface-export/pkg/persist"
)

// ErrNotFound is returned when an exportId is not present in the store.
var ErrNotFound = errors.New("export not found")

// Store maps exportId → ExportRecord with oldest-by-timestamp eviction
// beyond a configured cap. The full index (metadata + payloads) persists to
// a single JSON file; writes are debounced so bursts of inserts produce one
// flush.
type Store struct {
	mu      sync.RWMutex
	records map[string]models.ExportRecord
	max     int

	writer   *persist.Writer
	debounce *persist.Debouncer
}

// NewStore creates a Store persisting to path, holding at most max records,
// and loads any existing index. A missing or corrupt file yields an empty
// store, never an error.
func NewStore(path string, max int, flushDebounce time.Duration) *Store {
	s := &Store{
		records: make(map[string]models.ExportRecord),
		max:     max,
		writer:  persist.NewWriter(path),
	}
	s.debounce = persist.NewDebouncer(flushDebounce, func() {
		if err := s.Flush(); err != nil {
			slog.Error("Failed to flush export store", "error", err)
		}
	})

	var loaded map[string]models.ExportRecord
	found, err := persist.Load(path, &loaded)
	if err != nil {
		slog.Warn("Could not load export index, starting empty", "path", path, "error", err)
		return s
	}
	if found {
		s.records = loaded
		s.evictLocked()
		slog.Info("Loaded export index", "path", path, "exports", len(s.records))
	}
	return s
}

// Put inserts or replaces a record and schedules a debounced flush.
// Idempotent on exportId.
func (s *Store) Put(rec models.ExportRecord) {
	s.mu.Lock()
	s.records[rec.ExportID] = rec
	s.evictLocked()
	s.mu.Unlock()
	s.debounce.Trigger()
}

// Get returns the record for exportId.
func (s *Store) Get(exportID string) (models.ExportRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[exportID]
	return rec, ok
}

// Delete removes a record unconditionally and schedules a flush.
func (s *Store) Delete(exportID string) {
	s.mu.Lock()
	delete(s.records, exportID)
	s.mu.Unlock()
	s.debounce.Trigger()
}

// List returns all records sorted by timestamp descending.
func (s *Store) List() []models.ExportRecord {
	s.mu.RLock()
	out := make([]models.ExportRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Flush writes the full index to disk immediately.
func (s *Store) Flush() error {
	s.mu.RLock()
	snapshot := make(map[string]models.ExportRecord, len(s.records))
	for id, rec := range s.records {
		snapshot[id] = rec
	}
	s.mu.RUnlock()
	return s.writer.Write(snapshot)
}

// Close cancels any pending debounced flush and writes the final state.
func (s *Store) Close() error {
	s.debounce.Stop()
	return s.Flush()
}

// evictLocked removes the oldest records by timestamp until the cap is met.
// Caller holds s.mu.
func (s *Store) evictLocked() {
	for len(s.records) > s.max {
		oldestID := ""
		var oldestTS int64
		for id, rec := range s.records {
			if oldestID == "" || rec.Timestamp < oldestTS {
				oldestID = id
				oldestTS = rec.Timestamp
			}
		}
		slog.Info("Evicting oldest export", "export_id", oldestID, "timestamp", oldestTS)
		delete(s.records, oldestID)
	}
}
