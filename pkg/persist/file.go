// Package persist provides atomic JSON file persistence for the
// coordinator's durable state (export index and transaction logs).
//
// Each durable file gets one Writer. A Writer serializes writes so a later
// write never overtakes an earlier one, and writes via a temp file + rename
// so readers never observe a partially written file.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Writer persists JSON snapshots of one value to a single file.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates a Writer for the given file path. The parent directory
// is created on first write, not here.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the file path this writer persists to.
func (w *Writer) Path() string {
	return w.path
}

// Write marshals v and atomically replaces the file contents. Concurrent
// calls are serialized in arrival order.
func (w *Writer) Write(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(w.path), err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(w.path), filepath.Base(w.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", filepath.Base(w.path), err)
	}
	return nil
}

// Load reads a JSON file into v. A missing file returns (false, nil); a
// corrupt file logs a warning and returns (false, nil) — startup must never
// hard-crash on damaged persistence.
func Load(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("Ignoring corrupt persistence file",
			"path", path, "error", err)
		return false, nil
	}
	return true, nil
}
