package persist

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_WriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "exports.json")
	w := NewWriter(path)

	type record struct {
		ID   string `json:"id"`
		Size int64  `json:"size"`
	}

	t.Run("round-trips a value", func(t *testing.T) {
		in := map[string]record{"E1": {ID: "E1", Size: 42}}
		require.NoError(t, w.Write(in))

		var out map[string]record
		found, err := Load(path, &out)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, in, out)
	})

	t.Run("later write replaces earlier", func(t *testing.T) {
		require.NoError(t, w.Write(map[string]record{"E2": {ID: "E2"}}))

		var out map[string]record
		_, err := Load(path, &out)
		require.NoError(t, err)
		assert.NotContains(t, out, "E1")
		assert.Contains(t, out, "E2")
	})

	t.Run("leaves no temp files behind", func(t *testing.T) {
		entries, err := os.ReadDir(filepath.Dir(path))
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestLoad_Tolerant(t *testing.T) {
	t.Run("missing file yields not found, no error", func(t *testing.T) {
		var out map[string]any
		found, err := Load(filepath.Join(t.TempDir(), "nope.json"), &out)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("corrupt file yields not found, no error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

		var out map[string]any
		found, err := Load(path, &out)
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestWriter_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concurrent.json")
	w := NewWriter(path)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, w.Write(map[string]int{"n": n}))
		}(i)
	}
	wg.Wait()

	// Whatever won, the file must be valid JSON with the expected shape.
	var out map[string]int
	found, err := Load(path, &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, out, "n")
}

func TestDebouncer(t *testing.T) {
	t.Run("coalesces a burst into one call", func(t *testing.T) {
		var calls atomic.Int32
		d := NewDebouncer(30*time.Millisecond, func() { calls.Add(1) })

		for i := 0; i < 10; i++ {
			d.Trigger()
		}
		assert.Eventually(t, func() bool { return calls.Load() == 1 },
			time.Second, 5*time.Millisecond)

		// A second burst after the window fires again.
		d.Trigger()
		assert.Eventually(t, func() bool { return calls.Load() == 2 },
			time.Second, 5*time.Millisecond)
	})

	t.Run("flush runs immediately and cancels pending", func(t *testing.T) {
		var calls atomic.Int32
		d := NewDebouncer(time.Hour, func() { calls.Add(1) })

		d.Trigger()
		d.Flush()
		assert.Equal(t, int32(1), calls.Load())

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("stop cancels without running", func(t *testing.T) {
		var calls atomic.Int32
		d := NewDebouncer(20*time.Millisecond, func() { calls.Add(1) })

		d.Trigger()
		d.Stop()
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, int32(0), calls.Load())
	})
}
