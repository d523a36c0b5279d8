package atomicfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	in := map[string]any{"desired": "running", "attempts": float64(3)}

	require.NoError(t, WriteJSON(path, in))

	var out map[string]any
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, in, out)

	// Pretty-printed with a trailing newline.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"))
	assert.Contains(t, string(data), "  ")
}

func TestWriteReplacesWithoutPartialStates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, WriteJSON(path, map[string]int{"v": 1}))

	// Hammer the file with writers while a reader checks that every
	// observed state is complete, valid JSON.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	readErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			data, err := os.ReadFile(path)
			if err != nil {
				readErr <- err
				return
			}
			var decoded map[string]int
			if err := json.Unmarshal(data, &decoded); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for i := 2; i < 50; i++ {
		require.NoError(t, WriteJSON(path, map[string]int{"v": i}))
	}
	close(stop)
	wg.Wait()
	select {
	case err := <-readErr:
		t.Fatalf("reader observed partial state: %v", err)
	default:
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	for i := 0; i < 10; i++ {
		require.NoError(t, WriteJSON(path, map[string]int{"i": i}))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "out.json", entries[0].Name())
}

func TestReadJSONMissingFile(t *testing.T) {
	var out map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &out)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
