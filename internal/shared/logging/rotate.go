package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultMaxSize is the size at which the live log file rotates.
	DefaultMaxSize = 10 << 20
	// DefaultKeep is the number of rotated generations retained.
	DefaultKeep = 3
)

// RotatingWriter is an io.Writer that appends to a file and rotates it when
// a write would push it to MaxSize or beyond. Rotation renames
// name.N -> name.N+1 (dropping the oldest), then the live file to name.1.
// Writes are serialized internally so concurrent callers never interleave
// bytes.
type RotatingWriter struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	keep    int
	file    *os.File
	size    int64
}

// NewRotatingWriter opens (or creates) the live log file at path.
func NewRotatingWriter(path string) (*RotatingWriter, error) {
	return newRotatingWriter(path, DefaultMaxSize, DefaultKeep)
}

func newRotatingWriter(path string, maxSize int64, keep int) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	w := &RotatingWriter{path: path, maxSize: maxSize, keep: keep}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("logging: stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil && w.size+int64(len(p)) >= w.maxSize {
		w.rotate()
	}
	if w.file == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate shifts the generation chain. Failures are best-effort: the live
// file keeps accepting writes even if a rename fails.
func (w *RotatingWriter) rotate() {
	_ = w.file.Close()

	oldest := fmt.Sprintf("%s.%d", w.path, w.keep)
	_ = os.Remove(oldest)
	for n := w.keep - 1; n >= 1; n-- {
		src := fmt.Sprintf("%s.%d", w.path, n)
		dst := fmt.Sprintf("%s.%d", w.path, n+1)
		_ = os.Rename(src, dst)
	}
	_ = os.Rename(w.path, w.path+".1")

	if err := w.open(); err != nil {
		// Retry on the next write.
		w.file = nil
		w.size = 0
	}
}

// Close closes the live file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
