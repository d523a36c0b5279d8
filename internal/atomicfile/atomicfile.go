// Package atomicfile writes whole files with temp-then-rename semantics so
// readers only ever observe the prior committed bytes or the new complete
// bytes, never a truncated prefix.
package atomicfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var seq atomic.Uint64

// WriteJSON pretty-prints v as UTF-8 JSON and commits it to path
// atomically: write to <path>.tmp.<pid>.<seq>, flush, close, rename over
// path, then fsync the parent directory best-effort.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("atomicfile: marshal %s: %w", filepath.Base(path), err)
	}
	return Write(path, append(data, '\n'))
}

// Write commits data to path atomically.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := fmt.Sprintf("%s.tmp.%d.%d", path, os.Getpid(), seq.Add(1))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("atomicfile: create temp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("atomicfile: write temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("atomicfile: sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("atomicfile: close temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("atomicfile: rename: %w", err)
	}

	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry for a just-renamed file. A failure
// here leaves the rename itself intact, so it is not surfaced.
func syncDir(dir string) {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return
	}
	_ = unix.Fsync(fd)
	_ = unix.Close(fd)
}

// ReadJSON loads path into v. Missing files surface as os.ErrNotExist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("atomicfile: decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
