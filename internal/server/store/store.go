// Package store owns the four persisted JSON files under the state
// directory: current and pending VM configuration, the desired-state
// record, and the observational runtime-state record. All writes go
// through the atomic writer, so a daemon crash can never leave a partial
// file behind.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gaovm/gaovm/internal/atomicfile"
	"github.com/gaovm/gaovm/internal/server/vmconfig"
)

const (
	currentFile = "config.json"
	pendingFile = "pending_config.json"
	desiredFile = "desired_state.json"
	runtimeFile = "daemon_state.json"
)

// Config store event types.
const (
	EventConfigUpdated   = "config.updated"
	EventPendingWritten  = "pending_config_written"
	EventPendingReplaced = "pending_config_replaced"
	EventPendingApplied  = "config.pending_applied"
)

// EmitFunc receives store events. The store knows nothing about
// subscribers; the daemon app points this at its event bus.
type EmitFunc func(eventType string, payload any)

// Store is the config persistence layer.
type Store struct {
	dir    string
	logger *slog.Logger
	emit   EmitFunc

	mu sync.Mutex
}

// New creates a store rooted at stateDir. emit may be nil.
func New(stateDir string, logger *slog.Logger, emit EmitFunc) (*Store, error) {
	if stateDir == "" {
		return nil, fmt.Errorf("store: state dir is required")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: ensure state dir: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if emit == nil {
		emit = func(string, any) {}
	}
	return &Store{dir: stateDir, logger: logger.With("component", "store"), emit: emit}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) currentPath() string { return filepath.Join(s.dir, currentFile) }
func (s *Store) pendingPath() string { return filepath.Join(s.dir, pendingFile) }

// GetCurrent returns the committed configuration, validating it on read.
// A missing file yields the hard-coded default.
func (s *Store) GetCurrent() (vmconfig.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readCurrentLocked()
}

func (s *Store) readCurrentLocked() (vmconfig.Config, error) {
	data, err := os.ReadFile(s.currentPath())
	if errors.Is(err, os.ErrNotExist) {
		return vmconfig.Default(), nil
	}
	if err != nil {
		return vmconfig.Config{}, fmt.Errorf("store: read current config: %w", err)
	}
	cfg, err := vmconfig.Parse(data)
	if err != nil {
		return vmconfig.Config{}, fmt.Errorf("store: current config invalid: %w", err)
	}
	return cfg, nil
}

// GetPending returns the staged configuration, or nil when none is staged.
func (s *Store) GetPending() (*vmconfig.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPendingLocked()
}

func (s *Store) readPendingLocked() (*vmconfig.Config, error) {
	data, err := os.ReadFile(s.pendingPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read pending config: %w", err)
	}
	cfg, err := vmconfig.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("store: pending config invalid: %w", err)
	}
	return &cfg, nil
}

// SetResult reports what a set or patch operation did.
type SetResult struct {
	Applied         bool             `json:"applied"`
	RestartRequired bool             `json:"restartRequired"`
	PendingReplaced bool             `json:"pendingReplaced"`
	Current         vmconfig.Config  `json:"current"`
	Pending         *vmconfig.Config `json:"pending"`
}

// SetConfig installs next as the full configuration. While the VM runs, a
// change touching a restart-required field is staged to the pending file
// instead of applied; otherwise next becomes current immediately.
func (s *Store) SetConfig(next vmconfig.Config, isRunning bool) (SetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(next, isRunning)
}

func (s *Store) setLocked(next vmconfig.Config, isRunning bool) (SetResult, error) {
	current, err := s.readCurrentLocked()
	if err != nil {
		return SetResult{}, err
	}
	restart := vmconfig.RestartRequired(current, next)

	if isRunning && restart {
		hadPending, err := s.pendingExists()
		if err != nil {
			return SetResult{}, err
		}
		if err := atomicfile.WriteJSON(s.pendingPath(), next); err != nil {
			return SetResult{}, err
		}
		eventType := EventPendingWritten
		if hadPending {
			eventType = EventPendingReplaced
		}
		s.logger.Info("pending config staged", "replaced", hadPending)
		s.emit(eventType, map[string]any{"pending": next})
		pending := next.Clone()
		return SetResult{
			RestartRequired: true,
			PendingReplaced: hadPending,
			Current:         current,
			Pending:         &pending,
		}, nil
	}

	if err := atomicfile.WriteJSON(s.currentPath(), next); err != nil {
		return SetResult{}, err
	}
	if !isRunning {
		if err := s.removePending(); err != nil {
			return SetResult{}, err
		}
	}
	s.logger.Info("config updated", "running", isRunning)
	s.emit(EventConfigUpdated, map[string]any{"current": next})

	result := SetResult{Applied: true, Current: next}
	if isRunning {
		// A live update may leave a previously staged pending that no
		// longer differs from current in a restart-required field; the
		// pending invariant demands it be dropped then.
		pending, err := s.readPendingLocked()
		if err != nil {
			return SetResult{}, err
		}
		if pending != nil && !vmconfig.RestartRequired(next, *pending) {
			if err := s.removePending(); err != nil {
				return SetResult{}, err
			}
			pending = nil
		}
		result.Pending = pending
	}
	return result, nil
}

// PatchConfig deep-merges a sparse, pre-validated patch object into the
// staging base — pending when the VM runs and one is staged, else current —
// and runs the result through SetConfig semantics.
func (s *Store) PatchConfig(patch map[string]any, isRunning bool) (SetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base, err := s.readCurrentLocked()
	if err != nil {
		return SetResult{}, err
	}
	if isRunning {
		pending, err := s.readPendingLocked()
		if err != nil {
			return SetResult{}, err
		}
		if pending != nil {
			base = *pending
		}
	}

	next, err := vmconfig.Apply(base, patch)
	if err != nil {
		return SetResult{}, err
	}
	return s.setLocked(next, isRunning)
}

// ActivatePendingIfPresent promotes the pending configuration to current.
// Invoked on the stopped-to-running transition. Returns whether an
// activation occurred.
func (s *Store) ActivatePendingIfPresent() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.readPendingLocked()
	if err != nil {
		return false, err
	}
	if pending == nil {
		return false, nil
	}
	if err := atomicfile.WriteJSON(s.currentPath(), *pending); err != nil {
		return false, err
	}
	if err := s.removePending(); err != nil {
		return false, err
	}
	s.logger.Info("pending config applied")
	s.emit(EventPendingApplied, map[string]any{"current": *pending})
	return true, nil
}

func (s *Store) pendingExists() (bool, error) {
	_, err := os.Stat(s.pendingPath())
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: stat pending config: %w", err)
	}
	return true, nil
}

func (s *Store) removePending() error {
	if err := os.Remove(s.pendingPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: remove pending config: %w", err)
	}
	return nil
}
