package store

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gaovm/gaovm/internal/atomicfile"
)

// DesiredMode is what the user last asked for.
type DesiredMode string

const (
	DesiredRunning DesiredMode = "running"
	DesiredStopped DesiredMode = "stopped"
)

// MaxRestartAttempts bounds the supervisor's restart budget; it is recorded
// in the desired-state file so operators can see the policy in effect.
const MaxRestartAttempts = 5

// DesiredState is persisted whenever desired mode or terminal-failure
// status changes. It is the record read back at daemon startup.
type DesiredState struct {
	Desired            DesiredMode `json:"desired"`
	LastFailure        *string     `json:"lastFailure"`
	MaxRestartAttempts int         `json:"maxRestartAttempts"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// RuntimeState is persisted on every supervisor state transition. It is
// observational only: nothing ever reads it back to drive behavior.
type RuntimeState struct {
	Desired          DesiredMode `json:"desired"`
	Actual           string      `json:"actual"`
	RestartAttempts  int         `json:"restartAttempts"`
	RestartPending   bool        `json:"restartPending"`
	DriverPID        *int        `json:"driverPid,omitempty"`
	DriverSocketPath *string     `json:"driverSocketPath,omitempty"`
	LastFailure      *string     `json:"lastFailure,omitempty"`
}

func (s *Store) desiredPath() string { return filepath.Join(s.dir, desiredFile) }
func (s *Store) runtimePath() string { return filepath.Join(s.dir, runtimeFile) }

// LoadDesiredState reads the desired-state record, defaulting to stopped
// when no record exists yet.
func (s *Store) LoadDesiredState() (DesiredState, error) {
	var state DesiredState
	err := atomicfile.ReadJSON(s.desiredPath(), &state)
	if errors.Is(err, os.ErrNotExist) {
		return DesiredState{
			Desired:            DesiredStopped,
			MaxRestartAttempts: MaxRestartAttempts,
			UpdatedAt:          time.Now().UTC(),
		}, nil
	}
	if err != nil {
		return DesiredState{}, err
	}
	if state.MaxRestartAttempts == 0 {
		state.MaxRestartAttempts = MaxRestartAttempts
	}
	return state, nil
}

// SaveDesiredState persists the record with a fresh timestamp.
func (s *Store) SaveDesiredState(state DesiredState) error {
	state.MaxRestartAttempts = MaxRestartAttempts
	state.UpdatedAt = time.Now().UTC()
	return atomicfile.WriteJSON(s.desiredPath(), state)
}

// SaveRuntimeState persists the observational snapshot.
func (s *Store) SaveRuntimeState(state RuntimeState) error {
	return atomicfile.WriteJSON(s.runtimePath(), state)
}
