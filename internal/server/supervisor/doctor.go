package supervisor

import (
	"os"
	"os/exec"
	"strings"

	"github.com/gaovm/gaovm/internal/server/store"
)

// Diagnostics is the doctor snapshot: the paths the supervisor depends on,
// whether they exist right now, and the current status record.
type Diagnostics struct {
	DriverBinPath    string             `json:"driverBinPath"`
	DriverBinExists  bool               `json:"driverBinExists"`
	DriverSocketPath string             `json:"driverSocketPath"`
	DriverSockExists bool               `json:"driverSocketExists"`
	StateDir         string             `json:"stateDir"`
	StateDirExists   bool               `json:"stateDirExists"`
	Desired          store.DesiredState `json:"desiredState"`
	Status           store.RuntimeState `json:"status"`
}

// Doctor collects the diagnostics snapshot.
func (s *Supervisor) Doctor() Diagnostics {
	desired, err := s.store.LoadDesiredState()
	if err != nil {
		s.logger.Warn("doctor: load desired state", "error", err)
	}
	return Diagnostics{
		DriverBinPath:    s.driverBin,
		DriverBinExists:  binaryExists(s.driverBin),
		DriverSocketPath: s.socketPath,
		DriverSockExists: pathExists(s.socketPath),
		StateDir:         s.store.Dir(),
		StateDirExists:   pathExists(s.store.Dir()),
		Desired:          desired,
		Status:           s.Status(),
	}
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// binaryExists resolves a bare command name through PATH the same way the
// launcher's exec.Command will; explicit paths are checked directly.
func binaryExists(path string) bool {
	if !strings.ContainsRune(path, os.PathSeparator) {
		_, err := exec.LookPath(path)
		return err == nil
	}
	return pathExists(path)
}
