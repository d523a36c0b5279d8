package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gaovm/gaovm/internal/driver"
	"github.com/gaovm/gaovm/internal/server/store"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) emit(eventType string, _ any) {
	r.mu.Lock()
	r.events = append(r.events, eventType)
	r.mu.Unlock()
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// inProcessLauncher runs the real driver contract in a goroutine instead
// of a child process. Signals map to context cancellation.
type inProcessLauncher struct {
	mu       sync.Mutex
	launches int
}

func (l *inProcessLauncher) Launch(_ context.Context, spec LaunchSpec, _ *slog.Logger) (Instance, error) {
	l.mu.Lock()
	l.launches++
	l.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		err := driver.Run(runCtx, driver.Options{
			SocketPath: spec.SocketPath,
			AuthToken:  spec.AuthToken,
		})
		done <- err
		close(done)
	}()
	return &inProcessInstance{cancel: cancel, done: done}, nil
}

func (l *inProcessLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

type inProcessInstance struct {
	cancel context.CancelFunc
	done   <-chan error
}

func (i *inProcessInstance) PID() int                 { return 4242 }
func (i *inProcessInstance) Signal(os.Signal) error   { i.cancel(); return nil }
func (i *inProcessInstance) Kill() error              { i.cancel(); return nil }
func (i *inProcessInstance) Wait() <-chan error       { return i.done }

// failingLauncher simulates a driver binary that cannot start.
type failingLauncher struct {
	mu       sync.Mutex
	launches int
}

func (l *failingLauncher) Launch(context.Context, LaunchSpec, *slog.Logger) (Instance, error) {
	l.mu.Lock()
	l.launches++
	l.mu.Unlock()
	return nil, errors.New("driver exited with status 1")
}

func (l *failingLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func newTestSupervisor(t *testing.T, launcher Launcher, rec *eventRecorder) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir, nil, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sup, err := New(Params{
		Store:                st,
		Logger:               logger,
		Emit:                 rec.emit,
		DriverBin:            "/usr/libexec/gaovm-driver",
		RunDir:               filepath.Join(dir, "run"),
		DriverLogPath:        filepath.Join(dir, "logs", "driver.log"),
		Launcher:             launcher,
		ReconcileInterval:    100 * time.Millisecond,
		HeartbeatInterval:    50 * time.Millisecond,
		HeartbeatTimeout:     time.Second,
		ConnectRetryInterval: 10 * time.Millisecond,
		ConnectDeadline:      3 * time.Second,
		BackoffUnit:          time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return sup
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSupervisorStartConnectExecStop(t *testing.T) {
	launcher := &inProcessLauncher{}
	rec := &eventRecorder{}
	sup := newTestSupervisor(t, launcher, rec)

	status := sup.Start()
	if status.Desired != store.DesiredRunning {
		t.Fatalf("desired not flipped: %+v", status)
	}

	waitFor(t, 5*time.Second, func() bool {
		return sup.Status().Actual == "running"
	}, "driver to connect")

	status = sup.Status()
	if status.RestartAttempts != 0 || status.LastFailure != nil {
		t.Fatalf("unexpected status after connect: %+v", status)
	}
	if status.DriverPID == nil || status.DriverSocketPath == nil {
		t.Fatalf("driver identity missing from status: %+v", status)
	}
	if rec.count(EventDriverConnected) != 1 {
		t.Fatalf("expected one connected event, got %v", rec.events)
	}

	// Round-trip a lifecycle method through the driver channel.
	result, err := sup.Exec(context.Background(), "vm.describe", nil)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if len(result) == 0 {
		t.Fatalf("empty exec result")
	}

	status = sup.Stop(context.Background())
	if status.Desired != store.DesiredStopped || status.Actual != "stopped" {
		t.Fatalf("unexpected status after stop: %+v", status)
	}
	waitFor(t, 2*time.Second, func() bool {
		return rec.count(EventDriverExited) == 1
	}, "exit event")
	if launcher.launchCount() != 1 {
		t.Fatalf("expected 1 launch, got %d", launcher.launchCount())
	}
}

func TestSupervisorRestartBudgetThenPermanentFailure(t *testing.T) {
	launcher := &failingLauncher{}
	rec := &eventRecorder{}
	sup := newTestSupervisor(t, launcher, rec)

	sup.Start()

	waitFor(t, 10*time.Second, func() bool {
		return rec.count(EventPermanentFailure) == 1
	}, "permanent failure")

	if got := rec.count(EventRestartScheduled); got != store.MaxRestartAttempts {
		t.Fatalf("expected %d restart events, got %d", store.MaxRestartAttempts, got)
	}

	status := sup.Status()
	if status.Desired != store.DesiredStopped {
		t.Fatalf("desired not forced to stopped: %+v", status)
	}
	if status.RestartAttempts != store.MaxRestartAttempts {
		t.Fatalf("expected %d attempts, got %d", store.MaxRestartAttempts, status.RestartAttempts)
	}
	if status.LastFailure == nil {
		t.Fatalf("lastFailure not recorded")
	}

	// The budget is exhausted; no further spawn without an explicit start.
	launches := launcher.launchCount()
	time.Sleep(200 * time.Millisecond)
	if launcher.launchCount() != launches {
		t.Fatalf("supervisor kept launching after permanent failure")
	}
}

func TestSupervisorConcurrentStartsSpawnOnce(t *testing.T) {
	launcher := &inProcessLauncher{}
	rec := &eventRecorder{}
	sup := newTestSupervisor(t, launcher, rec)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := sup.Start()
			if status.Desired != store.DesiredRunning {
				t.Errorf("start returned desired %q", status.Desired)
			}
		}()
	}
	wg.Wait()

	waitFor(t, 5*time.Second, func() bool {
		return sup.Status().Actual == "running"
	}, "driver to connect")

	if launcher.launchCount() != 1 {
		t.Fatalf("expected exactly one spawn, got %d", launcher.launchCount())
	}

	sup.Stop(context.Background())
}

func TestSupervisorStopCancelsScheduledRestart(t *testing.T) {
	launcher := &failingLauncher{}
	rec := &eventRecorder{}
	sup := newTestSupervisor(t, launcher, rec)
	// Stretch the backoff so the scheduled restart is still pending when
	// stop arrives.
	sup.backoffUnit = time.Hour

	sup.Start()
	waitFor(t, 2*time.Second, func() bool {
		return rec.count(EventRestartScheduled) == 1
	}, "restart to be scheduled")

	status := sup.Stop(context.Background())
	if status.RestartPending {
		t.Fatalf("restart still pending after stop: %+v", status)
	}
	if status.Desired != store.DesiredStopped {
		t.Fatalf("desired not stopped: %+v", status)
	}

	launches := launcher.launchCount()
	time.Sleep(100 * time.Millisecond)
	if launcher.launchCount() != launches {
		t.Fatalf("launch happened after stop")
	}
}

func TestSupervisorDoctorSnapshot(t *testing.T) {
	launcher := &inProcessLauncher{}
	rec := &eventRecorder{}
	sup := newTestSupervisor(t, launcher, rec)

	diag := sup.Doctor()
	if diag.DriverBinPath == "" || diag.StateDir == "" {
		t.Fatalf("incomplete diagnostics: %+v", diag)
	}
	if diag.DriverBinExists {
		t.Fatalf("driver binary should not exist at %s", diag.DriverBinPath)
	}
	if !diag.StateDirExists {
		t.Fatalf("state dir should exist")
	}
	if diag.Status.Desired != store.DesiredStopped {
		t.Fatalf("unexpected initial desired: %+v", diag.Status)
	}
}
