// Package supervisor owns the driver child process: spawn, mutual
// handshake, heartbeats, exit reconciliation, and the bounded-backoff
// restart policy. At most one lifecycle operation is in flight at a time;
// overlapping start or stop requests observe the second as a no-op that
// still reports current status.
package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gaovm/gaovm/internal/protocol"
	"github.com/gaovm/gaovm/internal/server/store"
)

// Supervisor event types.
const (
	EventDriverStarted    = "driver.started"
	EventDriverConnected  = "driver.connected"
	EventDriverExited     = "driver.exited"
	EventRestartScheduled = "driver.restart_scheduled"
	EventPermanentFailure = "driver.permanent_failure"
	EventDesiredChanged   = "vm.desired_state_changed"
)

const (
	defaultReconcileInterval = 5 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	defaultConnectRetry      = 200 * time.Millisecond
	defaultConnectDeadline   = 10 * time.Second
	defaultExecTimeout       = 5 * time.Second
	defaultBackoffUnit       = time.Second

	maxBackoffUnits  = 30
	stopRequestGrace = 500 * time.Millisecond
	stopTermGrace    = 2 * time.Second
	stopKillGrace    = 2 * time.Second
)

type actualState string

const (
	actualAbsent    actualState = "absent"
	actualStarting  actualState = "starting"
	actualConnected actualState = "connected"
	actualStopping  actualState = "stopping"
	actualExited    actualState = "exited"
)

// EmitFunc receives supervisor events.
type EmitFunc func(eventType string, payload any)

// Params wires dependencies for the supervisor.
type Params struct {
	Store         *store.Store
	Logger        *slog.Logger
	Emit          EmitFunc
	DriverBin     string
	RunDir        string
	DriverLogPath string
	Launcher      Launcher

	// MaxHeartbeatMisses tears the channel down after that many
	// consecutive heartbeat failures. Zero means never tear down from
	// heartbeats alone; exit or EOF surfaces the failure instead.
	MaxHeartbeatMisses int

	// Interval overrides; zero selects the production default.
	ReconcileInterval    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	ConnectRetryInterval time.Duration
	ConnectDeadline      time.Duration
	BackoffUnit          time.Duration
}

// Supervisor drives the single VM's driver process.
type Supervisor struct {
	store         *store.Store
	logger        *slog.Logger
	emit          EmitFunc
	driverBin     string
	runDir        string
	socketPath    string
	driverLogPath string
	launcher      Launcher

	maxHeartbeatMisses int
	reconcileInterval  time.Duration
	heartbeatInterval  time.Duration
	heartbeatTimeout   time.Duration
	connectRetry       time.Duration
	connectDeadline    time.Duration
	backoffUnit        time.Duration

	mu              sync.Mutex
	desired         store.DesiredMode
	actual          actualState
	startInProgress bool
	stopInProgress  bool
	restartAttempts int
	restartPending  bool
	restartTimer    *time.Timer
	lastFailure     *string
	token           string
	invocationID    string
	inst            Instance
	channel         *protocol.Channel
	heartbeatStop   chan struct{}
}

// New constructs the supervisor and loads the persisted desired state.
// Nothing is spawned until Run's first reconcile tick or an explicit Start.
func New(params Params) (*Supervisor, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("supervisor: store is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("supervisor: logger is required")
	}
	if params.DriverBin == "" {
		return nil, fmt.Errorf("supervisor: driver binary is required")
	}
	if params.RunDir == "" {
		return nil, fmt.Errorf("supervisor: run dir is required")
	}
	if params.Launcher == nil {
		params.Launcher = ExecLauncher{}
	}
	if params.Emit == nil {
		params.Emit = func(string, any) {}
	}

	s := &Supervisor{
		store:              params.Store,
		logger:             params.Logger.With("component", "supervisor"),
		emit:               params.Emit,
		driverBin:          params.DriverBin,
		runDir:             params.RunDir,
		socketPath:         filepath.Join(params.RunDir, "driver.sock"),
		driverLogPath:      params.DriverLogPath,
		launcher:           params.Launcher,
		maxHeartbeatMisses: params.MaxHeartbeatMisses,
		reconcileInterval:  durationOr(params.ReconcileInterval, defaultReconcileInterval),
		heartbeatInterval:  durationOr(params.HeartbeatInterval, defaultHeartbeatInterval),
		heartbeatTimeout:   durationOr(params.HeartbeatTimeout, defaultHeartbeatTimeout),
		connectRetry:       durationOr(params.ConnectRetryInterval, defaultConnectRetry),
		connectDeadline:    durationOr(params.ConnectDeadline, defaultConnectDeadline),
		backoffUnit:        durationOr(params.BackoffUnit, defaultBackoffUnit),
		actual:             actualAbsent,
	}

	desired, err := params.Store.LoadDesiredState()
	if err != nil {
		return nil, fmt.Errorf("supervisor: load desired state: %w", err)
	}
	s.desired = desired.Desired
	s.lastFailure = desired.LastFailure
	return s, nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// SocketPath returns the driver-facing socket path.
func (s *Supervisor) SocketPath() string { return s.socketPath }

// Run drives the periodic reconcile loop until ctx is cancelled, then
// terminates any child gracefully.
func (s *Supervisor) Run(ctx context.Context) {
	s.reconcile()
	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdownChild()
			return
		case <-ticker.C:
			s.reconcile()
		}
	}
}

func (s *Supervisor) reconcile() {
	s.mu.Lock()
	need := s.desired == store.DesiredRunning &&
		(s.actual == actualAbsent || s.actual == actualExited) &&
		!s.restartPending && !s.startInProgress && !s.stopInProgress
	s.mu.Unlock()
	if need {
		go s.startIfNeeded()
	}
}

// Start sets desired mode to running and kicks a start attempt. An explicit
// start resets the restart budget, including after a permanent failure.
func (s *Supervisor) Start() store.RuntimeState {
	s.mu.Lock()
	changed := s.desired != store.DesiredRunning
	s.desired = store.DesiredRunning
	s.restartAttempts = 0
	s.lastFailure = nil
	s.clearRestartLocked()
	if changed {
		s.persistDesiredLocked()
	}
	s.persistRuntimeLocked()
	status := s.statusLocked()
	s.mu.Unlock()

	if changed {
		s.emit(EventDesiredChanged, map[string]any{"desired": store.DesiredRunning})
	}
	go s.startIfNeeded()
	return status
}

// Stop sets desired mode to stopped, cancels any scheduled restart, and
// terminates the child gracefully with escalation.
func (s *Supervisor) Stop(ctx context.Context) store.RuntimeState {
	s.mu.Lock()
	changed := s.desired != store.DesiredStopped
	s.desired = store.DesiredStopped
	s.clearRestartLocked()
	if changed {
		s.persistDesiredLocked()
	}
	if s.stopInProgress || s.inst == nil {
		s.persistRuntimeLocked()
		status := s.statusLocked()
		s.mu.Unlock()
		if changed {
			s.emit(EventDesiredChanged, map[string]any{"desired": store.DesiredStopped})
		}
		return status
	}
	s.stopInProgress = true
	s.actual = actualStopping
	inst := s.inst
	ch := s.channel
	s.persistRuntimeLocked()
	s.mu.Unlock()

	if changed {
		s.emit(EventDesiredChanged, map[string]any{"desired": store.DesiredStopped})
	}

	s.terminate(ctx, inst, ch)

	s.mu.Lock()
	s.stopInProgress = false
	s.persistRuntimeLocked()
	status := s.statusLocked()
	s.mu.Unlock()
	return status
}

// shutdownChild is the daemon-exit path: terminate the child without
// touching desired mode, so the next daemon start reconciles back to it.
func (s *Supervisor) shutdownChild() {
	s.mu.Lock()
	if s.inst == nil || s.stopInProgress {
		s.mu.Unlock()
		return
	}
	s.stopInProgress = true
	inst := s.inst
	ch := s.channel
	s.mu.Unlock()

	s.terminate(context.Background(), inst, ch)

	s.mu.Lock()
	s.stopInProgress = false
	s.mu.Unlock()
}

// terminate escalates: stop request over the channel, 500 ms grace, then
// SIGTERM, 2 s, then SIGKILL, 2 s, then record the failure if the child is
// somehow still alive.
func (s *Supervisor) terminate(ctx context.Context, inst Instance, ch *protocol.Channel) {
	done := inst.Wait()

	if ch != nil {
		go func() {
			reqCtx, cancel := context.WithTimeout(ctx, stopRequestGrace)
			defer cancel()
			_, _ = ch.Call(reqCtx, "shutdown", nil)
		}()
	}
	if waitExit(done, stopRequestGrace) {
		return
	}

	s.logger.Warn("driver ignored stop request, sending SIGTERM")
	_ = inst.Signal(syscall.SIGTERM)
	if waitExit(done, stopTermGrace) {
		return
	}

	s.logger.Warn("driver ignored SIGTERM, sending SIGKILL")
	_ = inst.Kill()
	if waitExit(done, stopKillGrace) {
		return
	}

	s.recordFailure("driver survived SIGKILL")
}

func waitExit(done <-chan error, grace time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// startIfNeeded performs one guarded start attempt. Overlapping calls
// observe startInProgress and return immediately.
func (s *Supervisor) startIfNeeded() {
	s.mu.Lock()
	if s.startInProgress || s.stopInProgress || s.inst != nil || s.desired != store.DesiredRunning {
		s.mu.Unlock()
		return
	}
	s.startInProgress = true
	s.actual = actualStarting
	s.invocationID = uuid.NewString()
	invocation := s.invocationID
	s.persistRuntimeLocked()
	s.mu.Unlock()

	inst, ch, err := s.launchAndHandshake(invocation)

	s.mu.Lock()
	s.startInProgress = false
	if err != nil {
		msg := err.Error()
		s.lastFailure = &msg
		s.actual = actualAbsent
		s.logger.Error("driver start failed", "invocation", invocation, "error", err)
		s.scheduleRestartLocked()
		s.persistRuntimeLocked()
		s.mu.Unlock()
		return
	}
	if s.desired != store.DesiredRunning {
		// A stop raced the start; the child must not survive it.
		s.actual = actualAbsent
		s.persistRuntimeLocked()
		s.mu.Unlock()
		_ = ch.Close()
		s.reap(inst)
		return
	}
	s.inst = inst
	s.channel = ch
	s.actual = actualConnected
	s.restartAttempts = 0
	s.lastFailure = nil
	s.persistRuntimeLocked()
	s.startHeartbeatLocked()
	pid := inst.PID()
	s.mu.Unlock()

	s.logger.Info("driver connected", "invocation", invocation, "pid", pid)
	s.emit(EventDriverConnected, map[string]any{"pid": pid, "invocationId": invocation})
	go s.monitor(inst, invocation)
}

// launchAndHandshake runs spawn steps: run dir, stale socket removal,
// fresh token, spawn, socket connect with retry, mutual hello.
func (s *Supervisor) launchAndHandshake(invocation string) (Instance, *protocol.Channel, error) {
	if err := os.MkdirAll(s.runDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("supervisor: ensure run dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("supervisor: remove stale driver socket: %w", err)
	}

	token, err := newAuthToken()
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	inst, err := s.launcher.Launch(context.Background(), LaunchSpec{
		Binary:     s.driverBin,
		SocketPath: s.socketPath,
		AuthToken:  token,
		LogPath:    s.driverLogPath,
	}, s.logger)
	if err != nil {
		return nil, nil, err
	}
	s.emit(EventDriverStarted, map[string]any{"pid": inst.PID(), "invocationId": invocation})

	conn, err := s.dialDriver(inst)
	if err != nil {
		s.reap(inst)
		return nil, nil, err
	}

	ch := protocol.NewChannel(conn, protocol.SideDaemon, s.logger)
	hsCtx, cancel := context.WithTimeout(context.Background(), s.connectDeadline)
	defer cancel()
	if _, err := protocol.RespondHandshake(hsCtx, ch, protocol.HandshakeConfig{
		Capabilities: protocol.DriverCapabilities,
		Required:     protocol.DriverRequired,
		AuthToken:    token,
	}); err != nil {
		_ = ch.Close()
		s.reap(inst)
		return nil, nil, fmt.Errorf("supervisor: driver handshake: %w", err)
	}

	ch.SetHandler(s.handleDriverRequest)
	return inst, ch, nil
}

// dialDriver connects to the driver socket, retrying until the deadline or
// until the child is observed dead.
func (s *Supervisor) dialDriver(inst Instance) (net.Conn, error) {
	deadline := time.Now().Add(s.connectDeadline)
	for {
		conn, err := net.Dial("unix", s.socketPath)
		if err == nil {
			return conn, nil
		}
		select {
		case exitErr := <-inst.Wait():
			return nil, fmt.Errorf("supervisor: driver exited before socket came up: %v", exitErr)
		case <-time.After(s.connectRetry):
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("supervisor: driver socket not reachable within %s", s.connectDeadline)
		}
	}
}

// reap kills a half-started child and clears its socket.
func (s *Supervisor) reap(inst Instance) {
	_ = inst.Kill()
	waitExit(inst.Wait(), stopKillGrace)
	_ = os.Remove(s.socketPath)
}

// handleDriverRequest is the post-handshake inbound handler on the driver
// channel: ping and hello are served, everything else is rejected.
func (s *Supervisor) handleDriverRequest(_ context.Context, method string, params json.RawMessage) (any, *protocol.Error) {
	switch method {
	case "ping":
		return map[string]any{"ok": true, "ts": time.Now().UTC().Format(time.RFC3339Nano)}, nil
	case "hello":
		var hello protocol.HelloParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &hello); err != nil {
				return nil, protocol.NewError(protocol.CodeHandshakeFailed, "malformed hello params")
			}
		}
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()
		result, rpcErr := protocol.HandshakeConfig{
			Capabilities: protocol.DriverCapabilities,
			Required:     protocol.DriverRequired,
			AuthToken:    token,
		}.Accept(&hello)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return result, nil
	default:
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "method %q not served on driver channel", method)
	}
}

func (s *Supervisor) startHeartbeatLocked() {
	stop := make(chan struct{})
	s.heartbeatStop = stop
	go s.heartbeat(s.channel, stop)
}

func (s *Supervisor) stopHeartbeatLocked() {
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
}

// heartbeat pings the driver on a fixed cadence. A failed ping records the
// failure but does not tear the channel down unless MaxHeartbeatMisses is
// configured; EOF or the next exit surfaces the real fault.
func (s *Supervisor) heartbeat(ch *protocol.Channel, stop <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-stop:
			return
		case <-ch.Done():
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.heartbeatTimeout)
		_, err := ch.Call(ctx, "ping", nil)
		cancel()
		if err != nil {
			misses++
			s.logger.Warn("heartbeat failed", "misses", misses, "error", err)
			s.recordFailure(fmt.Sprintf("heartbeat failed: %v", err))
			if s.maxHeartbeatMisses > 0 && misses >= s.maxHeartbeatMisses {
				s.logger.Warn("heartbeat miss budget exhausted, closing channel")
				_ = ch.Close()
				return
			}
			continue
		}
		misses = 0
	}
}

// monitor observes one child's exit and reconciles.
func (s *Supervisor) monitor(inst Instance, invocation string) {
	exitErr := <-inst.Wait()

	s.mu.Lock()
	if s.inst != inst {
		s.mu.Unlock()
		return
	}
	expected := s.stopInProgress || s.desired == store.DesiredStopped
	s.inst = nil
	ch := s.channel
	s.channel = nil
	s.actual = actualExited
	s.stopHeartbeatLocked()
	msg := "driver exited"
	if exitErr != nil {
		msg = fmt.Sprintf("driver exited: %v", exitErr)
	}
	if !expected {
		s.lastFailure = &msg
	}
	s.persistRuntimeLocked()
	s.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	_ = os.Remove(s.socketPath)

	if expected {
		s.logger.Info("driver exited", "invocation", invocation)
	} else {
		s.logger.Warn("driver exited unexpectedly", "invocation", invocation, "error", exitErr)
	}
	s.emit(EventDriverExited, map[string]any{
		"invocationId": invocation,
		"expected":     expected,
		"error":        errString(exitErr),
	})

	s.mu.Lock()
	if s.desired == store.DesiredRunning && !s.stopInProgress {
		s.scheduleRestartLocked()
	}
	if s.actual == actualExited {
		s.actual = actualAbsent
	}
	s.persistRuntimeLocked()
	s.mu.Unlock()
}

// scheduleRestartLocked applies the bounded-attempt policy: delays of
// 2^(attempt-1) seconds capped at 30, five attempts, then permanent
// failure flips desired mode to stopped.
func (s *Supervisor) scheduleRestartLocked() {
	if s.desired != store.DesiredRunning || s.restartPending {
		return
	}
	if s.restartAttempts >= store.MaxRestartAttempts {
		s.desired = store.DesiredStopped
		s.persistDesiredLocked()
		s.logger.Error("driver restart budget exhausted", "attempts", s.restartAttempts)
		s.emit(EventPermanentFailure, map[string]any{
			"attempts":    s.restartAttempts,
			"lastFailure": derefOr(s.lastFailure, ""),
		})
		return
	}
	s.restartAttempts++
	units := int64(1) << (s.restartAttempts - 1)
	if units > maxBackoffUnits {
		units = maxBackoffUnits
	}
	delay := time.Duration(units) * s.backoffUnit
	s.restartPending = true
	s.restartTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.restartPending = false
		s.restartTimer = nil
		s.mu.Unlock()
		s.startIfNeeded()
	})
	s.logger.Info("driver restart scheduled", "attempt", s.restartAttempts, "delay", delay)
	s.emit(EventRestartScheduled, map[string]any{
		"attempt": s.restartAttempts,
		"delayMs": delay.Milliseconds(),
	})
}

func (s *Supervisor) clearRestartLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.restartPending = false
}

// Exec forwards a method to the driver channel with the fixed exec timeout.
func (s *Supervisor) Exec(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	ch := s.channel
	connected := s.actual == actualConnected
	s.mu.Unlock()
	if !connected || ch == nil {
		return nil, fmt.Errorf("supervisor: driver not connected")
	}
	execCtx, cancel := context.WithTimeout(ctx, defaultExecTimeout)
	defer cancel()
	result, err := ch.Call(execCtx, method, params)
	if err != nil {
		s.recordFailure(fmt.Sprintf("driver exec %s: %v", method, err))
		return nil, err
	}
	return result, nil
}

// IsRunning reports whether the VM counts as running for config staging
// and pending-activation purposes.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actual == actualStarting || s.actual == actualConnected
}

// Status returns the observational runtime-state record.
func (s *Supervisor) Status() store.RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() store.RuntimeState {
	state := store.RuntimeState{
		Desired:         s.desired,
		Actual:          "stopped",
		RestartAttempts: s.restartAttempts,
		RestartPending:  s.restartPending,
		LastFailure:     s.lastFailure,
	}
	if s.actual == actualConnected {
		state.Actual = "running"
	}
	if s.inst != nil {
		pid := s.inst.PID()
		state.DriverPID = &pid
		sock := s.socketPath
		state.DriverSocketPath = &sock
	}
	return state
}

func (s *Supervisor) recordFailure(msg string) {
	s.mu.Lock()
	s.lastFailure = &msg
	s.persistRuntimeLocked()
	s.mu.Unlock()
}

func (s *Supervisor) persistDesiredLocked() {
	err := s.store.SaveDesiredState(store.DesiredState{
		Desired:     s.desired,
		LastFailure: s.lastFailure,
	})
	if err != nil {
		s.logger.Error("persist desired state", "error", err)
	}
}

func (s *Supervisor) persistRuntimeLocked() {
	if err := s.store.SaveRuntimeState(s.statusLocked()); err != nil {
		s.logger.Error("persist runtime state", "error", err)
	}
}

func newAuthToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("supervisor: generate auth token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func derefOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
