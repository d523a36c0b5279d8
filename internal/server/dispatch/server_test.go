package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gaovm/gaovm/internal/cli/client"
	"github.com/gaovm/gaovm/internal/driver"
	"github.com/gaovm/gaovm/internal/protocol"
	"github.com/gaovm/gaovm/internal/server/eventbus"
	"github.com/gaovm/gaovm/internal/server/store"
	"github.com/gaovm/gaovm/internal/server/supervisor"
)

// inProcessLauncher runs the real driver contract in a goroutine.
type inProcessLauncher struct{}

func (inProcessLauncher) Launch(_ context.Context, spec supervisor.LaunchSpec, _ *slog.Logger) (supervisor.Instance, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- driver.Run(runCtx, driver.Options{
			SocketPath: spec.SocketPath,
			AuthToken:  spec.AuthToken,
		})
		close(done)
	}()
	return &inProcessInstance{cancel: cancel, done: done}, nil
}

type inProcessInstance struct {
	cancel context.CancelFunc
	done   <-chan error
}

func (i *inProcessInstance) PID() int               { return 777 }
func (i *inProcessInstance) Signal(os.Signal) error { i.cancel(); return nil }
func (i *inProcessInstance) Kill() error            { i.cancel(); return nil }
func (i *inProcessInstance) Wait() <-chan error     { return i.done }

type testDaemon struct {
	socketPath string
	store      *store.Store
	sup        *supervisor.Supervisor
}

func startTestDaemon(t *testing.T) *testDaemon {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	bus := eventbus.NewMemory()
	emit := func(eventType string, payload any) {
		_ = bus.Publish(context.Background(), eventbus.Event{
			Type:    eventType,
			Payload: payload,
			TS:      time.Now().UTC(),
		})
	}

	st, err := store.New(dir, logger, emit)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	sup, err := supervisor.New(supervisor.Params{
		Store:                st,
		Logger:               logger,
		Emit:                 emit,
		DriverBin:            "/usr/libexec/gaovm-driver",
		RunDir:               filepath.Join(dir, "run"),
		DriverLogPath:        filepath.Join(dir, "logs", "driver.log"),
		Launcher:             inProcessLauncher{},
		ConnectRetryInterval: 10 * time.Millisecond,
		ConnectDeadline:      3 * time.Second,
		BackoffUnit:          time.Millisecond,
	})
	if err != nil {
		t.Fatalf("supervisor: %v", err)
	}

	socketPath := filepath.Join(dir, "run", "daemon.sock")
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		t.Fatalf("run dir: %v", err)
	}
	server, err := New(Params{
		Logger:     logger,
		Supervisor: sup,
		Store:      st,
		Bus:        bus,
		SocketPath: socketPath,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		_ = server.Serve(ctx)
		close(served)
	}()
	t.Cleanup(func() {
		sup.Stop(context.Background())
		cancel()
		<-served
	})

	return &testDaemon{socketPath: socketPath, store: st, sup: sup}
}

func dialTestClient(t *testing.T, d *testDaemon) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	api, err := client.Dial(ctx, d.socketPath, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = api.Close() })
	return api
}

func TestPingAfterHandshake(t *testing.T) {
	d := startTestDaemon(t)
	api := dialTestClient(t, d)

	result, err := api.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	var decoded struct {
		OK bool   `json:"ok"`
		TS string `json:"ts"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.OK || decoded.TS == "" {
		t.Fatalf("unexpected ping result: %+v", decoded)
	}
}

func TestMethodsRequireHandshake(t *testing.T) {
	d := startTestDaemon(t)

	conn, err := net.Dial("unix", d.socketPath)
	if err != nil {
		t.Fatalf("dial raw: %v", err)
	}
	defer conn.Close()

	ch := protocol.NewChannel(conn, protocol.SideClient, nil)
	ch.Start()
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = ch.Call(ctx, "ping", nil)
	rpcErr, ok := err.(*protocol.Error)
	if !ok {
		t.Fatalf("expected rpc error, got %v", err)
	}
	if rpcErr.Code != protocol.CodeHandshakeFailed {
		t.Fatalf("expected %d, got %d", protocol.CodeHandshakeFailed, rpcErr.Code)
	}
}

func TestUnknownMethod(t *testing.T) {
	d := startTestDaemon(t)
	api := dialTestClient(t, d)

	_, err := api.Call(context.Background(), "vm.teleport", nil)
	rpcErr, ok := err.(*protocol.Error)
	if !ok || rpcErr.Code != protocol.CodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %v", err)
	}
}

func TestConfigPatchValidationError(t *testing.T) {
	d := startTestDaemon(t)
	api := dialTestClient(t, d)

	_, err := api.Call(context.Background(), "vm.config.patch", map[string]any{
		"patch": map[string]any{"cpu": 0},
	})
	rpcErr, ok := err.(*protocol.Error)
	if !ok {
		t.Fatalf("expected rpc error, got %v", err)
	}
	if rpcErr.Code != protocol.CodeInvalidParams {
		t.Fatalf("expected %d, got %d", protocol.CodeInvalidParams, rpcErr.Code)
	}
	if rpcErr.Message != "cpu must be an integer >= 1" {
		t.Fatalf("unexpected message %q", rpcErr.Message)
	}
}

func waitForStatus(t *testing.T, api *client.Client, actual string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		raw, err := api.Call(context.Background(), "vm.status", nil)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		var status struct {
			Actual string `json:"actual"`
		}
		if err := json.Unmarshal(raw, &status); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if status.Actual == actual {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("vm never reached actual=%q", actual)
}

func TestRestartRequiredStagingAndActivation(t *testing.T) {
	d := startTestDaemon(t)
	api := dialTestClient(t, d)

	if err := api.SubscribeEvents(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := api.Call(context.Background(), "vm.start", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, api, "running")

	// Restart-required change while running stages instead of applying.
	raw, err := api.Call(context.Background(), "vm.config.patch", map[string]any{
		"patch": map[string]any{"graphics": map[string]any{"enabled": false}},
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	var result struct {
		Applied         bool `json:"applied"`
		RestartRequired bool `json:"restartRequired"`
		PendingReplaced bool `json:"pendingReplaced"`
		Current         struct {
			Graphics struct {
				Enabled bool `json:"enabled"`
			} `json:"graphics"`
		} `json:"current"`
		Pending *struct {
			Graphics struct {
				Enabled bool `json:"enabled"`
			} `json:"graphics"`
		} `json:"pending"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Applied || !result.RestartRequired || result.PendingReplaced {
		t.Fatalf("unexpected staging result: %+v", result)
	}
	if !result.Current.Graphics.Enabled {
		t.Fatalf("current mutated by staged change")
	}
	if result.Pending == nil || result.Pending.Graphics.Enabled {
		t.Fatalf("pending missing or wrong: %+v", result.Pending)
	}
	if _, err := os.Stat(filepath.Join(d.store.Dir(), "pending_config.json")); err != nil {
		t.Fatalf("pending file not on disk: %v", err)
	}
	awaitEvent(t, api, "pending_config_written")

	// Stop, then start: the pending config is promoted atomically.
	if _, err := api.Call(context.Background(), "vm.stop", nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := api.Call(context.Background(), "vm.start", nil); err != nil {
		t.Fatalf("restart: %v", err)
	}
	awaitEvent(t, api, "config.pending_applied")
	waitForStatus(t, api, "running")

	raw, err = api.Call(context.Background(), "vm.config.get", nil)
	if err != nil {
		t.Fatalf("config get: %v", err)
	}
	var cfgView struct {
		HasPending bool `json:"hasPending"`
		Current    struct {
			Graphics struct {
				Enabled bool `json:"enabled"`
			} `json:"graphics"`
		} `json:"current"`
	}
	if err := json.Unmarshal(raw, &cfgView); err != nil {
		t.Fatalf("decode config view: %v", err)
	}
	if cfgView.HasPending {
		t.Fatalf("pending survived activation")
	}
	if cfgView.Current.Graphics.Enabled {
		t.Fatalf("activated config not promoted to current")
	}
}

func awaitEvent(t *testing.T, api *client.Client, eventType string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-api.Events():
			if ev.Type == eventType {
				return
			}
		case <-deadline:
			t.Fatalf("event %q never arrived", eventType)
		}
	}
}

func TestDriverExecAndDisplayMethods(t *testing.T) {
	d := startTestDaemon(t)
	api := dialTestClient(t, d)

	if _, err := api.Call(context.Background(), "vm.start", nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, api, "running")

	raw, err := api.Call(context.Background(), "driver.exec", map[string]any{
		"method": "vm.describe",
	})
	if err != nil {
		t.Fatalf("driver.exec: %v", err)
	}
	var exec struct {
		Method       string          `json:"method"`
		DriverResult json.RawMessage `json:"driverResult"`
	}
	if err := json.Unmarshal(raw, &exec); err != nil {
		t.Fatalf("decode exec: %v", err)
	}
	if exec.Method != "vm.describe" || len(exec.DriverResult) == 0 {
		t.Fatalf("unexpected exec result: %+v", exec)
	}

	if _, err := api.Call(context.Background(), "vm.open_display", nil); err != nil {
		t.Fatalf("open display: %v", err)
	}
	raw, err = api.Call(context.Background(), "vm.close_display", nil)
	if err != nil {
		t.Fatalf("close display: %v", err)
	}
	var display struct {
		DisplayOpen bool `json:"displayOpen"`
	}
	if err := json.Unmarshal(raw, &display); err != nil {
		t.Fatalf("decode display: %v", err)
	}
	if display.DisplayOpen {
		t.Fatalf("display should be closed")
	}
}

func TestListVMsReturnsSingleEntry(t *testing.T) {
	d := startTestDaemon(t)
	api := dialTestClient(t, d)

	raw, err := api.Call(context.Background(), "list_vms", nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var vms []struct {
		Name   string `json:"name"`
		Status struct {
			Desired string `json:"desired"`
		} `json:"status"`
	}
	if err := json.Unmarshal(raw, &vms); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(vms) != 1 || vms[0].Name != "vm" {
		t.Fatalf("unexpected list: %+v", vms)
	}
}
