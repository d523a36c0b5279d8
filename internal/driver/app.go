// Package driver implements the runtime driver's control-socket contract:
// listen for the daemon, complete the mutual hello, serve ping and the stub
// lifecycle methods, and exit non-zero when the daemon goes quiet. The
// hypervisor VM-object construction itself lives behind the lifecycle
// handlers and is deliberately minimal here.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/gaovm/gaovm/internal/protocol"
)

// DefaultIdleLimit is how long the driver tolerates no authenticated
// daemon RPC after the handshake before exiting.
const DefaultIdleLimit = 15 * time.Second

// ErrDaemonGone means the control socket reported EOF.
var ErrDaemonGone = errors.New("driver: control socket closed")

// ErrIdle means no authenticated daemon RPC arrived within the idle limit.
var ErrIdle = errors.New("driver: no daemon traffic within idle limit")

// Options configures one driver invocation.
type Options struct {
	SocketPath string
	AuthToken  string
	Logger     *slog.Logger
	IdleLimit  time.Duration
}

// Run listens on the control socket, serves the daemon until shutdown, and
// returns nil only on a daemon-requested stop. EOF and idleness both
// surface as errors so the process exits non-zero, which is what the
// supervisor's liveness contract relies on.
func Run(ctx context.Context, opts Options) error {
	if opts.SocketPath == "" {
		return fmt.Errorf("driver: socket path is required")
	}
	if opts.AuthToken == "" {
		return fmt.Errorf("driver: AUTH_TOKEN not set")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	idleLimit := opts.IdleLimit
	if idleLimit == 0 {
		idleLimit = DefaultIdleLimit
	}

	if err := os.Remove(opts.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("driver: remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", opts.SocketPath)
	if err != nil {
		return fmt.Errorf("driver: listen: %w", err)
	}
	defer listener.Close()

	conn, err := acceptOne(ctx, listener)
	if err != nil {
		return err
	}

	d := &driver{
		logger:    logger,
		authToken: opts.AuthToken,
		shutdown:  make(chan struct{}),
	}
	d.lastRPC.Store(time.Now().UnixNano())

	ch := protocol.NewChannel(conn, protocol.SideClient, logger)
	d.ch = ch
	ch.SetHandler(d.rejectBeforeHandshake)

	cfg := protocol.HandshakeConfig{
		Capabilities: capabilities(),
		Required:     protocol.DriverRequired,
		AuthToken:    opts.AuthToken,
	}
	hsCtx, cancel := context.WithTimeout(ctx, protocol.HelloTimeout)
	defer cancel()
	if _, err := protocol.InitiateHandshake(hsCtx, ch, cfg); err != nil {
		return fmt.Errorf("driver: handshake: %w", err)
	}
	ch.SetHandler(d.handle)
	d.lastRPC.Store(time.Now().UnixNano())
	logger.Info("daemon authenticated")

	watchdog := time.NewTicker(time.Second)
	defer watchdog.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.shutdown:
			logger.Info("shutdown requested by daemon")
			return nil
		case <-ch.Done():
			return ErrDaemonGone
		case <-watchdog.C:
			last := time.Unix(0, d.lastRPC.Load())
			if time.Since(last) > idleLimit {
				return ErrIdle
			}
		}
	}
}

func acceptOne(ctx context.Context, listener net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		_ = listener.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("driver: accept: %w", r.err)
		}
		return r.conn, nil
	}
}

func capabilities() []string {
	return []string{
		"hello", "ping", "shutdown",
		"vm.describe", "vm.open_display", "vm.close_display",
	}
}

type driver struct {
	logger    *slog.Logger
	authToken string
	ch        *protocol.Channel

	lastRPC     atomic.Int64
	displayOpen atomic.Bool
	shutdown    chan struct{}
	shutdownOnce atomic.Bool
}

func (d *driver) rejectBeforeHandshake(_ context.Context, method string, _ json.RawMessage) (any, *protocol.Error) {
	return nil, protocol.NewError(protocol.CodeHandshakeFailed, "hello exchange required before %q", method)
}

func (d *driver) handle(_ context.Context, method string, params json.RawMessage) (any, *protocol.Error) {
	d.lastRPC.Store(time.Now().UnixNano())
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
		result, rpcErr := protocol.HandshakeConfig{
			Capabilities: capabilities(),
			Required:     protocol.DriverRequired,
			AuthToken:    d.authToken,
		}.Accept(&hello)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return result, nil
	case "shutdown":
		if d.shutdownOnce.CompareAndSwap(false, true) {
			// Reply first, then let the main loop exit.
			go func() {
				time.Sleep(50 * time.Millisecond)
				close(d.shutdown)
			}()
		}
		return map[string]any{"ok": true}, nil
	case "vm.describe":
		return map[string]any{
			"state":       "running",
			"displayOpen": d.displayOpen.Load(),
		}, nil
	case "vm.open_display":
		d.displayOpen.Store(true)
		return map[string]any{"ok": true, "displayOpen": true}, nil
	case "vm.close_display":
		d.displayOpen.Store(false)
		return map[string]any{"ok": true, "displayOpen": false}, nil
	default:
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "method %q not found", method)
	}
}
