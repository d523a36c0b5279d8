package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gaovm/gaovm/internal/protocol"
	"github.com/gaovm/gaovm/internal/server/eventbus"
	"github.com/gaovm/gaovm/internal/server/vmconfig"
)

// session is one client connection: its channel, handshake state, and the
// bounded buffer events are delivered through.
type session struct {
	srv *Server
	ch  *protocol.Channel

	mu         sync.Mutex
	handshaken bool
	subscribed bool

	events chan eventbus.Event
	done   chan struct{}
	once   sync.Once
}

func newSession(srv *Server, conn net.Conn) *session {
	sess := &session{
		srv:    srv,
		events: make(chan eventbus.Event, 64),
		done:   make(chan struct{}),
	}
	sess.ch = protocol.NewChannel(conn, protocol.SideDaemon, srv.logger)
	sess.ch.SetHandler(sess.handle)
	return sess
}

func (s *session) start() {
	s.ch.Start()
	go s.deliverEvents()
	go func() {
		<-s.ch.Done()
		s.close()
		s.srv.dropSession(s)
	}()
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ch.Close()
	})
}

// offer enqueues an event for delivery, dropping it when the session's
// buffer is full so a slow client cannot block the emitter.
func (s *session) offer(ev eventbus.Event) {
	s.mu.Lock()
	subscribed := s.subscribed
	s.mu.Unlock()
	if !subscribed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *session) deliverEvents() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			err := s.ch.Notify("event", protocol.Event{
				Type:    ev.Type,
				Payload: ev.Payload,
				TS:      ev.TS.UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				return
			}
		}
	}
}

// handle routes one inbound request. Every method except hello demands a
// completed handshake.
func (s *session) handle(ctx context.Context, method string, params json.RawMessage) (result any, rpcErr *protocol.Error) {
	defer func() {
		if r := recover(); r != nil {
			s.srv.logger.Error("handler panic", "method", method, "panic", r)
			result = nil
			rpcErr = protocol.NewError(protocol.CodeInternalError, "internal error")
		}
	}()

	if method == "hello" {
		return s.handleHello(params)
	}

	s.mu.Lock()
	handshaken := s.handshaken
	s.mu.Unlock()
	if !handshaken {
		return nil, protocol.NewError(protocol.CodeHandshakeFailed, "hello exchange required before %q", method)
	}

	switch method {
	case "ping":
		return map[string]any{"ok": true, "ts": time.Now().UTC().Format(time.RFC3339Nano)}, nil

	case "subscribe_events":
		s.mu.Lock()
		s.subscribed = true
		s.mu.Unlock()
		return map[string]any{"subscribed": true}, nil

	case "list_vms":
		status := s.srv.sup.Status()
		return []any{map[string]any{
			"name":   "vm",
			"status": status,
		}}, nil

	case "vm.start":
		if !s.srv.sup.IsRunning() {
			if _, err := s.srv.store.ActivatePendingIfPresent(); err != nil {
				return nil, internalError(err)
			}
		}
		return s.srv.sup.Start(), nil

	case "vm.stop":
		return s.srv.sup.Stop(ctx), nil

	case "vm.status":
		return s.srv.sup.Status(), nil

	case "vm.config.get":
		current, err := s.srv.store.GetCurrent()
		if err != nil {
			return nil, internalError(err)
		}
		pending, err := s.srv.store.GetPending()
		if err != nil {
			return nil, internalError(err)
		}
		return map[string]any{
			"current":    current,
			"pending":    pending,
			"hasPending": pending != nil,
		}, nil

	case "vm.config.set":
		return s.handleConfigSet(params)

	case "vm.config.patch":
		return s.handleConfigPatch(params)

	case "doctor":
		diag := s.srv.sup.Doctor()
		return map[string]any{
			"daemonSocketPath": s.srv.socketPath,
			"diagnostics":      diag,
		}, nil

	case "driver.exec":
		return s.handleDriverExec(ctx, params)

	case "vm.open_display", "vm.close_display":
		result, err := s.srv.sup.Exec(ctx, method, json.RawMessage(params))
		if err != nil {
			return nil, driverError(err)
		}
		return result, nil

	default:
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "method %q not found", method)
	}
}

func (s *session) handleHello(params json.RawMessage) (any, *protocol.Error) {
	var hello protocol.HelloParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &hello); err != nil {
			return nil, protocol.NewError(protocol.CodeHandshakeFailed, "malformed hello params")
		}
	}
	cfg := protocol.HandshakeConfig{
		Capabilities: protocol.ClientCapabilities,
		Required:     protocol.ClientRequired,
	}
	result, rpcErr := cfg.Accept(&hello)
	if rpcErr != nil {
		return nil, rpcErr
	}

	s.mu.Lock()
	first := !s.handshaken
	s.handshaken = true
	s.mu.Unlock()

	if first {
		// Reciprocal hello, best-effort: a client that never answers
		// costs nothing but this goroutine's timeout.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), protocol.HelloTimeout)
			defer cancel()
			if _, err := protocol.SendHello(ctx, s.ch, cfg); err != nil {
				s.srv.logger.Debug("reciprocal hello failed", "error", err)
			}
		}()
	}
	return result, nil
}

func (s *session) handleConfigSet(params json.RawMessage) (any, *protocol.Error) {
	var req struct {
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(params, &req); err != nil || len(req.Config) == 0 {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "config object is required")
	}
	next, err := vmconfig.Parse(req.Config)
	if err != nil {
		return nil, configError(err)
	}
	result, err := s.srv.store.SetConfig(next, s.srv.sup.IsRunning())
	if err != nil {
		return nil, configError(err)
	}
	return result, nil
}

func (s *session) handleConfigPatch(params json.RawMessage) (any, *protocol.Error) {
	var req struct {
		Patch json.RawMessage `json:"patch"`
	}
	if err := json.Unmarshal(params, &req); err != nil || len(req.Patch) == 0 {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "patch object is required")
	}
	patch, err := vmconfig.ParsePatch(req.Patch)
	if err != nil {
		return nil, configError(err)
	}
	result, err := s.srv.store.PatchConfig(patch, s.srv.sup.IsRunning())
	if err != nil {
		return nil, configError(err)
	}
	return result, nil
}

func (s *session) handleDriverExec(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.Method == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "method name is required")
	}
	result, err := s.srv.sup.Exec(ctx, req.Method, req.Params)
	if err != nil {
		return nil, driverError(err)
	}
	return map[string]any{
		"method":       req.Method,
		"driverResult": result,
	}, nil
}

// configError maps validation failures to invalid-params and everything
// else to internal.
func configError(err error) *protocol.Error {
	var vErr *vmconfig.ValidationError
	if errors.As(err, &vErr) {
		return &protocol.Error{Code: protocol.CodeInvalidParams, Message: vErr.Message}
	}
	return internalError(err)
}

// driverError passes JSON-RPC errors from the driver through unchanged and
// wraps transport failures as internal.
func driverError(err error) *protocol.Error {
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return internalError(err)
}

func internalError(err error) *protocol.Error {
	return protocol.NewError(protocol.CodeInternalError, "%s", err.Error())
}
