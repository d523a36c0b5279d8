// Package dispatch accepts client connections on the daemon's local
// socket, performs the client-side handshake, routes RPC methods to the
// supervisor and config store, and fans events out to subscribed sessions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gaovm/gaovm/internal/server/eventbus"
	"github.com/gaovm/gaovm/internal/server/store"
	"github.com/gaovm/gaovm/internal/server/supervisor"
)

// Params wires dependencies for the dispatch server.
type Params struct {
	Logger     *slog.Logger
	Supervisor *supervisor.Supervisor
	Store      *store.Store
	Bus        eventbus.Bus
	SocketPath string
}

// Server is the client-facing listener.
type Server struct {
	logger     *slog.Logger
	sup        *supervisor.Supervisor
	store      *store.Store
	bus        eventbus.Bus
	socketPath string

	listener net.Listener

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// New validates params and constructs the server; Listen binds the socket.
func New(params Params) (*Server, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("dispatch: logger is required")
	}
	if params.Supervisor == nil {
		return nil, fmt.Errorf("dispatch: supervisor is required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("dispatch: store is required")
	}
	if params.Bus == nil {
		return nil, fmt.Errorf("dispatch: event bus is required")
	}
	if params.SocketPath == "" {
		return nil, fmt.Errorf("dispatch: socket path is required")
	}
	return &Server{
		logger:     params.Logger.With("component", "dispatch"),
		sup:        params.Supervisor,
		store:      params.Store,
		bus:        params.Bus,
		socketPath: params.SocketPath,
		sessions:   make(map[*session]struct{}),
	}, nil
}

// Listen binds the local stream socket. A leftover socket file is probed
// first: one that still accepts connections means another daemon owns it.
func (s *Server) Listen() error {
	dir := filepath.Dir(s.socketPath)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("dispatch: socket parent dir: %w", err)
	}
	if _, err := os.Stat(s.socketPath); err == nil {
		probe, probeErr := net.DialTimeout("unix", s.socketPath, time.Second)
		if probeErr == nil {
			_ = probe.Close()
			return fmt.Errorf("dispatch: socket %s is in use by another daemon", s.socketPath)
		}
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("dispatch: remove stale socket: %w", err)
		}
		s.logger.Info("removed stale daemon socket", "path", s.socketPath)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("dispatch: listen: %w", err)
	}
	s.listener = listener
	s.logger.Info("daemon socket listening", "path", s.socketPath)
	return nil
}

// Serve accepts connections until ctx is cancelled, pumping bus events to
// subscribed sessions the whole time.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("dispatch: Listen must be called before Serve")
	}

	events, unsubscribe := s.bus.Subscribe(128)
	defer unsubscribe()

	go s.pumpEvents(ctx, events)

	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.closeSessions()
				_ = os.Remove(s.socketPath)
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				s.closeSessions()
				_ = os.Remove(s.socketPath)
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		sess := newSession(s, conn)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()
		sess.start()
	}
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[*session]struct{})
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}

// pumpEvents logs every event and offers it to each subscribed session.
// Delivery is best-effort: a session whose buffer is full misses events
// rather than blocking the pump.
func (s *Server) pumpEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.logger.Info("event", "type", ev.Type)
			s.mu.Lock()
			for sess := range s.sessions {
				sess.offer(ev)
			}
			s.mu.Unlock()
		}
	}
}
