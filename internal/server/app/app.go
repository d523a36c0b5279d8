// Package app wires config, persistence, supervisor, event bus, and the
// dispatch server into the running daemon.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gaovm/gaovm/internal/server/config"
	"github.com/gaovm/gaovm/internal/server/dispatch"
	"github.com/gaovm/gaovm/internal/server/eventbus"
	"github.com/gaovm/gaovm/internal/server/store"
	"github.com/gaovm/gaovm/internal/server/supervisor"
	"github.com/gaovm/gaovm/internal/shared/logging"
)

// App is the assembled daemon.
type App struct {
	cfg     config.ServerConfig
	logger  *slog.Logger
	logSink *logging.RotatingWriter
	store   *store.Store
	bus     *eventbus.Memory
	sup     *supervisor.Supervisor
	server  *dispatch.Server
}

// New builds the daemon from resolved configuration.
func New(cfg config.ServerConfig) (*App, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: ensure state dir: %w", err)
	}
	if err := os.MkdirAll(cfg.RunDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: ensure run dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		return nil, fmt.Errorf("app: ensure socket dir: %w", err)
	}

	sink, err := logging.NewRotatingWriter(filepath.Join(cfg.LogDir, "daemon.log"))
	if err != nil {
		return nil, err
	}
	logger := logging.NewWithSink("gaovmd", sink, cfg.Verbose)

	bus := eventbus.NewMemory()
	emit := func(eventType string, payload any) {
		err := bus.Publish(context.Background(), eventbus.Event{
			Type:    eventType,
			Payload: payload,
			TS:      time.Now().UTC(),
		})
		if err != nil {
			logger.Warn("publish event", "type", eventType, "error", err)
		}
	}

	st, err := store.New(cfg.StateDir, logger, emit)
	if err != nil {
		return nil, err
	}

	sup, err := supervisor.New(supervisor.Params{
		Store:         st,
		Logger:        logger,
		Emit:          emit,
		DriverBin:     cfg.DriverBin,
		RunDir:        cfg.RunDir,
		DriverLogPath: filepath.Join(cfg.LogDir, "driver.log"),
	})
	if err != nil {
		return nil, err
	}

	server, err := dispatch.New(dispatch.Params{
		Logger:     logger,
		Supervisor: sup,
		Store:      st,
		Bus:        bus,
		SocketPath: cfg.SocketPath,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		logSink: sink,
		store:   st,
		bus:     bus,
		sup:     sup,
		server:  server,
	}, nil
}

// Run binds the daemon socket and blocks until ctx is cancelled. The
// supervisor's reconcile loop runs for the same lifetime; its shutdown
// terminates any driver child gracefully.
func (a *App) Run(ctx context.Context) error {
	if err := a.server.Listen(); err != nil {
		return err
	}

	supDone := make(chan struct{})
	go func() {
		a.sup.Run(ctx)
		close(supDone)
	}()

	a.logger.Info("daemon started",
		"socket", a.cfg.SocketPath,
		"stateDir", a.cfg.StateDir,
		"driverBin", a.cfg.DriverBin,
	)

	err := a.server.Serve(ctx)
	<-supDone
	_ = a.logSink.Close()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
