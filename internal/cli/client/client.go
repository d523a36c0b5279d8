// Package client dials the daemon socket and speaks the JSON-RPC protocol
// on behalf of the command-line tool.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gaovm/gaovm/internal/protocol"
)

// DefaultCallTimeout bounds ordinary request/response calls.
const DefaultCallTimeout = 10 * time.Second

// Client is one authenticated connection to the daemon.
type Client struct {
	ch     *protocol.Channel
	logger *slog.Logger
	events chan protocol.Event
}

// Dial connects, completes the mutual hello, and returns a ready client.
func Dial(ctx context.Context, socketPath string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", socketPath, err)
	}

	c := &Client{
		logger: logger,
		events: make(chan protocol.Event, 64),
	}
	c.ch = protocol.NewChannel(conn, protocol.SideClient, logger)
	c.ch.SetHandler(c.handle)

	if _, err := protocol.InitiateHandshake(ctx, c.ch, protocol.HandshakeConfig{
		Capabilities: []string{"hello", "ping"},
		Required:     protocol.ClientRequired,
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// Close tears the connection down.
func (c *Client) Close() error { return c.ch.Close() }

// Done is closed when the connection drops.
func (c *Client) Done() <-chan struct{} { return c.ch.Done() }

// Call issues one request with the default timeout.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
	defer cancel()
	return c.ch.Call(callCtx, method, params)
}

// SubscribeEvents marks this session subscribed; events then arrive on
// Events until the connection closes.
func (c *Client) SubscribeEvents(ctx context.Context) error {
	_, err := c.Call(ctx, "subscribe_events", nil)
	return err
}

// Events is the stream of daemon event notifications.
func (c *Client) Events() <-chan protocol.Event { return c.events }

// handle serves the daemon's reciprocal traffic: its hello is answered by
// the handshake helper, ping is answered here, and event notifications are
// buffered for Events.
func (c *Client) handle(_ context.Context, method string, params json.RawMessage) (any, *protocol.Error) {
	switch method {
	case "ping":
		return map[string]any{"ok": true, "ts": time.Now().UTC().Format(time.RFC3339Nano)}, nil
	case "event":
		var ev protocol.Event
		if err := json.Unmarshal(params, &ev); err != nil {
			c.logger.Debug("malformed event notification", "error", err)
			return nil, nil
		}
		select {
		case c.events <- ev:
		default:
		}
		return nil, nil
	default:
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "method %q not found", method)
	}
}
