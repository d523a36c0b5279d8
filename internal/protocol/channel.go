package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// ErrChannelClosed is returned for any operation on a channel after it has
// shut down. A closed channel is terminal; callers must dial a new one.
var ErrChannelClosed = errors.New("protocol: channel closed")

// Handler serves inbound requests. A nil *Error return means success and
// result is marshalled into the response; a non-nil *Error is sent verbatim.
type Handler func(ctx context.Context, method string, params json.RawMessage) (any, *Error)

// InboundRequest is a request intercepted by WaitForRequest before the
// regular handler is installed.
type InboundRequest struct {
	Method string
	Params json.RawMessage

	ch *Channel
	id int64
}

// Respond answers the request with a success result.
func (r *InboundRequest) Respond(result any) error {
	return r.ch.writeResponse(r.id, result, nil)
}

// RespondError answers the request with an error object.
func (r *InboundRequest) RespondError(rpcErr *Error) error {
	return r.ch.writeResponse(r.id, nil, rpcErr)
}

// Channel runs bidirectional JSON-RPC 2.0 over one byte stream. Outbound
// frames are serialized at whole-message granularity; inbound responses are
// correlated to callers by ID. A read error, framing violation, or write
// failure closes the channel and fails every pending call and waiter.
type Channel struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	idStep  int64
	pending map[int64]chan *Message
	waiters map[string]chan *InboundRequest
	handler Handler

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	startOnce sync.Once

	wg sync.WaitGroup
}

// ChannelSide selects the outbound request ID range so daemon- and
// client-originated IDs on one stream can never collide.
type ChannelSide int

const (
	// SideClient allocates ascending positive IDs starting at 1.
	SideClient ChannelSide = iota
	// SideDaemon allocates descending negative IDs starting at -1.
	SideDaemon
)

// NewChannel wraps conn. The read loop does not run until Start is called,
// so callers may register a WaitForRequest interceptor first.
func NewChannel(conn net.Conn, side ChannelSide, logger *slog.Logger) *Channel {
	first, step := int64(1), int64(1)
	if side == SideDaemon {
		first, step = -1, -1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Channel{
		conn:    conn,
		logger:  logger,
		nextID:  first,
		idStep:  step,
		pending: make(map[int64]chan *Message),
		waiters: make(map[string]chan *InboundRequest),
		closed:  make(chan struct{}),
	}
}

// SetHandler installs the regular inbound-request handler. Requests that
// arrive with no handler and no matching waiter are answered method-not-found.
func (c *Channel) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Start launches the read loop. It is idempotent; the handshake helpers
// call it themselves once their hello interceptor is registered, so frames
// can never race past an unregistered waiter.
func (c *Channel) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.readLoop()
	})
}

// Done is closed when the channel shuts down.
func (c *Channel) Done() <-chan struct{} { return c.closed }

// Err returns the terminal error after Done is closed.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close tears the channel down, failing all pending calls and waiters.
func (c *Channel) Close() error {
	c.shutdown(ErrChannelClosed)
	return nil
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		pending := c.pending
		c.pending = make(map[int64]chan *Message)
		waiters := c.waiters
		c.waiters = make(map[string]chan *InboundRequest)
		c.mu.Unlock()

		close(c.closed)
		_ = c.conn.Close()
		for _, ch := range pending {
			close(ch)
		}
		for _, ch := range waiters {
			close(ch)
		}
	})
}

func (c *Channel) readLoop() {
	defer c.wg.Done()
	fr := NewFrameReader(c.conn)
	for {
		msg, err := fr.Next()
		if err != nil {
			if err != io.EOF {
				c.logger.Debug("channel read failed", "error", err)
			}
			c.shutdown(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg *Message) {
	switch {
	case msg.IsResponse():
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
			close(ch)
		} else {
			c.logger.Debug("response for unknown id", "id", *msg.ID)
		}

	case msg.IsRequest():
		c.mu.Lock()
		waiter, ok := c.waiters[msg.Method]
		if ok {
			delete(c.waiters, msg.Method)
		}
		handler := c.handler
		c.mu.Unlock()

		if ok {
			waiter <- &InboundRequest{Method: msg.Method, Params: msg.Params, ch: c, id: *msg.ID}
			close(waiter)
			return
		}
		if handler == nil {
			_ = c.writeResponse(*msg.ID, nil, NewError(CodeMethodNotFound, "method %q not found", msg.Method))
			return
		}
		id := *msg.ID
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			result, rpcErr := handler(context.Background(), msg.Method, msg.Params)
			if err := c.writeResponse(id, result, rpcErr); err != nil && !errors.Is(err, ErrChannelClosed) {
				c.logger.Debug("write response failed", "method", msg.Method, "error", err)
			}
		}()

	case msg.IsNotification():
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler == nil {
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			_, _ = handler(context.Background(), msg.Method, msg.Params)
		}()

	default:
		c.logger.Debug("dropping malformed message")
	}
}

// Call sends a request and blocks until the response arrives, ctx expires,
// or the channel closes. JSON-RPC error responses come back as *Error.
func (c *Channel) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, c.terminalErr()
	default:
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *Message, 1)
	c.mu.Lock()
	id := c.nextID
	c.nextID += c.idStep
	c.pending[id] = respCh
	c.mu.Unlock()

	msg := &Message{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}
	if err := c.write(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, c.terminalErr()
		}
		if resp.RPCError != nil {
			return nil, resp.RPCError
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.closed:
		return nil, c.terminalErr()
	}
}

// Notify sends a request with no ID and expects no response.
func (c *Channel) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return c.write(&Message{JSONRPC: "2.0", Method: method, Params: raw})
}

// WaitForRequest registers a one-shot interceptor for the next inbound
// request with the given method, bypassing the regular handler. It is the
// hook the handshake uses to catch the peer's opening hello.
func (c *Channel) WaitForRequest(method string) (<-chan *InboundRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return nil, c.closeErr
	default:
	}
	if _, exists := c.waiters[method]; exists {
		return nil, fmt.Errorf("protocol: waiter for %q already registered", method)
	}
	ch := make(chan *InboundRequest, 1)
	c.waiters[method] = ch
	return ch, nil
}

func (c *Channel) writeResponse(id int64, result any, rpcErr *Error) error {
	msg := &Message{JSONRPC: "2.0", ID: &id}
	if rpcErr != nil {
		msg.RPCError = rpcErr
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("protocol: marshal result: %w", err)
		}
		msg.Result = raw
	}
	return c.write(msg)
}

func (c *Channel) write(msg *Message) error {
	select {
	case <-c.closed:
		return c.terminalErr()
	default:
	}
	c.writeMu.Lock()
	err := WriteFrame(c.conn, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(fmt.Errorf("protocol: write failed: %w", err))
		return err
	}
	return nil
}

func (c *Channel) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr == nil || c.closeErr == io.EOF {
		return ErrChannelClosed
	}
	return c.closeErr
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal params: %w", err)
	}
	return raw, nil
}
