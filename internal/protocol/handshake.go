package protocol

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"
)

// HelloTimeout bounds each leg of the hello exchange. A breach closes the
// channel.
const HelloTimeout = 5 * time.Second

// HandshakeConfig describes one side's view of the hello exchange.
type HandshakeConfig struct {
	// Capabilities is the set of methods this side is willing to serve.
	Capabilities []string
	// Required is the set of capabilities the peer must end up serving.
	Required []string
	// AuthToken, when non-empty, is offered in our hello and demanded of
	// the peer's. Used only on driver<->daemon channels.
	AuthToken string
}

// Accept validates an inbound hello against cfg and computes the reply.
// The returned *Error carries the specific handshake failure code.
func (cfg HandshakeConfig) Accept(params *HelloParams) (*HelloResult, *Error) {
	if params == nil || params.Protocol != Version {
		got := ""
		if params != nil {
			got = params.Protocol
		}
		e := NewError(CodeHandshakeFailed, "protocol version mismatch")
		e.Data = map[string]string{"expected": Version, "got": got}
		return nil, e
	}
	if cfg.AuthToken != "" {
		if subtle.ConstantTimeCompare([]byte(params.AuthToken), []byte(cfg.AuthToken)) != 1 {
			return nil, NewError(CodeAuthFailed, "auth token rejected")
		}
	}
	accepted := Intersect(params.Capabilities, cfg.Capabilities)
	if !ContainsAll(accepted, params.RequiredCapabilities) {
		e := NewError(CodeCapabilityMismatch, "required capabilities not supported")
		e.Data = map[string]any{
			"required": params.RequiredCapabilities,
			"accepted": accepted,
		}
		return nil, e
	}
	return &HelloResult{
		Protocol:             Version,
		Capabilities:         cfg.Capabilities,
		AcceptedCapabilities: accepted,
	}, nil
}

// hello builds this side's outbound hello params.
func (cfg HandshakeConfig) hello() *HelloParams {
	return &HelloParams{
		Protocol:             Version,
		AuthToken:            cfg.AuthToken,
		Capabilities:         cfg.Capabilities,
		RequiredCapabilities: cfg.Required,
	}
}

// SendHello issues our hello request and validates the reply.
func SendHello(ctx context.Context, ch *Channel, cfg HandshakeConfig) (*HelloResult, error) {
	raw, err := ch.Call(ctx, "hello", cfg.hello())
	if err != nil {
		return nil, fmt.Errorf("protocol: hello: %w", err)
	}
	var result HelloResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("protocol: decode hello result: %w", err)
	}
	if result.Protocol != Version {
		return nil, NewError(CodeHandshakeFailed, "peer protocol %q does not match %q", result.Protocol, Version)
	}
	if !ContainsAll(result.AcceptedCapabilities, cfg.Required) {
		return nil, NewError(CodeCapabilityMismatch, "peer did not accept required capabilities")
	}
	return &result, nil
}

// answerHello validates req against cfg and responds on the channel. The
// returned error is non-nil when the peer was rejected.
func answerHello(req *InboundRequest, cfg HandshakeConfig) error {
	var params HelloParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			rpcErr := NewError(CodeHandshakeFailed, "malformed hello params")
			_ = req.RespondError(rpcErr)
			return rpcErr
		}
	}
	result, rpcErr := cfg.Accept(&params)
	if rpcErr != nil {
		_ = req.RespondError(rpcErr)
		return rpcErr
	}
	return req.Respond(result)
}

// InitiateHandshake runs the full bidirectional exchange from the side that
// speaks first (driver toward daemon, client toward daemon): send our hello,
// validate the reply, then answer the peer's reciprocal hello. The waiter
// for the peer's hello is registered before anything is sent, so the
// exchange is immune to the two hellos crossing on the wire.
func InitiateHandshake(ctx context.Context, ch *Channel, cfg HandshakeConfig) (*HelloResult, error) {
	waiter, err := ch.WaitForRequest("hello")
	if err != nil {
		return nil, err
	}
	ch.Start()

	ctx, cancel := context.WithTimeout(ctx, HelloTimeout)
	defer cancel()

	result, err := SendHello(ctx, ch, cfg)
	if err != nil {
		ch.shutdown(err)
		return nil, err
	}

	select {
	case req, ok := <-waiter:
		if !ok {
			return nil, ch.terminalErr()
		}
		if err := answerHello(req, cfg); err != nil {
			ch.shutdown(err)
			return nil, fmt.Errorf("protocol: reciprocal hello rejected: %w", err)
		}
	case <-ctx.Done():
		err := fmt.Errorf("protocol: reciprocal hello timed out: %w", ctx.Err())
		ch.shutdown(err)
		return nil, err
	}

	return result, nil
}

// RespondHandshake runs the full exchange from the side that listens first
// (the supervisor toward a freshly spawned driver): await and answer the
// peer's hello, then send our own.
func RespondHandshake(ctx context.Context, ch *Channel, cfg HandshakeConfig) (*HelloResult, error) {
	waiter, err := ch.WaitForRequest("hello")
	if err != nil {
		return nil, err
	}
	ch.Start()

	ctx, cancel := context.WithTimeout(ctx, HelloTimeout)
	defer cancel()

	select {
	case req, ok := <-waiter:
		if !ok {
			return nil, ch.terminalErr()
		}
		if err := answerHello(req, cfg); err != nil {
			ch.shutdown(err)
			return nil, fmt.Errorf("protocol: hello rejected: %w", err)
		}
	case <-ctx.Done():
		err := fmt.Errorf("protocol: hello timed out: %w", ctx.Err())
		ch.shutdown(err)
		return nil, err
	}

	result, err := SendHello(ctx, ch, cfg)
	if err != nil {
		ch.shutdown(err)
		return nil, err
	}
	return result, nil
}
