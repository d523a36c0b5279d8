// Package eventbus distributes daemon lifecycle and config events to the
// sessions that asked for them. There is one stream: every producer
// publishes typed Events, every subscriber gets its own bounded channel,
// and a full channel drops rather than blocks the producer.
package eventbus

import (
	"context"
	"time"
)

// Event is the envelope fanned out to subscribed client sessions.
type Event struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	TS      time.Time `json:"ts"`
}

// Bus is the internal event distribution mechanism. Publish must never
// block on a slow subscriber.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns a receive channel with the given buffer and the
	// unsubscribe func. Unsubscribing closes the channel.
	Subscribe(buffer int) (<-chan Event, func())
}
