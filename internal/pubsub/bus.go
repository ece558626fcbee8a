// Package pubsub is the only cross-process primitive the race server uses: a
// named, multi-subscriber, best-effort broadcast.
//
// A publish reaches every subscription that is active on that channel at
// the moment of publishing, in any process sharing the bus. Nothing is
// retained, so a late subscriber never sees earlier messages, and a
// publish with no listener is simply lost. Delivery is at most once.
package pubsub

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish and Subscribe after the bus is closed.
var ErrClosed = errors.New("pubsub: bus closed")

// Handler receives one published payload. Handlers of one subscription run
// sequentially on that subscription's goroutine, in the order the bus
// delivered them. The payload must not be modified.
type Handler func(payload []byte)

// Bus publishes and subscribes to named channels.
type Bus interface {
	// Publish fires payload at every current subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers handler on channel. It returns once the
	// subscription is live, so any publish that starts afterwards can be
	// observed.
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)

	Close() error
}

// Subscription is one registered handler. Close is idempotent; after it
// returns the handler is not invoked again.
type Subscription interface {
	Channel() string
	Close() error
}
