// Package broker provides the pub/sub transport that fans serialized events
// out to every subscriber currently attached to a channel or wildcard pattern.
//
// Delivery is best-effort and at-most-once per subscriber. Nothing is
// persisted, so a subscriber only sees messages published while it is
// attached. Within one channel a subscriber receives messages in publish order.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a broker that has been closed.
var ErrClosed = errors.New("broker: closed")

// Message is one payload delivered to a subscription. Channel is the concrete
// channel the payload was published on, which differs from the subscribed
// pattern for wildcard subscriptions.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live registration on a channel or pattern. Messages is
// closed once the subscription is closed or the broker shuts down.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Broker is the transport shared by publishers and subscribers. It must be
// safe for concurrent use.
type Broker interface {
	// Publish delivers payload to every current subscriber of channel. Having
	// no subscribers is not an error.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers on an exact channel or a group wildcard pattern.
	Subscribe(ctx context.Context, channelOrPattern string) (Subscription, error)
	// Ping reports whether the transport is reachable.
	Ping(ctx context.Context) error
	Close() error
}
