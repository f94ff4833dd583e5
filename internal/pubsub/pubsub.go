// Package pubsub is the shared publish/subscribe transport that links sibling instances
package pubsub

import (
	"context"
	"errors"
)

// Message is one payload received on a subscribed channel
type Message struct {
	Channel string
	Payload []byte
}

// PubSub is a best-effort broadcast transport
// ARCHITECTURAL DISCOVERY: The hub only needs publish, subscribe and a receive stream;
// keeping the surface this small lets redis and the in-memory bus share every test
type PubSub interface {
	// Publish sends payload to every subscriber of channel, including this instance
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe adds channels to this instance's subscription set
	Subscribe(ctx context.Context, channels ...string) error

	// Unsubscribe removes channels from the subscription set
	Unsubscribe(ctx context.Context, channels ...string) error

	// Messages streams received payloads; it is closed by Close
	Messages() <-chan Message

	// Close releases the subscription and closes Messages
	Close() error
}

var (
	ErrClosed        = errors.New("pubsub closed")
	ErrTransportDown = errors.New("pubsub transport unreachable")
)
