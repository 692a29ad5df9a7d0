// Package backplane abstracts the shared pub/sub medium that propagates room
// events between server processes. Delivery is at-least-once: handlers may see
// duplicates and must not perform non-idempotent state mutation.
package backplane

import "context"

// Handler consumes a message delivered on a subscribed channel.
type Handler func(channel string, payload []byte)

// Backplane publishes events to and receives events from other instances.
type Backplane interface {
	// Publish sends payload to every instance subscribed to channel,
	// including this one.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers the handler for a channel.
	Subscribe(channel string, h Handler) error

	// Unsubscribe drops this instance's subscription for the channel.
	Unsubscribe(channel string) error

	// Close tears down all subscriptions and the underlying connection.
	Close() error
}
