// Package bus defines the message transport contract between the crawl
// agent and its push bus. Implementations live in the subpackages.
package bus

import "context"

// Delivery is one message handed to a subscriber. Exactly one of Ack or
// Nack should be called to settle it.
type Delivery interface {
	// ID is the bus-assigned message ID.
	ID() string

	// Data is the raw message payload.
	Data() []byte

	// Attributes are the message's key/value attributes.
	Attributes() map[string]string

	// Ack settles the delivery; the bus will not redeliver it.
	Ack()

	// Nack returns the delivery to the bus for redelivery.
	Nack()
}

// Handler processes one delivery.
type Handler func(ctx context.Context, d Delivery)

// Subscriber delivers messages from one subscription to a handler.
type Subscriber interface {
	// Receive blocks, invoking handler for each delivery, until ctx is
	// canceled. It returns after in-flight handler calls have finished.
	Receive(ctx context.Context, handler Handler) error
}

// Publisher sends messages to a named topic.
type Publisher interface {
	// Publish sends data with attributes and returns the server-assigned
	// message ID once the bus has accepted the message.
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error)
}
