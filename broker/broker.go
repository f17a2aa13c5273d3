// Package broker defines what the actor runtime needs from a persistent,
// ordered message log: durable streams, durable pull consumers, and
// per-message ack, nak and progress signals.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/actorflow/internal/runtime/metadata"
)

var (
	// ErrStreamNotFound is returned when a consumer is requested for a stream
	// that was never ensured.
	ErrStreamNotFound = errors.New("broker: stream not found")
	// ErrAlreadyAcknowledged is returned for a second ack or nak of the same delivery.
	ErrAlreadyAcknowledged = errors.New("broker: message already acknowledged")
	// ErrMessageTooLarge is returned by Publish when the payload exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("broker: message exceeds stream size limit")
	// ErrClosed is returned by a broker used after Close.
	ErrClosed = errors.New("broker: closed")
)

// Publisher appends messages to the stream that owns subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, headers metadata.Metadata) error
}

// Broker is the full adapter surface consumed by the engine.
type Broker interface {
	Publisher
	// EnsureStream creates the stream or updates it in place. Limits already
	// widened by another deployment are kept.
	EnsureStream(ctx context.Context, cfg StreamConfig) error
	// EnsureConsumer creates or updates a durable pull consumer and returns a
	// handle for fetching from it.
	EnsureConsumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error)
	Close() error
}

// Notification is a message seen by a core subscription. Nothing about it is
// stored or acknowledged.
type Notification struct {
	Subject string
	Data    []byte
	Headers metadata.Metadata
}

// Notifier is implemented by brokers that also offer plain, non-durable
// publish and subscribe. It carries request replies and live feeds.
type Notifier interface {
	// Notify publishes data to the current subscribers of subject without
	// storing it.
	Notify(ctx context.Context, subject string, data []byte, headers metadata.Metadata) error
	// Subscribe delivers what is published or notified on subject from now
	// on. The channel is closed once ctx is done. Slow readers may miss
	// messages.
	Subscribe(ctx context.Context, subject string) (<-chan Notification, error)
	// NewInbox returns a unique subject to receive replies on.
	NewInbox() string
}

// Requester can emit events and wait for their replies.
type Requester interface {
	Publisher
	Notifier
}

// Consumer pulls messages from one durable consumer.
type Consumer interface {
	// Fetch returns up to max messages. It waits at most wait for the first
	// message and returns an empty slice, not an error, when none arrived.
	Fetch(ctx context.Context, max int, wait time.Duration) ([]Message, error)
}

// Message is one delivery of a stored message.
type Message interface {
	Subject() string
	Data() []byte
	Headers() metadata.Metadata
	Metadata() (MessageMetadata, error)
	Ack(ctx context.Context) error
	// Nak asks for redelivery no sooner than delay.
	Nak(ctx context.Context, delay time.Duration) error
	// InProgress resets the ack-wait timer of the delivery.
	InProgress(ctx context.Context) error
}

// MessageMetadata is the broker-assigned part of a delivery.
type MessageMetadata struct {
	Stream       string
	Consumer     string
	Sequence     uint64
	NumDelivered uint64
	NumPending   uint64
	Timestamp    time.Time
}
