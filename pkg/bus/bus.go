// Package bus carries thread lifecycle events between the orchestrator and
// its listeners. The in-memory bus is the default; NATS is used when several
// processes share one event stream.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when operating on a closed bus or subscription.
var ErrClosed = errors.New("bus or subscription closed")

// MessageBus is implemented by MemoryBus and NATSBus.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends data to every subscriber of subject. It does not wait
	// for delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for subject. Messages for one
	// subscription are handled in publish order on a single goroutine.
	// "*" matches one token and ">" matches the remaining tokens.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe delivers each message to only one member of queue.
	QueueSubscribe(ctx context.Context, subject, queue string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes one message.
type MessageHandler func(msg *Message)

// Message is one delivered message.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription can be cancelled.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config holds NATS connection settings.
type Config struct {
	URL     string
	Name    string
	Timeout time.Duration
}

// DefaultConfig returns the local NATS defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://127.0.0.1:4222",
		Name:    "threadline",
		Timeout: 10 * time.Second,
	}
}
