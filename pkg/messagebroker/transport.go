package messagebroker

import (
	"context"
	"errors"
	"time"
)

// ====================================================================================
// This file defines the narrow contract the broker needs from a pub/sub transport.
// Network delivery, flow control, retry/backoff enforcement and dead-lettering are
// all owned by the transport; the broker only adds naming, routing and ack policy.
// ====================================================================================

var (
	// ErrTopicNotFound is returned when a topic does not exist on the transport.
	ErrTopicNotFound = errors.New("messagebroker: topic not found")
	// ErrSubscriptionNotFound is returned when a subscription does not exist on the transport.
	ErrSubscriptionNotFound = errors.New("messagebroker: subscription not found")
	// ErrAlreadyExists is returned by create operations for names already in use.
	ErrAlreadyExists = errors.New("messagebroker: already exists")
)

// Transport is the entry point into a pub/sub system.
type Transport interface {
	// Topic returns a handle for the named topic without checking that it exists.
	Topic(name string) TopicHandle
	// CreateTopic creates the named topic. If it already exists the returned
	// error wraps ErrAlreadyExists and the handle is still usable.
	CreateTopic(ctx context.Context, name string) (TopicHandle, error)
	// Subscription returns a handle for the named subscription without checking that it exists.
	Subscription(name string) SubscriptionHandle
}

// TopicHandle is a transport-level topic.
type TopicHandle interface {
	ID() string
	Exists(ctx context.Context) (bool, error)
	// Publish queues one message; the outcome is reported through the result.
	Publish(ctx context.Context, data []byte, attributes map[string]string) PublishResult
	// CreateSubscription creates a subscription attached to this topic. If it
	// already exists the returned error wraps ErrAlreadyExists.
	CreateSubscription(ctx context.Context, name string, cfg SubscriptionConfig) (SubscriptionHandle, error)
	Delete(ctx context.Context) error
	// Stop flushes pending publishes and releases resources.
	Stop()
}

// PublishResult reports the outcome of an asynchronous publish.
type PublishResult interface {
	// Get blocks until the transport has accepted or rejected the message and
	// returns the server-assigned message id.
	Get(ctx context.Context) (string, error)
}

// SubscriptionHandle is a transport-level subscription.
type SubscriptionHandle interface {
	ID() string
	Exists(ctx context.Context) (bool, error)
	// Listen prepares a receive loop that hands every delivered message to onMessage.
	// Delivery does not begin until the returned Listener is started.
	Listen(opts ListenOptions, onMessage func(ctx context.Context, msg RawMessage)) Listener
	Delete(ctx context.Context) error
}

// Listener is an active (or startable) receive loop.
type Listener interface {
	Start(ctx context.Context) error
	// Stop halts delivery. In-flight callbacks are not interrupted; Stop waits for
	// the loop to exit or for ctx to expire, whichever comes first.
	Stop(ctx context.Context) error
	// Done is closed once the receive loop has exited.
	Done() <-chan struct{}
}

// ListenerReady reports whether l is running: ErrNotListening for a nil
// listener, ErrListenerExited once its receive loop has ended.
func ListenerReady(l Listener) error {
	if l == nil {
		return ErrNotListening
	}
	select {
	case <-l.Done():
		return ErrListenerExited
	default:
		return nil
	}
}

// RawMessage is a message as delivered by the transport.
type RawMessage interface {
	ID() string
	Data() []byte
	Attributes() map[string]string
	// DeliveryAttempt is the 1-based attempt counter, or 0 when the transport does not track it.
	DeliveryAttempt() int
	// Ack signals permanent consumption.
	Ack()
	// Reject makes the message available for redelivery.
	Reject()
}

// ListenOptions tunes a receive loop. Zero values leave the transport defaults.
type ListenOptions struct {
	MaxOutstandingMessages int
	NumGoroutines          int
	// OnError is called when the receive loop exits with an error.
	OnError func(error)
}

// RetryPolicy bounds the transport's redelivery backoff for rejected messages.
type RetryPolicy struct {
	MinimumBackoff time.Duration
	MaximumBackoff time.Duration
}

// SubscriptionConfig describes a subscription to be created on the transport.
type SubscriptionConfig struct {
	AckDeadline time.Duration
	RetryPolicy *RetryPolicy
	// DeadLetterTopic, when set, routes messages to that topic after
	// MaxDeliveryAttempts failed deliveries.
	DeadLetterTopic     string
	MaxDeliveryAttempts int
}
