package messaging

import (
	"context"
	"errors"
)

// Header names used on bus messages
const (
	HeaderCorrelationID = "correlation-id"
	HeaderContentType   = "content-type"
)

var (
	// ErrSubscriptionClosed is returned by Next once the subscription is closed
	ErrSubscriptionClosed = errors.New("messaging: subscription closed")

	// ErrTransportClosed is returned when using a closed transport
	ErrTransportClosed = errors.New("messaging: transport closed")
)

// Message is a single record on a topic
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Header returns the header value for name, or "" when absent
func (m Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// CorrelationID returns the correlation id carried by the message, preferring
// the header over the key.
func (m Message) CorrelationID() string {
	if id := m.Header(HeaderCorrelationID); id != "" {
		return id
	}
	return m.Key
}

// TransportPublisher publishes messages through a transport
type TransportPublisher interface {
	// Publish sends msg and blocks until the broker confirms or rejects it
	Publish(ctx context.Context, msg Message) error

	// Close closes the publisher
	Close() error
}

// TransportDelivery represents a message delivery from the transport
type TransportDelivery interface {
	// Message returns the delivered record. A nil Value means no payload.
	Message() Message

	// Acknowledge advances the consumer position past this delivery
	Acknowledge(ctx context.Context) error
}

// Subscription is a long-lived, pull based stream of deliveries on one topic
type Subscription interface {
	// Next blocks until a delivery is available, ctx is done, or the
	// subscription is closed (ErrSubscriptionClosed).
	Next(ctx context.Context) (TransportDelivery, error)

	// Topic returns the subscribed topic
	Topic() string

	// Close ends the subscription
	Close() error
}

// Transport provides both publishing and subscribing
type Transport interface {
	// Publisher returns the shared transport publisher
	Publisher() TransportPublisher

	// Subscribe opens a subscription on topic. Subscriptions sharing a
	// non-empty group split the topic's messages between them; an empty group
	// gets a private stream.
	Subscribe(ctx context.Context, topic, group string) (Subscription, error)

	// Ping checks connectivity to the broker
	Ping(ctx context.Context) error

	// Close closes all resources
	Close() error
}
