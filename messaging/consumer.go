package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/productbridge/contracts"
	"github.com/glimte/productbridge/internal/metrics"
	"github.com/glimte/productbridge/internal/reliability"
)

// DecodePolicy decides what a consumer loop does with a payload it cannot decode
type DecodePolicy int

const (
	// DecodeSkip logs the failure, acknowledges the message and keeps consuming.
	// Suited to topics shared with unknown or noisy producers.
	DecodeSkip DecodePolicy = iota
	// DecodeFailFast logs the failure and stops the loop without acknowledging.
	// Suited to topics where a malformed payload means the producer broke the
	// contract and processing must halt.
	DecodeFailFast
)

func (p DecodePolicy) String() string {
	switch p {
	case DecodeSkip:
		return "skip"
	case DecodeFailFast:
		return "fail-fast"
	default:
		return "unknown"
	}
}

// ParseDecodePolicy parses "skip" or "fail-fast"
func ParseDecodePolicy(s string) (DecodePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "skip", "":
		return DecodeSkip, nil
	case "fail-fast", "failfast":
		return DecodeFailFast, nil
	default:
		return DecodeSkip, fmt.Errorf("unknown decode policy %q", s)
	}
}

// Decoder turns a payload into a value
type Decoder[T any] func(data []byte) (T, error)

// Handler receives each decoded value along with the message it came from
type Handler[T any] func(ctx context.Context, msg Message, value T) error

// consumerConfig holds options shared by every StreamConsumer instantiation
type consumerConfig struct {
	policy  DecodePolicy
	backoff reliability.RetryPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// ConsumerOption configures a StreamConsumer
type ConsumerOption func(*consumerConfig)

// WithDecodePolicy sets the decode failure policy
func WithDecodePolicy(policy DecodePolicy) ConsumerOption {
	return func(c *consumerConfig) {
		c.policy = policy
	}
}

// WithTransportBackoff sets the delay policy applied after a failed poll
func WithTransportBackoff(policy reliability.RetryPolicy) ConsumerOption {
	return func(c *consumerConfig) {
		c.backoff = policy
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *consumerConfig) {
		c.logger = logger
	}
}

// WithConsumerMetrics sets the metrics sink
func WithConsumerMetrics(m *metrics.Metrics) ConsumerOption {
	return func(c *consumerConfig) {
		c.metrics = m
	}
}

// StreamConsumer pulls messages from one subscription, decodes them and hands
// them to a handler, one at a time and in delivery order.
type StreamConsumer[T any] struct {
	sub    Subscription
	decode Decoder[T]
	handle Handler[T]
	consumerConfig
}

// NewStreamConsumer creates a consumer loop over sub
func NewStreamConsumer[T any](sub Subscription, decode Decoder[T], handle Handler[T], opts ...ConsumerOption) *StreamConsumer[T] {
	cfg := consumerConfig{
		policy:  DecodeSkip,
		backoff: reliability.DefaultTransportBackoff(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &StreamConsumer[T]{
		sub:            sub,
		decode:         decode,
		handle:         handle,
		consumerConfig: cfg,
	}
}

// Topic returns the consumed topic
func (c *StreamConsumer[T]) Topic() string {
	return c.sub.Topic()
}

// Policy returns the decode failure policy
func (c *StreamConsumer[T]) Policy() DecodePolicy {
	return c.policy
}

// Run consumes until ctx is cancelled or the subscription is closed, both of
// which return nil. Transport errors never end the loop. The only error
// returned is a *contracts.DecodeError under DecodeFailFast.
func (c *StreamConsumer[T]) Run(ctx context.Context) error {
	topic := c.sub.Topic()
	c.logger.Info("consumer loop started", "topic", topic, "decodePolicy", c.policy.String())

	failures := 0
	for {
		delivery, err := c.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSubscriptionClosed) {
				c.logger.Info("consumer loop stopped", "topic", topic)
				return nil
			}

			terr := &contracts.TransportError{Topic: topic, Op: "next", Err: err}
			c.metrics.TransportError(topic)
			delay := c.backoff.NextDelay(failures)
			c.logger.Error("failed to fetch message",
				"topic", topic,
				"error", terr,
				"consecutiveFailures", failures+1,
				"retryIn", delay,
			)
			failures++

			if reliability.Wait(ctx, delay) != nil {
				c.logger.Info("consumer loop stopped", "topic", topic)
				return nil
			}
			continue
		}
		failures = 0

		if err := c.process(ctx, delivery); err != nil {
			return err
		}
	}
}

func (c *StreamConsumer[T]) process(ctx context.Context, delivery TransportDelivery) error {
	msg := delivery.Message()

	if len(msg.Value) == 0 {
		c.metrics.MessageConsumed(msg.Topic, metrics.OutcomeEmpty)
		c.acknowledge(ctx, delivery)
		return nil
	}

	value, err := c.decode(msg.Value)
	if err != nil {
		var derr *contracts.DecodeError
		if !errors.As(err, &derr) {
			err = &contracts.DecodeError{Target: fmt.Sprintf("%T", value), Size: len(msg.Value), Err: err}
		}
		c.metrics.MessageConsumed(msg.Topic, metrics.OutcomeDecodeError)

		if c.policy == DecodeFailFast {
			c.logger.Error("malformed payload, stopping consumer loop",
				"topic", msg.Topic,
				"key", msg.Key,
				"error", err,
			)
			return fmt.Errorf("consume %s: %w", msg.Topic, err)
		}

		c.logger.Warn("malformed payload, skipping message",
			"topic", msg.Topic,
			"key", msg.Key,
			"error", err,
		)
		c.acknowledge(ctx, delivery)
		return nil
	}

	if err := c.handle(ctx, msg, value); err != nil {
		c.metrics.MessageConsumed(msg.Topic, metrics.OutcomeHandlerError)
		if contracts.IsAbsorbed(err) {
			c.logger.Warn("message not applied", "topic", msg.Topic, "key", msg.Key, "error", err)
		} else {
			c.logger.Error("failed to handle message", "topic", msg.Topic, "key", msg.Key, "error", err)
		}
	} else {
		c.metrics.MessageConsumed(msg.Topic, metrics.OutcomeHandled)
	}

	c.acknowledge(ctx, delivery)
	return nil
}

// acknowledge commits even when ctx was cancelled during handling, so the
// last handled message is not redelivered after shutdown
func (c *StreamConsumer[T]) acknowledge(ctx context.Context, delivery TransportDelivery) {
	if err := delivery.Acknowledge(context.WithoutCancel(ctx)); err != nil {
		c.logger.Error("failed to acknowledge message",
			"topic", delivery.Message().Topic,
			"error", err,
		)
	}
}
