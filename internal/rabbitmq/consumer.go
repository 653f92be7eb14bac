package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueConsumer pulls deliveries from one queue with manual acknowledgement.
// When the channel or connection drops, the next call to Next reopens it.
type QueueConsumer struct {
	manager       *ConnectionManager
	queue         string
	prefetchCount int
	consumerTag   string
	logger        *slog.Logger
	// setup runs on every (re)opened channel before consuming, e.g. to
	// redeclare an auto-delete queue
	setup func(ch *amqp.Channel) error

	mu         sync.Mutex
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     bool
	done       chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*QueueConsumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *QueueConsumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *QueueConsumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *QueueConsumer) {
		c.logger = logger
	}
}

// WithChannelSetup runs fn on every channel the consumer opens
func WithChannelSetup(fn func(ch *amqp.Channel) error) ConsumerOption {
	return func(c *QueueConsumer) {
		c.setup = fn
	}
}

// NewQueueConsumer creates a consumer for queue; nothing is opened until Next
func NewQueueConsumer(manager *ConnectionManager, queue string, options ...ConsumerOption) *QueueConsumer {
	c := &QueueConsumer{
		manager:       manager,
		queue:         queue,
		prefetchCount: 10,
		logger:        slog.Default(),
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Queue returns the consumed queue name
func (c *QueueConsumer) Queue() string {
	return c.queue
}

// Next blocks until a delivery arrives, ctx is done or the consumer closes
func (c *QueueConsumer) Next(ctx context.Context) (amqp.Delivery, error) {
	deliveries, err := c.ensureConsuming()
	if err != nil {
		return amqp.Delivery{}, err
	}

	select {
	case d, ok := <-deliveries:
		if !ok {
			c.reset()
			return amqp.Delivery{}, c.consumerError("next", ErrConsumerCancelled)
		}
		return d, nil
	case <-ctx.Done():
		return amqp.Delivery{}, ctx.Err()
	case <-c.done:
		return amqp.Delivery{}, ErrConsumerClosed
	}
}

func (c *QueueConsumer) ensureConsuming() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConsumerClosed
	}
	if c.deliveries != nil && c.channel != nil && !c.channel.IsClosed() {
		return c.deliveries, nil
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return nil, c.consumerError("open channel", err)
	}
	if c.setup != nil {
		if err := c.setup(ch); err != nil {
			ch.Close()
			return nil, c.consumerError("setup", err)
		}
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, c.consumerError("qos", err)
	}

	deliveries, err := ch.Consume(
		c.queue,
		c.consumerTag,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, c.consumerError("consume", err)
	}

	c.channel = ch
	c.deliveries = deliveries
	c.logger.Info("consuming queue", "queue", c.queue, "prefetch", c.prefetchCount)
	return deliveries, nil
}

func (c *QueueConsumer) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
	}
	c.channel = nil
	c.deliveries = nil
}

func (c *QueueConsumer) consumerError(op string, err error) error {
	return &ConsumerError{Queue: c.queue, Op: op, Err: err, Timestamp: time.Now()}
}

// Close cancels consumption; unacknowledged deliveries are requeued by the broker
func (c *QueueConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	if c.channel != nil {
		err := c.channel.Close()
		c.channel = nil
		c.deliveries = nil
		if err != nil && err != amqp.ErrClosed {
			return fmt.Errorf("close consumer channel: %w", err)
		}
	}
	return nil
}
