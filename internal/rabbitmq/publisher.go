package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConfirmPublisher publishes on a dedicated confirm-mode channel. Publish
// returns only after the broker acked the message.
type ConfirmPublisher struct {
	manager        *ConnectionManager
	confirmTimeout time.Duration
	mandatory      bool
	logger         *slog.Logger

	mu      sync.Mutex
	channel *amqp.Channel
	returns chan amqp.Return
	closed  bool
}

// PublisherOption configures the publisher
type PublisherOption func(*ConfirmPublisher)

// WithConfirmTimeout bounds the wait for a broker ack when the caller's
// context has no deadline
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *ConfirmPublisher) {
		p.confirmTimeout = timeout
	}
}

// WithMandatory makes unroutable messages fail instead of being dropped
func WithMandatory(mandatory bool) PublisherOption {
	return func(p *ConfirmPublisher) {
		p.mandatory = mandatory
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *ConfirmPublisher) {
		p.logger = logger
	}
}

// NewConfirmPublisher creates a publisher; the channel is opened on first use
func NewConfirmPublisher(manager *ConnectionManager, options ...PublisherOption) *ConfirmPublisher {
	p := &ConfirmPublisher{
		manager:        manager,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish publishes msg and waits for the broker confirmation. Publishes are
// serialized on the channel so confirmations cannot interleave.
func (p *ConfirmPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return p.publishError(exchange, routingKey, ErrPublisherClosed)
	}

	ch, err := p.channelLocked()
	if err != nil {
		return p.publishError(exchange, routingKey, err)
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, p.mandatory, false, msg)
	if err != nil {
		p.resetLocked()
		return p.publishError(exchange, routingKey, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		// the confirmation may still arrive; the channel is dropped so it
		// cannot be mistaken for the next publish
		p.resetLocked()
		return p.publishError(exchange, routingKey, err)
	}
	if !acked {
		return p.publishError(exchange, routingKey, ErrPublishNotConfirmed)
	}

	if p.mandatory {
		select {
		case ret := <-p.returns:
			return p.publishError(exchange, routingKey, fmt.Errorf("message returned: %s", ret.ReplyText))
		default:
		}
	}
	return nil
}

func (p *ConfirmPublisher) channelLocked() (*amqp.Channel, error) {
	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel, nil
	}

	ch, err := p.manager.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable confirms: %w", err)
	}
	p.returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	p.channel = ch
	p.logger.Debug("opened confirm channel")
	return ch, nil
}

func (p *ConfirmPublisher) resetLocked() {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			p.logger.Debug("closing confirm channel", "error", err)
		}
		p.channel = nil
	}
}

func (p *ConfirmPublisher) publishError(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// Close closes the publisher's channel
func (p *ConfirmPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.resetLocked()
	return nil
}
