// Package processor is the consuming side of the bridge. It folds product
// events from the request topic into the materialized store and answers each
// one on the reply topic with the product snapshot, echoing the request's
// correlation id.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/productbridge/contracts"
	"github.com/glimte/productbridge/internal/metrics"
	"github.com/glimte/productbridge/internal/reliability"
	"github.com/glimte/productbridge/messaging"
	"github.com/glimte/productbridge/serialization"
	"github.com/glimte/productbridge/store"
)

// Reply outcomes
const (
	ReplyOK     = "ok"
	ReplyFailed = "failed"
)

// Option configures a Processor
type Option func(*Processor)

// WithReplyTopic sets the topic replies are published to
func WithReplyTopic(topic string) Option {
	return func(p *Processor) {
		p.replyTopic = topic
	}
}

// WithoutReplies only applies events, as for the fire-and-forget products topic
func WithoutReplies() Option {
	return func(p *Processor) {
		p.replyTopic = ""
	}
}

// WithDecodePolicy sets what happens to requests that do not decode
func WithDecodePolicy(policy messaging.DecodePolicy) Option {
	return func(p *Processor) {
		p.policy = policy
	}
}

// WithTransportBackoff sets the delay after a failed poll
func WithTransportBackoff(policy reliability.RetryPolicy) Option {
	return func(p *Processor) {
		p.backoff = policy
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// Processor applies request events to a store and publishes replies
type Processor struct {
	store      *store.ProductStore
	requests   messaging.Subscription
	publisher  messaging.TransportPublisher
	replyTopic string
	policy     messaging.DecodePolicy
	backoff    reliability.RetryPolicy
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New creates a processor reading requests and replying through publisher.
// publisher may be nil together with WithoutReplies.
func New(st *store.ProductStore, requests messaging.Subscription, publisher messaging.TransportPublisher, opts ...Option) (*Processor, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if requests == nil {
		return nil, fmt.Errorf("request subscription cannot be nil")
	}

	p := &Processor{
		store:      st,
		requests:   requests,
		publisher:  publisher,
		replyTopic: "product_reply",
		policy:     messaging.DecodeSkip,
		backoff:    reliability.DefaultTransportBackoff(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.replyTopic != "" && p.publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil when replying on %s", p.replyTopic)
	}
	p.logger = p.logger.With("component", "processor", "topic", requests.Topic())
	return p, nil
}

// Run consumes requests until ctx is cancelled. It returns an error only for
// an undecodable request under messaging.DecodeFailFast.
func (p *Processor) Run(ctx context.Context) error {
	loop := messaging.NewStreamConsumer(p.requests, serialization.DecodeEvent, p.handle,
		messaging.WithDecodePolicy(p.policy),
		messaging.WithTransportBackoff(p.backoff),
		messaging.WithConsumerLogger(p.logger),
		messaging.WithConsumerMetrics(p.metrics),
	)
	return loop.Run(ctx)
}

// Close closes the request subscription
func (p *Processor) Close() error {
	return p.requests.Close()
}

func (p *Processor) handle(ctx context.Context, msg messaging.Message, event contracts.ProductEvent) error {
	// unrecognized actions are logged by the store and still answered
	_, _ = p.store.Apply(event)

	if p.replyTopic == "" {
		return nil
	}
	return p.reply(ctx, msg, event.Snapshot())
}

func (p *Processor) reply(ctx context.Context, request messaging.Message, product contracts.Product) error {
	payload, err := serialization.EncodeProduct(product)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}

	correlationID := request.CorrelationID()
	key := correlationID
	if key == "" {
		key = product.ID
	}

	headers := map[string]string{messaging.HeaderContentType: serialization.ContentType}
	if correlationID != "" {
		headers[messaging.HeaderCorrelationID] = correlationID
	}

	msg := messaging.Message{
		Topic:   p.replyTopic,
		Key:     key,
		Value:   payload,
		Headers: headers,
	}
	if err := p.publisher.Publish(ctx, msg); err != nil {
		p.metrics.ReplyPublished(ReplyFailed)
		return &contracts.PublishError{Topic: p.replyTopic, Key: key, Err: err, Timestamp: time.Now()}
	}

	p.metrics.ReplyPublished(ReplyOK)
	p.logger.Debug("reply published", "correlationId", correlationID, "productId", product.ID, "version", product.Version)
	return nil
}
