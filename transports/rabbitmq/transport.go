// Package rabbitmq implements messaging.Transport on RabbitMQ.
//
// Topics map onto routing keys of a single durable topic exchange. A
// subscription with a group consumes the durable queue "<topic>.<group>",
// so members of a group compete for messages; a subscription without a group
// gets its own exclusive auto-delete queue. Publishes wait for publisher
// confirms.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/productbridge/internal/rabbitmq"
	"github.com/glimte/productbridge/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange every topic is routed through
const DefaultExchange = "productbridge.topics"

// headerMessageKey carries messaging.Message.Key, which AMQP has no field for
const headerMessageKey = "message-key"

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Exchange          string
	PrefetchCount     int
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithExchange sets the topic exchange name
func WithExchange(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Exchange = name
	}
}

// WithPrefetchCount sets the per-subscription prefetch
func WithPrefetchCount(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PrefetchCount = n
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	config    TransportConfig
	manager   *rabbitmq.ConnectionManager
	publisher *rabbitmq.ConfirmPublisher
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

// NewTransport connects to url and declares the topic exchange
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := TransportConfig{
		Exchange:      DefaultExchange,
		PrefetchCount: 10,
		Logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(&cfg)
	}
	logger := cfg.Logger.With("component", "rabbitmq-transport")

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(logger)}, cfg.PublisherOptions...)
	t := &Transport{
		config:    cfg,
		manager:   manager,
		publisher: rabbitmq.NewConfirmPublisher(manager, pubOpts...),
		logger:    logger,
		subs:      make(map[*subscription]struct{}),
	}

	if err := t.declare(rabbitmq.Topology{Exchanges: []rabbitmq.ExchangeDeclaration{t.exchange()}}); err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return t, nil
}

// ConnectionManager exposes the underlying connection for health checks
func (t *Transport) ConnectionManager() *rabbitmq.ConnectionManager {
	return t.manager
}

// Exchange returns the topic exchange name
func (t *Transport) Exchange() string {
	return t.config.Exchange
}

func (t *Transport) exchange() rabbitmq.ExchangeDeclaration {
	return rabbitmq.ExchangeDeclaration{Name: t.config.Exchange, Type: amqp.ExchangeTopic, Durable: true}
}

// queueTopology is everything a subscription's queue needs to exist
func (t *Transport) queueTopology(topic, queue string, private bool) rabbitmq.Topology {
	return rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{t.exchange()},
		Queues: []rabbitmq.QueueDeclaration{{
			Name:       queue,
			Durable:    !private,
			AutoDelete: private,
			Exclusive:  private,
		}},
		Bindings: []rabbitmq.Binding{{Queue: queue, Exchange: t.config.Exchange, RoutingKey: topic}},
	}
}

func (t *Transport) declare(topology rabbitmq.Topology) error {
	ch, err := t.manager.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return rabbitmq.DeclareTopology(ch, topology)
}

// Publisher implements messaging.Transport
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &publisherAdapter{transport: t}
}

// Subscribe implements messaging.Transport. The queue is declared and bound
// before Subscribe returns, so messages published afterwards are retained.
func (t *Transport) Subscribe(ctx context.Context, topic, group string) (messaging.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, messaging.ErrTransportClosed
	}

	private := group == ""
	queue := QueueName(topic, group)
	topology := t.queueTopology(topic, queue, private)

	if err := t.declare(topology); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	consumerOpts := []rabbitmq.ConsumerOption{
		rabbitmq.WithPrefetchCount(t.config.PrefetchCount),
		rabbitmq.WithConsumerLogger(t.logger),
	}
	if private {
		// exclusive queues die with the connection and are redeclared after
		// a reconnect
		consumerOpts = append(consumerOpts, rabbitmq.WithChannelSetup(func(ch *amqp.Channel) error {
			return rabbitmq.DeclareTopology(ch, topology)
		}))
	}

	sub := &subscription{
		transport: t,
		topic:     topic,
		consumer:  rabbitmq.NewQueueConsumer(t.manager, queue, consumerOpts...),
	}
	t.subs[sub] = struct{}{}

	t.logger.Info("subscribed", "topic", topic, "queue", queue)
	return sub, nil
}

// QueueName returns the queue a (topic, group) subscription consumes
func QueueName(topic, group string) string {
	if group == "" {
		return fmt.Sprintf("%s.%s", topic, uuid.New().String())
	}
	return fmt.Sprintf("%s.%s", topic, group)
}

// Ping implements messaging.Transport
func (t *Transport) Ping(ctx context.Context) error {
	_, err := t.manager.GetConnection()
	return err
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (t *Transport) forget(sub *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, sub)
}

type publisherAdapter struct {
	transport *Transport
}

// Publish implements messaging.TransportPublisher
func (p *publisherAdapter) Publish(ctx context.Context, msg messaging.Message) error {
	if msg.Topic == "" {
		return fmt.Errorf("message topic is required")
	}
	return p.transport.publisher.Publish(ctx, p.transport.config.Exchange, msg.Topic, toPublishing(msg))
}

// Close implements messaging.TransportPublisher; the confirm channel is
// shared and closed with the transport
func (p *publisherAdapter) Close() error {
	return nil
}

type subscription struct {
	transport *Transport
	topic     string
	consumer  *rabbitmq.QueueConsumer
	closeOnce sync.Once
	closeErr  error
}

// Next implements messaging.Subscription
func (s *subscription) Next(ctx context.Context) (messaging.TransportDelivery, error) {
	d, err := s.consumer.Next(ctx)
	if err != nil {
		if errors.Is(err, rabbitmq.ErrConsumerClosed) {
			return nil, messaging.ErrSubscriptionClosed
		}
		return nil, err
	}
	return &deliveryAdapter{raw: d, msg: fromDelivery(s.topic, d)}, nil
}

// Topic implements messaging.Subscription
func (s *subscription) Topic() string {
	return s.topic
}

// Close implements messaging.Subscription
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.transport.forget(s)
		s.closeErr = s.consumer.Close()
	})
	return s.closeErr
}

type deliveryAdapter struct {
	raw amqp.Delivery
	msg messaging.Message
}

// Message implements messaging.TransportDelivery
func (d *deliveryAdapter) Message() messaging.Message {
	return d.msg
}

// Acknowledge implements messaging.TransportDelivery
func (d *deliveryAdapter) Acknowledge(ctx context.Context) error {
	return d.raw.Ack(false)
}

func toPublishing(msg messaging.Message) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if msg.Key != "" {
		headers[headerMessageKey] = msg.Key
	}

	contentType := msg.Header(messaging.HeaderContentType)
	if contentType == "" {
		contentType = "application/json"
	}

	return amqp.Publishing{
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.Header(messaging.HeaderCorrelationID),
		Timestamp:     time.Now(),
		Headers:       headers,
		Body:          msg.Value,
	}
}

func fromDelivery(topic string, d amqp.Delivery) messaging.Message {
	msg := messaging.Message{
		Topic: topic,
		Value: d.Body,
	}
	if len(d.Headers) > 0 {
		msg.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if k == headerMessageKey {
				msg.Key = s
				continue
			}
			msg.Headers[k] = s
		}
	}
	if d.CorrelationId != "" {
		if msg.Headers == nil {
			msg.Headers = make(map[string]string, 1)
		}
		msg.Headers[messaging.HeaderCorrelationID] = d.CorrelationId
	}
	return msg
}
