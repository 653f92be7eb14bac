// Package kafka implements messaging.Transport on Apache Kafka using
// segmentio/kafka-go. Publishing is synchronous and waits for all in-sync
// replicas; each subscription is a consumer-group reader whose offsets are
// committed when a delivery is acknowledged.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/productbridge/messaging"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Config holds configuration for the transport
type Config struct {
	Brokers      []string
	StartOffset  int64
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MaxAttempts  int
	RequiredAcks kafka.RequiredAcks
	Logger       *slog.Logger
}

// Option configures the transport
type Option func(*Config)

// WithStartOffset sets where a consumer group with no committed offset
// starts: "earliest" (default) or "latest"
func WithStartOffset(offset string) Option {
	return func(c *Config) {
		switch strings.ToLower(strings.TrimSpace(offset)) {
		case "latest":
			c.StartOffset = kafka.LastOffset
		case "earliest", "":
			c.StartOffset = kafka.FirstOffset
		}
	}
}

// WithDialTimeout sets the broker dial timeout
func WithDialTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.DialTimeout = d
	}
}

// WithWriteTimeout sets the produce timeout
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.WriteTimeout = d
	}
}

// WithMaxAttempts sets how many times the writer tries a produce
func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		c.MaxAttempts = n
	}
}

// WithRequiredAcks sets the produce acknowledgement level
func WithRequiredAcks(acks kafka.RequiredAcks) Option {
	return func(c *Config) {
		c.RequiredAcks = acks
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// Transport implements messaging.Transport for Kafka
type Transport struct {
	config Config
	dialer *kafka.Dialer
	writer *kafka.Writer
	logger *slog.Logger

	mu      sync.Mutex
	readers map[*subscription]struct{}
	closed  bool
}

// NewTransport creates a transport for brokers. No connection is made until
// the first publish or fetch.
func NewTransport(brokers []string, opts ...Option) (*Transport, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	config := Config{
		Brokers:      brokers,
		StartOffset:  kafka.FirstOffset,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxAttempts:  5,
		RequiredAcks: kafka.RequireAll,
		Logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&config)
	}

	logger := config.Logger.With("component", "kafka-transport")
	t := &Transport{
		config: config,
		dialer: &kafka.Dialer{
			Timeout:   config.DialTimeout,
			DualStack: true,
		},
		logger:  logger,
		readers: make(map[*subscription]struct{}),
	}
	t.writer = &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            config.MaxAttempts,
		WriteTimeout:           config.WriteTimeout,
		ReadTimeout:            config.WriteTimeout,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: true,
		ErrorLogger:            errorLogger(logger),
	}
	return t, nil
}

// Publisher implements messaging.Transport
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &publisher{transport: t}
}

// Subscribe implements messaging.Transport. Members of the same group share
// the topic's partitions. An empty group gets a private group starting at the
// latest offset, so the subscriber sees only messages published after it
// joined.
func (t *Transport) Subscribe(ctx context.Context, topic, group string) (messaging.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, messaging.ErrTransportClosed
	}

	startOffset := t.config.StartOffset
	if group == "" {
		group = privateGroupID(topic)
		startOffset = kafka.LastOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     t.config.Brokers,
		Topic:       topic,
		GroupID:     group,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		Dialer:      t.dialer,
		StartOffset: startOffset,
		ErrorLogger: errorLogger(t.logger.With("topic", topic, "group", group)),
	})

	sub := &subscription{transport: t, reader: reader, topic: topic, group: group, done: make(chan struct{})}
	t.readers[sub] = struct{}{}

	t.logger.Info("subscribed", "topic", topic, "group", group)
	return sub, nil
}

// Ping dials the brokers until one answers
func (t *Transport) Ping(ctx context.Context) error {
	var errs []error
	for _, broker := range t.config.Brokers {
		conn, err := t.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", broker, err))
			continue
		}
		_, err = conn.Brokers()
		conn.Close()
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", broker, err))
	}
	return fmt.Errorf("no kafka broker reachable: %w", errors.Join(errs...))
}

// Close closes the writer and every open reader
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.readers))
	for sub := range t.readers {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	return errors.Join(errs...)
}

func (t *Transport) forget(sub *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.readers, sub)
}

type publisher struct {
	transport *Transport
}

// Publish implements messaging.TransportPublisher. It returns once the
// broker has acknowledged the write.
func (p *publisher) Publish(ctx context.Context, msg messaging.Message) error {
	if msg.Topic == "" {
		return fmt.Errorf("message topic is required")
	}
	if err := p.transport.writer.WriteMessages(ctx, toKafkaMessage(msg)); err != nil {
		return fmt.Errorf("failed to write message to %s: %w", msg.Topic, err)
	}
	return nil
}

// Close implements messaging.TransportPublisher. The writer is shared and
// closed with the transport.
func (p *publisher) Close() error {
	return nil
}

type subscription struct {
	transport *Transport
	reader    *kafka.Reader
	topic     string
	group     string
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Next implements messaging.Subscription
func (s *subscription) Next(ctx context.Context) (messaging.TransportDelivery, error) {
	select {
	case <-s.done:
		return nil, messaging.ErrSubscriptionClosed
	default:
	}

	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		select {
		case <-s.done:
			return nil, messaging.ErrSubscriptionClosed
		default:
		}
		if errors.Is(err, io.EOF) {
			return nil, messaging.ErrSubscriptionClosed
		}
		return nil, err
	}
	return &delivery{reader: s.reader, raw: msg, msg: fromKafkaMessage(msg)}, nil
}

// Topic implements messaging.Subscription
func (s *subscription) Topic() string {
	return s.topic
}

// Close implements messaging.Subscription
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.transport.forget(s)
		if err := s.reader.Close(); err != nil {
			s.closeErr = fmt.Errorf("close reader %s/%s: %w", s.topic, s.group, err)
		}
	})
	return s.closeErr
}

type delivery struct {
	reader *kafka.Reader
	raw    kafka.Message
	msg    messaging.Message
}

// Message implements messaging.TransportDelivery
func (d *delivery) Message() messaging.Message {
	return d.msg
}

// Acknowledge commits the message offset for the group
func (d *delivery) Acknowledge(ctx context.Context) error {
	if err := d.reader.CommitMessages(ctx, d.raw); err != nil {
		return fmt.Errorf("commit offset %d on %s/%d: %w", d.raw.Offset, d.raw.Topic, d.raw.Partition, err)
	}
	return nil
}

func toKafkaMessage(msg messaging.Message) kafka.Message {
	out := kafka.Message{
		Topic: msg.Topic,
		Value: msg.Value,
	}
	if msg.Key != "" {
		out.Key = []byte(msg.Key)
	}
	for k, v := range msg.Headers {
		out.Headers = append(out.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaMessage(msg kafka.Message) messaging.Message {
	out := messaging.Message{
		Topic: msg.Topic,
		Key:   string(msg.Key),
		Value: msg.Value,
	}
	if len(msg.Headers) > 0 {
		out.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			out.Headers[h.Key] = string(h.Value)
		}
	}
	return out
}

func privateGroupID(topic string) string {
	return fmt.Sprintf("%s.%s", topic, uuid.New().String())
}

func errorLogger(logger *slog.Logger) kafka.Logger {
	return kafka.LoggerFunc(func(msg string, args ...interface{}) {
		logger.Error(fmt.Sprintf(msg, args...))
	})
}
