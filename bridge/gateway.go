package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/productbridge/contracts"
	"github.com/glimte/productbridge/internal/metrics"
	"github.com/glimte/productbridge/internal/reliability"
	"github.com/glimte/productbridge/messaging"
	"github.com/glimte/productbridge/serialization"
	"github.com/google/uuid"
)

// Default topics of the request/reply pair
const (
	DefaultRequestTopic = "product_request"
	DefaultReplyTopic   = "product_reply"
)

// ErrGatewayClosed is returned to callers still waiting when the gateway closes
var ErrGatewayClosed = errors.New("bridge: gateway closed")

// CorrelationMode selects how replies are matched to requests
type CorrelationMode int

const (
	// CorrelateByKey matches replies to requests by correlation id
	CorrelateByKey CorrelationMode = iota
	// CorrelateFirstReply accepts the first decodable reply on the shared stream
	CorrelateFirstReply
)

func (m CorrelationMode) String() string {
	switch m {
	case CorrelateByKey:
		return "key"
	case CorrelateFirstReply:
		return "first-reply"
	default:
		return "unknown"
	}
}

// ParseCorrelationMode parses "key" or "first-reply"
func ParseCorrelationMode(s string) (CorrelationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "key", "":
		return CorrelateByKey, nil
	case "first-reply", "first":
		return CorrelateFirstReply, nil
	default:
		return CorrelateByKey, fmt.Errorf("unknown correlation mode %q", s)
	}
}

// PendingRequest represents a request waiting for its reply
type PendingRequest struct {
	ID       string
	Deadline time.Time
	replyCh  chan contracts.Product
}

// GatewayConfig holds configuration for the gateway
type GatewayConfig struct {
	RequestTopic       string
	Mode               CorrelationMode
	DefaultTimeout     time.Duration
	MaxPendingRequests int
	TransportBackoff   reliability.RetryPolicy
	NewID              func() string
	Logger             *slog.Logger
	Metrics            *metrics.Metrics
}

// GatewayOption configures the gateway
type GatewayOption func(*GatewayConfig)

// WithRequestTopic sets the topic requests are published to
func WithRequestTopic(topic string) GatewayOption {
	return func(c *GatewayConfig) {
		c.RequestTopic = topic
	}
}

// WithCorrelationMode sets how replies are matched to requests
func WithCorrelationMode(mode CorrelationMode) GatewayOption {
	return func(c *GatewayConfig) {
		c.Mode = mode
	}
}

// WithDefaultTimeout sets the reply wait used by Submit
func WithDefaultTimeout(timeout time.Duration) GatewayOption {
	return func(c *GatewayConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithMaxPendingRequests sets the maximum number of concurrent pending requests
func WithMaxPendingRequests(max int) GatewayOption {
	return func(c *GatewayConfig) {
		c.MaxPendingRequests = max
	}
}

// WithTransportBackoff sets the delay applied after a failed reply poll
func WithTransportBackoff(policy reliability.RetryPolicy) GatewayOption {
	return func(c *GatewayConfig) {
		c.TransportBackoff = policy
	}
}

// WithIDGenerator replaces the uuid generator used for product and correlation ids
func WithIDGenerator(fn func() string) GatewayOption {
	return func(c *GatewayConfig) {
		c.NewID = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(c *GatewayConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) GatewayOption {
	return func(c *GatewayConfig) {
		c.Metrics = m
	}
}

// Gateway turns a publish on the request topic plus a reply on the reply
// topic into one blocking call
type Gateway struct {
	publisher messaging.TransportPublisher
	replies   messaging.Subscription
	config    GatewayConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.RWMutex
	pending map[string]*PendingRequest

	done      chan struct{}
	closeOnce sync.Once
}

// NewGateway creates a gateway publishing through publisher and reading
// replies from replies. The gateway owns the reply subscription and closes it
// on Close.
func NewGateway(publisher messaging.TransportPublisher, replies messaging.Subscription, opts ...GatewayOption) (*Gateway, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if replies == nil {
		return nil, fmt.Errorf("reply subscription cannot be nil")
	}

	config := GatewayConfig{
		RequestTopic:       DefaultRequestTopic,
		Mode:               CorrelateByKey,
		DefaultTimeout:     5 * time.Second,
		MaxPendingRequests: 1000,
		TransportBackoff:   reliability.DefaultTransportBackoff(),
		NewID:              newUUID,
		Logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(&config)
	}

	if config.DefaultTimeout <= 0 {
		return nil, fmt.Errorf("default timeout must be positive, got %s", config.DefaultTimeout)
	}

	return &Gateway{
		publisher: publisher,
		replies:   replies,
		config:    config,
		logger:    config.Logger.With("component", "gateway", "requestTopic", config.RequestTopic, "replyTopic", replies.Topic()),
		metrics:   config.Metrics,
		pending:   make(map[string]*PendingRequest),
		done:      make(chan struct{}),
	}, nil
}

// Mode returns the correlation mode
func (g *Gateway) Mode() CorrelationMode {
	return g.config.Mode
}

// MaxPending returns the pending request limit
func (g *Gateway) MaxPending() int {
	return g.config.MaxPendingRequests
}

// CreateEvent builds the request event for product: a fresh id when the
// product has none, and the version following the product's current one.
func (g *Gateway) CreateEvent(product contracts.Product, action contracts.Action) (contracts.ProductEvent, error) {
	return createEvent(product, action, g.config.NewID)
}

// CreateEvent is Gateway.CreateEvent with uuid ids
func CreateEvent(product contracts.Product, action contracts.Action) (contracts.ProductEvent, error) {
	return createEvent(product, action, newUUID)
}

func createEvent(product contracts.Product, action contracts.Action, newID func() string) (contracts.ProductEvent, error) {
	version, err := contracts.NextVersion(product.Version)
	if err != nil {
		return contracts.ProductEvent{}, fmt.Errorf("create %s event: %w", action, err)
	}
	if product.ID == "" {
		product.ID = newID()
	}
	product.Version = version
	return contracts.NewProductEvent(product, action), nil
}

// Submit publishes event and waits up to the default timeout for its reply
func (g *Gateway) Submit(ctx context.Context, event contracts.ProductEvent) (contracts.Product, error) {
	return g.SubmitWithTimeout(ctx, event, g.config.DefaultTimeout)
}

// SubmitWithTimeout publishes event and waits up to timeout for its reply.
//
// The publish is confirmed before waiting starts; a failed publish returns a
// *contracts.PublishError at once and is never retried.
func (g *Gateway) SubmitWithTimeout(ctx context.Context, event contracts.ProductEvent, timeout time.Duration) (contracts.Product, error) {
	start := time.Now()
	action := string(event.Event)

	payload, err := serialization.EncodeEvent(event)
	if err != nil {
		return contracts.Product{}, fmt.Errorf("encode request: %w", err)
	}

	correlationID := g.config.NewID()

	var pending *PendingRequest
	if g.config.Mode == CorrelateByKey {
		// registered before publishing so a fast reply cannot be missed
		pending, err = g.register(correlationID, start.Add(timeout))
		if err != nil {
			g.metrics.GatewayRequest(action, metrics.OutcomeTooManyPending, time.Since(start))
			return contracts.Product{}, err
		}
		defer g.unregister(correlationID)
	}

	msg := messaging.Message{
		Topic: g.config.RequestTopic,
		Key:   correlationID,
		Value: payload,
		Headers: map[string]string{
			messaging.HeaderCorrelationID: correlationID,
			messaging.HeaderContentType:   serialization.ContentType,
		},
	}
	if err := g.publisher.Publish(ctx, msg); err != nil {
		perr := &contracts.PublishError{
			Topic:     g.config.RequestTopic,
			Key:       correlationID,
			Err:       err,
			Timestamp: time.Now(),
		}
		g.metrics.GatewayRequest(action, metrics.OutcomePublishFailed, time.Since(start))
		g.logger.Error("failed to publish request",
			"correlationId", correlationID,
			"productId", event.ID,
			"action", action,
			"error", err,
		)
		return contracts.Product{}, perr
	}

	g.logger.Debug("request published",
		"correlationId", correlationID,
		"productId", event.ID,
		"action", action,
		"version", event.Version,
	)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reply contracts.Product
	if g.config.Mode == CorrelateByKey {
		reply, err = g.awaitCorrelated(waitCtx, pending)
	} else {
		reply, err = g.awaitFirstReply(waitCtx)
	}

	if err != nil {
		if waitCtx.Err() != nil && !errors.Is(ctx.Err(), context.Canceled) {
			g.metrics.GatewayRequest(action, metrics.OutcomeTimeout, time.Since(start))
			g.logger.Warn("no reply before deadline",
				"correlationId", correlationID,
				"productId", event.ID,
				"timeout", timeout,
			)
			return contracts.Product{}, fmt.Errorf("%w: no reply for %s within %s", contracts.ErrTimeout, correlationID, timeout)
		}
		g.metrics.GatewayRequest(action, metrics.OutcomeCancelled, time.Since(start))
		return contracts.Product{}, err
	}

	g.metrics.GatewayRequest(action, metrics.OutcomeOK, time.Since(start))
	return reply, nil
}

// Run consumes the reply topic and dispatches replies to waiting callers.
// It is required in CorrelateByKey mode. In CorrelateFirstReply mode callers
// read the reply stream themselves and Run only waits for ctx or Close.
func (g *Gateway) Run(ctx context.Context) error {
	if g.config.Mode == CorrelateFirstReply {
		select {
		case <-ctx.Done():
		case <-g.done:
		}
		return nil
	}

	loop := messaging.NewStreamConsumer(g.replies, serialization.DecodeProduct, g.dispatchReply,
		messaging.WithDecodePolicy(messaging.DecodeSkip),
		messaging.WithTransportBackoff(g.config.TransportBackoff),
		messaging.WithConsumerLogger(g.logger),
		messaging.WithConsumerMetrics(g.metrics),
	)
	return loop.Run(ctx)
}

// dispatchReply hands a decoded reply to the caller waiting on its
// correlation id
func (g *Gateway) dispatchReply(ctx context.Context, msg messaging.Message, reply contracts.Product) error {
	correlationID := msg.CorrelationID()
	if correlationID == "" {
		return fmt.Errorf("reply for product %s has no correlation id", reply.ID)
	}

	g.mu.RLock()
	pending, exists := g.pending[correlationID]
	g.mu.RUnlock()

	if !exists {
		// the request timed out or belongs to another gateway instance
		g.logger.Debug("dropping reply without pending request", "correlationId", correlationID, "productId", reply.ID)
		return nil
	}

	select {
	case pending.replyCh <- reply:
		return nil
	default:
		return fmt.Errorf("duplicate reply for correlation id %s", correlationID)
	}
}

func (g *Gateway) awaitCorrelated(ctx context.Context, pending *PendingRequest) (contracts.Product, error) {
	select {
	case reply := <-pending.replyCh:
		return reply, nil
	case <-ctx.Done():
		return contracts.Product{}, ctx.Err()
	case <-g.done:
		return contracts.Product{}, ErrGatewayClosed
	}
}

// awaitFirstReply pulls from the shared reply subscription until a payload
// decodes. The reply is acknowledged once accepted, before it is returned.
func (g *Gateway) awaitFirstReply(ctx context.Context) (contracts.Product, error) {
	failures := 0
	for {
		select {
		case <-g.done:
			return contracts.Product{}, ErrGatewayClosed
		default:
		}

		delivery, err := g.replies.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return contracts.Product{}, ctx.Err()
			}
			if errors.Is(err, messaging.ErrSubscriptionClosed) {
				return contracts.Product{}, ErrGatewayClosed
			}
			g.metrics.TransportError(g.replies.Topic())
			g.logger.Error("failed to fetch reply", "error", &contracts.TransportError{Topic: g.replies.Topic(), Op: "next", Err: err})
			if err := reliability.Wait(ctx, g.config.TransportBackoff.NextDelay(failures)); err != nil {
				return contracts.Product{}, err
			}
			failures++
			continue
		}
		failures = 0

		msg := delivery.Message()
		if len(msg.Value) == 0 {
			continue
		}

		reply, err := serialization.DecodeProduct(msg.Value)
		if err != nil {
			g.metrics.MessageConsumed(msg.Topic, metrics.OutcomeDecodeError)
			g.logger.Warn("skipping undecodable reply", "key", msg.Key, "error", err)
			// consumed by nobody; acknowledged so it is not redelivered
			g.acknowledge(ctx, delivery)
			continue
		}

		g.metrics.MessageConsumed(msg.Topic, metrics.OutcomeHandled)
		g.acknowledge(ctx, delivery)
		return reply, nil
	}
}

func (g *Gateway) acknowledge(ctx context.Context, delivery messaging.TransportDelivery) {
	if err := delivery.Acknowledge(context.WithoutCancel(ctx)); err != nil {
		g.logger.Error("failed to acknowledge reply", "error", err)
	}
}

func (g *Gateway) register(correlationID string, deadline time.Time) (*PendingRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.pending) >= g.config.MaxPendingRequests {
		return nil, fmt.Errorf("%w (limit %d)", contracts.ErrTooManyPending, g.config.MaxPendingRequests)
	}

	pending := &PendingRequest{
		ID:       correlationID,
		Deadline: deadline,
		replyCh:  make(chan contracts.Product, 1),
	}
	g.pending[correlationID] = pending
	g.metrics.SetPending(len(g.pending))
	return pending, nil
}

func (g *Gateway) unregister(correlationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, correlationID)
	g.metrics.SetPending(len(g.pending))
}

// PendingCount returns the number of requests waiting for a reply
func (g *Gateway) PendingCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.pending)
}

// Close releases waiting callers and closes the reply subscription
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.done)
		err = g.replies.Close()
	})
	return err
}

func newUUID() string {
	return uuid.New().String()
}
