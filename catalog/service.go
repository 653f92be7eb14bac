// Package catalog is the product API the HTTP shell talks to. Queries read
// the materialized store; commands go through the request/reply gateway or,
// for the fire-and-forget flavour, straight onto the products topic.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/productbridge/bridge"
	"github.com/glimte/productbridge/contracts"
	"github.com/glimte/productbridge/messaging"
	"github.com/glimte/productbridge/serialization"
)

// DefaultEventsTopic carries fire-and-forget product events
const DefaultEventsTopic = "products"

// ErrNotConfigured is returned by operations whose backend was not provided
var ErrNotConfigured = errors.New("catalog: operation not configured")

// Reader is the query side of the store
type Reader interface {
	Get(id string) (contracts.Product, error)
	List() []contracts.Product
}

// Submitter turns a product change into a request and waits for the reply
type Submitter interface {
	CreateEvent(product contracts.Product, action contracts.Action) (contracts.ProductEvent, error)
	Submit(ctx context.Context, event contracts.ProductEvent) (contracts.Product, error)
}

// Option configures a Service
type Option func(*Service)

// WithReader enables queries
func WithReader(r Reader) Option {
	return func(s *Service) {
		s.reader = r
	}
}

// WithSubmitter enables request/reply commands
func WithSubmitter(sub Submitter) Option {
	return func(s *Service) {
		s.submitter = sub
	}
}

// WithEventPublisher enables Publish on topic
func WithEventPublisher(publisher messaging.TransportPublisher, topic string) Option {
	return func(s *Service) {
		s.events = publisher
		if topic != "" {
			s.eventsTopic = topic
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// Service exposes product queries and commands
type Service struct {
	reader      Reader
	submitter   Submitter
	events      messaging.TransportPublisher
	eventsTopic string
	logger      *slog.Logger
}

// NewService creates a service; at least one backend option is expected
func NewService(opts ...Option) *Service {
	s := &Service{
		eventsTopic: DefaultEventsTopic,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "catalog")
	return s
}

// CanQuery reports whether List and GetByID are backed by a store
func (s *Service) CanQuery() bool {
	return s.reader != nil
}

// CanCommand reports whether Create, Update and Delete are backed by a gateway
func (s *Service) CanCommand() bool {
	return s.submitter != nil
}

// CanPublish reports whether Publish is backed by a publisher
func (s *Service) CanPublish() bool {
	return s.events != nil
}

// List returns every product in the view, in no particular order
func (s *Service) List() ([]contracts.Product, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("list products: %w", ErrNotConfigured)
	}
	return s.reader.List(), nil
}

// GetByID returns one product; the error wraps contracts.ErrNotFound when absent
func (s *Service) GetByID(id string) (contracts.Product, error) {
	if s.reader == nil {
		return contracts.Product{}, fmt.Errorf("get product: %w", ErrNotConfigured)
	}
	return s.reader.Get(id)
}

// Create submits a CREATED event and returns the processed product
func (s *Service) Create(ctx context.Context, p contracts.Product) (contracts.Product, error) {
	return s.command(ctx, p, contracts.ActionCreated)
}

// Update submits an UPDATED event for id
func (s *Service) Update(ctx context.Context, id string, p contracts.Product) (contracts.Product, error) {
	p.ID = id
	return s.command(ctx, p, contracts.ActionUpdated)
}

// Delete submits a DELETED event for id
func (s *Service) Delete(ctx context.Context, id string, p contracts.Product) (contracts.Product, error) {
	p.ID = id
	return s.command(ctx, p, contracts.ActionDeleted)
}

func (s *Service) command(ctx context.Context, p contracts.Product, action contracts.Action) (contracts.Product, error) {
	if s.submitter == nil {
		return contracts.Product{}, fmt.Errorf("%s product: %w", action, ErrNotConfigured)
	}

	event, err := s.submitter.CreateEvent(p, action)
	if err != nil {
		return contracts.Product{}, err
	}

	reply, err := s.submitter.Submit(ctx, event)
	if err != nil {
		s.logger.Warn("command failed", "action", string(action), "productId", event.ID, "error", err)
		return contracts.Product{}, err
	}

	s.logger.Info("command processed", "action", string(action), "productId", reply.ID, "version", reply.Version)
	return reply, nil
}

// Publish emits a product event on the events topic without waiting for
// any consumer, keyed by product id.
func (s *Service) Publish(ctx context.Context, p contracts.Product, action contracts.Action) (contracts.ProductEvent, error) {
	if s.events == nil {
		return contracts.ProductEvent{}, fmt.Errorf("publish %s event: %w", action, ErrNotConfigured)
	}

	event, err := bridge.CreateEvent(p, action)
	if err != nil {
		return contracts.ProductEvent{}, err
	}

	payload, err := serialization.EncodeEvent(event)
	if err != nil {
		return contracts.ProductEvent{}, fmt.Errorf("encode event: %w", err)
	}

	msg := messaging.Message{
		Topic:   s.eventsTopic,
		Key:     event.ID,
		Value:   payload,
		Headers: map[string]string{messaging.HeaderContentType: serialization.ContentType},
	}
	if err := s.events.Publish(ctx, msg); err != nil {
		return contracts.ProductEvent{}, &contracts.PublishError{Topic: s.eventsTopic, Key: event.ID, Err: err, Timestamp: time.Now()}
	}

	s.logger.Info("event published", "topic", s.eventsTopic, "action", string(action), "productId", event.ID, "version", event.Version)
	return event, nil
}
