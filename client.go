// Copyright 2024 Productbridge Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package productbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/productbridge/bridge"
	"github.com/glimte/productbridge/catalog"
	"github.com/glimte/productbridge/health"
	"github.com/glimte/productbridge/internal/config"
	"github.com/glimte/productbridge/internal/httpapi"
	"github.com/glimte/productbridge/internal/metrics"
	"github.com/glimte/productbridge/messaging"
	"github.com/glimte/productbridge/processor"
	"github.com/glimte/productbridge/store"
	kafkaTransport "github.com/glimte/productbridge/transports/kafka"
	"github.com/glimte/productbridge/transports/memory"
	rabbitmqTransport "github.com/glimte/productbridge/transports/rabbitmq"
	"github.com/prometheus/client_golang/prometheus"
)

// Client wires a transport to the store, gateway, processors and HTTP shell
type Client struct {
	transport messaging.Transport
	store     *store.ProductStore
	gateway   *bridge.Gateway
	processor *processor.Processor
	projector *processor.Processor
	catalog   *catalog.Service
	health    *health.Registry
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	logger    *slog.Logger

	rabbitChecker *health.RabbitMQChecker
	// lastChange is the unix nano time of the last store change seen by the watch loop
	lastChange atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// ClientOption configures a Client
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger   *slog.Logger
	registry *prometheus.Registry

	requestTopic string
	replyTopic   string
	eventsTopic  string

	gateway        bool
	replyGroup     string
	gatewayOptions []bridge.GatewayOption

	processorGroup string
	projectorGroup string
	publishEvents  bool

	decodePolicy messaging.DecodePolicy
	storeOptions []store.Option
}

// WithLogger sets the logger for every component
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithPrometheusRegistry registers metrics with reg and serves it on /metrics
func WithPrometheusRegistry(reg *prometheus.Registry) ClientOption {
	return func(c *clientConfig) {
		c.registry = reg
	}
}

// WithTopics overrides the request, reply and events topics. Empty values keep the default.
func WithTopics(request, reply, events string) ClientOption {
	return func(c *clientConfig) {
		if request != "" {
			c.requestTopic = request
		}
		if reply != "" {
			c.replyTopic = reply
		}
		if events != "" {
			c.eventsTopic = events
		}
	}
}

// WithGateway enables the request/reply gateway. An empty replyGroup gives
// the gateway a private reply subscription.
func WithGateway(replyGroup string, opts ...bridge.GatewayOption) ClientOption {
	return func(c *clientConfig) {
		c.gateway = true
		c.replyGroup = replyGroup
		c.gatewayOptions = append(c.gatewayOptions, opts...)
	}
}

// WithRequestProcessor consumes the request topic in group and answers on the reply topic
func WithRequestProcessor(group string) ClientOption {
	return func(c *clientConfig) {
		c.processorGroup = group
	}
}

// WithProjector keeps the store in sync with the events topic, consuming in group
func WithProjector(group string) ClientOption {
	return func(c *clientConfig) {
		c.projectorGroup = group
	}
}

// WithEventPublishing lets the catalog publish fire-and-forget events on the events topic
func WithEventPublishing() ClientOption {
	return func(c *clientConfig) {
		c.publishEvents = true
	}
}

// WithDecodePolicy sets the decode policy of the processor and projector
func WithDecodePolicy(policy messaging.DecodePolicy) ClientOption {
	return func(c *clientConfig) {
		c.decodePolicy = policy
	}
}

// WithStoreOptions passes options to the materialized store
func WithStoreOptions(opts ...store.Option) ClientOption {
	return func(c *clientConfig) {
		c.storeOptions = append(c.storeOptions, opts...)
	}
}

// NewClient subscribes the enabled components on transport. The client owns
// the transport from here on and closes it in Close.
func NewClient(ctx context.Context, transport messaging.Transport, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	cfg := &clientConfig{
		logger:       slog.Default(),
		requestTopic: bridge.DefaultRequestTopic,
		replyTopic:   bridge.DefaultReplyTopic,
		eventsTopic:  catalog.DefaultEventsTopic,
		decodePolicy: messaging.DecodeSkip,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.registry == nil {
		cfg.registry = prometheus.NewRegistry()
	}

	c := &Client{
		transport: transport,
		health:    health.NewRegistry(),
		metrics:   metrics.New(cfg.registry),
		gatherer:  cfg.registry,
		logger:    cfg.logger,
	}

	if err := c.build(ctx, cfg); err != nil {
		c.closeComponents()
		return nil, err
	}

	c.registerHealth(cfg)
	for _, l := range c.loops() {
		c.health.TrackLoop(l.name)
	}
	return c, nil
}

func (c *Client) build(ctx context.Context, cfg *clientConfig) error {
	catalogOpts := []catalog.Option{catalog.WithLogger(c.logger)}

	if cfg.processorGroup != "" || cfg.projectorGroup != "" {
		storeOpts := append([]store.Option{store.WithLogger(c.logger), store.WithMetrics(c.metrics)}, cfg.storeOptions...)
		c.store = store.New(storeOpts...)
		catalogOpts = append(catalogOpts, catalog.WithReader(c.store))
	}

	if cfg.processorGroup != "" {
		requests, err := c.transport.Subscribe(ctx, cfg.requestTopic, cfg.processorGroup)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", cfg.requestTopic, err)
		}
		c.processor, err = processor.New(c.store, requests, c.transport.Publisher(),
			processor.WithReplyTopic(cfg.replyTopic),
			processor.WithDecodePolicy(cfg.decodePolicy),
			processor.WithLogger(c.logger),
			processor.WithMetrics(c.metrics),
		)
		if err != nil {
			requests.Close()
			return fmt.Errorf("failed to create request processor: %w", err)
		}
	}

	if cfg.projectorGroup != "" {
		events, err := c.transport.Subscribe(ctx, cfg.eventsTopic, cfg.projectorGroup)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", cfg.eventsTopic, err)
		}
		c.projector, err = processor.New(c.store, events, nil,
			processor.WithoutReplies(),
			processor.WithDecodePolicy(cfg.decodePolicy),
			processor.WithLogger(c.logger),
			processor.WithMetrics(c.metrics),
		)
		if err != nil {
			events.Close()
			return fmt.Errorf("failed to create projector: %w", err)
		}
	}

	if cfg.gateway {
		replies, err := c.transport.Subscribe(ctx, cfg.replyTopic, cfg.replyGroup)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", cfg.replyTopic, err)
		}
		gwOpts := append([]bridge.GatewayOption{
			bridge.WithRequestTopic(cfg.requestTopic),
			bridge.WithLogger(c.logger),
			bridge.WithMetrics(c.metrics),
		}, cfg.gatewayOptions...)
		c.gateway, err = bridge.NewGateway(c.transport.Publisher(), replies, gwOpts...)
		if err != nil {
			replies.Close()
			return fmt.Errorf("failed to create gateway: %w", err)
		}
		catalogOpts = append(catalogOpts, catalog.WithSubmitter(c.gateway))
	}

	if cfg.publishEvents {
		catalogOpts = append(catalogOpts, catalog.WithEventPublisher(c.transport.Publisher(), cfg.eventsTopic))
	}

	c.catalog = catalog.NewService(catalogOpts...)
	return nil
}

func (c *Client) registerHealth(cfg *clientConfig) {
	c.health.Register(health.NewTransportChecker("transport", c.transport))
	c.health.Register(health.NewRuntimeChecker(10000, 50000))

	if rt, ok := c.transport.(*rabbitmqTransport.Transport); ok {
		c.rabbitChecker = health.NewRabbitMQChecker(rt.ConnectionManager(), rt.Exchange())
		c.health.Register(c.rabbitChecker)
	}
	if c.gateway != nil {
		c.health.Register(health.NewGatewayChecker(c.gateway, c.gateway.MaxPending()))
	}
	if c.store != nil {
		st := c.store
		c.health.Register(health.NewComponentChecker("store", func(ctx context.Context) (health.Status, string, map[string]interface{}, error) {
			details := map[string]interface{}{"products": st.Len()}
			if ns := c.lastChange.Load(); ns != 0 {
				details["last_change"] = time.Unix(0, ns).UTC()
			}
			return health.StatusHealthy, "materialized view ready", details, nil
		}))
	}
	c.health.SetMetadata("request_topic", cfg.requestTopic)
	c.health.SetMetadata("reply_topic", cfg.replyTopic)
	c.health.SetMetadata("events_topic", cfg.eventsTopic)
}

type loop struct {
	name string
	run  func(context.Context) error
	// tracked loops gate readiness
	tracked bool
}

func (c *Client) loops() []loop {
	var loops []loop
	if c.gateway != nil {
		loops = append(loops, loop{name: "gateway", run: c.gateway.Run, tracked: true})
	}
	if c.processor != nil {
		loops = append(loops, loop{name: "processor", run: c.processor.Run, tracked: true})
	}
	if c.projector != nil {
		loops = append(loops, loop{name: "projector", run: c.projector.Run, tracked: true})
	}
	if c.store != nil {
		loops = append(loops, loop{name: "store-watch", run: c.watchStore})
	}
	return loops
}

// Run runs every enabled loop until ctx is cancelled or one of them fails.
// A failing loop cancels the others and its error is returned. Tracked loops
// report their lifecycle to the health registry, so /ready answers 503
// before Run starts them and after they return.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loops := c.loops()
	if len(loops) == 0 {
		<-ctx.Done()
		return nil
	}

	errCh := make(chan error, len(loops))
	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l loop) {
			defer wg.Done()
			if l.tracked {
				c.health.LoopStarted(l.name)
			}
			err := l.run(ctx)
			if l.tracked {
				c.health.LoopStopped(l.name, err)
			}
			if err != nil {
				c.logger.Error("loop failed", "loop", l.name, "error", err)
				errCh <- err
				cancel()
			}
		}(l)
	}

	wg.Wait()
	close(errCh)
	return <-errCh
}

// watchStore logs every change the store applies and records when the last
// one happened for the store health check
func (c *Client) watchStore(ctx context.Context) error {
	changes, stop := c.store.Watch(64)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-changes:
			c.lastChange.Store(time.Now().UnixNano())
			c.logger.Debug("product view changed",
				"action", change.Action,
				"id", change.Product.ID,
				"version", change.Product.Version,
			)
		}
	}
}

// Handler returns the HTTP shell over the catalog, health and metrics
func (c *Client) Handler() http.Handler {
	return httpapi.NewRouter(c.catalog,
		httpapi.WithHealth(c.health),
		httpapi.WithGatherer(c.gatherer),
		httpapi.WithLogger(c.logger),
	)
}

// Catalog returns the product service
func (c *Client) Catalog() *catalog.Service {
	return c.catalog
}

// Store returns the materialized store, or nil when no consumer feeds it
func (c *Client) Store() *store.ProductStore {
	return c.store
}

// Gateway returns the request/reply gateway, or nil when not enabled
func (c *Client) Gateway() *bridge.Gateway {
	return c.gateway
}

// Health returns the health registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Close stops the gateway and consumers and closes the transport
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.closeComponents()
	})
	return c.closeErr
}

func (c *Client) closeComponents() error {
	if c.rabbitChecker != nil {
		c.rabbitChecker.Close()
	}
	var errs []error
	if c.gateway != nil {
		errs = append(errs, c.gateway.Close())
	}
	if c.processor != nil {
		errs = append(errs, ignoreClosed(c.processor.Close()))
	}
	if c.projector != nil {
		errs = append(errs, ignoreClosed(c.projector.Close()))
	}
	errs = append(errs, c.transport.Close())
	return errors.Join(errs...)
}

func ignoreClosed(err error) error {
	if errors.Is(err, messaging.ErrSubscriptionClosed) || errors.Is(err, messaging.ErrTransportClosed) {
		return nil
	}
	return err
}

// OpenTransport connects the transport named by cfg.Transport.Kind
func OpenTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (messaging.Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch strings.ToLower(cfg.Transport.Kind) {
	case config.TransportKafka:
		return kafkaTransport.NewTransport(cfg.Kafka.Brokers,
			kafkaTransport.WithStartOffset(cfg.Kafka.StartOffset),
			kafkaTransport.WithLogger(logger),
		)
	case config.TransportRabbitMQ:
		return rabbitmqTransport.NewTransport(ctx, cfg.RabbitMQ.URL,
			rabbitmqTransport.WithExchange(cfg.RabbitMQ.Exchange),
			rabbitmqTransport.WithPrefetchCount(cfg.RabbitMQ.Prefetch),
			rabbitmqTransport.WithLogger(logger),
		)
	case config.TransportMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
}

// GatewayOptions maps the gateway section of cfg onto gateway options
func GatewayOptions(cfg *config.Config) ([]bridge.GatewayOption, error) {
	mode, err := cfg.CorrelationMode()
	if err != nil {
		return nil, err
	}
	return []bridge.GatewayOption{
		bridge.WithCorrelationMode(mode),
		bridge.WithDefaultTimeout(cfg.Gateway.Timeout),
		bridge.WithMaxPendingRequests(cfg.Gateway.MaxPending),
	}, nil
}

// compile-time check that the catalog accepts the gateway
var _ catalog.Submitter = (*bridge.Gateway)(nil)

// compile-time check that the store backs catalog queries
var _ catalog.Reader = (*store.ProductStore)(nil)
