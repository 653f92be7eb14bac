// Package store holds the materialized view: the current snapshot of every
// product, built by folding product events.
//
// The store is mutated only through Apply, which the consumer loops call in
// delivery order. Readers get copies and never observe a partial update.
// Interested parties can Watch the stream of changes the store applies.
package store

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/productbridge/contracts"
	"github.com/glimte/productbridge/internal/metrics"
)

// Change describes one effective mutation of the store
type Change struct {
	Action  contracts.Action
	Product contracts.Product
}

// Apply results, used for metrics and logs
const (
	ResultChanged      = "changed"
	ResultNoop         = "noop"
	ResultUnrecognized = "unrecognized"
)

// ProductStore is the in-memory materialized view keyed by product id
type ProductStore struct {
	mu       sync.RWMutex
	products map[string]contracts.Product

	watchMu  sync.RWMutex
	watchers map[int]chan Change
	nextID   int

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures the store
type Option func(*ProductStore)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *ProductStore) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ProductStore) {
		s.metrics = m
	}
}

// WithSeed preloads products, keyed by their id
func WithSeed(products ...contracts.Product) Option {
	return func(s *ProductStore) {
		for _, p := range products {
			if p.ID != "" {
				s.products[p.ID] = p
			}
		}
	}
}

// New creates an empty store
func New(opts ...Option) *ProductStore {
	s := &ProductStore{
		products: make(map[string]contracts.Product),
		watchers: make(map[int]chan Change),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.SetStoreSize(len(s.products))
	return s
}

// Apply folds one event into the store.
//
// CREATED and UPDATED upsert the event's snapshot under event.ID; applying
// the same event twice leaves the store as after the first application.
// DELETED removes event.ID and is a no-op when it is absent. Any other action
// leaves the store untouched and returns an error wrapping
// contracts.ErrUnrecognizedAction, which callers treat as non-fatal.
//
// The returned Change is non-nil only when the store actually changed.
func (s *ProductStore) Apply(event contracts.ProductEvent) (*Change, error) {
	if !event.Event.IsKnown() {
		s.metrics.EventApplied(string(event.Event), ResultUnrecognized)
		s.logger.Warn("ignoring event with unrecognized action",
			"id", event.ID,
			"action", string(event.Event),
		)
		return nil, fmt.Errorf("apply event %s: %w: %q", event.ID, contracts.ErrUnrecognizedAction, event.Event)
	}

	s.mu.Lock()
	change := s.applyLocked(event)
	size := len(s.products)
	if change != nil {
		// under the write lock so watchers see changes in apply order
		s.broadcast(*change)
	}
	s.mu.Unlock()

	result := ResultNoop
	if change != nil {
		result = ResultChanged
		s.metrics.SetStoreSize(size)
	}
	s.metrics.EventApplied(string(event.Event), result)
	s.logger.Debug("event applied",
		"id", event.ID,
		"action", string(event.Event),
		"version", event.Version,
		"result", result,
	)

	return change, nil
}

func (s *ProductStore) applyLocked(event contracts.ProductEvent) *Change {
	switch event.Event {
	case contracts.ActionCreated, contracts.ActionUpdated:
		snapshot := event.Snapshot()
		if current, ok := s.products[event.ID]; ok && current == snapshot {
			return nil
		}
		s.products[event.ID] = snapshot
		return &Change{Action: event.Event, Product: snapshot}

	case contracts.ActionDeleted:
		removed, ok := s.products[event.ID]
		if !ok {
			return nil
		}
		delete(s.products, event.ID)
		return &Change{Action: event.Event, Product: removed}
	}
	return nil
}

// Get returns the product with the given id or contracts.ErrNotFound
func (s *ProductStore) Get(id string) (contracts.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return contracts.Product{}, fmt.Errorf("product %s: %w", id, contracts.ErrNotFound)
	}
	return p, nil
}

// List returns a copy of every product. Order is unspecified.
func (s *ProductStore) List() []contracts.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]contracts.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	return out
}

// Len returns the number of products
func (s *ProductStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.products)
}

// Watch returns a channel receiving every effective change and a function
// that stops the watch. Delivery is best effort: a watcher whose buffer is
// full misses changes rather than stalling Apply. A negative buffer is
// treated as zero.
func (s *ProductStore) Watch(buffer int) (<-chan Change, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Change, buffer)

	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
			close(ch)
		})
	}
}

func (s *ProductStore) broadcast(change Change) {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()

	for id, ch := range s.watchers {
		select {
		case ch <- change:
		default:
			s.logger.Warn("dropping change for slow watcher", "watcher", id, "id", change.Product.ID)
		}
	}
}
