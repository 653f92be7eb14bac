// Package memory is an in-process implementation of messaging.Transport.
//
// It backs the local development profile and the end-to-end tests. Topics
// keep no history: a message is delivered to the subscription groups that
// exist when it is published. Within a group messages are split between the
// group's subscriptions; a subscription opened with an empty group receives
// its own copy of every message.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glimte/productbridge/messaging"
)

// Transport is an in-memory bus
type Transport struct {
	mu         sync.Mutex
	topics     map[string]*topicState
	bufferSize int
	closed     bool
	publishErr error
	nextID     atomic.Uint64
	acked      sync.Map // topic -> *atomic.Int64
}

type topicState struct {
	groups map[string]*queue
}

type queue struct {
	ch      chan messaging.Message
	members int
}

// Option configures the transport
type Option func(*Transport)

// WithBufferSize sets the per-group queue capacity. A publish to a full
// queue fails.
func WithBufferSize(n int) Option {
	return func(t *Transport) {
		t.bufferSize = n
	}
}

// New creates an in-memory transport
func New(opts ...Option) *Transport {
	t := &Transport{
		topics:     make(map[string]*topicState),
		bufferSize: 1024,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FailPublishes makes every subsequent publish fail with err; nil restores
// normal operation.
func (t *Transport) FailPublishes(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishErr = err
}

// Acknowledged returns how many deliveries on topic were acknowledged
func (t *Transport) Acknowledged(topic string) int64 {
	v, ok := t.acked.Load(topic)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Publisher implements messaging.Transport
func (t *Transport) Publisher() messaging.TransportPublisher {
	return &publisher{transport: t}
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, topic, group string) (messaging.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, messaging.ErrTransportClosed
	}

	ts, ok := t.topics[topic]
	if !ok {
		ts = &topicState{groups: make(map[string]*queue)}
		t.topics[topic] = ts
	}

	key := group
	if key == "" {
		key = fmt.Sprintf("private-%d", t.nextID.Add(1))
	}
	q, ok := ts.groups[key]
	if !ok {
		q = &queue{ch: make(chan messaging.Message, t.bufferSize)}
		ts.groups[key] = q
	}
	q.members++

	return &subscription{
		transport: t,
		topic:     topic,
		groupKey:  key,
		queue:     q,
		done:      make(chan struct{}),
	}, nil
}

// Ping implements messaging.Transport
func (t *Transport) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return messaging.ErrTransportClosed
	}
	return nil
}

// Close implements messaging.Transport
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Transport) publish(msg messaging.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return messaging.ErrTransportClosed
	}
	if t.publishErr != nil {
		return t.publishErr
	}

	ts, ok := t.topics[msg.Topic]
	if !ok {
		return nil
	}
	for name, q := range ts.groups {
		select {
		case q.ch <- cloneMessage(msg):
		default:
			return fmt.Errorf("memory: queue %s/%s is full", msg.Topic, name)
		}
	}
	return nil
}

func (t *Transport) release(topic, groupKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.topics[topic]
	if !ok {
		return
	}
	q, ok := ts.groups[groupKey]
	if !ok {
		return
	}
	q.members--
	if q.members <= 0 {
		delete(ts.groups, groupKey)
	}
}

func (t *Transport) markAcked(topic string) {
	v, _ := t.acked.LoadOrStore(topic, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func cloneMessage(msg messaging.Message) messaging.Message {
	out := msg
	if msg.Value != nil {
		out.Value = append([]byte(nil), msg.Value...)
	}
	if msg.Headers != nil {
		out.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

type publisher struct {
	transport *Transport
}

// Publish implements messaging.TransportPublisher
func (p *publisher) Publish(ctx context.Context, msg messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.transport.publish(msg)
}

// Close implements messaging.TransportPublisher
func (p *publisher) Close() error {
	return nil
}

type subscription struct {
	transport *Transport
	topic     string
	groupKey  string
	queue     *queue
	done      chan struct{}
	closeOnce sync.Once
}

// Next implements messaging.Subscription
func (s *subscription) Next(ctx context.Context) (messaging.TransportDelivery, error) {
	select {
	case <-s.done:
		return nil, messaging.ErrSubscriptionClosed
	default:
	}

	select {
	case msg := <-s.queue.ch:
		return &delivery{msg: msg, transport: s.transport}, nil
	case <-s.done:
		return nil, messaging.ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Topic implements messaging.Subscription
func (s *subscription) Topic() string {
	return s.topic
}

// Close implements messaging.Subscription
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.transport.release(s.topic, s.groupKey)
	})
	return nil
}

type delivery struct {
	msg       messaging.Message
	transport *Transport
	once      sync.Once
}

// Message implements messaging.TransportDelivery
func (d *delivery) Message() messaging.Message {
	return d.msg
}

// Acknowledge implements messaging.TransportDelivery
func (d *delivery) Acknowledge(ctx context.Context) error {
	d.once.Do(func() {
		d.transport.markAcked(d.msg.Topic)
	})
	return nil
}
