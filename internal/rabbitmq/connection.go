package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/productbridge/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnect      reliability.RetryPolicy
	dialTimeout    time.Duration
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	closed         bool
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
	dialFn         func(ctx context.Context) (*amqp.Connection, error)
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectPolicy sets the backoff between reconnection attempts; a
// policy with MaxRetries 0 retries forever
func WithReconnectPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnect = policy
	}
}

// WithDialTimeout bounds each dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		reconnect:   reliability.NewExponentialBackoff(time.Second, time.Minute, 2, 0),
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	cm.dialFn = cm.dial

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialFn(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.setConnectionLocked(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.handleReconnect(cm.notifyClose)
	return nil
}

func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := amqp.DialConfig(cm.url, amqp.Config{
			Dial:       amqp.DefaultDial(cm.dialTimeout),
			Properties: amqp.Table{"connection_name": "productbridge"},
		})
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.conn, r.err
	case <-dialCtx.Done():
		// the dial goroutine may still succeed; close what it returns
		go func() {
			if r := <-resultCh; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

func (cm *ConnectionManager) setConnectionLocked(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// handleReconnect waits for the connection to drop and reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error) {
	select {
	case err, ok := <-notifyClose:
		if ok && err != nil {
			cm.logger.Error("connection closed", "error", err)
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		var cause error
		if err != nil {
			cause = err
		}
		cm.notifyDisconnected(cause)
		cm.reconnectLoop()

	case <-cm.done:
		cm.logger.Info("connection manager shutting down")
	}
}

// reconnectLoop redials under the reconnect policy. It gives up when the
// policy runs out of attempts or the broker refuses the credentials or vhost,
// and reports either outcome to the state listeners.
func (cm *ConnectionManager) reconnectLoop() {
	startTime := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempts := 0
	var conn *amqp.Connection
	err := reliability.Retry(ctx, cm.reconnect, func() error {
		attempts++
		cm.logger.Info("attempting to reconnect", "attempt", attempts)
		cm.notifyReconnecting(attempts)

		c, err := cm.dialFn(ctx)
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempts)
			return classifyDialError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}

		var retryErr reliability.RetryableError
		if !errors.As(err, &retryErr) || retryErr.Retryable {
			err = fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, err)
		}
		cm.logger.Error("giving up on reconnection",
			"attempts", attempts,
			"duration", time.Since(startTime),
			"error", err)
		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		})
		return
	}

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		conn.Close()
		return
	}
	cm.setConnectionLocked(conn)
	notifyClose := cm.notifyClose
	cm.mu.Unlock()

	cm.logger.Info("successfully reconnected to RabbitMQ",
		"attempts", attempts,
		"duration", time.Since(startTime))
	cm.notifyConnected()

	go cm.handleReconnect(notifyClose)
}

// classifyDialError marks refusals that redialing cannot fix as not retryable
func classifyDialError(err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && (amqpErr.Code == amqp.AccessRefused || amqpErr.Code == amqp.NotAllowed) {
		return reliability.RetryableError{Err: err, Retryable: false}
	}
	if !IsRetryable(err) {
		return reliability.RetryableError{Err: err, Retryable: false}
	}
	return err
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
