package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/glimte/productbridge/internal/rabbitmq"
)

// Pinger is anything that can prove it reaches its broker
type Pinger interface {
	Ping(ctx context.Context) error
}

// TransportChecker checks that the bus transport reaches its broker
type TransportChecker struct {
	name      string
	transport Pinger
}

// NewTransportChecker creates a checker named name for transport
func NewTransportChecker(name string, transport Pinger) *TransportChecker {
	return &TransportChecker{name: name, transport: transport}
}

func (c *TransportChecker) Name() string {
	return c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if err := c.transport.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Broker unreachable"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Broker reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RabbitMQChecker checks the RabbitMQ connection and that the topic
// exchange is still declared. It listens to connection state changes so the
// report carries the last disconnect and any reconnect in progress.
type RabbitMQChecker struct {
	connManager *rabbitmq.ConnectionManager
	exchange    string

	mu             sync.Mutex
	reconnecting   int
	reconnects     int
	lastDisconnect time.Time
	lastError      string
}

// NewRabbitMQChecker creates a checker and registers it for connection state
// changes; Close unregisters it
func NewRabbitMQChecker(connManager *rabbitmq.ConnectionManager, exchange string) *RabbitMQChecker {
	c := &RabbitMQChecker{
		connManager: connManager,
		exchange:    exchange,
	}
	connManager.AddStateListener(c)
	return c
}

// Close stops listening to connection state changes
func (c *RabbitMQChecker) Close() {
	c.connManager.RemoveStateListener(c)
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (c *RabbitMQChecker) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnecting > 0 {
		c.reconnects++
	}
	c.reconnecting = 0
}

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (c *RabbitMQChecker) OnDisconnected(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastDisconnect = time.Now()
	c.lastError = ""
	if err != nil {
		c.lastError = err.Error()
	}
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (c *RabbitMQChecker) OnReconnecting(attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if attempt > c.reconnecting {
		c.reconnecting = attempt
	}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"exchange": c.exchange},
	}

	c.mu.Lock()
	reconnecting := c.reconnecting
	result.Details["reconnects"] = c.reconnects
	if !c.lastDisconnect.IsZero() {
		result.Details["last_disconnect"] = c.lastDisconnect
		if c.lastError != "" {
			result.Details["last_disconnect_error"] = c.lastError
		}
	}
	c.mu.Unlock()
	if reconnecting > 0 {
		result.Details["reconnect_attempt"] = reconnecting
	}

	ch, err := c.connManager.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		if reconnecting > 0 {
			result.Message = fmt.Sprintf("Reconnecting (attempt %d)", reconnecting)
		}
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	err = ch.ExchangeDeclarePassive(c.exchange, "topic", true, false, false, false, nil)
	if err != nil {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Exchange %s not found", c.exchange)
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

var _ rabbitmq.ConnectionStateListener = (*RabbitMQChecker)(nil)

// PendingCounter reports in-flight gateway requests
type PendingCounter interface {
	PendingCount() int
}

// GatewayChecker reports degraded when pending requests near the limit
type GatewayChecker struct {
	gateway PendingCounter
	limit   int
}

// NewGatewayChecker creates a checker; limit is the gateway's max pending
func NewGatewayChecker(gateway PendingCounter, limit int) *GatewayChecker {
	return &GatewayChecker{gateway: gateway, limit: limit}
}

func (c *GatewayChecker) Name() string {
	return "gateway"
}

func (c *GatewayChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.gateway.PendingCount()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "Accepting requests",
		Details: map[string]interface{}{
			"pending": pending,
			"limit":   c.limit,
		},
	}

	switch {
	case c.limit > 0 && pending >= c.limit:
		result.Status = StatusUnhealthy
		result.Message = "Pending request limit reached"
	case c.limit > 0 && pending*10 >= c.limit*9:
		result.Status = StatusDegraded
		result.Message = "Pending requests near limit"
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker watches the goroutine count
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
