// Package reliability provides the backoff policies used when the bus
// misbehaves: the consumer loop waits between failed polls and the RabbitMQ
// connection manager waits between reconnect attempts.
//
// Example usage:
//
//	policy := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 0)
//	if err := Wait(ctx, policy.NextDelay(attempt)); err != nil {
//	    return err
//	}
package reliability
