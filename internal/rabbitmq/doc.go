// Package rabbitmq provides the RabbitMQ plumbing behind the rabbitmq transport.
//
// This package includes:
//   - ConnectionManager: owns the AMQP connection and reconnects with backoff
//   - ConfirmPublisher: publishes on a dedicated confirm-mode channel and
//     waits for the broker's ack
//   - QueueConsumer: a pull-style consumer over one queue with manual acks
//   - DeclareTopology: idempotent exchange, queue and binding declaration
package rabbitmq
