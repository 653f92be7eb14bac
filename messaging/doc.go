// Package messaging defines the transport abstraction shared by the Kafka,
// RabbitMQ and in-memory transports, and the stream consumer loop built on
// top of it.
//
// A Transport hands out one shared TransportPublisher and any number of
// pull-based Subscriptions. StreamConsumer drives a Subscription: it decodes
// each payload, hands the value to a Handler and acknowledges the delivery
// afterwards.
//
// Failure handling in the loop:
//   - Empty payloads are acknowledged and skipped silently
//   - Decode failures are always logged; DecodePolicy decides between
//     skipping the message and stopping the loop
//   - Handler errors are logged and the message is acknowledged
//   - Transport errors are logged and polling resumes after a backoff delay
//
// Example usage:
//
//	sub, err := transport.Subscribe(ctx, "products", "product-view")
//	if err != nil {
//	    return err
//	}
//	loop := messaging.NewStreamConsumer(sub, serialization.DecodeEvent,
//	    func(ctx context.Context, msg messaging.Message, e contracts.ProductEvent) error {
//	        _, err := store.Apply(e)
//	        return err
//	    },
//	    messaging.WithDecodePolicy(messaging.DecodeFailFast),
//	)
//	err = loop.Run(ctx)
package messaging
