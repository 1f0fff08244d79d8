// Package messaging provides the two messaging patterns of the fabric.
//
// Point-to-point (work queue):
//   - Publisher: sends one envelope to a named queue through the shared direct
//     exchange, persistently and with publisher confirms
//   - Consumer: pulls one message at a time from a queue and acknowledges it
//     after the handler succeeds, redelivering a bounded number of times and
//     dead-lettering afterwards
//
// Topic (publish/subscribe):
//   - TopicPublisher: emits to a dot-segmented routing key on the shared topic
//     exchange
//   - TopicConsumer: binds wildcard patterns and dispatches each delivery to the
//     registered callbacks
//
// Example usage:
//
//	publisher := messaging.NewPublisher(rabbitPublisher, provisioner)
//	env, _ := contracts.NewEnvelope(order, contracts.WithRequestOwner("server"))
//	result, err := publisher.Publish(ctx, "IMAGE_MANAGEMENT", env)
//
//	consumer := messaging.NewConsumer(manager, provisioner)
//	err = consumer.Consume(ctx, "IMAGE_MANAGEMENT", messaging.MessageHandlerFunc(
//		func(ctx context.Context, msg *messaging.Message) error {
//			var order ImageOrder
//			return msg.Decode(&order)
//		}))
package messaging
