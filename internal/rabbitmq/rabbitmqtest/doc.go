// Package rabbitmqtest provides an in-memory broker implementing the
// rabbitmq.Connection and rabbitmq.Channel interfaces.
//
// It models the parts of AMQP 0-9-1 the fabric relies on: the default,
// direct and topic exchanges, durable and exclusive queues, server-named
// queues, prefetch, manual and automatic acknowledgement, requeue with the
// redelivered flag, dead-lettering through x-dead-letter-exchange, publisher
// confirms, and channel-closing errors (404, 405, 406).
//
//	broker := rabbitmqtest.NewBroker()
//	manager := rabbitmq.NewConnectionManager("amqp://test", rabbitmq.WithDialer(broker.Dial))
package rabbitmqtest
