// Package topics implements AMQP topic-exchange routing-key matching.
//
// Routing keys are dot-separated segments such as "satellite.state.42".
// Binding patterns may use two wildcards, each standing for whole segments:
//
//   - '*' matches exactly one segment
//   - '#' matches zero or more segments
//
// The semantics follow RabbitMQ's topic exchange, so a pattern that matches
// locally is exactly the set of messages the broker routes to the binding.
// In particular consecutive '#' segments collapse into one: "#.#.cancelled"
// behaves like "#.cancelled" and also matches the bare key "cancelled".
package topics
