package messaging

import (
	"context"
	"time"
)

// Shared exchange names used when none is configured.
const (
	DefaultExchange      = "satmesh.direct"
	DefaultTopicExchange = "satmesh.topic"
)

// MessageHandler handles point-to-point messages
type MessageHandler interface {
	Handle(ctx context.Context, msg *Message) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg *Message) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Outcome labels what happened to a consumed message.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeRedelivered  Outcome = "redelivered"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeRejected     Outcome = "rejected"
	OutcomeHandled      Outcome = "handled"
	OutcomeFailed       Outcome = "failed"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RecordPublish records one publish to a queue or routing key
	RecordPublish(destination string, duration time.Duration, success bool)

	// RecordMessage records one consumed message
	RecordMessage(destination string, duration time.Duration, outcome Outcome)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(destination string, duration time.Duration, success bool) {}

// RecordMessage does nothing
func (NoOpMetricsCollector) RecordMessage(destination string, duration time.Duration, outcome Outcome) {
}
