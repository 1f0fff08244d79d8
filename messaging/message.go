package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/satmesh-go/contracts"
)

// Message is a decoded point-to-point delivery.
type Message struct {
	Envelope    *contracts.Envelope
	Payload     any // registry-typed body, serialization.RawPayload when unregistered
	Queue       string
	Redelivered bool
	RetryCount  int
}

// CorrelationID returns the envelope's correlation id.
func (m *Message) CorrelationID() string {
	return m.Envelope.CorrelationID()
}

// Decode unmarshals the body into v.
func (m *Message) Decode(v any) error {
	return m.Envelope.DecodeBody(v)
}

// DeliveryResult describes a confirmed point-to-point publish.
type DeliveryResult struct {
	Exchange      string
	Queue         string
	CorrelationID string
	PublishedAt   time.Time
}

// AckMode selects when a consumed message is acknowledged.
type AckMode int

const (
	// AckOnSuccess acknowledges after the handler returns nil. Failed messages
	// are redelivered and eventually dead-lettered.
	AckOnSuccess AckMode = iota
	// AckAuto lets the broker consider a message handled as soon as it is
	// sent. A crash mid-handler loses the message.
	AckAuto
)

func (m AckMode) String() string {
	switch m {
	case AckOnSuccess:
		return "on-success"
	case AckAuto:
		return "auto"
	default:
		return fmt.Sprintf("ackmode(%d)", int(m))
	}
}

type contextKey int

const (
	routingKeyKey contextKey = iota
	envelopeKey
)

// RoutingKeyFromContext returns the routing key of the delivery being
// dispatched, or "" outside a topic callback.
func RoutingKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(routingKeyKey).(string)
	return key
}

// EnvelopeFromContext returns the envelope of the delivery being dispatched.
func EnvelopeFromContext(ctx context.Context) *contracts.Envelope {
	env, _ := ctx.Value(envelopeKey).(*contracts.Envelope)
	return env
}

func withDelivery(ctx context.Context, routingKey string, env *contracts.Envelope) context.Context {
	ctx = context.WithValue(ctx, routingKeyKey, routingKey)
	return context.WithValue(ctx, envelopeKey, env)
}

// invokeSafely turns a handler panic into an error.
func invokeSafely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn()
}
