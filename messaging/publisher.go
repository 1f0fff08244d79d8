package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/satmesh-go/contracts"
	"github.com/glimte/satmesh-go/internal/rabbitmq"
	"github.com/glimte/satmesh-go/serialization"
)

const contentTypeJSON = "application/json"

// Publisher sends envelopes to named queues through the shared direct
// exchange. Queues are provisioned on first use.
type Publisher struct {
	publisher   *rabbitmq.Publisher
	provisioner *rabbitmq.Provisioner
	codec       *serialization.Codec
	exchange    string
	logger      *slog.Logger
	metrics     MetricsCollector
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithExchange sets the shared direct exchange
func WithExchange(exchange string) PublisherOption {
	return func(p *Publisher) {
		p.exchange = exchange
	}
}

// WithPublisherCodec sets the envelope codec
func WithPublisherCodec(codec *serialization.Codec) PublisherOption {
	return func(p *Publisher) {
		p.codec = codec
	}
}

// WithPublisherMetrics sets the metrics collector
func WithPublisherMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *Publisher) {
		p.metrics = metrics
	}
}

// NewPublisher creates a point-to-point publisher
func NewPublisher(publisher *rabbitmq.Publisher, provisioner *rabbitmq.Provisioner, options ...PublisherOption) *Publisher {
	p := &Publisher{
		publisher:   publisher,
		provisioner: provisioner,
		codec:       serialization.NewCodec(),
		exchange:    DefaultExchange,
		logger:      slog.Default(),
		metrics:     NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Exchange returns the shared direct exchange name.
func (p *Publisher) Exchange() string {
	return p.exchange
}

// Publish persists env on queue and returns once the broker confirmed it.
// It does not wait for any consumer.
func (p *Publisher) Publish(ctx context.Context, queue string, env *contracts.Envelope) (DeliveryResult, error) {
	if queue == "" {
		return DeliveryResult{}, ErrEmptyQueue
	}

	start := time.Now()
	data, err := p.codec.Encode(env)
	if err != nil {
		return DeliveryResult{}, err
	}

	if err := p.provisioner.EnsureDestination(ctx, p.exchange, rabbitmq.ExchangeDirect, queue, queue); err != nil {
		return DeliveryResult{}, err
	}

	msg := amqp.Publishing{
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.CorrelationID(),
		MessageId:     uuid.New().String(),
		Timestamp:     start.UTC(),
		Body:          data,
	}

	err = p.publisher.Publish(ctx, p.exchange, queue, msg)
	p.metrics.RecordPublish(queue, time.Since(start), err == nil)
	if err != nil {
		p.logger.Error("failed to publish message",
			"exchange", p.exchange,
			"queue", queue,
			"correlationId", env.CorrelationID(),
			"error", err)
		return DeliveryResult{}, err
	}

	p.logger.Debug("published message",
		"exchange", p.exchange,
		"queue", queue,
		"correlationId", env.CorrelationID())

	return DeliveryResult{
		Exchange:      p.exchange,
		Queue:         queue,
		CorrelationID: env.CorrelationID(),
		PublishedAt:   start,
	}, nil
}

// Send wraps body in a new envelope and publishes it.
func (p *Publisher) Send(ctx context.Context, queue string, body any, opts ...contracts.EnvelopeOption) (DeliveryResult, error) {
	env, err := p.codec.Wrap(body, opts...)
	if err != nil {
		return DeliveryResult{}, err
	}
	return p.Publish(ctx, queue, env)
}
