package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/satmesh-go/contracts"
	"github.com/glimte/satmesh-go/internal/rabbitmq"
	"github.com/glimte/satmesh-go/serialization"
	"github.com/glimte/satmesh-go/topics"
)

// TopicPublisher emits envelopes to routing keys on the shared topic
// exchange.
type TopicPublisher struct {
	publisher   *rabbitmq.Publisher
	provisioner *rabbitmq.Provisioner
	codec       *serialization.Codec
	exchange    string
	logger      *slog.Logger
	metrics     MetricsCollector

	mu       sync.Mutex
	declared bool
}

// TopicPublisherOption configures the TopicPublisher
type TopicPublisherOption func(*TopicPublisher)

// WithTopicPublisherLogger sets the logger
func WithTopicPublisherLogger(logger *slog.Logger) TopicPublisherOption {
	return func(p *TopicPublisher) {
		p.logger = logger
	}
}

// WithTopicExchange sets the shared topic exchange
func WithTopicExchange(exchange string) TopicPublisherOption {
	return func(p *TopicPublisher) {
		p.exchange = exchange
	}
}

// WithTopicPublisherCodec sets the envelope codec
func WithTopicPublisherCodec(codec *serialization.Codec) TopicPublisherOption {
	return func(p *TopicPublisher) {
		p.codec = codec
	}
}

// WithTopicPublisherMetrics sets the metrics collector
func WithTopicPublisherMetrics(metrics MetricsCollector) TopicPublisherOption {
	return func(p *TopicPublisher) {
		p.metrics = metrics
	}
}

// NewTopicPublisher creates a topic publisher
func NewTopicPublisher(publisher *rabbitmq.Publisher, provisioner *rabbitmq.Provisioner, options ...TopicPublisherOption) *TopicPublisher {
	p := &TopicPublisher{
		publisher:   publisher,
		provisioner: provisioner,
		codec:       serialization.NewCodec(),
		exchange:    DefaultTopicExchange,
		logger:      slog.Default(),
		metrics:     NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Exchange returns the shared topic exchange name.
func (p *TopicPublisher) Exchange() string {
	return p.exchange
}

// Publish emits body under routingKey. An existing *contracts.Envelope is
// sent as-is so its correlation id survives relaying.
func (p *TopicPublisher) Publish(ctx context.Context, routingKey string, body any, opts ...contracts.EnvelopeOption) error {
	if err := topics.ValidateRoutingKey(routingKey); err != nil {
		return err
	}

	start := time.Now()
	env, data, err := p.codec.Marshal(body, opts...)
	if err != nil {
		return err
	}

	if err := p.ensureExchange(ctx); err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Transient,
		CorrelationId: env.CorrelationID(),
		MessageId:     uuid.New().String(),
		Timestamp:     start.UTC(),
		Body:          data,
	}

	err = p.publisher.Publish(ctx, p.exchange, routingKey, msg)
	p.metrics.RecordPublish(routingKey, time.Since(start), err == nil)
	if err != nil {
		p.logger.Error("failed to publish topic message",
			"exchange", p.exchange,
			"routingKey", routingKey,
			"correlationId", env.CorrelationID(),
			"error", err)
		return err
	}

	p.logger.Debug("published topic message",
		"exchange", p.exchange,
		"routingKey", routingKey,
		"correlationId", env.CorrelationID())
	return nil
}

func (p *TopicPublisher) ensureExchange(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.declared {
		return nil
	}
	if err := p.provisioner.DeclareExchange(ctx, p.exchange, rabbitmq.ExchangeTopic); err != nil {
		return err
	}
	p.declared = true
	return nil
}
