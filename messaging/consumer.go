package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/satmesh-go/internal/rabbitmq"
	"github.com/glimte/satmesh-go/internal/reliability"
	"github.com/glimte/satmesh-go/serialization"
)

// Consumer pulls messages from work queues and hands them to a
// MessageHandler one at a time.
type Consumer struct {
	manager     *rabbitmq.ConnectionManager
	provisioner *rabbitmq.Provisioner
	exchange    string
	ackMode     AckMode
	prefetch    int
	redelivery  []reliability.RedeliveryOption
	policy      *reliability.RedeliveryPolicy
	registry    *serialization.Registry
	codec       *serialization.Codec
	logger      *slog.Logger
	metrics     MetricsCollector

	mu        sync.Mutex
	subs      map[*rabbitmq.Subscription]struct{}
	cancelled bool
}

// ConsumerOption configures the Consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithAckMode sets when messages are acknowledged
func WithAckMode(mode AckMode) ConsumerOption {
	return func(c *Consumer) {
		c.ackMode = mode
	}
}

// WithPrefetch sets how many unacknowledged messages the broker may push
func WithPrefetch(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = count
	}
}

// WithMaxRedeliveries bounds how often a failed message is redelivered
// before it is dead-lettered
func WithMaxRedeliveries(n int) ConsumerOption {
	return func(c *Consumer) {
		c.redelivery = append(c.redelivery, reliability.WithMaxRedeliveries(n))
	}
}

// WithConsumerExchange sets the shared direct exchange queues are bound to
func WithConsumerExchange(exchange string) ConsumerOption {
	return func(c *Consumer) {
		c.exchange = exchange
	}
}

// WithRegistry sets the payload registry used to type message bodies
func WithRegistry(registry *serialization.Registry) ConsumerOption {
	return func(c *Consumer) {
		c.registry = registry
	}
}

// WithConsumerCodec sets the envelope codec
func WithConsumerCodec(codec *serialization.Codec) ConsumerOption {
	return func(c *Consumer) {
		c.codec = codec
	}
}

// WithConsumerMetrics sets the metrics collector
func WithConsumerMetrics(metrics MetricsCollector) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = metrics
	}
}

// NewConsumer creates a point-to-point consumer
func NewConsumer(manager *rabbitmq.ConnectionManager, provisioner *rabbitmq.Provisioner, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:     manager,
		provisioner: provisioner,
		exchange:    DefaultExchange,
		ackMode:     AckOnSuccess,
		prefetch:    1,
		registry:    serialization.NewRegistry(),
		codec:       serialization.NewCodec(),
		logger:      slog.Default(),
		metrics:     NoOpMetricsCollector{},
		subs:        make(map[*rabbitmq.Subscription]struct{}),
	}

	for _, opt := range options {
		opt(c)
	}
	c.policy = reliability.NewRedeliveryPolicy(c.redelivery...)

	return c
}

// AckMode returns the acknowledgement mode
func (c *Consumer) AckMode() AckMode {
	return c.ackMode
}

// Consume provisions queue and blocks delivering its messages to handler
// until Cancel, ctx cancellation, or the channel failing. It returns nil
// after Cancel.
func (c *Consumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if queue == "" {
		return ErrEmptyQueue
	}
	if handler == nil {
		return ErrNilHandler
	}
	if c.isCancelled() {
		return ErrCancelled
	}

	if err := c.provisioner.EnsureDestination(ctx, c.exchange, rabbitmq.ExchangeDirect, queue, queue); err != nil {
		return err
	}

	low := rabbitmq.NewConsumer(c.manager,
		rabbitmq.WithPrefetchCount(c.prefetch),
		rabbitmq.WithAutoAck(c.ackMode == AckAuto),
		rabbitmq.WithConsumerLogger(c.logger))

	ch, err := low.Open(ctx)
	if err != nil {
		return err
	}
	sub, err := low.Subscribe(ch, queue)
	if err != nil {
		return err
	}

	if !c.track(sub) {
		sub.Cancel()
	}
	defer c.untrack(sub)

	return sub.Serve(ctx, func(ctx context.Context, d amqp.Delivery) {
		c.handleDelivery(ctx, sub, d, handler)
	})
}

// Cancel stops every running Consume call. A message being handled is
// finished first. Consume calls made after Cancel return ErrCancelled.
func (c *Consumer) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelled = true
	for sub := range c.subs {
		sub.Cancel()
	}
	return nil
}

func (c *Consumer) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *Consumer) track(sub *rabbitmq.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return false
	}
	c.subs[sub] = struct{}{}
	return true
}

func (c *Consumer) untrack(sub *rabbitmq.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
}

func (c *Consumer) handleDelivery(ctx context.Context, sub *rabbitmq.Subscription, d amqp.Delivery, handler MessageHandler) {
	start := time.Now()
	queue := sub.Queue()
	autoAck := c.ackMode == AckAuto

	env, err := c.codec.Decode(d.Body)
	if err != nil {
		c.logger.Error("failed to decode message envelope",
			"queue", queue,
			"correlationId", d.CorrelationId,
			"error", err)
		if !autoAck {
			c.rejectMessage(d, queue)
		}
		c.metrics.RecordMessage(queue, time.Since(start), OutcomeRejected)
		return
	}

	payload, err := c.registry.DecodeEnvelope(queue, env)
	if err != nil {
		c.logger.Error("failed to decode message body",
			"queue", queue,
			"correlationId", env.CorrelationID(),
			"error", err)
		if !autoAck {
			c.rejectMessage(d, queue)
		}
		c.metrics.RecordMessage(queue, time.Since(start), OutcomeRejected)
		return
	}

	msg := &Message{
		Envelope:    env,
		Payload:     payload,
		Queue:       queue,
		Redelivered: d.Redelivered,
		RetryCount:  reliability.RetryCount(d.Headers),
	}

	err = invokeSafely(func() error {
		return handler.Handle(ctx, msg)
	})

	if autoAck {
		outcome := OutcomeHandled
		if err != nil {
			outcome = OutcomeFailed
			c.logger.Error("handler failed, message is lost",
				"queue", queue,
				"correlationId", env.CorrelationID(),
				"error", err)
		}
		c.metrics.RecordMessage(queue, time.Since(start), outcome)
		return
	}

	if err == nil {
		c.ackMessage(d, queue)
		c.metrics.RecordMessage(queue, time.Since(start), OutcomeAcked)
		return
	}

	c.logger.Warn("handler failed",
		"queue", queue,
		"correlationId", env.CorrelationID(),
		"retryCount", msg.RetryCount,
		"error", err)

	outcome := c.retryOrDeadLetter(ctx, sub, d, err)
	c.metrics.RecordMessage(queue, time.Since(start), outcome)
}

// retryOrDeadLetter republishes a failed message with an incremented retry
// count, or rejects it once the policy gives up so the broker dead-letters it.
func (c *Consumer) retryOrDeadLetter(ctx context.Context, sub *rabbitmq.Subscription, d amqp.Delivery, cause error) Outcome {
	queue := sub.Queue()

	decision := c.policy.Decide(d.Headers)
	if reliability.IsPermanent(cause) {
		decision = reliability.DeadLetter
	}

	if decision == reliability.DeadLetter {
		c.logger.Error("dead-lettering message",
			"queue", queue,
			"correlationId", d.CorrelationId,
			"retryCount", reliability.RetryCount(d.Headers),
			"error", cause)
		if err := d.Nack(false, false); err != nil {
			c.logger.Error("failed to nack message",
				"queue", queue,
				"correlationId", d.CorrelationId,
				"error", err)
		}
		return OutcomeDeadLettered
	}

	retry := amqp.Publishing{
		Headers:       c.policy.NextHeaders(d.Headers, queue, cause),
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.CorrelationId,
		MessageId:     uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		Body:          d.Body,
	}

	// Through the default exchange so only this queue sees the retry.
	if err := sub.Channel().PublishWithContext(context.WithoutCancel(ctx), "", queue, false, false, retry); err != nil {
		c.logger.Error("failed to republish message, requeueing",
			"queue", queue,
			"correlationId", d.CorrelationId,
			"error", err)
		if err := d.Nack(false, true); err != nil {
			c.logger.Error("failed to nack message",
				"queue", queue,
				"correlationId", d.CorrelationId,
				"error", err)
		}
		return OutcomeRedelivered
	}

	c.ackMessage(d, queue)
	return OutcomeRedelivered
}

func (c *Consumer) ackMessage(d amqp.Delivery, queue string) {
	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to acknowledge message",
			"queue", queue,
			"correlationId", d.CorrelationId,
			"error", err)
	}
}

func (c *Consumer) rejectMessage(d amqp.Delivery, queue string) {
	if err := d.Reject(false); err != nil {
		c.logger.Error("failed to reject message",
			"queue", queue,
			"correlationId", d.CorrelationId,
			"error", err)
	}
}
