package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/satmesh-go/internal/rabbitmq"
	"github.com/glimte/satmesh-go/serialization"
	"github.com/glimte/satmesh-go/topics"
)

// TopicHandlerFunc receives the decoded body of one topic delivery. The
// routing key and envelope are available through RoutingKeyFromContext and
// EnvelopeFromContext.
type TopicHandlerFunc func(ctx context.Context, body json.RawMessage) error

type topicRoute struct {
	pattern string // empty matches every delivery
	fn      TopicHandlerFunc
}

// TopicConsumer binds routing-key patterns to one queue and dispatches each
// delivery to the registered callbacks.
//
// By default the queue is server-named, exclusive and auto-deleted, so every
// TopicConsumer sees every matching message. WithTopicQueue makes consumers
// sharing the name compete for messages instead.
type TopicConsumer struct {
	manager     *rabbitmq.ConnectionManager
	provisioner *rabbitmq.Provisioner
	exchange    string
	queueName   string
	prefetch    int
	codec       *serialization.Codec
	logger      *slog.Logger
	metrics     MetricsCollector

	mu        sync.Mutex
	patterns  []string
	routes    []topicRoute
	sub       *rabbitmq.Subscription
	queue     string
	consuming bool
	cancelled bool
	ready     chan struct{}
	readyOnce sync.Once
}

// TopicConsumerOption configures the TopicConsumer
type TopicConsumerOption func(*TopicConsumer)

// WithTopicConsumerLogger sets the logger
func WithTopicConsumerLogger(logger *slog.Logger) TopicConsumerOption {
	return func(c *TopicConsumer) {
		c.logger = logger
	}
}

// WithTopicConsumerExchange sets the shared topic exchange
func WithTopicConsumerExchange(exchange string) TopicConsumerOption {
	return func(c *TopicConsumer) {
		c.exchange = exchange
	}
}

// WithTopicQueue consumes from a durable named queue
func WithTopicQueue(name string) TopicConsumerOption {
	return func(c *TopicConsumer) {
		c.queueName = name
	}
}

// WithTopicPrefetch sets the prefetch count
func WithTopicPrefetch(count int) TopicConsumerOption {
	return func(c *TopicConsumer) {
		c.prefetch = count
	}
}

// WithTopicConsumerCodec sets the envelope codec
func WithTopicConsumerCodec(codec *serialization.Codec) TopicConsumerOption {
	return func(c *TopicConsumer) {
		c.codec = codec
	}
}

// WithTopicConsumerMetrics sets the metrics collector
func WithTopicConsumerMetrics(metrics MetricsCollector) TopicConsumerOption {
	return func(c *TopicConsumer) {
		c.metrics = metrics
	}
}

// NewTopicConsumer creates a topic consumer
func NewTopicConsumer(manager *rabbitmq.ConnectionManager, provisioner *rabbitmq.Provisioner, options ...TopicConsumerOption) *TopicConsumer {
	c := &TopicConsumer{
		manager:     manager,
		provisioner: provisioner,
		exchange:    DefaultTopicExchange,
		prefetch:    1,
		codec:       serialization.NewCodec(),
		logger:      slog.Default(),
		metrics:     NoOpMetricsCollector{},
		ready:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Bind adds a routing-key pattern to the queue. Call before Consume.
func (c *TopicConsumer) Bind(pattern string) error {
	if err := topics.ValidatePattern(pattern); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consuming {
		return ErrAlreadyConsuming
	}
	if !slices.Contains(c.patterns, pattern) {
		c.patterns = append(c.patterns, pattern)
	}
	return nil
}

// RegisterCallback adds a callback invoked for every delivery.
func (c *TopicConsumer) RegisterCallback(fn TopicHandlerFunc) error {
	return c.addRoute("", fn)
}

// Handle binds pattern and adds a callback invoked only for deliveries whose
// routing key matches it.
func (c *TopicConsumer) Handle(pattern string, fn TopicHandlerFunc) error {
	if fn == nil {
		return ErrNilHandler
	}
	if err := c.Bind(pattern); err != nil {
		return err
	}
	return c.addRoute(pattern, fn)
}

func (c *TopicConsumer) addRoute(pattern string, fn TopicHandlerFunc) error {
	if fn == nil {
		return ErrNilHandler
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consuming {
		return ErrAlreadyConsuming
	}
	c.routes = append(c.routes, topicRoute{pattern: pattern, fn: fn})
	return nil
}

// Queue returns the queue being consumed, empty until Ready is closed.
func (c *TopicConsumer) Queue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// Ready is closed once the queue is bound and the broker consumer is live.
func (c *TopicConsumer) Ready() <-chan struct{} {
	return c.ready
}

// Consume declares the exchange, queue and bindings and blocks dispatching
// deliveries until Cancel or ctx cancellation.
func (c *TopicConsumer) Consume(ctx context.Context) error {
	patterns, err := c.start()
	if err != nil {
		return err
	}
	defer c.finish()

	if err := c.provisioner.DeclareExchange(ctx, c.exchange, rabbitmq.ExchangeTopic); err != nil {
		return err
	}

	low := rabbitmq.NewConsumer(c.manager,
		rabbitmq.WithPrefetchCount(c.prefetch),
		rabbitmq.WithConsumerTag("satmesh-topic"),
		rabbitmq.WithConsumerLogger(c.logger))

	ch, err := low.Open(ctx)
	if err != nil {
		return err
	}

	queue, err := c.declareQueue(ctx, ch, patterns)
	if err != nil {
		_ = ch.Close()
		return err
	}

	sub, err := low.Subscribe(ch, queue)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sub = sub
	c.queue = queue
	if c.cancelled {
		sub.Cancel()
	}
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })

	c.logger.Info("consuming topic messages",
		"exchange", c.exchange,
		"queue", queue,
		"patterns", patterns)

	return sub.Serve(ctx, func(ctx context.Context, d amqp.Delivery) {
		c.dispatch(ctx, queue, d)
	})
}

// Cancel stops Consume. A delivery being dispatched is finished first.
func (c *TopicConsumer) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelled = true
	if c.sub != nil {
		c.sub.Cancel()
	}
	return nil
}

func (c *TopicConsumer) start() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.cancelled:
		return nil, ErrCancelled
	case c.consuming:
		return nil, ErrAlreadyConsuming
	case len(c.patterns) == 0:
		return nil, ErrNoBindings
	case len(c.routes) == 0:
		return nil, ErrNoCallback
	}
	c.consuming = true
	return slices.Clone(c.patterns), nil
}

func (c *TopicConsumer) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sub = nil
	c.consuming = false
}

func (c *TopicConsumer) declareQueue(ctx context.Context, ch rabbitmq.Channel, patterns []string) (string, error) {
	if c.queueName != "" {
		if err := c.provisioner.DeclareQueue(ctx, c.queueName); err != nil {
			return "", err
		}
		for _, pattern := range patterns {
			if err := c.provisioner.BindQueue(ctx, c.exchange, c.queueName, pattern); err != nil {
				return "", err
			}
		}
		return c.queueName, nil
	}

	queue, err := c.provisioner.DeclarePrivateQueue(ch, rabbitmq.QueueDeclaration{
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return "", err
	}
	for _, pattern := range patterns {
		if err := c.provisioner.BindPrivateQueue(ch, c.exchange, queue, pattern); err != nil {
			return "", err
		}
	}
	return queue, nil
}

func (c *TopicConsumer) dispatch(ctx context.Context, queue string, d amqp.Delivery) {
	start := time.Now()

	env, err := c.codec.Decode(d.Body)
	if err != nil {
		c.logger.Error("failed to decode topic message",
			"queue", queue,
			"routingKey", d.RoutingKey,
			"correlationId", d.CorrelationId,
			"error", err)
		if err := d.Reject(false); err != nil {
			c.logger.Error("failed to reject message", "queue", queue, "error", err)
		}
		c.metrics.RecordMessage(d.RoutingKey, time.Since(start), OutcomeRejected)
		return
	}

	c.mu.Lock()
	routes := slices.Clone(c.routes)
	c.mu.Unlock()

	dctx := withDelivery(ctx, d.RoutingKey, env)
	outcome := OutcomeHandled
	for _, route := range routes {
		if route.pattern != "" && !topics.Match(route.pattern, d.RoutingKey) {
			continue
		}
		if err := invokeSafely(func() error { return route.fn(dctx, env.Body()) }); err != nil {
			outcome = OutcomeFailed
			c.logger.Error("topic callback failed",
				"queue", queue,
				"routingKey", d.RoutingKey,
				"correlationId", env.CorrelationID(),
				"error", err)
		}
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to acknowledge message",
			"queue", queue,
			"routingKey", d.RoutingKey,
			"error", err)
	}
	c.metrics.RecordMessage(d.RoutingKey, time.Since(start), outcome)
}
