// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package satmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/satmesh-go/config"
	"github.com/glimte/satmesh-go/health"
	"github.com/glimte/satmesh-go/internal/rabbitmq"
	"github.com/glimte/satmesh-go/internal/reliability"
	"github.com/glimte/satmesh-go/messaging"
	"github.com/glimte/satmesh-go/viewer"
)

// Client wires one process's view of the messaging fabric: the connection
// manager, the publisher pool, the topology provisioner and the publishers
// built on them. Consumers are created per queue from the client.
type Client struct {
	manager        *rabbitmq.ConnectionManager
	pool           *rabbitmq.ChannelPool
	provisioner    *rabbitmq.Provisioner
	publisher      *messaging.Publisher
	topicPublisher *messaging.TopicPublisher

	exchange      string
	topicExchange string
	retry         reliability.RetryPolicy
	metrics       messaging.MetricsCollector
	logger        *slog.Logger
}

// NewClient creates a client for the broker at url. Nothing is dialed until
// Connect or the first publish or consume.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:        slog.Default(),
		exchange:      messaging.DefaultExchange,
		topicExchange: messaging.DefaultTopicExchange,
		publisherMode: rabbitmq.ModeBlocking,
		metrics:       &messaging.NoOpMetricsCollector{},
		retry:         reliability.NewExponentialBackoff(500*time.Millisecond, 10*time.Second, 2.0, 4),
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}
	if cfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	if cfg.connectionName != "" {
		connOpts = append(connOpts, rabbitmq.WithConnectionName(cfg.connectionName))
	}
	if cfg.heartbeat > 0 {
		connOpts = append(connOpts, rabbitmq.WithHeartbeat(cfg.heartbeat))
	}
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if listener, ok := cfg.metrics.(rabbitmq.ConnectionStateListener); ok {
		manager.AddStateListener(listener)
	}

	pool, err := rabbitmq.NewChannelPool(manager,
		rabbitmq.WithPoolMode(cfg.publisherMode),
		rabbitmq.WithChannelLogger(cfg.logger))
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	provOpts := []rabbitmq.ProvisionerOption{rabbitmq.WithProvisionerLogger(cfg.logger)}
	if cfg.deadLetterExchange != "" {
		provOpts = append(provOpts, rabbitmq.WithDeadLetterExchange(cfg.deadLetterExchange))
	}
	provisioner := rabbitmq.NewProvisioner(pool, provOpts...)
	raw := rabbitmq.NewPublisher(pool, rabbitmq.WithPublisherLogger(cfg.logger))

	return &Client{
		manager:     manager,
		pool:        pool,
		provisioner: provisioner,
		publisher: messaging.NewPublisher(raw, provisioner,
			messaging.WithExchange(cfg.exchange),
			messaging.WithPublisherLogger(cfg.logger),
			messaging.WithPublisherMetrics(cfg.metrics)),
		topicPublisher: messaging.NewTopicPublisher(raw, provisioner,
			messaging.WithTopicExchange(cfg.topicExchange),
			messaging.WithTopicPublisherLogger(cfg.logger),
			messaging.WithTopicPublisherMetrics(cfg.metrics)),
		exchange:      cfg.exchange,
		topicExchange: cfg.topicExchange,
		retry:         cfg.retry,
		metrics:       cfg.metrics,
		logger:        cfg.logger,
	}, nil
}

// NewClientFromConfig creates a client from loaded configuration. Options
// are applied after the configured values.
func NewClientFromConfig(cfg *config.Config, options ...ClientOption) (*Client, error) {
	opts := []ClientOption{
		WithExchange(cfg.Exchanges.Direct),
		WithTopicExchange(cfg.Exchanges.Topic),
		WithDeadLetterExchange(cfg.Exchanges.DeadLetter),
		WithPublisherMode(cfg.PublisherMode()),
		WithConnectionName(cfg.Broker.ConnectionName),
		WithHeartbeat(cfg.Broker.Heartbeat),
		WithDialRetry(reliability.NewExponentialBackoff(cfg.Broker.DialBackoff, 30*time.Second, 2.0, cfg.Broker.DialAttempts-1)),
	}
	return NewClient(cfg.AMQPURL(), append(opts, options...)...)
}

// Connect dials both connection modes, retrying transient failures with the
// dial retry policy. Credential and configuration errors fail immediately.
func (c *Client) Connect(ctx context.Context) error {
	for _, mode := range []rabbitmq.Mode{rabbitmq.ModeBlocking, rabbitmq.ModeNonBlocking} {
		err := reliability.Retry(ctx, c.retry, func() error {
			_, err := c.manager.GetConnection(ctx, mode)
			if err != nil && !rabbitmq.IsRetryable(err) {
				return reliability.RetryableError{Err: err, Retryable: false}
			}
			return err
		})
		if err != nil {
			var wrapped reliability.RetryableError
			if errors.As(err, &wrapped) {
				err = wrapped.Err
			}
			return fmt.Errorf("failed to connect %s: %w", mode, err)
		}
	}
	return nil
}

// Provision declares a whole topology.
func (c *Client) Provision(ctx context.Context, topology rabbitmq.Topology) error {
	return c.provisioner.Apply(ctx, topology)
}

// Publisher returns the point-to-point publisher.
func (c *Client) Publisher() *messaging.Publisher {
	return c.publisher
}

// TopicPublisher returns the topic publisher.
func (c *Client) TopicPublisher() *messaging.TopicPublisher {
	return c.topicPublisher
}

// NewConsumer creates a point-to-point consumer on the client's exchange.
func (c *Client) NewConsumer(options ...messaging.ConsumerOption) *messaging.Consumer {
	opts := []messaging.ConsumerOption{
		messaging.WithConsumerExchange(c.exchange),
		messaging.WithConsumerLogger(c.logger),
		messaging.WithConsumerMetrics(c.metrics),
	}
	return messaging.NewConsumer(c.manager, c.provisioner, append(opts, options...)...)
}

// NewTopicConsumer creates a topic consumer on the client's topic exchange.
func (c *Client) NewTopicConsumer(options ...messaging.TopicConsumerOption) *messaging.TopicConsumer {
	opts := []messaging.TopicConsumerOption{
		messaging.WithTopicConsumerExchange(c.topicExchange),
		messaging.WithTopicConsumerLogger(c.logger),
		messaging.WithTopicConsumerMetrics(c.metrics),
	}
	return messaging.NewTopicConsumer(c.manager, c.provisioner, append(opts, options...)...)
}

// NewStateSource creates the live-state source used by viewer sessions.
func (c *Client) NewStateSource(options ...viewer.TopicStateSourceOption) *viewer.TopicStateSource {
	opts := []viewer.TopicStateSourceOption{
		viewer.WithSourceExchange(c.topicExchange),
		viewer.WithSourceLogger(c.logger),
		viewer.WithSourceMetrics(c.metrics),
	}
	return viewer.NewTopicStateSource(c.manager, c.provisioner, append(opts, options...)...)
}

// NewListenerTracker creates a tracker of watched satellites.
func (c *Client) NewListenerTracker(options ...viewer.TrackerOption) (*viewer.ListenerTracker, error) {
	opts := []viewer.TrackerOption{
		viewer.WithTrackerExchange(c.topicExchange),
		viewer.WithTrackerLogger(c.logger),
		viewer.WithTrackerMetrics(c.metrics),
	}
	return viewer.NewListenerTracker(c.manager, c.provisioner, append(opts, options...)...)
}

// RegisterHealth adds the client's connection and pool checkers to registry.
func (c *Client) RegisterHealth(registry *health.Registry) {
	registry.Register(health.NewConnectionChecker(c.manager, rabbitmq.ModeBlocking))
	registry.Register(health.NewConnectionChecker(c.manager, rabbitmq.ModeNonBlocking))
	registry.Register(health.NewChannelPoolChecker(c.pool))
}

// Close closes the pool and both connections. Running consumers see their
// channels close.
func (c *Client) Close() error {
	return errors.Join(c.pool.Close(), c.manager.Close())
}

// clientConfig holds client configuration
type clientConfig struct {
	logger             *slog.Logger
	exchange           string
	topicExchange      string
	deadLetterExchange string
	publisherMode      rabbitmq.Mode
	connectionName     string
	heartbeat          time.Duration
	dialer             rabbitmq.Dialer
	retry              reliability.RetryPolicy
	metrics            messaging.MetricsCollector
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithExchange sets the shared point-to-point exchange
func WithExchange(name string) ClientOption {
	return func(cfg *clientConfig) {
		if name != "" {
			cfg.exchange = name
		}
	}
}

// WithTopicExchange sets the shared topic exchange
func WithTopicExchange(name string) ClientOption {
	return func(cfg *clientConfig) {
		if name != "" {
			cfg.topicExchange = name
		}
	}
}

// WithDeadLetterExchange gives every declared queue a "<queue>.dlq" companion
func WithDeadLetterExchange(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.deadLetterExchange = name
	}
}

// WithPublisherMode selects the connection publishers use
func WithPublisherMode(mode rabbitmq.Mode) ClientOption {
	return func(cfg *clientConfig) {
		cfg.publisherMode = mode
	}
}

// WithConnectionName labels the connections in the broker UI
func WithConnectionName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionName = name
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.heartbeat = interval
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithDialRetry sets the retry policy used by Connect
func WithDialRetry(policy reliability.RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retry = policy
	}
}

// WithMetrics sets the metrics collector for every component. A collector
// that also implements rabbitmq.ConnectionStateListener is told about
// connection changes.
func WithMetrics(collector messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}
