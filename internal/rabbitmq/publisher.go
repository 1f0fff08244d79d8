package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages on pooled channels and, by default, waits
// for the broker's confirmation.
type Publisher struct {
	pool           *ChannelPool
	confirm        bool
	confirmTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetries sets how many times a failed publish is repeated.
// The default is zero; retry is normally the caller's decision.
func WithPublishRetries(retries int, delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
		p.retryDelay = delay
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithConfirmMode enables or disables publisher confirms
func WithConfirmMode(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirm:        true,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to exchange with routingKey. With confirms enabled it
// returns once the broker has taken responsibility for the message. Publishing
// to an exchange that does not exist fails with ErrDestinationNotFound.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.retryDelay * time.Duration(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return p.newError(exchange, routingKey, ctx.Err())
			}
		}

		err := p.publishOnce(ctx, exchange, routingKey, msg)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) || errors.Is(err, ErrDestinationNotFound) {
			break
		}
		if attempt < p.maxRetries {
			p.logger.Warn("publish failed, retrying",
				"exchange", exchange,
				"routingKey", routingKey,
				"attempt", attempt+1,
				"error", err)
		}
	}

	return lastErr
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return p.newError(exchange, routingKey, err)
	}

	if p.confirm {
		if err := ch.enableConfirms(); err != nil {
			p.pool.Discard(ch)
			return p.newError(exchange, routingKey, fmt.Errorf("enable confirms: %w", classifyAMQPError(err)))
		}
	}

	seq, err := ch.publish(ctx, exchange, routingKey, msg)
	if err != nil {
		p.pool.Discard(ch)
		return p.newError(exchange, routingKey, classifyAMQPError(err))
	}

	if !p.confirm {
		p.pool.Put(ch)
		return nil
	}

	if err := ch.waitConfirm(ctx, seq, p.confirmTimeout); err != nil {
		p.pool.Discard(ch)
		return p.newError(exchange, routingKey, err)
	}

	p.pool.Put(ch)
	return nil
}

func (p *Publisher) newError(exchange, routingKey string, err error) *PublishError {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
