package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. Acknowledgement is the handler's
// job unless the subscription uses auto-ack.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer opens dedicated consumer channels on the non-blocking connection.
type Consumer struct {
	manager       *ConnectionManager
	mode          Mode
	prefetchCount int
	autoAck       bool
	exclusive     bool
	tagPrefix     string
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck makes the broker treat deliveries as acknowledged on send
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the prefix of generated consumer tags
func WithConsumerTag(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerMode selects the connection consumer channels are opened on
func WithConsumerMode(mode Mode) ConsumerOption {
	return func(c *Consumer) {
		c.mode = mode
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer with prefetch 1 on the non-blocking connection
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		mode:          ModeNonBlocking,
		prefetchCount: 1,
		tagPrefix:     "satmesh",
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// AutoAck reports whether subscriptions use broker auto-ack.
func (c *Consumer) AutoAck() bool {
	return c.autoAck
}

// Open opens a fresh channel with QoS applied. The caller owns it.
func (c *Consumer) Open(ctx context.Context) (Channel, error) {
	ch, err := c.manager.Channel(ctx, c.mode)
	if err != nil {
		return nil, err
	}

	if !c.autoAck && c.prefetchCount > 0 {
		if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{
				Op:        "set qos",
				ChannelID: c.mode.String(),
				Err:       classifyAMQPError(err),
				Timestamp: time.Now(),
			}
		}
	}
	return ch, nil
}

// Subscribe starts a broker consumer on queue using ch, which the
// subscription takes over and closes when it ends.
func (c *Consumer) Subscribe(ch Channel, queue string) (*Subscription, error) {
	tag := fmt.Sprintf("%s-%s", c.tagPrefix, uuid.New().String())
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))

	deliveries, err := ch.Consume(queue, tag, c.autoAck, c.exclusive, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         classifyAMQPError(err),
			Timestamp:   time.Now(),
		}
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
		"autoAck", c.autoAck)

	return &Subscription{
		queue:      queue,
		tag:        tag,
		ch:         ch,
		deliveries: deliveries,
		closes:     closes,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     c.logger,
	}, nil
}

// Subscription is one broker consumer on its own channel.
type Subscription struct {
	queue      string
	tag        string
	ch         Channel
	deliveries <-chan amqp.Delivery
	closes     chan *amqp.Error
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	logger     *slog.Logger
}

// Queue returns the consumed queue name
func (s *Subscription) Queue() string {
	return s.queue
}

// Tag returns the consumer tag
func (s *Subscription) Tag() string {
	return s.tag
}

// Channel returns the subscription's channel. It must only be used from
// within the handler.
func (s *Subscription) Channel() Channel {
	return s.ch
}

// Done is closed once Serve has returned.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel asks Serve to stop taking deliveries. A delivery being handled is
// finished first. Safe to call more than once and from any goroutine.
func (s *Subscription) Cancel() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

// Serve hands deliveries to handler one at a time until Cancel, ctx
// cancellation, or the channel closing. It returns nil after Cancel. The
// channel is closed on return, which requeues anything still unacknowledged.
func (s *Subscription) Serve(ctx context.Context, handler DeliveryHandler) error {
	defer close(s.done)
	defer func() {
		if !s.ch.IsClosed() {
			_ = s.ch.Close()
		}
		s.logger.Info("consumer stopped", "queue", s.queue, "consumerTag", s.tag)
	}()

	for {
		select {
		case <-s.stop:
			s.cancelConsumer()
			return nil
		case <-ctx.Done():
			s.cancelConsumer()
			return ctx.Err()
		default:
		}

		select {
		case <-s.stop:
			s.cancelConsumer()
			return nil
		case <-ctx.Done():
			s.cancelConsumer()
			return ctx.Err()
		case d, ok := <-s.deliveries:
			if !ok {
				return s.closedError()
			}
			handler(ctx, d)
		}
	}
}

func (s *Subscription) cancelConsumer() {
	if s.ch.IsClosed() {
		return
	}
	if err := s.ch.Cancel(s.tag, false); err != nil {
		s.logger.Warn("failed to cancel consumer",
			"queue", s.queue,
			"consumerTag", s.tag,
			"error", err)
	}
}

func (s *Subscription) closedError() error {
	var err error = ErrConsumerCancelled
	select {
	case amqpErr, ok := <-s.closes:
		if ok && amqpErr != nil {
			err = classifyAMQPError(amqpErr)
		} else if !ok || s.ch.IsClosed() {
			err = ErrChannelClosed
		}
	default:
		if s.ch.IsClosed() {
			err = ErrChannelClosed
		}
	}
	return &ConsumerError{
		Queue:       s.queue,
		ConsumerTag: s.tag,
		Op:          "deliver",
		Err:         err,
		Timestamp:   time.Now(),
	}
}
