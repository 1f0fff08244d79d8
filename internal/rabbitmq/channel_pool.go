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

// ChannelPool hands out channels on one of the manager's connections. A
// checked-out channel belongs to the caller until Put.
type ChannelPool struct {
	manager        *ConnectionManager
	mode           Mode
	channels       chan *PooledChannel
	maxSize        int
	minSize        int
	idleTimeout    time.Duration
	acquireTimeout time.Duration
	logger         *slog.Logger

	mu          sync.Mutex
	closed      bool
	activeCount int
	done        chan struct{}
	cleanupOnce sync.Once
}

// PooledChannel wraps a Channel with pool metadata and publisher-confirm
// bookkeeping.
type PooledChannel struct {
	Channel
	pool       *ChannelPool
	lastUsed   time.Time
	id         string
	confirming bool
	confirms   chan amqp.Confirmation
	closes     chan *amqp.Error
	published  uint64
}

// ID identifies the channel in logs and errors.
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets how many idle channels survive idle cleanup
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets the idle timeout for channels
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithAcquireTimeout bounds how long Get waits when the pool is exhausted
func WithAcquireTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.acquireTimeout = timeout
	}
}

// WithPoolMode selects the connection the pool draws channels from
func WithPoolMode(mode Mode) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.mode = mode
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a pool on the blocking connection. Channels are
// opened on demand.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:        manager,
		mode:           ModeBlocking,
		maxSize:        10,
		minSize:        2,
		idleTimeout:    5 * time.Minute,
		acquireTimeout: 5 * time.Second,
		logger:         manager.logger,
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Mode returns the connection mode backing the pool.
func (cp *ChannelPool) Mode() Mode {
	return cp.mode
}

// Get checks out a channel, opening one if the pool is below its maximum.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	for {
		ch, err := cp.acquire(ctx)
		if err != nil {
			return nil, err
		}
		if ch == nil {
			return cp.createChannel(ctx)
		}
		if ch.IsClosed() {
			cp.release()
			continue
		}
		ch.lastUsed = time.Now()
		return ch, nil
	}
}

// acquire returns an idle channel, or nil when the caller may open a new one.
func (cp *ChannelPool) acquire(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch, ok := <-cp.channels:
		if !ok {
			return nil, ErrChannelPoolClosed
		}
		return ch, nil
	default:
	}

	cp.mu.Lock()
	if cp.activeCount < cp.maxSize {
		cp.activeCount++
		cp.mu.Unlock()
		return nil, nil
	}
	cp.mu.Unlock()

	timer := time.NewTimer(cp.acquireTimeout)
	defer timer.Stop()

	select {
	case ch, ok := <-cp.channels:
		if !ok {
			return nil, ErrChannelPoolClosed
		}
		return ch, nil
	case <-ctx.Done():
		return nil, &ChannelError{
			Op:        "get channel",
			ChannelID: "pool",
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}
	case <-timer.C:
		return nil, &ChannelError{
			Op:        "get channel",
			ChannelID: "pool",
			Err:       ErrChannelPoolExhausted,
			Timestamp: time.Now(),
		}
	}
}

// Put returns a channel to the pool. Closed channels are dropped.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		_ = ch.Channel.Close()
		return
	}
	if ch.IsClosed() {
		cp.activeCount--
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.channels <- ch:
	default:
		_ = ch.Channel.Close()
		cp.activeCount--
	}
}

// Discard closes a channel whose state can no longer be trusted, for
// example after a confirm was abandoned.
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if !ch.IsClosed() {
		_ = ch.Channel.Close()
	}
	cp.release()
}

// Close closes all channels in the pool
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	close(cp.channels)
	cp.mu.Unlock()

	for ch := range cp.channels {
		if !ch.IsClosed() {
			_ = ch.Channel.Close()
		}
	}
	return nil
}

// Size returns the number of channels currently open through the pool
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs fn with an exclusively held channel.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	return execErr
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

// createChannel opens a channel for a slot already reserved by acquire.
func (cp *ChannelPool) createChannel(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		cp.release()
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	ch, err := cp.manager.Channel(ctx, cp.mode)
	if err != nil {
		cp.release()
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	pc := &PooledChannel{
		Channel:  ch,
		pool:     cp,
		lastUsed: time.Now(),
		id:       uuid.New().String(),
		closes:   ch.NotifyClose(make(chan *amqp.Error, 1)),
	}

	cp.cleanupOnce.Do(func() {
		if cp.idleTimeout > 0 {
			go cp.cleanupIdle()
		}
	})

	return pc, nil
}

// cleanupIdle closes channels idle for longer than idleTimeout while keeping
// at least minSize open.
func (cp *ChannelPool) cleanupIdle() {
	interval := cp.idleTimeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return
		}
		cutoff := time.Now().Add(-cp.idleTimeout)
		var keep []*PooledChannel
	drain:
		for {
			select {
			case ch := <-cp.channels:
				if ch.lastUsed.Before(cutoff) && cp.activeCount > cp.minSize {
					_ = ch.Channel.Close()
					cp.activeCount--
				} else {
					keep = append(keep, ch)
				}
			default:
				break drain
			}
		}
		for _, ch := range keep {
			cp.channels <- ch
		}
		cp.mu.Unlock()
	}
}

// enableConfirms puts the channel in confirm mode once.
func (pc *PooledChannel) enableConfirms() error {
	if pc.confirming {
		return nil
	}
	if err := pc.Confirm(false); err != nil {
		return err
	}
	pc.confirms = pc.NotifyPublish(make(chan amqp.Confirmation, 1))
	pc.confirming = true
	return nil
}

// publish sends msg and returns the delivery tag the broker will confirm.
func (pc *PooledChannel) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (uint64, error) {
	if err := pc.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return 0, err
	}
	if pc.confirming {
		pc.published++
	}
	return pc.published, nil
}

// waitConfirm blocks until the broker confirms seq.
func (pc *PooledChannel) waitConfirm(ctx context.Context, seq uint64, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case c, ok := <-pc.confirms:
			if !ok {
				return pc.closeReason()
			}
			if c.DeliveryTag < seq {
				continue
			}
			if !c.Ack {
				return ErrPublishNotConfirmed
			}
			return nil
		case <-timer.C:
			return ErrPublishTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// closeReason reports why the channel went away, mapping broker replies.
func (pc *PooledChannel) closeReason() error {
	select {
	case amqpErr, ok := <-pc.closes:
		if ok && amqpErr != nil {
			return classifyAMQPError(amqpErr)
		}
	default:
	}
	return ErrChannelClosed
}
