package rabbitmqtest

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/satmesh-go/internal/rabbitmq"
)

// Conn is an in-memory connection.
type Conn struct {
	broker         *Broker
	name           string
	closed         bool
	channels       map[*Channel]struct{}
	closeListeners []chan *amqp.Error
	chanSeq        int
}

var _ rabbitmq.Connection = (*Conn)(nil)

// Name returns the connection_name the client supplied, or a generated one.
func (c *Conn) Name() string {
	return c.name
}

// Channel opens a channel.
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	c.chanSeq++
	ch := &Channel{
		conn:      c,
		broker:    b,
		id:        c.chanSeq,
		unacked:   make(map[uint64]*unacked),
		consumers: make(map[string]*consumer),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose registers a listener for the connection closing.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		close(receiver)
		return receiver
	}
	c.closeListeners = append(c.closeListeners, receiver)
	b.mu.Unlock()
	return receiver
}

// IsClosed reports whether the connection is closed.
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and all of its channels.
func (c *Conn) Close() error {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	notes := c.closeLocked(nil)
	b.mu.Unlock()

	deliver(notes)
	return nil
}

func (c *Conn) closeLocked(reason *amqp.Error) []notification {
	if c.closed {
		return nil
	}
	c.closed = true
	b := c.broker

	var notes []notification
	for ch := range c.channels {
		notes = append(notes, ch.closeLocked(reason)...)
	}

	for _, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueueLocked(q)
		}
	}
	delete(b.conns, c)

	for _, l := range c.closeListeners {
		if reason != nil {
			notes = append(notes, notification{closeTo: l, err: reason})
		}
		notes = append(notes, notification{closeTo: l, closeChan: true})
	}
	c.closeListeners = nil
	return notes
}
