package rabbitmqtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/satmesh-go/internal/rabbitmq"
)

// Channel is an in-memory channel. Like a real channel it is closed by the
// broker on the first protocol error.
type Channel struct {
	conn             *Conn
	broker           *Broker
	id               int
	closed           bool
	confirming       bool
	publishSeq       uint64
	deliveryTag      uint64
	prefetch         int
	unacked          map[uint64]*unacked
	consumers        map[string]*consumer
	confirmListeners []chan amqp.Confirmation
	closeListeners   []chan *amqp.Error
}

type unacked struct {
	tag      uint64
	queue    *queue
	msg      *message
	consumer *consumer
}

var (
	_ rabbitmq.Channel  = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

// ExchangeDeclare declares an exchange.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}

	if name == "" {
		return ch.failUnlock(amqp.AccessRefused, "ACCESS_REFUSED - operation not permitted on the default exchange")
	}
	if kind != amqp.ExchangeDirect && kind != amqp.ExchangeTopic && kind != amqp.ExchangeFanout {
		return ch.failUnlock(amqp.CommandInvalid, fmt.Sprintf("COMMAND_INVALID - unknown exchange type '%s'", kind))
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return ch.failUnlock(amqp.PreconditionFailed, fmt.Sprintf(
				"PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s' in vhost '/': received '%s' but current is '%s'",
				name, kind, ex.kind))
		}
		b.mu.Unlock()
		return nil
	}

	b.exchanges[name] = &exchange{name: name, kind: kind}
	b.mu.Unlock()
	return nil
}

// QueueDeclare declares a queue. An empty name gets a server-generated one.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.Queue{}, amqp.ErrClosed
	}

	if name == "" {
		name = serverNamedQueue()
	}

	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			return amqp.Queue{}, ch.failUnlock(amqp.ResourceLocked, fmt.Sprintf(
				"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s' in vhost '/'", name))
		}
		if q.durable != durable || !sameArgs(q.args, args) {
			return amqp.Queue{}, ch.failUnlock(amqp.PreconditionFailed, fmt.Sprintf(
				"PRECONDITION_FAILED - inequivalent arg for queue '%s' in vhost '/'", name))
		}
		info := amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}
		b.mu.Unlock()
		return info, nil
	}

	q := &queue{
		name:       name,
		durable:    durable,
		autoDelete: autoDelete,
		exclusive:  exclusive,
		args:       args,
	}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	b.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

// QueueBind binds a queue to an exchange.
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.failUnlock(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName))
	}
	q, ok := b.queues[name]
	if !ok {
		return ch.failUnlock(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name))
	}
	if q.exclusive && q.owner != ch.conn {
		return ch.failUnlock(amqp.ResourceLocked, fmt.Sprintf(
			"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s' in vhost '/'", name))
	}

	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			b.mu.Unlock()
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	b.mu.Unlock()
	return nil
}

// Qos sets the per-consumer prefetch count.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume starts a consumer.
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return nil, amqp.ErrClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failUnlock(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", queueName))
	}
	if q.exclusive && q.owner != ch.conn {
		return nil, ch.failUnlock(amqp.ResourceLocked, fmt.Sprintf(
			"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s' in vhost '/'", queueName))
	}
	if tag == "" {
		tag = "ctag-" + uuid.New().String()
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, ch.failUnlock(amqp.NotAllowed, fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag))
	}

	c := &consumer{
		ch:      ch,
		q:       q,
		tag:     tag,
		autoAck: autoAck,
		cond:    sync.NewCond(&b.mu),
		stop:    make(chan struct{}),
		out:     make(chan amqp.Delivery),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	q.hadConsumer = true
	go c.run()

	b.dispatchLocked(q)
	b.mu.Unlock()
	return c.out, nil
}

// Cancel stops a consumer. Its delivery channel is closed once undelivered
// messages have been returned to the queue.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if c, ok := ch.consumers[tag]; ok {
		c.cancelLocked()
	}
	return nil
}

// PublishWithContext routes a message. Publishing to a missing exchange
// closes the channel with 404, as a real broker does asynchronously.
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}

	if ch.confirming {
		ch.publishSeq++
	}

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		err := &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName),
			Server: true,
		}
		notes := ch.closeLocked(err)
		b.mu.Unlock()
		deliver(notes)
		return nil
	}

	b.routeLocked(ex, key, msg, false)

	var notes []notification
	if ch.confirming {
		for _, l := range ch.confirmListeners {
			notes = append(notes, notification{
				confirmTo: l,
				confirm:   amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: true},
			})
		}
	}
	b.mu.Unlock()

	deliver(notes)
	return nil
}

// Confirm puts the channel in confirm mode.
func (ch *Channel) Confirm(noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

// NotifyPublish registers a confirm listener. It should be buffered.
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		close(confirm)
		return confirm
	}
	ch.confirmListeners = append(ch.confirmListeners, confirm)
	b.mu.Unlock()
	return confirm
}

// NotifyClose registers a close listener.
func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		close(c)
		return c
	}
	ch.closeListeners = append(ch.closeListeners, c)
	b.mu.Unlock()
	return c
}

// IsClosed reports whether the channel is closed.
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close closes the channel, requeueing unacknowledged deliveries.
func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	notes := ch.closeLocked(nil)
	b.mu.Unlock()

	deliver(notes)
	return nil
}

// Ack acknowledges a delivery.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}

	settled, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	ch.redispatchLocked(settled)
	b.mu.Unlock()
	return nil
}

// Nack rejects deliveries, requeueing or dead-lettering them.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}

	settled, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	if requeue {
		b.requeueLocked(settled)
	} else {
		for _, u := range settled {
			b.deadLetterLocked(u)
		}
	}
	ch.redispatchLocked(settled)
	b.mu.Unlock()
	return nil
}

// Reject rejects a single delivery.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// settleLocked removes deliveries from the unacked set. On an unknown tag
// the channel is closed and the lock released.
func (ch *Channel) settleLocked(tag uint64, multiple bool) ([]*unacked, error) {
	var settled []*unacked
	if multiple {
		for t, u := range ch.unacked {
			if t <= tag {
				settled = append(settled, u)
			}
		}
	} else if u, ok := ch.unacked[tag]; ok {
		settled = append(settled, u)
	}

	if len(settled) == 0 {
		return nil, ch.failUnlock(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}

	sort.Slice(settled, func(i, j int) bool { return settled[i].tag < settled[j].tag })
	for _, u := range settled {
		delete(ch.unacked, u.tag)
	}
	return settled, nil
}

func (ch *Channel) redispatchLocked(settled []*unacked) {
	seen := make(map[*queue]bool)
	for _, u := range settled {
		if !seen[u.queue] {
			seen[u.queue] = true
			ch.broker.dispatchLocked(u.queue)
		}
	}
}

// failUnlock closes the channel with a server error, releases the broker
// lock, and returns the error.
func (ch *Channel) failUnlock(code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	notes := ch.closeLocked(err)
	ch.broker.mu.Unlock()
	deliver(notes)
	return err
}

func (ch *Channel) closeLocked(reason *amqp.Error) []notification {
	if ch.closed {
		return nil
	}
	ch.closed = true

	for _, c := range ch.consumers {
		c.cancelLocked()
	}

	pending := make([]*unacked, 0, len(ch.unacked))
	for _, u := range ch.unacked {
		pending = append(pending, u)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].tag < pending[j].tag })
	ch.unacked = make(map[uint64]*unacked)
	ch.broker.requeueLocked(pending)

	delete(ch.conn.channels, ch)

	var notes []notification
	for _, l := range ch.closeListeners {
		if reason != nil {
			notes = append(notes, notification{closeTo: l, err: reason})
		}
		notes = append(notes, notification{closeTo: l, closeChan: true})
	}
	for _, l := range ch.confirmListeners {
		notes = append(notes, notification{confirmTo: l, closeChan: true})
	}
	ch.closeListeners = nil
	ch.confirmListeners = nil
	return notes
}
