package rabbitmqtest

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type consumer struct {
	ch        *Channel
	q         *queue
	tag       string
	autoAck   bool
	pending   []pendingDelivery
	cond      *sync.Cond
	cancelled bool
	stop      chan struct{}
	out       chan amqp.Delivery
}

type pendingDelivery struct {
	delivery amqp.Delivery
	entry    *unacked
}

func (c *consumer) hasCapacity() bool {
	if c.autoAck || c.ch.prefetch <= 0 {
		return true
	}
	n := 0
	for _, u := range c.ch.unacked {
		if u.consumer == c {
			n++
		}
	}
	return n < c.ch.prefetch
}

func (c *consumer) deliverLocked(q *queue, msg *message) {
	ch := c.ch
	ch.deliveryTag++
	tag := ch.deliveryTag

	entry := &unacked{tag: tag, queue: q, msg: msg, consumer: c}
	if !c.autoAck {
		ch.unacked[tag] = entry
	}

	pub := msg.pub
	d := amqp.Delivery{
		Acknowledger:    ch,
		Headers:         pub.Headers,
		ContentType:     pub.ContentType,
		ContentEncoding: pub.ContentEncoding,
		DeliveryMode:    pub.DeliveryMode,
		Priority:        pub.Priority,
		CorrelationId:   pub.CorrelationId,
		ReplyTo:         pub.ReplyTo,
		Expiration:      pub.Expiration,
		MessageId:       pub.MessageId,
		Timestamp:       pub.Timestamp,
		Type:            pub.Type,
		UserId:          pub.UserId,
		AppId:           pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.routingKey,
		Body:            pub.Body,
	}
	c.pending = append(c.pending, pendingDelivery{delivery: d, entry: entry})
	c.cond.Signal()
}

func (c *consumer) cancelLocked() {
	if c.cancelled {
		return
	}
	c.cancelled = true

	q := c.q
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if len(q.consumers) > 0 {
		q.next %= len(q.consumers)
	} else {
		q.next = 0
	}
	delete(c.ch.consumers, c.tag)

	close(c.stop)
	c.cond.Broadcast()

	b := c.ch.broker
	if q.autoDelete && q.hadConsumer && len(q.consumers) == 0 {
		if _, alive := b.queues[q.name]; alive {
			b.deleteQueueLocked(q)
		}
	}
}

// run moves deliveries to the client without holding the broker lock.
func (c *consumer) run() {
	b := c.ch.broker
	for {
		b.mu.Lock()
		for len(c.pending) == 0 && !c.cancelled {
			c.cond.Wait()
		}
		if c.cancelled {
			c.returnPendingLocked()
			b.mu.Unlock()
			close(c.out)
			return
		}
		next := c.pending[0]
		c.pending = c.pending[1:]
		b.mu.Unlock()

		select {
		case c.out <- next.delivery:
		case <-c.stop:
			b.mu.Lock()
			c.pending = append([]pendingDelivery{next}, c.pending...)
			c.returnPendingLocked()
			b.mu.Unlock()
			close(c.out)
			return
		}
	}
}

// returnPendingLocked requeues deliveries the client never received.
func (c *consumer) returnPendingLocked() {
	var back []*unacked
	for _, p := range c.pending {
		if c.autoAck {
			back = append(back, p.entry)
			continue
		}
		if u, ok := c.ch.unacked[p.entry.tag]; ok && u == p.entry {
			delete(c.ch.unacked, p.entry.tag)
			back = append(back, p.entry)
		}
	}
	c.pending = nil
	c.ch.broker.requeueLocked(back)
}
