package rabbitmqtest

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/satmesh-go/internal/rabbitmq"
	"github.com/glimte/satmesh-go/topics"
)

// Broker is an in-memory AMQP broker. The zero value is not usable; call
// NewBroker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*Conn]struct{}
	dialErr   error
	dials     int
	connSeq   int
}

type exchange struct {
	name     string
	kind     string
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name        string
	durable     bool
	autoDelete  bool
	exclusive   bool
	owner       *Conn
	args        amqp.Table
	ready       []*message
	consumers   []*consumer
	next        int
	hadConsumer bool
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

// NewBroker creates an empty broker with the default exchange.
func NewBroker() *Broker {
	b := &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
	b.exchanges[""] = &exchange{name: "", kind: amqp.ExchangeDirect}
	return b
}

// Dial opens a connection. It has the signature of rabbitmq.Dialer.
func (b *Broker) Dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	b.connSeq++
	name := fmt.Sprintf("conn-%d", b.connSeq)
	if v, ok := config.Properties["connection_name"].(string); ok {
		name = v
	}
	c := &Conn{
		broker:   b,
		name:     name,
		channels: make(map[*Channel]struct{}),
	}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailDials makes every following Dial return err. Pass nil to recover.
func (b *Broker) FailDials(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials returns how many times Dial was called.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// ConnectionNames returns the client-provided names of open connections.
func (b *Broker) ConnectionNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.conns))
	for c := range b.conns {
		names = append(names, c.name)
	}
	sort.Strings(names)
	return names
}

// CloseConnections simulates the broker dropping every client connection.
func (b *Broker) CloseConnections(reason *amqp.Error) {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	var notes []notification
	for _, c := range conns {
		notes = append(notes, c.closeLocked(reason)...)
	}
	b.mu.Unlock()

	deliver(notes)
}

// ExchangeKind returns the kind of a declared exchange.
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// HasQueue reports whether the queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Queues lists declared queue names.
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for n := range b.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// QueueArgs returns the arguments a queue was declared with.
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// Ready returns the number of messages waiting in a queue.
func (b *Broker) Ready(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of messages delivered from a queue and not yet
// acknowledged.
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for c := range b.conns {
		for ch := range c.channels {
			for _, u := range ch.unacked {
				if u.queue.name == name {
					n++
				}
			}
		}
	}
	return n
}

// Consumers returns the number of consumers on a queue.
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Bindings lists "queue:key" bindings on an exchange.
func (b *Broker) Bindings(exchangeName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(ex.bindings))
	for _, bd := range ex.bindings {
		out = append(out, bd.queue+":"+bd.key)
	}
	sort.Strings(out)
	return out
}

// Peek returns copies of the messages waiting in a queue.
func (b *Broker) Peek(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.pub)
	}
	return out
}

// Publish injects a message as if a client had published it.
func (b *Broker) Publish(exchangeName, routingKey string, pub amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("no exchange %q", exchangeName)
	}
	b.routeLocked(ex, routingKey, pub, false)
	return nil
}

// routeLocked enqueues pub on every queue matched by ex and routingKey.
func (b *Broker) routeLocked(ex *exchange, routingKey string, pub amqp.Publishing, redelivered bool) int {
	var targets []*queue
	seen := make(map[string]bool)

	add := func(name string) {
		if seen[name] {
			return
		}
		if q, ok := b.queues[name]; ok {
			seen[name] = true
			targets = append(targets, q)
		}
	}

	if ex.name == "" {
		add(routingKey)
	} else {
		for _, bd := range ex.bindings {
			switch ex.kind {
			case amqp.ExchangeTopic:
				if topics.Match(bd.key, routingKey) {
					add(bd.queue)
				}
			default:
				if bd.key == routingKey {
					add(bd.queue)
				}
			}
		}
	}

	for _, q := range targets {
		cp := pub
		cp.Body = bytes.Clone(pub.Body)
		if pub.Headers != nil {
			cp.Headers = make(amqp.Table, len(pub.Headers))
			for k, v := range pub.Headers {
				cp.Headers[k] = v
			}
		}
		q.ready = append(q.ready, &message{
			exchange:    ex.name,
			routingKey:  routingKey,
			pub:         cp,
			redelivered: redelivered,
		})
		b.dispatchLocked(q)
	}
	return len(targets)
}

// dispatchLocked hands ready messages to consumers with spare prefetch.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if c.hasCapacity() {
				target = c
				q.next = (q.next + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		msg := q.ready[0]
		q.ready = q.ready[1:]
		target.deliverLocked(q, msg)
	}
}

// requeueLocked puts messages back at the head of their queue.
func (b *Broker) requeueLocked(msgs []*unacked) {
	touched := make(map[*queue]bool)
	for i := len(msgs) - 1; i >= 0; i-- {
		u := msgs[i]
		if _, alive := b.queues[u.queue.name]; !alive {
			continue
		}
		u.msg.redelivered = true
		u.queue.ready = append([]*message{u.msg}, u.queue.ready...)
		touched[u.queue] = true
	}
	for q := range touched {
		b.dispatchLocked(q)
	}
}

// deadLetterLocked routes a rejected message per its queue's arguments.
func (b *Broker) deadLetterLocked(u *unacked) {
	dlx, ok := u.queue.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	ex, ok := b.exchanges[dlx]
	if !ok {
		return
	}
	key := u.msg.routingKey
	if k, ok := u.queue.args["x-dead-letter-routing-key"].(string); ok {
		key = k
	}

	pub := u.msg.pub
	headers := make(amqp.Table, len(pub.Headers)+1)
	for k, v := range pub.Headers {
		headers[k] = v
	}
	headers["x-death"] = []interface{}{
		amqp.Table{
			"queue":        u.queue.name,
			"reason":       "rejected",
			"exchange":     u.msg.exchange,
			"routing-keys": []interface{}{u.msg.routingKey},
			"count":        int64(1),
		},
	}
	pub.Headers = headers
	b.routeLocked(ex, key, pub, false)
}

func (b *Broker) deleteQueueLocked(q *queue) {
	delete(b.queues, q.name)
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q.name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func serverNamedQueue() string {
	return "amq.gen-" + uuid.New().String()
}

// notification is a send to a client listener performed after the broker
// lock is released.
type notification struct {
	closeTo   chan *amqp.Error
	err       *amqp.Error
	confirmTo chan amqp.Confirmation
	confirm   amqp.Confirmation
	closeChan bool
}

func deliver(notes []notification) {
	for _, n := range notes {
		switch {
		case n.confirmTo != nil && !n.closeChan:
			n.confirmTo <- n.confirm
		case n.confirmTo != nil:
			close(n.confirmTo)
		case n.closeTo != nil && !n.closeChan:
			select {
			case n.closeTo <- n.err:
			default:
			}
		case n.closeTo != nil:
			close(n.closeTo)
		}
	}
}
