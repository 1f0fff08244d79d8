package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/satmesh-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds used by the fabric.
const (
	ExchangeDirect = amqp.ExchangeDirect
	ExchangeTopic  = amqp.ExchangeTopic
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string     `yaml:"name"`
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"autoDelete"`
	Exclusive  bool       `yaml:"exclusive"`
	Arguments  amqp.Table `yaml:"-"`
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Exchange   string `yaml:"exchange"`
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routingKey"`
}

// Topology is a full set of declarations applied in order.
type Topology struct {
	Exchanges []ExchangeDeclaration `yaml:"exchanges"`
	Queues    []QueueDeclaration    `yaml:"queues"`
	Bindings  []Binding             `yaml:"bindings"`
}

// Provisioner declares exchanges, queues and bindings. Every declaration is
// idempotent and remembered, so repeating one costs no broker round trip.
type Provisioner struct {
	pool               *ChannelPool
	deadLetterExchange string
	logger             *slog.Logger

	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]struct{}
	bindings  map[Binding]struct{}
}

// ProvisionerOption configures the provisioner
type ProvisionerOption func(*Provisioner)

// WithDeadLetterExchange routes rejected messages of every declared queue to
// "<queue>.dlq" through exchange.
func WithDeadLetterExchange(exchange string) ProvisionerOption {
	return func(p *Provisioner) {
		p.deadLetterExchange = exchange
	}
}

// WithProvisionerLogger sets the logger
func WithProvisionerLogger(logger *slog.Logger) ProvisionerOption {
	return func(p *Provisioner) {
		p.logger = logger
	}
}

// NewProvisioner creates a provisioner using channels from pool
func NewProvisioner(pool *ChannelPool, options ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		pool:      pool,
		logger:    slog.Default(),
		exchanges: make(map[string]string),
		queues:    make(map[string]struct{}),
		bindings:  make(map[Binding]struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// DeadLetterExchange returns the configured dead-letter exchange, or "".
func (p *Provisioner) DeadLetterExchange() string {
	return p.deadLetterExchange
}

// DeclareExchange declares a durable exchange. Redeclaring with the same kind
// is a no-op; a different kind fails with ErrTopologyConflict.
func (p *Provisioner) DeclareExchange(ctx context.Context, name, kind string) error {
	if name == "" {
		// the default exchange always exists
		return nil
	}
	if kind != ExchangeDirect && kind != ExchangeTopic {
		return p.topologyError("exchange", name, "declare", fmt.Errorf("%w: unsupported kind %q", ErrInvalidTopology, kind))
	}

	p.mu.Lock()
	existing, known := p.exchanges[name]
	p.mu.Unlock()
	if known {
		if existing != kind {
			return p.topologyError("exchange", name, "declare",
				fmt.Errorf("%w: declared as %s, requested %s", ErrTopologyConflict, existing, kind))
		}
		return nil
	}

	err := p.pool.Execute(ctx, func(ch Channel) error {
		return ch.ExchangeDeclare(name, kind, true, false, false, false, nil)
	})
	if err != nil {
		return p.topologyError("exchange", name, "declare", classifyAMQPError(err))
	}

	p.mu.Lock()
	p.exchanges[name] = kind
	p.mu.Unlock()

	p.logger.Debug("declared exchange", "exchange", name, "kind", kind)
	return nil
}

// DeclareQueue declares a durable queue, with its dead-letter companion when
// a dead-letter exchange is configured.
func (p *Provisioner) DeclareQueue(ctx context.Context, name string) error {
	if name == "" {
		return p.topologyError("queue", name, "declare", fmt.Errorf("%w: empty queue name", ErrInvalidTopology))
	}
	return p.DeclareQueueWith(ctx, QueueDeclaration{Name: name, Durable: true})
}

// DeclareQueueWith declares a queue with explicit flags.
func (p *Provisioner) DeclareQueueWith(ctx context.Context, decl QueueDeclaration) error {
	p.mu.Lock()
	_, known := p.queues[decl.Name]
	p.mu.Unlock()
	if known {
		return nil
	}

	args := decl.Arguments
	if p.deadLetterExchange != "" && !reliability.IsDeadLetterQueue(decl.Name) && !decl.Exclusive {
		if err := p.declareDeadLetterQueue(ctx, decl.Name); err != nil {
			return err
		}
		args = mergeTables(args, reliability.DeadLetterArgs(p.deadLetterExchange, decl.Name))
	}

	err := p.pool.Execute(ctx, func(ch Channel) error {
		_, err := ch.QueueDeclare(decl.Name, decl.Durable, decl.AutoDelete, decl.Exclusive, false, args)
		return err
	})
	if err != nil {
		return p.topologyError("queue", decl.Name, "declare", classifyAMQPError(err))
	}

	p.mu.Lock()
	p.queues[decl.Name] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("declared queue", "queue", decl.Name)
	return nil
}

// BindQueue binds queue to exchange with routingKey. Existing bindings are
// skipped.
func (p *Provisioner) BindQueue(ctx context.Context, exchange, queue, routingKey string) error {
	b := Binding{Exchange: exchange, Queue: queue, RoutingKey: routingKey}

	p.mu.Lock()
	_, known := p.bindings[b]
	p.mu.Unlock()
	if known {
		return nil
	}

	if exchange == "" {
		// the default exchange routes by queue name implicitly
		return nil
	}

	err := p.pool.Execute(ctx, func(ch Channel) error {
		return ch.QueueBind(queue, routingKey, exchange, false, nil)
	})
	if err != nil {
		return p.topologyError("binding", exchange+"->"+queue, "bind", classifyAMQPError(err))
	}

	p.mu.Lock()
	p.bindings[b] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("bound queue",
		"exchange", exchange,
		"queue", queue,
		"routingKey", routingKey)
	return nil
}

// EnsureDestination declares exchange, queue and binding in that order.
func (p *Provisioner) EnsureDestination(ctx context.Context, exchange, kind, queue, routingKey string) error {
	if err := p.DeclareExchange(ctx, exchange, kind); err != nil {
		return err
	}
	if err := p.DeclareQueue(ctx, queue); err != nil {
		return err
	}
	return p.BindQueue(ctx, exchange, queue, routingKey)
}

// Apply declares a whole topology: exchanges, then queues, then bindings.
func (p *Provisioner) Apply(ctx context.Context, topology Topology) error {
	for _, ex := range topology.Exchanges {
		if err := p.DeclareExchange(ctx, ex.Name, ex.Kind); err != nil {
			return err
		}
	}
	for _, q := range topology.Queues {
		if q.Name == "" {
			return p.topologyError("queue", "", "declare", fmt.Errorf("%w: empty queue name", ErrInvalidTopology))
		}
		if err := p.DeclareQueueWith(ctx, q); err != nil {
			return err
		}
	}
	for _, b := range topology.Bindings {
		if err := p.BindQueue(ctx, b.Exchange, b.Queue, b.RoutingKey); err != nil {
			return err
		}
	}
	return nil
}

// DeclarePrivateQueue declares a queue on a caller-owned channel. Exclusive
// queues belong to the connection that declares them, so consumers declare
// theirs on their own channel. An empty name asks the broker for one.
func (p *Provisioner) DeclarePrivateQueue(ch Channel, decl QueueDeclaration) (string, error) {
	q, err := ch.QueueDeclare(decl.Name, decl.Durable, decl.AutoDelete, decl.Exclusive, false, decl.Arguments)
	if err != nil {
		return "", p.topologyError("queue", decl.Name, "declare", classifyAMQPError(err))
	}
	return q.Name, nil
}

// BindPrivateQueue binds on a caller-owned channel without caching.
func (p *Provisioner) BindPrivateQueue(ch Channel, exchange, queue, routingKey string) error {
	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return p.topologyError("binding", exchange+"->"+queue, "bind", classifyAMQPError(err))
	}
	return nil
}

func (p *Provisioner) declareDeadLetterQueue(ctx context.Context, queue string) error {
	if err := p.DeclareExchange(ctx, p.deadLetterExchange, ExchangeDirect); err != nil {
		return err
	}
	dlq := reliability.DeadLetterQueueName(queue)
	if err := p.DeclareQueueWith(ctx, QueueDeclaration{Name: dlq, Durable: true}); err != nil {
		return err
	}
	return p.BindQueue(ctx, p.deadLetterExchange, dlq, dlq)
}

func (p *Provisioner) topologyError(component, name, op string, err error) *TopologyError {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func mergeTables(a, b amqp.Table) amqp.Table {
	out := make(amqp.Table, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
