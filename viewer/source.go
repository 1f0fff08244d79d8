package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/glimte/satmesh-go/contracts"
	"github.com/glimte/satmesh-go/internal/rabbitmq"
	"github.com/glimte/satmesh-go/messaging"
)

const defaultUpdateBuffer = 16

// TopicStateSource streams satellite.state.<id> from the topic exchange. Each
// stream consumes from its own exclusive queue, deleted when the stream closes.
type TopicStateSource struct {
	manager     *rabbitmq.ConnectionManager
	provisioner *rabbitmq.Provisioner
	exchange    string
	buffer      int
	logger      *slog.Logger
	metrics     messaging.MetricsCollector
}

// TopicStateSourceOption configures the TopicStateSource
type TopicStateSourceOption func(*TopicStateSource)

// WithSourceExchange sets the topic exchange to subscribe on
func WithSourceExchange(exchange string) TopicStateSourceOption {
	return func(s *TopicStateSource) {
		if exchange != "" {
			s.exchange = exchange
		}
	}
}

// WithUpdateBuffer sets how many updates are buffered per stream
func WithUpdateBuffer(n int) TopicStateSourceOption {
	return func(s *TopicStateSource) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithSourceLogger sets the logger
func WithSourceLogger(logger *slog.Logger) TopicStateSourceOption {
	return func(s *TopicStateSource) {
		s.logger = logger
	}
}

// WithSourceMetrics sets the metrics collector passed to the topic consumers
func WithSourceMetrics(metrics messaging.MetricsCollector) TopicStateSourceOption {
	return func(s *TopicStateSource) {
		s.metrics = metrics
	}
}

// NewTopicStateSource creates a state source over manager.
func NewTopicStateSource(manager *rabbitmq.ConnectionManager, provisioner *rabbitmq.Provisioner, options ...TopicStateSourceOption) *TopicStateSource {
	s := &TopicStateSource{
		manager:     manager,
		provisioner: provisioner,
		exchange:    messaging.DefaultTopicExchange,
		buffer:      defaultUpdateBuffer,
		logger:      slog.Default(),
		metrics:     &messaging.NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Open subscribes to entityID's state and returns once the queue is bound.
func (s *TopicStateSource) Open(ctx context.Context, entityID string) (Stream, error) {
	if entityID == "" {
		return nil, ErrEmptyEntityID
	}

	consumer := messaging.NewTopicConsumer(s.manager, s.provisioner,
		messaging.WithTopicConsumerExchange(s.exchange),
		messaging.WithTopicConsumerLogger(s.logger),
		messaging.WithTopicConsumerMetrics(s.metrics),
		messaging.WithTopicPrefetch(s.buffer))
	if err := consumer.Bind(contracts.SatelliteStateKey(entityID)); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &topicStream{
		consumer: consumer,
		cancel:   cancel,
		updates:  make(chan json.RawMessage, s.buffer),
		done:     make(chan struct{}),
	}

	err := consumer.RegisterCallback(func(ctx context.Context, body json.RawMessage) error {
		select {
		case st.updates <- body:
			return nil
		case <-streamCtx.Done():
			return streamCtx.Err()
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}

	go st.run(streamCtx)

	select {
	case <-consumer.Ready():
		return st, nil
	case <-st.done:
		cancel()
		if st.err == nil {
			return nil, messaging.ErrCancelled
		}
		return nil, st.err
	case <-ctx.Done():
		_ = st.Close()
		return nil, ctx.Err()
	}
}

type topicStream struct {
	consumer *messaging.TopicConsumer
	cancel   context.CancelFunc
	updates  chan json.RawMessage
	done     chan struct{}
	err      error

	closeOnce sync.Once
}

func (st *topicStream) run(ctx context.Context) {
	defer close(st.done)
	err := st.consumer.Consume(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	st.err = err
	close(st.updates)
}

func (st *topicStream) Updates() <-chan json.RawMessage {
	return st.updates
}

func (st *topicStream) Err() error {
	select {
	case <-st.done:
		return st.err
	default:
		return nil
	}
}

// Close stops consuming and waits for the consumer goroutine to exit.
func (st *topicStream) Close() error {
	st.closeOnce.Do(func() {
		_ = st.consumer.Cancel()
		st.cancel()
	})
	<-st.done
	return nil
}
