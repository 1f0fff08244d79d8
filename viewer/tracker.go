package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/glimte/satmesh-go/contracts"
	"github.com/glimte/satmesh-go/internal/rabbitmq"
	"github.com/glimte/satmesh-go/messaging"
	"github.com/glimte/satmesh-go/serialization"
)

// ListenerTracker follows satellite.state.listener.* and keeps a reference
// count of how many viewers watch each satellite. Producers use it to emit
// state only for watched satellites.
type ListenerTracker struct {
	consumer *messaging.TopicConsumer
	registry *serialization.Registry
	logger   *slog.Logger
	onChange func(entityID string, watched bool)

	mu       sync.RWMutex
	watchers map[string]int
}

// TrackerOption configures the ListenerTracker
type TrackerOption func(*trackerConfig)

type trackerConfig struct {
	exchange string
	queue    string
	logger   *slog.Logger
	metrics  messaging.MetricsCollector
	onChange func(entityID string, watched bool)
}

// WithTrackerExchange sets the topic exchange
func WithTrackerExchange(exchange string) TrackerOption {
	return func(c *trackerConfig) {
		c.exchange = exchange
	}
}

// WithTrackerQueue consumes from a durable named queue instead of a private one
func WithTrackerQueue(name string) TrackerOption {
	return func(c *trackerConfig) {
		c.queue = name
	}
}

// WithTrackerLogger sets the logger
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(c *trackerConfig) {
		c.logger = logger
	}
}

// WithTrackerMetrics sets the metrics collector
func WithTrackerMetrics(metrics messaging.MetricsCollector) TrackerOption {
	return func(c *trackerConfig) {
		c.metrics = metrics
	}
}

// OnWatchChange is called when a satellite gains its first viewer or loses
// its last one.
func OnWatchChange(fn func(entityID string, watched bool)) TrackerOption {
	return func(c *trackerConfig) {
		c.onChange = fn
	}
}

// NewListenerTracker creates a tracker. Call Run to start following events.
func NewListenerTracker(manager *rabbitmq.ConnectionManager, provisioner *rabbitmq.Provisioner, options ...TrackerOption) (*ListenerTracker, error) {
	cfg := trackerConfig{
		exchange: messaging.DefaultTopicExchange,
		logger:   slog.Default(),
		metrics:  &messaging.NoOpMetricsCollector{},
	}
	for _, opt := range options {
		opt(&cfg)
	}

	consumerOpts := []messaging.TopicConsumerOption{
		messaging.WithTopicConsumerExchange(cfg.exchange),
		messaging.WithTopicConsumerLogger(cfg.logger),
		messaging.WithTopicConsumerMetrics(cfg.metrics),
	}
	if cfg.queue != "" {
		consumerOpts = append(consumerOpts, messaging.WithTopicQueue(cfg.queue))
	}

	t := &ListenerTracker{
		consumer: messaging.NewTopicConsumer(manager, provisioner, consumerOpts...),
		registry: serialization.DefaultRegistry(),
		logger:   cfg.logger,
		onChange: cfg.onChange,
		watchers: make(map[string]int),
	}

	if err := t.consumer.Handle(contracts.RoutingListenerCreate, t.handleCreate); err != nil {
		return nil, err
	}
	if err := t.consumer.Handle(contracts.RoutingListenerDestroy, t.handleDestroy); err != nil {
		return nil, err
	}
	return t, nil
}

// Run consumes listener events until ctx is done or Cancel is called.
func (t *ListenerTracker) Run(ctx context.Context) error {
	return t.consumer.Consume(ctx)
}

// Ready is closed once the tracker is receiving events.
func (t *ListenerTracker) Ready() <-chan struct{} {
	return t.consumer.Ready()
}

// Cancel stops Run.
func (t *ListenerTracker) Cancel() error {
	return t.consumer.Cancel()
}

// Watched reports whether any viewer watches entityID.
func (t *ListenerTracker) Watched(entityID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.watchers[entityID] > 0
}

// Watchers returns the number of viewers watching entityID.
func (t *ListenerTracker) Watchers(entityID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.watchers[entityID]
}

// Entities lists the watched satellites, sorted.
func (t *ListenerTracker) Entities() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.watchers))
	for id := range t.watchers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *ListenerTracker) handleCreate(ctx context.Context, body json.RawMessage) error {
	id, err := t.decode(ctx, body)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.watchers[id]++
	first := t.watchers[id] == 1
	t.mu.Unlock()

	t.logger.Debug("listener created", "entityId", id, "correlationId", correlationID(ctx))
	if first && t.onChange != nil {
		t.onChange(id, true)
	}
	return nil
}

// handleDestroy decrements the count. A destroy without a matching create is
// ignored.
func (t *ListenerTracker) handleDestroy(ctx context.Context, body json.RawMessage) error {
	id, err := t.decode(ctx, body)
	if err != nil {
		return err
	}

	t.mu.Lock()
	n, ok := t.watchers[id]
	if ok {
		n--
		if n <= 0 {
			delete(t.watchers, id)
		} else {
			t.watchers[id] = n
		}
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("listener destroyed without create", "entityId", id)
		return nil
	}
	t.logger.Debug("listener destroyed", "entityId", id, "correlationId", correlationID(ctx))
	if n <= 0 && t.onChange != nil {
		t.onChange(id, false)
	}
	return nil
}

func (t *ListenerTracker) decode(ctx context.Context, body json.RawMessage) (string, error) {
	payload, err := t.registry.Decode(messaging.RoutingKeyFromContext(ctx), body)
	if err != nil {
		return "", err
	}
	event, ok := payload.(*contracts.ListenerEvent)
	if !ok {
		return "", fmt.Errorf("unexpected listener payload %T", payload)
	}
	if event.SatelliteID == "" {
		return "", fmt.Errorf("listener event without satellite_id")
	}
	return event.SatelliteID, nil
}

func correlationID(ctx context.Context) string {
	if env := messaging.EnvelopeFromContext(ctx); env != nil {
		return env.CorrelationID()
	}
	return ""
}
