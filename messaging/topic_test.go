package messaging_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/satmesh-go/contracts"
	"github.com/glimte/satmesh-go/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/satmesh-go/messaging"
	"github.com/glimte/satmesh-go/topics"
)

type topicDelivery struct {
	routingKey    string
	correlationID string
	body          json.RawMessage
}

// subscribe starts a topic consumer with one catch-all callback bound to
// patterns and waits until it is live.
func subscribe(t *testing.T, f *fabric, patterns []string, opts ...messaging.TopicConsumerOption) (*messaging.TopicConsumer, <-chan topicDelivery) {
	t.Helper()

	opts = append([]messaging.TopicConsumerOption{messaging.WithTopicConsumerLogger(quiet)}, opts...)
	consumer := messaging.NewTopicConsumer(f.manager, f.provisioner, opts...)
	for _, p := range patterns {
		require.NoError(t, consumer.Bind(p))
	}

	out := make(chan topicDelivery, 16)
	require.NoError(t, consumer.RegisterCallback(func(ctx context.Context, body json.RawMessage) error {
		out <- topicDelivery{
			routingKey:    messaging.RoutingKeyFromContext(ctx),
			correlationID: messaging.EnvelopeFromContext(ctx).CorrelationID(),
			body:          body,
		}
		return nil
	}))

	run(t, consumer.Consume)
	waitReady(t, consumer.Ready())
	return consumer, out
}

func newTopicPublisher(f *fabric) *messaging.TopicPublisher {
	return messaging.NewTopicPublisher(f.publisher, f.provisioner, messaging.WithTopicPublisherLogger(quiet))
}

func drain(ch <-chan topicDelivery) []string {
	var keys []string
	for {
		select {
		case d := <-ch:
			keys = append(keys, d.routingKey)
		case <-time.After(100 * time.Millisecond):
			sort.Strings(keys)
			return keys
		}
	}
}

func TestTopicRouting(t *testing.T) {
	t.Run("each consumer receives the keys its patterns match", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		f := newFabric(t, broker)

		_, listeners := subscribe(t, f, []string{contracts.RoutingListenerAny})
		_, cancellations := subscribe(t, f, []string{contracts.RoutingAnyCancelled})
		_, state := subscribe(t, f, []string{"satellite.state.*"})

		publisher := newTopicPublisher(f)
		for _, key := range []string{
			contracts.RoutingListenerCreate,
			"maintenance.cancelled",
			"cancelled",
			"outage.window.cancelled",
			"satellite.state.42",
		} {
			require.NoError(t, publisher.Publish(background(t), key, map[string]string{"key": key}))
		}

		assert.Equal(t, []string{contracts.RoutingListenerCreate}, drain(listeners))
		assert.Equal(t, []string{"cancelled", "maintenance.cancelled", "outage.window.cancelled"}, drain(cancellations))
		assert.Equal(t, []string{"satellite.state.42"}, drain(state))

		kind, ok := broker.ExchangeKind(messaging.DefaultTopicExchange)
		require.True(t, ok)
		assert.Equal(t, amqp.ExchangeTopic, kind)
	})

	t.Run("multiple bindings accumulate on one queue", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		f := newFabric(t, broker)

		consumer, out := subscribe(t, f, []string{
			contracts.RoutingOutageCreate,
			contracts.RoutingMaintenanceCreated,
			contracts.RoutingOutageCreate,
		})
		assert.Len(t, broker.Bindings(messaging.DefaultTopicExchange), 2)

		publisher := newTopicPublisher(f)
		require.NoError(t, publisher.Publish(background(t), contracts.RoutingOutageCreate, "o"))
		require.NoError(t, publisher.Publish(background(t), contracts.RoutingMaintenanceCreated, "m"))
		require.NoError(t, publisher.Publish(background(t), contracts.RoutingImageCreated, "i"))

		assert.Equal(t, []string{contracts.RoutingOutageCreate, contracts.RoutingMaintenanceCreated}, drain(out))
		assert.NotEmpty(t, consumer.Queue())
	})

	t.Run("Handle dispatches only matching keys to each callback", func(t *testing.T) {
		f := newFabric(t, rabbitmqtest.NewBroker())
		consumer := messaging.NewTopicConsumer(f.manager, f.provisioner, messaging.WithTopicConsumerLogger(quiet))

		outages := make(chan string, 4)
		maintenance := make(chan string, 4)
		require.NoError(t, consumer.Handle("satellite.outage.*", func(ctx context.Context, body json.RawMessage) error {
			outages <- messaging.RoutingKeyFromContext(ctx)
			return nil
		}))
		require.NoError(t, consumer.Handle("schedule.maintenance.#", func(ctx context.Context, body json.RawMessage) error {
			maintenance <- messaging.RoutingKeyFromContext(ctx)
			return nil
		}))
		run(t, consumer.Consume)
		waitReady(t, consumer.Ready())

		publisher := newTopicPublisher(f)
		require.NoError(t, publisher.Publish(background(t), contracts.RoutingOutageCreate, "o"))
		require.NoError(t, publisher.Publish(background(t), contracts.RoutingMaintenanceRescheduled, "m"))

		assert.Equal(t, contracts.RoutingOutageCreate, receive(t, outages))
		assert.Equal(t, contracts.RoutingMaintenanceRescheduled, receive(t, maintenance))
		assert.Len(t, outages, 0)
		assert.Len(t, maintenance, 0)
	})

	t.Run("relayed envelopes keep their correlation id", func(t *testing.T) {
		f := newFabric(t, rabbitmqtest.NewBroker())
		_, out := subscribe(t, f, []string{"satellite.state.#"})

		env, err := contracts.NewEnvelope(map[string]float64{"altitude": 550})
		require.NoError(t, err)

		require.NoError(t, newTopicPublisher(f).Publish(background(t), contracts.SatelliteStateKey("7"), env))

		d := receive(t, out)
		assert.Equal(t, env.CorrelationID(), d.correlationID)
		assert.JSONEq(t, `{"altitude":550}`, string(d.body))
	})

	t.Run("a named queue is shared by competing consumers", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		f := newFabric(t, broker)

		_, first := subscribe(t, f, []string{"schedule.*.created"}, messaging.WithTopicQueue("IMAGE_EVENTS"))
		_, second := subscribe(t, f, []string{"schedule.*.created"}, messaging.WithTopicQueue("IMAGE_EVENTS"))
		assert.True(t, broker.HasQueue("IMAGE_EVENTS"))

		publisher := newTopicPublisher(f)
		for i := 0; i < 4; i++ {
			require.NoError(t, publisher.Publish(background(t), contracts.RoutingImageCreated, i))
		}

		a, b := drain(first), drain(second)
		assert.Len(t, append(a, b...), 4)
		assert.NotEmpty(t, a)
		assert.NotEmpty(t, b)
	})

	t.Run("exclusive queues disappear when the consumer stops", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		f := newFabric(t, broker)

		consumer, _ := subscribe(t, f, []string{"satellite.state.1"})
		queue := consumer.Queue()
		require.True(t, broker.HasQueue(queue))

		require.NoError(t, consumer.Cancel())
		require.Eventually(t, func() bool { return !broker.HasQueue(queue) }, waitFor, 10*time.Millisecond)
	})
}

func TestTopicFailureIsolation(t *testing.T) {
	t.Run("a failing or panicking callback does not stop dispatch", func(t *testing.T) {
		f := newFabric(t, rabbitmqtest.NewBroker())
		consumer := messaging.NewTopicConsumer(f.manager, f.provisioner, messaging.WithTopicConsumerLogger(quiet))
		require.NoError(t, consumer.Bind("satellite.outage.#"))

		var mu sync.Mutex
		calls := 0
		require.NoError(t, consumer.RegisterCallback(func(ctx context.Context, body json.RawMessage) error {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			switch n {
			case 1:
				return errors.New("store unavailable")
			case 2:
				panic("nil pointer")
			}
			return nil
		}))

		seen := make(chan string, 4)
		require.NoError(t, consumer.RegisterCallback(func(ctx context.Context, body json.RawMessage) error {
			seen <- messaging.RoutingKeyFromContext(ctx)
			return nil
		}))
		run(t, consumer.Consume)
		waitReady(t, consumer.Ready())

		publisher := newTopicPublisher(f)
		for i := 0; i < 3; i++ {
			require.NoError(t, publisher.Publish(background(t), contracts.RoutingOutageCreate, i))
		}
		for i := 0; i < 3; i++ {
			assert.Equal(t, contracts.RoutingOutageCreate, receive(t, seen))
		}
	})

	t.Run("undecodable messages are dropped", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		f := newFabric(t, broker)
		consumer, out := subscribe(t, f, []string{"satellite.outage.*"})

		require.NoError(t, broker.Publish(messaging.DefaultTopicExchange, contracts.RoutingOutageCreate,
			amqp.Publishing{Body: []byte("\xff\xfe")}))
		require.NoError(t, newTopicPublisher(f).Publish(background(t), contracts.RoutingOutageCreate, "ok"))

		d := receive(t, out)
		assert.JSONEq(t, `"ok"`, string(d.body))
		require.Eventually(t, func() bool {
			q := consumer.Queue()
			return broker.Ready(q) == 0 && broker.Unacked(q) == 0
		}, waitFor, 10*time.Millisecond)
	})
}

func TestTopicConsumerValidation(t *testing.T) {
	noop := func(ctx context.Context, body json.RawMessage) error { return nil }

	t.Run("Consume needs bindings and a callback", func(t *testing.T) {
		f := newFabric(t, rabbitmqtest.NewBroker())

		consumer := messaging.NewTopicConsumer(f.manager, f.provisioner)
		require.NoError(t, consumer.RegisterCallback(noop))
		assert.ErrorIs(t, consumer.Consume(context.Background()), messaging.ErrNoBindings)

		consumer = messaging.NewTopicConsumer(f.manager, f.provisioner)
		require.NoError(t, consumer.Bind("a.b"))
		assert.ErrorIs(t, consumer.Consume(context.Background()), messaging.ErrNoCallback)
	})

	t.Run("invalid patterns and nil callbacks are rejected", func(t *testing.T) {
		f := newFabric(t, rabbitmqtest.NewBroker())
		consumer := messaging.NewTopicConsumer(f.manager, f.provisioner)

		assert.ErrorIs(t, consumer.Bind("a..b"), topics.ErrEmptySegment)
		assert.ErrorIs(t, consumer.Bind("a.b*"), topics.ErrPartialWildcard)
		assert.ErrorIs(t, consumer.RegisterCallback(nil), messaging.ErrNilHandler)
		assert.ErrorIs(t, consumer.Handle("a.*", nil), messaging.ErrNilHandler)
	})

	t.Run("bindings are frozen while consuming", func(t *testing.T) {
		f := newFabric(t, rabbitmqtest.NewBroker())
		consumer, _ := subscribe(t, f, []string{"a.*"})

		assert.ErrorIs(t, consumer.Bind("b.*"), messaging.ErrAlreadyConsuming)
		assert.ErrorIs(t, consumer.Consume(context.Background()), messaging.ErrAlreadyConsuming)
	})

	t.Run("Cancel before Consume prevents it", func(t *testing.T) {
		f := newFabric(t, rabbitmqtest.NewBroker())
		consumer := messaging.NewTopicConsumer(f.manager, f.provisioner)
		require.NoError(t, consumer.Bind("a.*"))
		require.NoError(t, consumer.RegisterCallback(noop))

		require.NoError(t, consumer.Cancel())
		assert.ErrorIs(t, consumer.Consume(context.Background()), messaging.ErrCancelled)
	})

	t.Run("routing keys with wildcards cannot be published", func(t *testing.T) {
		f := newFabric(t, rabbitmqtest.NewBroker())
		err := newTopicPublisher(f).Publish(context.Background(), "satellite.*", "x")
		assert.ErrorIs(t, err, topics.ErrWildcardInKey)
	})
}
