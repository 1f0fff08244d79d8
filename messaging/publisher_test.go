package messaging_test

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/satmesh-go/contracts"
	"github.com/glimte/satmesh-go/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/satmesh-go/messaging"
	"github.com/glimte/satmesh-go/serialization"
)

type imageOrder struct {
	SatelliteID string  `json:"satellite_id"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

type recordingMetrics struct {
	published []string
	consumed  chan messaging.Outcome
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{consumed: make(chan messaging.Outcome, 16)}
}

func (m *recordingMetrics) RecordPublish(destination string, d time.Duration, success bool) {
	if success {
		m.published = append(m.published, destination)
	}
}

func (m *recordingMetrics) RecordMessage(destination string, d time.Duration, outcome messaging.Outcome) {
	m.consumed <- outcome
}

func TestPublisher(t *testing.T) {
	t.Run("Publish provisions the queue and persists the envelope", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		f := newFabric(t, broker)
		metrics := newRecordingMetrics()
		publisher := messaging.NewPublisher(f.publisher, f.provisioner,
			messaging.WithPublisherLogger(quiet),
			messaging.WithPublisherMetrics(metrics))

		env, err := contracts.NewEnvelope(imageOrder{SatelliteID: "sat-1", Latitude: 59.9}, contracts.WithRequestOwner("server"))
		require.NoError(t, err)

		result, err := publisher.Publish(background(t), "IMAGE_MANAGEMENT", env)
		require.NoError(t, err)

		assert.Equal(t, messaging.DefaultExchange, result.Exchange)
		assert.Equal(t, "IMAGE_MANAGEMENT", result.Queue)
		assert.Equal(t, env.CorrelationID(), result.CorrelationID)
		assert.False(t, result.PublishedAt.IsZero())

		kind, ok := broker.ExchangeKind(messaging.DefaultExchange)
		require.True(t, ok)
		assert.Equal(t, amqp.ExchangeDirect, kind)
		assert.Equal(t, []string{"IMAGE_MANAGEMENT:IMAGE_MANAGEMENT"}, broker.Bindings(messaging.DefaultExchange))

		waiting := broker.Peek("IMAGE_MANAGEMENT")
		require.Len(t, waiting, 1)
		assert.Equal(t, amqp.Persistent, waiting[0].DeliveryMode)
		assert.Equal(t, "application/json", waiting[0].ContentType)
		assert.Equal(t, env.CorrelationID(), waiting[0].CorrelationId)

		var decoded contracts.Envelope
		require.NoError(t, json.Unmarshal(waiting[0].Body, &decoded))
		assert.Equal(t, env.CorrelationID(), decoded.CorrelationID())
		assert.Equal(t, "server", decoded.RequestOwner())
		assert.Equal(t, []string{"IMAGE_MANAGEMENT"}, metrics.published)
	})

	t.Run("publishing twice declares the topology once", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		f := newFabric(t, broker)
		publisher := messaging.NewPublisher(f.publisher, f.provisioner, messaging.WithPublisherLogger(quiet))

		for i := 0; i < 2; i++ {
			_, err := publisher.Send(background(t), "SCHEDULER", imageOrder{SatelliteID: "sat-2"})
			require.NoError(t, err)
		}

		assert.Equal(t, []string{"SCHEDULER:SCHEDULER"}, broker.Bindings(messaging.DefaultExchange))
		assert.Equal(t, 2, broker.Ready("SCHEDULER"))
	})

	t.Run("custom exchange is used for provisioning", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		f := newFabric(t, broker)
		publisher := messaging.NewPublisher(f.publisher, f.provisioner,
			messaging.WithPublisherLogger(quiet),
			messaging.WithExchange("ground.direct"))

		_, err := publisher.Send(background(t), "GROUND_STATION", map[string]string{"pass": "p1"})
		require.NoError(t, err)
		assert.Equal(t, "ground.direct", publisher.Exchange())
		assert.Equal(t, []string{"GROUND_STATION:GROUND_STATION"}, broker.Bindings("ground.direct"))
	})

	t.Run("empty queue name is rejected", func(t *testing.T) {
		f := newFabric(t, rabbitmqtest.NewBroker())
		publisher := messaging.NewPublisher(f.publisher, f.provisioner)

		_, err := publisher.Send(background(t), "", "body")
		assert.ErrorIs(t, err, messaging.ErrEmptyQueue)
	})

	t.Run("unserializable body fails before touching the broker", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		f := newFabric(t, broker)
		publisher := messaging.NewPublisher(f.publisher, f.provisioner)

		_, err := publisher.Send(background(t), "LOGIN", map[string]any{"callback": func() {}})
		var encErr *serialization.EncodingError
		require.ErrorAs(t, err, &encErr)
		assert.Equal(t, 0, broker.Dials())
	})
}
