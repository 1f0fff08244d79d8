//go:build integration

package satmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/glimte/satmesh-go/config"
	"github.com/glimte/satmesh-go/contracts"
	"github.com/glimte/satmesh-go/messaging"
	"github.com/glimte/satmesh-go/viewer"
)

// startRabbitMQ boots a throwaway broker and returns its host and port.
func startRabbitMQ(t *testing.T) (string, int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, broker)

	host, err := broker.Host(ctx)
	require.NoError(t, err)
	port, err := broker.MappedPort(ctx, "5672/tcp")
	require.NoError(t, err)
	return host, port.Int()
}

func TestClientAgainstRabbitMQ(t *testing.T) {
	host, port := startRabbitMQ(t)

	newRealClient := func(t *testing.T, adjust func(*config.Config)) (*config.Config, *Client) {
		t.Helper()
		cfg := config.Default()
		cfg.Broker.Host = host
		cfg.Broker.Port = port
		cfg.Exchanges.Direct = fmt.Sprintf("it.%s.direct", t.Name())
		cfg.Exchanges.Topic = fmt.Sprintf("it.%s.topic", t.Name())
		if adjust != nil {
			adjust(cfg)
		}
		client, err := NewClientFromConfig(cfg, WithLogger(quiet))
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
		require.NoError(t, client.Connect(context.Background()))
		return cfg, client
	}

	t.Run("the fabric topology provisions twice without conflict", func(t *testing.T) {
		cfg, client := newRealClient(t, nil)

		require.NoError(t, client.Provision(context.Background(), cfg.FabricTopology()))
		require.NoError(t, client.Provision(context.Background(), cfg.FabricTopology()))
	})

	t.Run("a published request is consumed once with its correlation id", func(t *testing.T) {
		cfg, client := newRealClient(t, nil)
		queue := "IT_" + cfg.Queues.ImageManagement

		result, err := client.Publisher().Send(context.Background(), queue, map[string]float64{"Latitude": 1},
			contracts.WithRequestOwner("server"))
		require.NoError(t, err)

		got := make(chan *messaging.Message, 2)
		consume(t, client.NewConsumer(), queue, func(ctx context.Context, msg *messaging.Message) error {
			got <- msg
			return nil
		})

		select {
		case msg := <-got:
			assert.Equal(t, result.CorrelationID, msg.CorrelationID())
			assert.Equal(t, "server", msg.Envelope.RequestOwner())
		case <-time.After(10 * time.Second):
			t.Fatal("message never arrived")
		}
		select {
		case msg := <-got:
			t.Fatalf("unexpected second delivery %s", msg.CorrelationID())
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("a message failing past its redeliveries reaches the dead-letter queue", func(t *testing.T) {
		_, client := newRealClient(t, nil)
		queue := "IT_FAILING"

		var attempts atomic.Int32
		consume(t, client.NewConsumer(messaging.WithMaxRedeliveries(2)), queue, func(ctx context.Context, msg *messaging.Message) error {
			attempts.Add(1)
			return assert.AnError
		})

		result, err := client.Publisher().Send(context.Background(), queue, map[string]string{"job": "x"})
		require.NoError(t, err)

		dead := make(chan string, 1)
		consume(t, client.NewConsumer(), queue+".dlq", func(ctx context.Context, msg *messaging.Message) error {
			dead <- msg.CorrelationID()
			return nil
		})

		select {
		case id := <-dead:
			assert.Equal(t, result.CorrelationID, id)
			assert.Equal(t, int32(3), attempts.Load())
		case <-time.After(10 * time.Second):
			t.Fatal("message was never dead-lettered")
		}
	})

	t.Run("live state reaches a stream opened through the client", func(t *testing.T) {
		_, client := newRealClient(t, nil)

		stream, err := client.NewStateSource().Open(context.Background(), "42")
		require.NoError(t, err)
		defer stream.Close()

		require.NoError(t, client.TopicPublisher().Publish(context.Background(), contracts.SatelliteStateKey("42"),
			map[string]float64{"Latitude": 2}))

		select {
		case update := <-stream.Updates():
			assert.JSONEq(t, `{"Latitude":2}`, string(update))
		case <-time.After(10 * time.Second):
			t.Fatal("state update never arrived")
		}
	})

	t.Run("listener announcements drive the tracker", func(t *testing.T) {
		_, client := newRealClient(t, nil)

		changes := make(chan string, 4)
		tracker, err := client.NewListenerTracker(viewer.OnWatchChange(func(id string, watched bool) {
			changes <- fmt.Sprintf("%s:%t", id, watched)
		}))
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- tracker.Run(ctx) }()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		<-tracker.Ready()

		event := json.RawMessage(`{"satellite_id":"7"}`)
		require.NoError(t, client.TopicPublisher().Publish(context.Background(), contracts.RoutingListenerCreate, event))
		require.NoError(t, client.TopicPublisher().Publish(context.Background(), contracts.RoutingListenerDestroy, event))

		for _, want := range []string{"7:true", "7:false"} {
			select {
			case got := <-changes:
				assert.Equal(t, want, got)
			case <-time.After(10 * time.Second):
				t.Fatalf("never saw %s", want)
			}
		}
	})
}
