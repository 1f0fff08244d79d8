package rabbitmqtest

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openChannel(t *testing.T, b *Broker) *Channel {
	t.Helper()
	conn, err := b.Dial("amqp://test", amqp.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ch, err := conn.Channel()
	require.NoError(t, err)
	return ch.(*Channel)
}

func next(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d := <-deliveries:
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}
	return amqp.Delivery{}
}

func TestBrokerRouting(t *testing.T) {
	t.Run("topic exchanges route by pattern", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		require.NoError(t, ch.ExchangeDeclare("events", amqp.ExchangeTopic, true, false, false, false, nil))
		for _, q := range []string{"listeners", "cancellations"} {
			_, err := ch.QueueDeclare(q, true, false, false, false, nil)
			require.NoError(t, err)
		}
		require.NoError(t, ch.QueueBind("listeners", "satellite.state.listener.*", "events", false, nil))
		require.NoError(t, ch.QueueBind("cancellations", "#.#.cancelled", "events", false, nil))

		for _, key := range []string{"satellite.state.listener.create", "maintenance.cancelled", "outage.create"} {
			require.NoError(t, b.Publish("events", key, amqp.Publishing{Body: []byte(key)}))
		}

		assert.Equal(t, 1, b.Ready("listeners"))
		assert.Equal(t, 1, b.Ready("cancellations"))
		assert.Equal(t, "maintenance.cancelled", string(b.Peek("cancellations")[0].Body))
	})

	t.Run("the default exchange routes by queue name", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		_, err := ch.QueueDeclare("LOGIN", true, false, false, false, nil)
		require.NoError(t, err)

		require.NoError(t, ch.PublishWithContext(context.Background(), "", "LOGIN", false, false, amqp.Publishing{Body: []byte("x")}))
		assert.Equal(t, 1, b.Ready("LOGIN"))
	})

	t.Run("declaring the default exchange is refused", func(t *testing.T) {
		ch := openChannel(t, NewBroker())
		err := ch.ExchangeDeclare("", amqp.ExchangeDirect, true, false, false, false, nil)
		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.AccessRefused, amqpErr.Code)
		assert.True(t, ch.IsClosed())
	})
}

func TestBrokerAcknowledgement(t *testing.T) {
	t.Run("nacked messages are requeued at the head as redelivered", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, b.Publish("", "q", amqp.Publishing{Body: []byte("1")}))
		require.NoError(t, b.Publish("", "q", amqp.Publishing{Body: []byte("2")}))

		require.NoError(t, ch.Qos(1, 0, false))
		deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
		require.NoError(t, err)

		first := next(t, deliveries)
		assert.Equal(t, "1", string(first.Body))
		assert.False(t, first.Redelivered)
		require.NoError(t, first.Nack(false, true))

		again := next(t, deliveries)
		assert.Equal(t, "1", string(again.Body))
		assert.True(t, again.Redelivered)
		require.NoError(t, again.Ack(false))

		assert.Equal(t, "2", string(next(t, deliveries).Body))
	})

	t.Run("rejected messages follow the dead-letter arguments", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		require.NoError(t, ch.ExchangeDeclare("dlx", amqp.ExchangeDirect, true, false, false, false, nil))
		_, err := ch.QueueDeclare("q.dlq", true, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, ch.QueueBind("q.dlq", "q.dlq", "dlx", false, nil))
		_, err = ch.QueueDeclare("q", true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    "dlx",
			"x-dead-letter-routing-key": "q.dlq",
		})
		require.NoError(t, err)
		require.NoError(t, b.Publish("", "q", amqp.Publishing{Body: []byte("bad")}))

		deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, next(t, deliveries).Reject(false))

		dead := b.Peek("q.dlq")
		require.Len(t, dead, 1)
		deaths, ok := dead[0].Headers["x-death"].([]interface{})
		require.True(t, ok)
		assert.Equal(t, "q", deaths[0].(amqp.Table)["queue"])
	})

	t.Run("acknowledging an unknown tag closes the channel", func(t *testing.T) {
		ch := openChannel(t, NewBroker())
		err := ch.Ack(42, false)

		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
		assert.True(t, ch.IsClosed())
	})

	t.Run("closing a channel requeues its unacknowledged messages", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, b.Publish("", "q", amqp.Publishing{Body: []byte("1")}))

		deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
		require.NoError(t, err)
		next(t, deliveries)
		assert.Equal(t, 1, b.Unacked("q"))

		require.NoError(t, ch.Close())
		assert.Equal(t, 1, b.Ready("q"))
		assert.True(t, b.Peek("q")[0].Body != nil)
	})
}

func TestBrokerExclusiveQueues(t *testing.T) {
	t.Run("exclusive queues are private to their connection and die with it", func(t *testing.T) {
		b := NewBroker()
		owner := openChannel(t, b)
		q, err := owner.QueueDeclare("", false, true, true, false, nil)
		require.NoError(t, err)

		other := openChannel(t, b)
		_, err = other.Consume(q.Name, "c2", false, false, false, false, nil)
		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.ResourceLocked, amqpErr.Code)

		require.NoError(t, owner.conn.Close())
		assert.False(t, b.HasQueue(q.Name))
	})

	t.Run("inequivalent redeclaration is a precondition failure", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		require.NoError(t, ch.ExchangeDeclare("x", amqp.ExchangeTopic, true, false, false, false, nil))

		err := openChannel(t, b).ExchangeDeclare("x", amqp.ExchangeDirect, true, false, false, false, nil)
		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
	})
}

func TestBrokerConfirms(t *testing.T) {
	t.Run("confirm mode acknowledges each publish in order", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		require.NoError(t, ch.Confirm(false))
		confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 2))

		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			require.NoError(t, ch.PublishWithContext(context.Background(), "", "q", false, false, amqp.Publishing{}))
		}

		assert.Equal(t, uint64(1), (<-confirms).DeliveryTag)
		assert.Equal(t, uint64(2), (<-confirms).DeliveryTag)
	})

	t.Run("publishing to a missing exchange closes the channel with 404", func(t *testing.T) {
		ch := openChannel(t, NewBroker())
		closes := ch.NotifyClose(make(chan *amqp.Error, 1))

		require.NoError(t, ch.PublishWithContext(context.Background(), "nowhere", "k", false, false, amqp.Publishing{}))

		err := <-closes
		require.NotNil(t, err)
		assert.Equal(t, amqp.NotFound, err.Code)
		assert.True(t, ch.IsClosed())
	})
}
