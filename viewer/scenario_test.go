package viewer_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/satmesh-go/contracts"
	"github.com/glimte/satmesh-go/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/satmesh-go/messaging"
	"github.com/glimte/satmesh-go/viewer"
)

// TestLiveViewers runs the whole relay against the in-memory broker: a viewer
// tagged sat-42 sees satellite 42's state and nothing else, and leaving
// announces the same satellite's listener destroy.
func TestLiveViewers(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	f := newFabric(t, broker)
	tracker, changes := startTracker(t, f)

	publisher := messaging.NewTopicPublisher(f.publisher, f.provisioner, messaging.WithTopicPublisherLogger(quiet))
	hub := viewer.NewHub(viewer.WithHubLogger(quiet))
	source := viewer.NewTopicStateSource(f.manager, f.provisioner, viewer.WithSourceLogger(quiet))
	base := serve(t, viewer.NewHandler(hub, source, publisher,
		viewer.WithHandlerLogger(quiet),
		viewer.WithSessionOptions(viewer.WithHeartbeat(time.Minute))))

	sat42 := dial(t, base+"/ws/satellites/42?group=sat-42")
	sat7 := dial(t, base+"/ws/satellites/7?group=sat-7")

	watched := map[string]bool{}
	for len(watched) < 2 {
		change := receive(t, changes)
		require.True(t, change.watched)
		watched[change.entityID] = true
	}
	assert.Equal(t, []string{"42", "7"}, tracker.Entities())
	assert.Equal(t, 1, hub.Members("sat-42"))
	assert.Equal(t, 1, hub.Members("sat-7"))

	t.Run("a viewer receives only its satellite's state", func(t *testing.T) {
		err := publisher.Publish(context.Background(), contracts.SatelliteStateKey("42"),
			map[string]float64{"Latitude": 12.5, "Longitude": -3})
		require.NoError(t, err)

		assert.JSONEq(t, `{"Latitude":12.5,"Longitude":-3}`, readJSON(t, sat42))

		require.NoError(t, sat7.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
		_, _, err = sat7.ReadMessage()
		var netErr net.Error
		require.True(t, errors.As(err, &netErr), "expected a read timeout, got %v", err)
		assert.True(t, netErr.Timeout())
	})

	t.Run("disconnecting announces the destroy for the same satellite", func(t *testing.T) {
		require.NoError(t, sat42.Close())

		assert.Equal(t, watchChange{"42", false}, receive(t, changes))
		assert.False(t, tracker.Watched("42"))
		assert.Eventually(t, func() bool { return hub.Members("sat-42") == 0 }, waitFor, tick)
	})

	require.NoError(t, sat7.Close())
	assert.Equal(t, watchChange{"7", false}, receive(t, changes))
	assert.Eventually(t, func() bool { return hub.Count() == 0 }, waitFor, tick)
	assert.Eventually(t, func() bool { return len(privateQueues(broker)) == 1 }, waitFor, tick,
		"only the tracker's queue should remain")
}
