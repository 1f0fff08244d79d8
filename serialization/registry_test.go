package serialization

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/glimte/satmesh-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type imageRequest struct {
	Latitude  float64 `json:"Latitude"`
	Longitude float64 `json:"Longitude"`
}

type cancellation struct {
	ID string `json:"id"`
}

func TestRegistry(t *testing.T) {
	t.Run("decodes registered queue payloads", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("IMAGE_MANAGEMENT", &imageRequest{}))

		v, err := r.Decode("IMAGE_MANAGEMENT", json.RawMessage(`{"Latitude": 1.0}`))
		require.NoError(t, err)

		req, ok := v.(*imageRequest)
		require.True(t, ok)
		assert.Equal(t, 1.0, req.Latitude)
	})

	t.Run("matches routing-key patterns", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(contracts.RoutingAnyCancelled, cancellation{}))

		v, err := r.Decode("schedule.image.cancelled", json.RawMessage(`{"id":"x"}`))
		require.NoError(t, err)
		assert.Equal(t, &cancellation{ID: "x"}, v)
	})

	t.Run("exact names win over patterns", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("satellite.state.*", cancellation{}))
		require.NoError(t, r.Register("satellite.state.sat-1", imageRequest{}))

		typ, ok := r.Lookup("satellite.state.sat-1")
		require.True(t, ok)
		assert.Equal(t, "imageRequest", typ.Name())
	})

	t.Run("falls back to raw payloads", func(t *testing.T) {
		r := NewRegistry()
		v, err := r.Decode("unknown", json.RawMessage(`[1,2]`))
		require.NoError(t, err)
		assert.Equal(t, RawPayload{Destination: "unknown", Data: json.RawMessage(`[1,2]`)}, v)
	})

	t.Run("reports payload mismatches as DecodingErrors", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("IMAGE_MANAGEMENT", imageRequest{}))

		_, err := r.Decode("IMAGE_MANAGEMENT", json.RawMessage(`{"Latitude": "north"}`))
		var decErr *DecodingError
		require.True(t, errors.As(err, &decErr))
		assert.Equal(t, "IMAGE_MANAGEMENT", decErr.Destination)
	})

	t.Run("rejects invalid registrations", func(t *testing.T) {
		r := NewRegistry()
		assert.Error(t, r.Register("", imageRequest{}))
		assert.Error(t, r.Register("q", nil))
		assert.Error(t, r.Register("q", 42))
		assert.Error(t, r.Register("a.#b", imageRequest{}))
	})

	t.Run("re-registering the same type is a no-op, a different one fails", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register("q", imageRequest{}))
		assert.NoError(t, r.Register("q", &imageRequest{}))
		assert.Error(t, r.Register("q", cancellation{}))
	})

	t.Run("default registry decodes listener events", func(t *testing.T) {
		env, err := contracts.NewEnvelope(contracts.ListenerEvent{SatelliteID: "sat-42"})
		require.NoError(t, err)

		v, err := DefaultRegistry().DecodeEnvelope(contracts.RoutingListenerCreate, env)
		require.NoError(t, err)
		assert.Equal(t, &contracts.ListenerEvent{SatelliteID: "sat-42"}, v)
	})

	t.Run("lists destinations", func(t *testing.T) {
		r := NewRegistry()
		r.MustRegister("b", imageRequest{})
		r.MustRegister("a.*", cancellation{})
		assert.Equal(t, []string{"a.*", "b"}, r.Destinations())
	})
}
