package contracts

import "encoding/json"

// ListenerEvent announces that a live viewer started or stopped watching a
// satellite. It is published on RoutingListenerCreate / RoutingListenerDestroy.
type ListenerEvent struct {
	SatelliteID string `json:"satellite_id"`
}

// RelayBroadcast asks the relay to push Message to live viewers: to every
// member of Group, or to every viewer when Group is empty.
type RelayBroadcast struct {
	Group   string          `json:"group,omitempty"`
	Message json.RawMessage `json:"message"`
}
