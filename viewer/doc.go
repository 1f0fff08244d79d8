// Package viewer streams live entity state to WebSocket viewers.
//
// A Hub keeps the registry of open viewer connections, optionally tagged with
// one group, and broadcasts to all of them or to one group. Each viewer runs a
// Session that subscribes to the entity's state stream on demand:
//
//	connecting -> streaming -> disconnecting -> closed
//
// Entering streaming publishes satellite.state.listener.create for the entity
// and entering disconnecting publishes satellite.state.listener.destroy, so
// producers only emit state while somebody is watching. ListenerTracker is the
// producing side of that protocol.
package viewer
