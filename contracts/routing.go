package contracts

// Routing keys used on the shared topic exchange.
const (
	SatelliteStatePrefix = "satellite.state"

	RoutingListenerCreate  = "satellite.state.listener.create"
	RoutingListenerDestroy = "satellite.state.listener.destroy"
	RoutingListenerAny     = "satellite.state.listener.*"

	RoutingOutageCreate = "satellite.outage.create"

	RoutingMaintenanceCreated     = "schedule.maintenance.created"
	RoutingMaintenanceRescheduled = "schedule.maintenance.rescheduled"
	RoutingImageCreated           = "schedule.image.created"

	// RoutingAnyCancelled catches every "<domain>.<entity>.cancelled" event.
	RoutingAnyCancelled = "#.#.cancelled"
)

// SatelliteStateKey is the routing key carrying state updates for one satellite.
func SatelliteStateKey(satelliteID string) string {
	return SatelliteStatePrefix + "." + satelliteID
}
