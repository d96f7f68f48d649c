// Package health reports relay component health.
//
// Components expose a CheckFunc (the UDP transport reports whether both
// sockets are bound, the NATS mirror whether its connection is up) and the
// Monitor aggregates them: any unhealthy component makes the system
// unhealthy, otherwise any degraded one makes it degraded.
//
//	mon := health.NewMonitor()
//	mon.Register("udp-transport", transport.Health)
//	status := mon.AggregateHealth("oscrelay")
//
// Error text placed in a Status via FromError is sanitized so peer addresses
// and credentials never reach the /health endpoint.
package health
