// Package oscrelay is a UDP relay implementing topic-based publish/subscribe
// for Open Sound Control.
//
// # Protocol
//
// Clients send OSC packets to the receive port (default 9000):
//
//	/subscribe ,s <topic>     start receiving messages addressed to <topic>
//	/unsubscribe ,s <topic>   stop receiving them
//	<any other message>       delivered to every subscriber of its address
//
// Bundles are flattened and each leaf message is routed on its own; control
// addresses inside a bundle are ordinary payload. Forwarded datagrams leave
// from the send port (default 9001). Topics match exactly, no wildcards.
//
// # Architecture
//
//	transport/udp ──► command.Classifier ──► registry.Registry ──► dispatcher.Dispatcher ──► send pool
//	bridge/websocket ─┘                                    └──► mirror/nats
//
// Each (topic, subscriber) pair owns a bounded queue drained by its own
// dispatcher goroutine, so a slow subscriber only loses its own messages.
//
// # Packages
//
//   - osc: OSC 1.0 codec with bounded nesting depth
//   - command: datagram classification into subscribe, unsubscribe, deliver
//   - registry: sharded subscription registry
//   - dispatcher: per-subscriber delivery loops
//   - transport/udp: receive and send endpoints
//   - bridge/websocket: optional WebSocket endpoint carrying binary OSC frames
//   - mirror/nats: optional NATS publication of routed messages
//   - relay: wiring and shutdown
//   - config, metric, health, lifecycle, errors: ambient infrastructure
//   - pkg/buffer, pkg/worker, pkg/retry: reusable primitives
package oscrelay
