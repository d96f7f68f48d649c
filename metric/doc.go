// Package metric provides Prometheus metrics for the relay.
//
// MetricsRegistry wraps a private prometheus.Registry, pre-registers the
// relay core Metrics plus Go runtime and process collectors, and lets
// components add their own collectors under a "component.metric" key that is
// checked for duplicates.
//
// Core metrics use the "oscrelay" namespace, for example
//
//	oscrelay_datagrams_received_total{transport="udp"}
//	oscrelay_messages_dropped_total{reason="queue_full"}
//	oscrelay_subscriptions
//
// Server exposes the registry at /metrics (OpenMetrics enabled) and the
// aggregated health status at /health.
package metric
