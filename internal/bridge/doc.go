// Package bridge runs the local bridge process.
//
// A bridge holds the single authenticated socket to a remote relay and lets
// any number of local UI processes share it. Local consumers connect to the
// bridge's own /ws endpoint with a token signed by the bridge's secret.
//
// Every request a consumer sends, other than auth and ping, is forwarded
// upstream with the configured RPC timeout. While upstream is not
// authenticated the request fails at once with upstream_not_connected.
//
// Upstream events are fanned out to every local consumer. A session.event
// whose seq was already delivered is dropped by a TTL dedupe cache, so a
// redelivery after an upstream hiccup reaches consumers once.
//
// Consumers learn the upstream state through bridge.state events: one right
// after they authenticate and one on every upstream transition. The payload
// carries the full four-state status including the reconnect counters.
package bridge
