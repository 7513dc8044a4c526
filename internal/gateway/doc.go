// Package gateway is the agent-side relay server.
//
// # Overview
//
// The Server owns the persisted event log, a live fan-out hub and the HTTP
// listener. UI processes connect to /ws, authenticate in-band with a JWT and
// then receive every appended event as a session.event push while they
// replay anything they missed through events.replay.
//
// # Endpoint
//
// Endpoint is the reusable socket half. Each peer gets:
//
//   - a writer goroutine draining a bounded send queue with a write deadline
//   - a reader loop that decodes frames once with protocol.Decode
//   - an auth gate: only auth and ping are served before authentication
//
// Authenticated peers subscribe to the hub. A peer whose queue overflows is
// closed with 1013 and reason slow_consumer; it reconnects and replays from
// its cursors rather than silently missing events. The bridge serves its
// local consumers with the same Endpoint and its own handler table.
//
// # Methods
//
//	events.append     {sessionKey, eventType, payload} -> {seq}
//	events.replay     {cursors, limit}                 -> {events, hasMore}
//	events.since      {sessionKeys, afterSeq}          -> {events}
//	events.prune      {sessionKey, uptoSeq}            -> {deleted}
//	sessions.complete {sessionKey}                     -> {deleted}
//	sessions.delete   {sessionKey}                     -> {deleted}
//	echo              any                              -> same value
//
// # HTTP
//
//	GET /ws            websocket endpoint
//	GET /health        liveness
//	GET /health/ready  readiness (event log reachable)
//	GET /metrics       Prometheus metrics, when enabled
package gateway
