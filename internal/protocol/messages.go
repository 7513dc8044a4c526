// ABOUTME: Parameter and result payloads for the methods carried over the relay socket
// ABOUTME: Shared by the gateway server, the bridge and the client side

package protocol

import "github.com/2389/coven-relay/internal/store"

// AuthParams is sent by the client right after the socket opens.
type AuthParams struct {
	Token string `json:"token"`
}

// AuthResult reports whether the token was accepted. ConnectID changes on
// every successful auth.
type AuthResult struct {
	Authenticated bool   `json:"authenticated"`
	ConnectID     string `json:"connectId,omitempty"`
}

// PingResult acknowledges a heartbeat.
type PingResult struct {
	Pong bool `json:"pong"`
}

// AppendParams carries an event from a producer into the log.
type AppendParams struct {
	SessionKey string `json:"sessionKey"`
	EventType  string `json:"eventType"`
	Payload    any    `json:"payload,omitempty"`
}

// AppendResult returns the assigned seq.
type AppendResult struct {
	Seq int64 `json:"seq"`
}

// ReplayParams asks for one page of events past each session's cursor.
type ReplayParams struct {
	Cursors store.Cursors `json:"cursors"`
	Limit   int           `json:"limit,omitempty"`
}

// ReplayResult is one replay page. HasMore is set when the page was full.
type ReplayResult struct {
	Events  []store.Event `json:"events"`
	HasMore bool          `json:"hasMore"`
}

// SinceParams asks for every event of a set of sessions past one seq.
type SinceParams struct {
	SessionKeys []string `json:"sessionKeys"`
	AfterSeq    int64    `json:"afterSeq"`
}

// EventsResult carries a list of events.
type EventsResult struct {
	Events []store.Event `json:"events"`
}

// PruneParams deletes a session's events through UptoSeq.
type PruneParams struct {
	SessionKey string `json:"sessionKey"`
	UptoSeq    int64  `json:"uptoSeq"`
}

// SessionParams names a single session.
type SessionParams struct {
	SessionKey string `json:"sessionKey"`
}

// DeletedResult reports how many rows were removed.
type DeletedResult struct {
	Deleted int64 `json:"deleted"`
}

// BridgeState is the payload of a bridge.state event: the bridge's view of
// its upstream connection.
type BridgeState struct {
	State            string `json:"state"`
	Reason           string `json:"reason,omitempty"`
	RetryInMs        int64  `json:"retryInMs,omitempty"`
	ReconnectCount   int    `json:"reconnectCount"`
	ReconnectAttempt int    `json:"reconnectAttempt"`
	ConnectID        string `json:"connectId,omitempty"`
}
