// ABOUTME: Client-visible connection state and the listener interface
// ABOUTME: Collapses the four-state connection model, direct or via bridge, into three states

package client

import (
	"time"

	"github.com/2389/coven-relay/internal/connection"
	"github.com/2389/coven-relay/internal/protocol"
)

// State is the simplified connection state exposed to UI code.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// StateInfo describes the client state. Reason, RetryIn and ReconnectCount
// come from the connection that is currently down.
type StateInfo struct {
	State          State
	Reason         string
	RetryIn        time.Duration
	ReconnectCount int
	// ConnectID is informational; it changes on every successful auth of
	// the relay connection.
	ConnectID string
}

// Listener receives state changes and pushed events. Callbacks run on the
// client's goroutines and must not block or call Disconnect or Subscribe.
type Listener interface {
	StateChanged(StateInfo)
	EventReceived(*protocol.Event)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnState func(StateInfo)
	OnEvent func(*protocol.Event)
}

func (f ListenerFuncs) StateChanged(s StateInfo) {
	if f.OnState != nil {
		f.OnState(s)
	}
}

func (f ListenerFuncs) EventReceived(ev *protocol.Event) {
	if f.OnEvent != nil {
		f.OnEvent(ev)
	}
}

// collapse maps a direct connection's status: only an authenticated socket
// counts as connected.
func collapse(st connection.Status) StateInfo {
	info := StateInfo{
		Reason:         st.Reason,
		RetryIn:        st.RetryIn,
		ReconnectCount: st.ReconnectCount,
	}
	switch st.State {
	case connection.StateAuthenticated:
		info.State = StateConnected
		info.ConnectID = st.ConnectID
	case connection.StateConnecting, connection.StateConnected:
		info.State = StateConnecting
	default:
		info.State = StateDisconnected
	}
	return info
}

// collapseBridged reports the local link while it is not authenticated and
// the bridge's upstream state once it is.
func collapseBridged(link connection.Status, upstream *protocol.BridgeState) StateInfo {
	if link.State != connection.StateAuthenticated {
		return collapse(link)
	}
	if upstream == nil {
		return StateInfo{State: StateConnecting, ReconnectCount: link.ReconnectCount}
	}
	return collapse(connection.Status{
		State:          connection.State(upstream.State),
		Reason:         upstream.Reason,
		RetryIn:        time.Duration(upstream.RetryInMs) * time.Millisecond,
		ReconnectCount: upstream.ReconnectCount,
		ConnectID:      upstream.ConnectID,
	})
}
