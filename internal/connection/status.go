// ABOUTME: Connection states and the status snapshot reported to observers
// ABOUTME: Carries disconnect reason, retry delay, reconnect counters and connect id

package connection

import "time"

// State is the connection lifecycle phase.
type State string

const (
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateAuthenticated State = "authenticated"
	StateDisconnected  State = "disconnected"
)

// Active reports whether a socket is open or being opened.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateAuthenticated
}

// Status is a snapshot of the machine.
type Status struct {
	State State
	// Reason explains the last disconnect.
	Reason string
	// RetryIn is the delay before the scheduled reconnect; zero when none.
	RetryIn time.Duration
	// ReconnectCount counts every scheduled reconnect and never resets.
	ReconnectCount int
	// ReconnectAttempt counts reconnects since the last successful auth.
	ReconnectAttempt int
	// ConnectID is issued by the far end on each successful auth.
	ConnectID string
}
