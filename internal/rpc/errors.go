// ABOUTME: Error values returned by the RPC multiplexer
// ABOUTME: Distinguishes local timeouts, dropped connections and remote failures

package rpc

import (
	"errors"
	"fmt"
)

// RPC errors
var (
	ErrTimeout          = errors.New("rpc timed out")
	ErrConnectionClosed = errors.New("connection closed")
)

// RemoteError is a failure reported by the far end in a response's error field.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error: %s", e.Method, e.Message)
}

// IsRemote reports whether err carries a RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
