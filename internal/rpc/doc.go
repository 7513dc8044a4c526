// Package rpc multiplexes request/reply calls over one socket.
//
// Each Send allocates a fresh id, registers a pending entry with a deadline
// timer and blocks until exactly one of these happens:
//
//   - a response with the same id arrives (Resolve): result or *RemoteError
//   - the deadline fires: ErrTimeout
//   - the socket goes away (Detach): ErrConnectionClosed
//   - the caller's context ends: ctx.Err()
//
// In every case the entry is removed, so no caller hangs across a reconnect
// and a late response for a timed-out id is ignored.
package rpc
