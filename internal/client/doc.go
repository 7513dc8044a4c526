// Package client is the gateway client UI processes use.
//
// # Overview
//
// A Client owns one connection.Machine. It is constructed explicitly and
// passed to whatever needs it; there is no package-level instance.
//
//	c := client.New(client.Options{Tokens: chain})
//	stop := c.Subscribe(client.ListenerFuncs{
//	    OnState: func(s client.StateInfo) { ... },
//	    OnEvent: func(ev *protocol.Event) { ... },
//	})
//	c.Connect("ws://127.0.0.1:7420/ws")
//
// # States
//
// The machine's four states collapse to three:
//
//	authenticated          -> connected
//	connecting, connected  -> connecting
//	disconnected           -> disconnected
//
// In ModeBridge the socket leads to a local bridge. While that link is down
// its own status is reported; once it is authenticated the client follows
// the bridge.state events describing the bridge's upstream connection.
// Identical consecutive states are reported once.
//
// # RPC
//
// RPC fails immediately with ErrNotConnected unless the state is connected,
// so callers never queue against an unknown wait. Otherwise it resolves
// with the result, an rpc.RemoteError, rpc.ErrTimeout, or
// rpc.ErrConnectionClosed if the connection drops first.
package client
