// Package connection owns the single relay socket on the client side.
//
// A Machine drives the socket through connecting, connected, authenticated
// and disconnected. All state lives on one control loop goroutine; socket
// callbacks, timer expiries and API calls post closures to it, so
// transitions never race.
//
//	m := connection.New(connection.Options{
//		Dialer: connection.WebSocketDialer{},
//		Tokens: credentials,
//		OnStatus: func(s connection.Status) { ... },
//		OnEvent: func(ev *protocol.Event) { ... },
//	})
//	m.Connect("ws://127.0.0.1:7420/ws")
//	res, err := m.Call(ctx, "events.replay", params, 10*time.Second)
//
// # Lifecycle
//
// Once the socket opens the machine sends auth with a token from its
// TokenSource. A missing token closes locally with 4102; a rejected one
// closes with 4101 and is invalidated; no answer within the auth timeout
// closes with 4103. While authenticated a ping goes out every ping
// interval and a ping that is late or still outstanding at the next tick
// closes with 4104.
//
// Every close that was not requested through Disconnect schedules a
// reconnect with exponential backoff plus jitter. Pending calls are rejected
// with rpc.ErrConnectionClosed before the next socket is dialed.
//
// # Timers
//
// Reconnect and heartbeat timers are named and run on an injected
// clock.Clock, so tests drive them with clock.Fake.
package connection
