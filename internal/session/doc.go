// Package session follows a set of sessions across reconnects.
//
// A Coordinator holds one cursor per tracked session: the highest seq
// already applied. Subscribe it to a client and it catches up on every
// transition into connected:
//
//	coord := session.New(session.Options{
//	    Fetcher: session.RPCFetcher{Client: c},
//	    Apply:   render,
//	})
//	coord.Track("session-a")
//	defer c.Subscribe(coord)()
//
// Catch-up pages through the Fetcher until a page comes back short. Live
// events that arrive meanwhile are held and applied afterwards. Any event at
// or below its session's cursor is dropped, so redelivery is harmless.
// Events pushed while not connected are left for the next catch-up.
//
// A failed catch-up is logged and tried again on the next connect, or when
// another session is tracked.
package session
