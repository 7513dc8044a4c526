// Package protocol defines the JSON frames exchanged over the relay socket.
//
// One socket carries three kinds of message, told apart on the wire only by
// which fields are present:
//
//	{"method": "auth", "params": {...}, "id": 1}   request
//	{"id": 1, "result": {...}}                       response
//	{"id": 1, "error": "unauthenticated"}            failed response
//	{"event": "session.event", "data": {...}, "seq": 42}   pushed event
//
// Decode turns that untagged union into a Frame (*Request, *Response or
// *Event) exactly once, so dispatch code switches on a type instead of
// probing fields.
//
// Close codes 4101-4104 are application codes; CloseReason maps them and the
// standard codes to the reason strings reported in connection status.
package protocol
