// ABOUTME: Wire envelope for the relay socket: requests, responses and pushed events
// ABOUTME: Decode classifies raw JSON into a tagged Frame once, at the boundary

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownFrame is returned for messages that are neither RPC nor event frames
var ErrUnknownFrame = errors.New("unknown frame")

// Method names understood by every endpoint.
const (
	MethodAuth = "auth"
	MethodPing = "ping"
)

// Event names pushed over the socket.
const (
	EventSession     = "session.event"
	EventBridgeState = "bridge.state"
)

// Kind discriminates decoded frames.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Frame is a decoded wire message: *Request, *Response or *Event.
type Frame interface {
	Kind() Kind
}

// Request asks the far end to run a method.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same ID. Error is set on failure.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Event is an unsolicited push. Seq mirrors the event log seq when the
// event carries one.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Seq   *int64          `json:"seq,omitempty"`
}

func (*Request) Kind() Kind  { return KindRequest }
func (*Response) Kind() Kind { return KindResponse }
func (*Event) Kind() Kind    { return KindEvent }

// envelope is the untagged union as it appears on the wire.
type envelope struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Seq    *int64          `json:"seq"`
}

// Decode parses one wire message into its Frame.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	switch {
	case env.ID != nil && env.Method != "":
		return &Request{ID: *env.ID, Method: env.Method, Params: env.Params}, nil
	case env.ID != nil:
		resp := &Response{ID: *env.ID, Result: env.Result}
		if env.Error != nil {
			resp.Error = *env.Error
			if resp.Error == "" {
				resp.Error = "unknown error"
			}
		}
		return resp, nil
	case env.Event != "":
		return &Event{Event: env.Event, Data: env.Data, Seq: env.Seq}, nil
	default:
		return nil, ErrUnknownFrame
	}
}

// Encode marshals a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Kind(), err)
	}
	return data, nil
}

// NewRequest builds a request, marshaling params when non-nil.
func NewRequest(id uint64, method string, params any) (*Request, error) {
	req := &Request{ID: id, Method: method}
	if params != nil {
		raw, err := marshalRaw(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewEvent builds an event frame, marshaling data.
func NewEvent(name string, data any, seq *int64) (*Event, error) {
	raw, err := marshalRaw(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s data: %w", name, err)
	}
	return &Event{Event: name, Data: raw, Seq: seq}, nil
}

func marshalRaw(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
