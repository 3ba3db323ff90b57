// Package protocol defines the FluxGate control-plane wire format: JSON
// frames exchanged over a persistent duplex connection between the gateway
// and its clients (operator UIs, node hosts, channel plugins).
//
// Three frame kinds exist on the wire:
//
//	req   {type:"req", id, method, params}      client → server
//	res   {type:"res", id, ok, payload|error}   server → client
//	event {type:"event", event, payload, seq?}  server → client
//
// The first frame on any connection must be a "connect" request; the server
// rejects everything else until the handshake succeeds.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the single-integer protocol version spoken by this
// server build. Clients advertise a [minProtocol, maxProtocol] window during
// connect; the handshake fails unless the window includes this value.
const ProtocolVersion = 3

// Frame kind discriminators (the "type" field).
const (
	FrameReq   = "req"
	FrameRes   = "res"
	FrameEvent = "event"
)

// Request is a client → server method invocation.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request, matched by ID.
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Event is a server-push frame. Seq is set (and strictly increasing per run)
// for "agent" events; zero otherwise.
type Event struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
}

// Error is the typed error carried in a failed Response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// NewResponse builds a successful response for the given request ID.
// The payload is marshalled eagerly; a marshal failure degrades to INTERNAL.
func NewResponse(id string, payload any) *Response {
	raw, err := json.Marshal(payload)
	if err != nil {
		return NewErrorResponse(id, ErrInternal, "marshal payload: "+err.Error())
	}
	return &Response{Type: FrameRes, ID: id, OK: true, Payload: raw}
}

// NewErrorResponse builds a failed response with a typed error code.
func NewErrorResponse(id, code, message string) *Response {
	return &Response{Type: FrameRes, ID: id, OK: false, Error: &Error{Code: code, Message: message}}
}

// NewEvent builds an event frame. Payload marshal failures produce an event
// with a null payload rather than dropping the event.
func NewEvent(name string, payload any) *Event {
	raw, _ := json.Marshal(payload)
	return &Event{Type: FrameEvent, Event: name, Payload: raw}
}

// NewSeqEvent builds an event frame carrying a per-run sequence number.
func NewSeqEvent(name string, seq uint64, payload any) *Event {
	ev := NewEvent(name, payload)
	ev.Seq = seq
	return ev
}

// frameProbe peeks at the discriminator fields without decoding the body.
type frameProbe struct {
	Type string `json:"type"`
}

// DecodeFrame parses a raw wire frame into *Request, *Response, or *Event.
// Unknown or missing "type" values are a protocol error.
func DecodeFrame(data []byte) (any, error) {
	var probe frameProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch probe.Type {
	case FrameReq:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("malformed req frame: %w", err)
		}
		if req.ID == "" || req.Method == "" {
			return nil, fmt.Errorf("req frame missing id or method")
		}
		return &req, nil
	case FrameRes:
		var res Response
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("malformed res frame: %w", err)
		}
		return &res, nil
	case FrameEvent:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("malformed event frame: %w", err)
		}
		return &ev, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", probe.Type)
	}
}

// VersionCompatible reports whether a client window [min, max] includes the
// server protocol version. A zero max is treated as "no upper bound".
func VersionCompatible(min, max int) bool {
	if max == 0 {
		max = ProtocolVersion
	}
	return min <= ProtocolVersion && ProtocolVersion <= max
}
