// Package wire defines the websocket protocol shared by the UI clients, the
// server and the execution manager: the three frame envelopes (request,
// response, event) plus the typed argument and data payloads they carry.
//
// Every frame is one JSON object in one text frame. A frame is classified by
// which discriminator key it carries: "request", "response" or "event".
// Requests and responses correlate through a numeric id chosen by the caller;
// events have no id and flow only server -> client.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ChangeType tags a Changed event with the mutation it mirrors.
type ChangeType string

const (
	ChangeAdd    ChangeType = "ADD"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeRemove ChangeType = "REMOVE"
)

// Request is an RPC call frame. Args is left raw so proxied requests can be
// forwarded without re-encoding; handlers decode it with DecodeArgs.
type Request struct {
	Request string          `json:"request"`
	ID      int             `json:"id"`
	Args    json.RawMessage `json:"args,omitempty"`
	DryRun  bool            `json:"dryRun,omitempty"`
}

// Response answers exactly one Request, echoing its discriminator and id.
// Result false carries the failure in Messages; Data is present only on
// success and only for RPCs that return a payload.
type Response struct {
	Response string          `json:"response"`
	ID       int             `json:"id"`
	Result   bool            `json:"result"`
	Messages []string        `json:"messages,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Event is a server-push frame. ChangeType and ParentID qualify Changed
// events; both are empty otherwise.
type Event struct {
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data,omitempty"`
	ChangeType ChangeType      `json:"changeType,omitempty"`
	ParentID   string          `json:"parentId,omitempty"`
}

// Framing errors. Frames that fail to decode are dropped by the reader
// without a response; the connection stays open.
var (
	ErrNotJSON      = errors.New("wire: frame is not a JSON object")
	ErrNoKind       = errors.New("wire: frame carries no request, response or event key")
	ErrMissingID    = errors.New("wire: request frame is missing its id")
	ErrAmbiguousKind = errors.New("wire: frame carries more than one discriminator")
)

// FrameKind tells a reader which envelope a decoded frame uses.
type FrameKind int

const (
	FrameRequest FrameKind = iota + 1
	FrameResponse
	FrameEvent
)

// Frame is the result of Decode: exactly one of Request, Response, Event is
// populated, selected by Kind.
type Frame struct {
	Kind     FrameKind
	Request  Request
	Response Response
	Event    Event
}

// Decode classifies and decodes one inbound frame. It returns a framing
// error (ErrNotJSON and friends) for anything that must be dropped.
func Decode(raw []byte) (Frame, error) {
	var sh struct {
		Request    string          `json:"request"`
		Response   string          `json:"response"`
		Event      string          `json:"event"`
		ID         *int            `json:"id"`
		Args       json.RawMessage `json:"args"`
		DryRun     bool            `json:"dryRun"`
		Result     bool            `json:"result"`
		Messages   []string        `json:"messages"`
		Data       json.RawMessage `json:"data"`
		ChangeType ChangeType      `json:"changeType"`
		ParentID   string          `json:"parentId"`
	}
	if err := json.Unmarshal(raw, &sh); err != nil {
		return Frame{}, ErrNotJSON
	}

	kinds := 0
	for _, k := range []string{sh.Request, sh.Response, sh.Event} {
		if k != "" {
			kinds++
		}
	}
	switch {
	case kinds == 0:
		return Frame{}, ErrNoKind
	case kinds > 1:
		return Frame{}, ErrAmbiguousKind
	}

	switch {
	case sh.Request != "":
		if sh.ID == nil {
			return Frame{}, ErrMissingID
		}
		return Frame{Kind: FrameRequest, Request: Request{
			Request: sh.Request, ID: *sh.ID, Args: sh.Args, DryRun: sh.DryRun,
		}}, nil
	case sh.Response != "":
		if sh.ID == nil {
			return Frame{}, ErrMissingID
		}
		return Frame{Kind: FrameResponse, Response: Response{
			Response: sh.Response, ID: *sh.ID, Result: sh.Result, Messages: sh.Messages, Data: sh.Data,
		}}, nil
	default:
		return Frame{Kind: FrameEvent, Event: Event{
			Event: sh.Event, Data: sh.Data, ChangeType: sh.ChangeType, ParentID: sh.ParentID,
		}}, nil
	}
}

// DecodeArgs unmarshals a request's args into v. Absent args decode as an
// empty object so RPCs without arguments accept both {} and nothing.
func DecodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("wire: invalid args: %w", err)
	}
	return nil
}

// OK builds a success response with an optional data payload. A nil data
// leaves the field out entirely.
func OK(name string, id int, data any) (Response, error) {
	resp := Response{Response: name, ID: id, Result: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Response{}, fmt.Errorf("wire: encode response data: %w", err)
		}
		resp.Data = raw
	}
	return resp, nil
}

// Fail builds a failure response carrying the given messages.
func Fail(name string, id int, messages ...string) Response {
	return Response{Response: name, ID: id, Result: false, Messages: messages}
}

// NewEvent builds an event frame with an optional data payload.
func NewEvent(name string, data any) (Event, error) {
	ev := Event{Event: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("wire: encode event data: %w", err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// Changed builds a Changed event carrying the entity's post-state.
func Changed(name string, data any, ct ChangeType, parentID string) (Event, error) {
	ev, err := NewEvent(name, data)
	if err != nil {
		return Event{}, err
	}
	ev.ChangeType = ct
	ev.ParentID = parentID
	return ev, nil
}

// Encode marshals a frame for the wire.
func (r Request) Encode() ([]byte, error)  { return json.Marshal(r) }
func (r Response) Encode() ([]byte, error) { return json.Marshal(r) }
func (e Event) Encode() ([]byte, error)    { return json.Marshal(e) }
