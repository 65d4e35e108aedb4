package precursors

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind is the envelope message kind.
type Kind string

const (
	// KindEvent is fire-and-forget; it carries no ID.
	KindEvent Kind = "event"
	// KindRequest expects exactly one response with the same ID.
	KindRequest Kind = "request"
	// KindResponse settles the request with the same ID.
	KindResponse Kind = "response"
)

// Envelope is the unit exchanged over the wire, one per frame.
// ID is set only on requests and their responses.
type Envelope struct {
	ID       string          `json:"id,omitempty"`
	Type     Kind            `json:"type"`
	Contents json.RawMessage `json:"contents"`
	Channel  string          `json:"channel"`
}

// Inbound is a classified incoming envelope: EventMessage, ResponseMessage
// or RequestMessage.
type Inbound interface {
	inbound()
}

// EventMessage is an unwrapped event; Name is the "type" field of the
// envelope contents.
type EventMessage struct {
	Channel  string
	Name     string
	Contents json.RawMessage
}

// ResponseMessage settles the request with the same ID.
type ResponseMessage struct {
	ID       string
	Confirm  bool
	Reason   string
	Contents json.RawMessage
}

// RequestMessage is a request initiated by the remote side.
type RequestMessage struct {
	ID       string
	Contents json.RawMessage
}

func (EventMessage) inbound()    {}
func (ResponseMessage) inbound() {}
func (RequestMessage) inbound()  {}

// EncodeMessage serializes an outgoing payload.
func EncodeMessage(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	return b, nil
}

// DecodeMessage parses one frame into an Envelope. Every failure wraps
// ErrMalformedPayload.
func DecodeMessage(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(ErrMalformedPayload, err.Error())
	}

	switch env.Type {
	case KindEvent, KindRequest, KindResponse:
	default:
		return nil, errors.Wrapf(ErrMalformedPayload, "unknown envelope type %q", env.Type)
	}
	if env.Channel == "" {
		return nil, errors.Wrap(ErrMalformedPayload, "missing channel")
	}
	if env.Type != KindEvent && env.ID == "" {
		return nil, errors.Wrapf(ErrMalformedPayload, "%s without id", env.Type)
	}

	return &env, nil
}

// Classify unwraps the envelope into its typed form.
func (e *Envelope) Classify() (Inbound, error) {
	switch e.Type {
	case KindEvent:
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(e.Contents, &head); err != nil {
			return nil, errors.Wrap(ErrMalformedPayload, "event contents: "+err.Error())
		}
		return EventMessage{Channel: e.Channel, Name: head.Type, Contents: e.Contents}, nil

	case KindResponse:
		var head struct {
			Confirm bool   `json:"confirm"`
			Reason  string `json:"reason"`
		}
		if err := json.Unmarshal(e.Contents, &head); err != nil {
			return nil, errors.Wrap(ErrMalformedPayload, "response contents: "+err.Error())
		}
		return ResponseMessage{ID: e.ID, Confirm: head.Confirm, Reason: head.Reason, Contents: e.Contents}, nil

	case KindRequest:
		return RequestMessage{ID: e.ID, Contents: e.Contents}, nil
	}

	return nil, errors.Wrapf(ErrMalformedPayload, "unknown envelope type %q", e.Type)
}
