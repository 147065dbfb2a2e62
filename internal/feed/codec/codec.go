// Package codec holds the frame decoders the feed client can plug in. The
// gateway's wire format is chosen by configuration; none of these decoders
// understand the payloads themselves.
package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/segmentio/encoding/json"
	"marketfeed.com/internal/feed"
)

var (
	ErrEmptyTag  = errors.New("codec: empty event tag")
	ErrMalformed = errors.New("codec: malformed packet")
)

// Raw tags every read with one fixed event type (the type is known out of band,
// e.g. one connection per event stream).
type Raw struct {
	Event string
}

func (r Raw) Decode(raw []byte) ([]feed.Frame, error) {
	ev := r.Event
	if ev == "" {
		ev = feed.RawEvent
	}
	return []feed.Frame{{Event: ev, Payload: raw}}, nil
}

// Tagged splits `<event><sep><payload>`, e.g. `1501-json-full|{...}`.
type Tagged struct {
	Sep byte
}

func (t Tagged) Decode(raw []byte) ([]feed.Frame, error) {
	sep := t.Sep
	if sep == 0 {
		sep = '|'
	}
	i := bytes.IndexByte(raw, sep)
	if i < 0 {
		return nil, fmt.Errorf("%w: no %q separator", ErrMalformed, sep)
	}
	if i == 0 {
		return nil, ErrEmptyTag
	}
	return []feed.Frame{{Event: string(raw[:i]), Payload: raw[i+1:]}}, nil
}

// JSONEnvelope decodes `{"event": "...", "data": ...}`. A string data field is
// unquoted; any other JSON value is passed on verbatim.
type JSONEnvelope struct{}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (JSONEnvelope) Decode(raw []byte) ([]feed.Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return nil, ErrEmptyTag
	}
	payload, err := unquote(env.Data)
	if err != nil {
		return nil, err
	}
	return []feed.Frame{{Event: env.Event, Payload: payload}}, nil
}

// unquote turns a JSON string into its bytes and leaves other values alone.
func unquote(v json.RawMessage) ([]byte, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || v[0] != '"' {
		return v, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return []byte(s), nil
}

// New picks a decoder by name: raw, tagged, json, socketio.
func New(name, rawEvent string) (feed.Decoder, error) {
	switch name {
	case "", "raw":
		return Raw{Event: rawEvent}, nil
	case "tagged":
		return Tagged{}, nil
	case "json":
		return JSONEnvelope{}, nil
	case "socketio":
		return SocketIO{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown decoder %q", name)
	}
}
