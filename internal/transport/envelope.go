// Package transport carries the event protocol between peers and sessions.
// Two endpoints speak the same envelope: a WebSocket endpoint for long-lived
// connections and an HTTP long-polling endpoint for peers that cannot hold
// one. Both hand decoded events to the session layer one at a time, so the
// per-session ordering guarantee is the transport's to keep.
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyEvent is returned for frames that carry no event name.
var ErrEmptyEvent = errors.New("envelope has no event name")

// Envelope is one framed event on the wire: a name and its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeEnvelope parses one wire frame. Unknown extra fields are ignored so
// clients can version forward.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return env, ErrEmptyEvent
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return env, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Event == "" {
		return env, ErrEmptyEvent
	}
	return env, nil
}

// EncodeEnvelope renders one outbound frame.
func EncodeEnvelope(event string, data any) ([]byte, error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
