package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrDecode = errors.New("decode envelope")

type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// wireEnvelope mirrors the fields the codec projects out of a frame. Anything
// else on the wire is dropped.
type wireEnvelope struct {
	Type       *string         `json:"type"`
	Data       json.RawMessage `json:"data"`
	ClientID   string          `json:"client_id"`
	Timestamp  float64         `json:"timestamp"`
	Version    string          `json:"version"`
	Priority   *int            `json:"priority"`
	SequenceID *uint64         `json:"sequence_id"`
}

func Marshal(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	if env.Version == "" {
		env.Version = Version
	}
	return json.Marshal(env)
}

func Decode(raw []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return Envelope{}, &DecodeError{Reason: "invalid json"}
		}
		return Envelope{}, &DecodeError{Reason: "not an object"}
	}
	// Probe the type first so a non-string type reports as a schema problem
	// rather than a json type mismatch.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	rawType, ok := probe["type"]
	if !ok {
		return Envelope{}, &DecodeError{Reason: "missing type"}
	}
	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return Envelope{}, &DecodeError{Reason: "type is not a string"}
	}
	msgType, known := ParseMessageType(typ)
	if !known {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unknown type %q", typ)}
	}

	var w wireEnvelope
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed field", Err: err}
	}
	payload := map[string]any{}
	if d := bytes.TrimSpace(w.Data); len(d) > 0 && !bytes.Equal(d, []byte("null")) {
		if d[0] != '{' {
			return Envelope{}, &DecodeError{Reason: "data is not an object"}
		}
		if err := json.Unmarshal(d, &payload); err != nil {
			return Envelope{}, &DecodeError{Reason: "malformed data", Err: err}
		}
	}
	env := Envelope{
		Type:       msgType,
		Payload:    payload,
		ClientID:   w.ClientID,
		Timestamp:  w.Timestamp,
		Version:    w.Version,
		Priority:   DefaultPriority,
		SequenceID: w.SequenceID,
	}
	if w.Priority != nil {
		env.Priority = *w.Priority
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into a typed struct.
func DecodePayload(env Envelope, v any) error {
	b, err := json.Marshal(env.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// PayloadOf converts a typed payload struct into the envelope payload map.
func PayloadOf(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
