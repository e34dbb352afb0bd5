package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

var (
	errNotObject   = errors.New("frame is not a JSON object")
	errTypeMissing = errors.New(`"type" field is absent`)
	errTypeEmpty   = errors.New(`"type" field is empty`)
)

// wireEnvelope keeps "type" and "seq" raw so a value of the wrong kind can
// be told apart from a syntax error.
type wireEnvelope struct {
	Type    json.RawMessage `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Seq     json.RawMessage `json:"seq"`
}

// Decode parses a raw text frame into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if !json.Valid(trimmed) {
		var syntaxErr error = errors.New("invalid JSON")
		var probe any
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			syntaxErr = err
		}
		return Envelope{}, &DecodeError{Kind: MalformedJSON, Err: syntaxErr}
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, &DecodeError{Kind: MalformedJSON, Err: errNotObject}
	}

	var wire wireEnvelope
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Envelope{}, &DecodeError{Kind: MalformedJSON, Err: err}
	}

	if len(wire.Type) == 0 || bytes.Equal(wire.Type, []byte("null")) {
		return Envelope{}, &DecodeError{Kind: MissingType, Err: errTypeMissing}
	}

	var msgType string
	if err := json.Unmarshal(wire.Type, &msgType); err != nil {
		return Envelope{}, &DecodeError{Kind: MissingType, Err: fmt.Errorf(`"type" is not a string: %w`, err)}
	}
	if msgType == "" {
		return Envelope{}, &DecodeError{Kind: MissingType, Err: errTypeEmpty}
	}

	env := Envelope{Type: msgType}
	if len(wire.Seq) > 0 && !bytes.Equal(wire.Seq, []byte("null")) {
		if seq, ok := parseSeq(wire.Seq); ok {
			env.Seq = &seq
		} else {
			env.SeqInvalid = true
		}
	}
	if len(wire.Payload) > 0 && !bytes.Equal(wire.Payload, []byte("null")) {
		env.Payload = wire.Payload
	}
	return env, nil
}

// parseSeq accepts any JSON number with an integral value that fits in an
// int64, so 7, 7.0 and 7e0 are all sequence 7.
func parseSeq(raw json.RawMessage) (int64, bool) {
	lit := string(raw)
	if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return n, true
	}
	if lit[0] != '-' && (lit[0] < '0' || lit[0] > '9') {
		return 0, false // string, bool, object or array
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// Encode serializes an outgoing envelope. An envelope that cannot be
// serialized is a programming error and panics.
func Encode(env Envelope) []byte {
	if env.Type == "" {
		panic("codec: encode envelope without type")
	}
	data, err := json.Marshal(env)
	if err != nil {
		panic(fmt.Sprintf("codec: encode %q envelope: %v", env.Type, err))
	}
	return data
}

// Marshal builds an envelope from a typed payload.
func Marshal(msgType string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Payload = data
	return env, nil
}

// IsAuthRejection reports whether the server used this frame to reject
// the connection's credentials.
func IsAuthRejection(env Envelope) bool {
	switch env.Type {
	case TypeAuthRejected:
		return true
	case TypeError:
		var p errorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return false
		}
		switch p.Code {
		case "unauthorized", "token_expired", "forbidden":
			return true
		}
	}
	return false
}

// RejectionReason extracts a human-readable reason from an auth rejection frame.
func RejectionReason(env Envelope) string {
	var p errorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || (p.Code == "" && p.Message == "") {
		return env.Type
	}
	if p.Message == "" {
		return p.Code
	}
	if p.Code == "" {
		return p.Message
	}
	return p.Code + ": " + p.Message
}
