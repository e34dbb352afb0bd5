package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is a single decoded wire message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     *int64          `json:"seq,omitempty"` // Optional server sequence number

	// SeqInvalid is set when the frame carried a "seq" that is not an
	// integral number. Such envelopes are delivered unsequenced.
	SeqInvalid bool `json:"-"`
}

// HasSeq reports whether the envelope carries a sequence number.
func (e Envelope) HasSeq() bool {
	return e.Seq != nil
}

// Event is an envelope annotated with receive metadata for dispatch.
type Event struct {
	Envelope

	ConnID     uuid.UUID // Logical connection that received the frame
	SessionID  uuid.UUID // Physical session that received the frame
	ReceivedAt time.Time // Local timestamp when the frame was read
	SeqGap     bool      // True if a sequence gap was detected before this frame
	GapSize    int       // Number of missed sequence numbers (0 if no gap)
}

// DecodeErrorKind classifies a decode failure.
type DecodeErrorKind int

const (
	// MalformedJSON means the frame is not a valid JSON object.
	MalformedJSON DecodeErrorKind = iota + 1

	// MissingType means the "type" field is absent, empty or not a string.
	MissingType
)

// String returns the string representation of a DecodeErrorKind.
func (k DecodeErrorKind) String() string {
	switch k {
	case MalformedJSON:
		return "malformed_json"
	case MissingType:
		return "missing_type"
	default:
		return "unknown"
	}
}

// DecodeError reports an inbound frame that could not be decoded.
// Such frames are dropped; the connection is unaffected.
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode frame: " + e.Kind.String()
	}
	return fmt.Sprintf("decode frame: %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Frame types with transport-level meaning.
const (
	TypeAuthRejected = "auth.rejected"
	TypeError        = "error"
)

// errorPayload is the payload of a TypeError frame.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
