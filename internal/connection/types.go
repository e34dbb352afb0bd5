package connection

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/rtlink/internal/dispatch"
	"github.com/rickgao/rtlink/internal/heartbeat"
	"github.com/rickgao/rtlink/internal/session"
)

// Errors
var (
	ErrNotOpen        = errors.New("connection not open")
	ErrClosed         = errors.New("connection closed")
	ErrEmptyToken     = errors.New("token is empty")
	ErrEmptyType      = errors.New("envelope type is empty")
	ErrInvalidPayload = errors.New("envelope payload is not valid JSON")
	ErrAuthRejected   = session.ErrAuthRejected
)

// State is the lifecycle state of a logical connection.
type State int32

const (
	// StateConnecting means the first session (or the first after a token
	// rotation) is being dialed.
	StateConnecting State = iota

	// StateOpen means a session is open and events are flowing.
	StateOpen

	// StateReconnecting means a session failed and a retry is pending or in flight.
	StateReconnecting

	// StateSuspended means the server rejected the token; retries are halted
	// until a different token is supplied.
	StateSuspended

	// StateClosed means the caller closed the connection.
	StateClosed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateSuspended:
		return "suspended"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handlers are the caller's hooks into a logical connection. Every
// callback runs on the connection's event loop and must not block.
type Handlers struct {
	// Subscriptions are registered in order when the connection is created.
	Subscriptions []dispatch.Binding

	// OnError receives every transport-level error: decode errors,
	// network failures, auth rejections and handler failures.
	OnError func(err error)

	// OnState is called on each state change except the final Closed.
	OnState func(s State)

	// OnReconnect is called when a retry is scheduled.
	OnReconnect func(attempt int, delay time.Duration)
}

// Config configures logical connections.
type Config struct {
	ReconnectBaseDelay time.Duration  // First retry delay ceiling
	ReconnectMaxDelay  time.Duration  // Retry delay cap
	ReconnectJitter    float64        // Fraction of the ceiling randomized away (0-1)
	StabilityWindow    time.Duration  // Open time after which the backoff resets
	HeartbeatInterval  time.Duration  // Liveness check interval
	Session            session.Config // Per-session settings; URL is set per attempt
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		ReconnectJitter:    0.5,
		StabilityWindow:    10 * time.Second,
		HeartbeatInterval:  heartbeat.DefaultInterval,
		Session:            session.DefaultConfig(),
	}
}

// Stats is a point-in-time view of a logical connection.
type Stats struct {
	ID             uuid.UUID
	Endpoint       string // Redacted
	State          State
	Retries        int
	SessionID      uuid.UUID // uuid.Nil when no session exists
	LastActivity   time.Time
	FramesReceived int64
	DecodeErrors   int64
	HandlerErrors  int64
	SeqGaps        int64
}
