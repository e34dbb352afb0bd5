package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Errors
var (
	ErrNotOpen          = errors.New("session not open")
	ErrClosed           = errors.New("session closed")
	ErrAlreadyStarted   = errors.New("session already started")
	ErrAuthRejected     = errors.New("authorization rejected")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Application close codes the server uses to reject credentials.
const (
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
)

// IsAuthCloseCode reports whether a close code signals an authorization failure.
func IsAuthCloseCode(code int) bool {
	switch code {
	case CloseUnauthorized, CloseForbidden, websocket.ClosePolicyViolation:
		return true
	}
	return false
}

// NetworkError is a socket error or an unexpected close.
type NetworkError struct {
	Op  string // "dial", "read", "write", "heartbeat"
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthError is an authorization failure signaled by the server, either
// as an HTTP status during the handshake or as a close code.
type AuthError struct {
	StatusCode int    // HTTP status on handshake rejection (0 otherwise)
	CloseCode  int    // WebSocket close code (0 otherwise)
	Reason     string // Server-provided reason, if any
}

func (e *AuthError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("authorization rejected: handshake status %d", e.StatusCode)
	case e.CloseCode != 0 && e.Reason != "":
		return fmt.Sprintf("authorization rejected: close %d: %s", e.CloseCode, e.Reason)
	case e.CloseCode != 0:
		return fmt.Sprintf("authorization rejected: close %d", e.CloseCode)
	case e.Reason != "":
		return "authorization rejected: " + e.Reason
	default:
		return "authorization rejected"
	}
}

func (e *AuthError) Unwrap() error {
	return ErrAuthRejected
}

// Frame is one inbound text frame with its receive timestamp.
type Frame struct {
	Data       []byte    // Raw frame bytes
	ReceivedAt time.Time // Local timestamp when ReadMessage returned
}

// Config configures a session.
type Config struct {
	URL              string        // Socket URL including the token query parameter
	Header           http.Header   // Extra handshake headers
	HandshakeTimeout time.Duration // Dial + upgrade deadline
	WriteTimeout     time.Duration // Write deadline for sends and control frames
	CloseTimeout     time.Duration // Max wait for the peer's close acknowledgement
	BufferSize       int           // Inbound frame channel buffer size
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		CloseTimeout:     time.Second,
		BufferSize:       256,
	}
}
