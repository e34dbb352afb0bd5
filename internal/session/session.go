package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/rtlink/internal/endpoint"
)

// Session owns one physical WebSocket connection.
type Session struct {
	id     uuid.UUID
	cfg    Config
	logger *slog.Logger

	conn *websocket.Conn

	// Output channels
	frames   chan Frame
	failures chan error

	// closing is closed on any teardown (Closing, Closed or Failed).
	closing     chan struct{}
	closingOnce sync.Once
	readDone    chan struct{}
	cancelDial  context.CancelFunc

	// Write serialization
	writeMu sync.Mutex

	// State
	mu       sync.RWMutex
	state    State
	started  bool
	openedAt time.Time

	lastActivity atomic.Int64 // UnixNano
}

// New creates a session in the Connecting state.
func New(cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultConfig().CloseTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}

	id := uuid.New()
	return &Session{
		id:       id,
		cfg:      cfg,
		logger:   logger.With("session_id", id),
		frames:   make(chan Frame, cfg.BufferSize),
		failures: make(chan error, 1),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
		state:    StateConnecting,
	}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// OpenedAt returns when the handshake completed (zero if never opened).
func (s *Session) OpenedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openedAt
}

// LastActivity returns the time of the last inbound frame, ping or pong.
func (s *Session) LastActivity() time.Time {
	ns := s.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Frames returns the channel of inbound text frames.
func (s *Session) Frames() <-chan Frame {
	return s.frames
}

// Failures delivers at most one error: the failure that moved an open
// session to Failed.
func (s *Session) Failures() <-chan error {
	return s.failures
}

// Connect performs the handshake. On success the session is Open and
// inbound frames start flowing; on failure it is Failed and the error is
// an *AuthError or *NetworkError.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.state != StateConnecting {
		s.mu.Unlock()
		return ErrClosed
	}
	s.started = true
	dialCtx, cancel := context.WithCancel(ctx)
	s.cancelDial = cancel
	s.mu.Unlock()
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(dialCtx, s.cfg.URL, s.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.mu.Lock()
		closed := s.state == StateClosed
		if !closed {
			s.state = StateFailed
		}
		s.mu.Unlock()
		s.signalClosing()

		if closed {
			return ErrClosed
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &AuthError{StatusCode: resp.StatusCode}
		}
		return &NetworkError{Op: "dial", Err: err}
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// Closed or failed while the handshake was in flight.
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	now := time.Now()
	s.conn = conn
	s.state = StateOpen
	s.openedAt = now
	s.lastActivity.Store(now.UnixNano())
	s.mu.Unlock()

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		s.touch(time.Now())
		err := conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(s.cfg.WriteTimeout),
		)
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	// Server responds to our ping
	conn.SetPongHandler(func(string) error {
		s.touch(time.Now())
		return nil
	})

	go s.readLoop(conn)

	s.logger.Debug("session open", "url", endpoint.Redact(s.cfg.URL))
	return nil
}

// Send writes a text frame. Only permitted while Open.
func (s *Session) Send(data []byte) error {
	s.mu.RLock()
	if s.state != StateOpen {
		s.mu.RUnlock()
		return ErrNotOpen
	}
	conn := s.conn
	s.mu.RUnlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &NetworkError{Op: "write", Err: err}
	}
	return nil
}

// Ping sends a ping control frame; the pong counts as activity.
func (s *Session) Ping() error {
	s.mu.RLock()
	if s.state != StateOpen {
		s.mu.RUnlock()
		return ErrNotOpen
	}
	conn := s.conn
	s.mu.RUnlock()

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return &NetworkError{Op: "write", Err: err}
	}
	return nil
}

// Close tears the session down cleanly. From Open it sends a close frame
// and waits up to CloseTimeout for the peer's acknowledgement. Close is
// idempotent and never reports a failure.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting:
		s.state = StateClosed
		cancel := s.cancelDial
		s.mu.Unlock()
		s.signalClosing()
		if cancel != nil {
			cancel()
		}
		return nil
	case StateOpen:
		s.state = StateClosing
	default:
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.mu.Unlock()
	s.signalClosing()

	s.writeMu.Lock()
	err := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.cfg.WriteTimeout),
	)
	s.writeMu.Unlock()

	if err == nil {
		select {
		case <-s.readDone:
		case <-time.After(s.cfg.CloseTimeout):
			s.logger.Debug("close acknowledgement timed out", "timeout", s.cfg.CloseTimeout)
		}
	}

	s.mu.Lock()
	if s.state == StateClosing {
		s.state = StateClosed
	}
	s.mu.Unlock()

	conn.Close()
	<-s.readDone

	s.logger.Debug("session closed")
	return nil
}

// Fail forces the session into Failed, e.g. after a heartbeat timeout.
// An open session reports the failure through Failures().
func (s *Session) Fail(cause error) {
	s.mu.Lock()
	switch s.state {
	case StateConnecting:
		s.state = StateFailed
		cancel := s.cancelDial
		s.mu.Unlock()
		s.signalClosing()
		if cancel != nil {
			cancel()
		}
		return
	case StateOpen:
		s.state = StateFailed
	default:
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.mu.Unlock()
	s.signalClosing()

	var netErr *NetworkError
	if !errors.As(cause, &netErr) {
		cause = &NetworkError{Op: "heartbeat", Err: cause}
	}
	s.report(cause)
	conn.Close()
}

// readLoop reads frames until the connection errors or is closed.
func (s *Session) readLoop(conn *websocket.Conn) {
	defer close(s.readDone)

	for {
		msgType, data, err := conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			s.handleReadError(err)
			return
		}

		s.touch(receivedAt)

		// The protocol is text only; binary frames still count as activity.
		if msgType != websocket.TextMessage {
			s.logger.Debug("dropping non-text frame", "message_type", msgType, "size", len(data))
			continue
		}

		select {
		case s.frames <- Frame{Data: data, ReceivedAt: receivedAt}:
		case <-s.closing:
			// Tearing down: keep reading until the close acknowledgement.
		}
	}
}

func (s *Session) handleReadError(err error) {
	s.mu.Lock()
	switch s.state {
	case StateClosing:
		s.state = StateClosed
		s.mu.Unlock()
		return
	case StateOpen:
		s.state = StateFailed
	default:
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.mu.Unlock()
	s.signalClosing()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && IsAuthCloseCode(closeErr.Code) {
		s.report(&AuthError{CloseCode: closeErr.Code, Reason: closeErr.Text})
	} else {
		s.report(&NetworkError{Op: "read", Err: err})
	}
	conn.Close()
}

func (s *Session) report(err error) {
	s.logger.Debug("session failed", "error", err)
	select {
	case s.failures <- err:
	default:
	}
}

func (s *Session) signalClosing() {
	s.closingOnce.Do(func() {
		close(s.closing)
	})
}

func (s *Session) touch(t time.Time) {
	s.lastActivity.Store(t.UnixNano())
}
