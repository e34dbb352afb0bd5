package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/rtlink/internal/auth"
	"github.com/rickgao/rtlink/internal/codec"
	"github.com/rickgao/rtlink/internal/dispatch"
	"github.com/rickgao/rtlink/internal/endpoint"
	"github.com/rickgao/rtlink/internal/heartbeat"
	"github.com/rickgao/rtlink/internal/metrics"
	"github.com/rickgao/rtlink/internal/session"
)

// Conn is a logical connection to one endpoint. It survives any number of
// physical sessions and is only ended by Close.
type Conn struct {
	id       uuid.UUID
	endpoint string // Socket URL without the token
	cfg      Config
	logger   *slog.Logger
	registry *dispatch.Registry
	handlers Handlers
	release  func(*Conn)

	ctx         context.Context
	cancel      context.CancelFunc
	tokenNotify chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	loopID      atomic.Uint64 // Goroutine running the event loop

	mu           sync.RWMutex
	token        string // Token the current session was dialed with
	desired      string // Latest token supplied by the caller
	state        State
	retries      int
	sess         *session.Session
	lastActivity time.Time

	framesReceived atomic.Int64
	decodeErrors   atomic.Int64
	handlerErrors  atomic.Int64
	seqGaps        atomic.Int64

	// Owned by the event loop.
	monitor *heartbeat.Monitor
	seq     codec.SequenceTracker
	backoff *Backoff
	timers  timers
}

func newConn(socketURL, token string, cfg Config, h Handlers, logger *slog.Logger) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New()

	c := &Conn{
		id:          id,
		endpoint:    socketURL,
		cfg:         cfg,
		logger:      logger.With("conn_id", id, "endpoint", endpoint.Redact(socketURL)),
		registry:    dispatch.NewRegistry(),
		handlers:    h,
		ctx:         ctx,
		cancel:      cancel,
		tokenNotify: make(chan struct{}, 1),
		done:        make(chan struct{}),
		token:       token,
		desired:     token,
		state:       StateConnecting,
		monitor:     heartbeat.New(cfg.HeartbeatInterval),
		backoff:     NewBackoff(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.ReconnectJitter),
	}
	c.registry.SubscribeAll(h.Subscriptions)
	return c
}

func (c *Conn) start() {
	go c.run()
}

// ID returns the connection identifier.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// Endpoint returns the socket URL (without the token).
func (c *Conn) Endpoint() string {
	return c.endpoint
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Done is closed once the event loop has stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Subscribe registers h for eventType (or dispatch.Wildcard).
func (c *Conn) Subscribe(eventType string, h dispatch.Handler) dispatch.Handle {
	return c.registry.Subscribe(eventType, h)
}

// Unsubscribe removes a subscription. Returns false if it was not active.
func (c *Conn) Unsubscribe(h dispatch.Handle) bool {
	return c.registry.Unsubscribe(h)
}

// Send encodes env and writes it on the open session.
func (c *Conn) Send(env codec.Envelope) error {
	if env.Type == "" {
		return ErrEmptyType
	}
	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return ErrInvalidPayload
	}

	c.mu.RLock()
	state, sess := c.state, c.sess
	c.mu.RUnlock()

	if state == StateClosed {
		return ErrClosed
	}
	if state != StateOpen || sess == nil {
		return ErrNotOpen
	}
	if err := sess.Send(codec.Encode(env)); err != nil {
		if errors.Is(err, session.ErrNotOpen) {
			return ErrNotOpen
		}
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// UpdateToken supplies a new token. A different token tears down the
// current session, clears the backoff and any auth suspension, and dials
// again immediately. The same token is a no-op.
func (c *Conn) UpdateToken(token string) error {
	if token == "" {
		return ErrEmptyToken
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.desired = token
	c.mu.Unlock()

	select {
	case c.tokenNotify <- struct{}{}:
	default:
	}
	return nil
}

// Close ends the connection: pending retry, heartbeat and stability timers
// are stopped and the active session is closed. Close returns after the
// event loop has stopped, so no handler runs afterwards; a handler that is
// running when Close is called finishes first. Called from a handler or
// callback, it returns immediately and the loop stops as soon as that
// callback returns. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()

		c.cancel()
		if c.release != nil {
			c.release(c)
		}
	})

	if c.onLoop() {
		return nil
	}
	<-c.done
	return nil
}

// Stats returns a point-in-time view of the connection.
func (c *Conn) Stats() Stats {
	c.mu.RLock()
	st := Stats{
		ID:           c.id,
		Endpoint:     endpoint.Redact(c.endpoint),
		State:        c.state,
		Retries:      c.retries,
		LastActivity: c.lastActivity,
	}
	sess := c.sess
	c.mu.RUnlock()

	if sess != nil {
		st.SessionID = sess.ID()
		if la := sess.LastActivity(); la.After(st.LastActivity) {
			st.LastActivity = la
		}
	}
	st.FramesReceived = c.framesReceived.Load()
	st.DecodeErrors = c.decodeErrors.Load()
	st.HandlerErrors = c.handlerErrors.Load()
	st.SeqGaps = c.seqGaps.Load()
	return st
}

func (c *Conn) currentToken() (active, desired string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.desired
}

func (c *Conn) currentSession() *session.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// onLoop reports whether the caller is the event loop goroutine, which
// only happens inside a handler or callback.
func (c *Conn) onLoop() bool {
	id := c.loopID.Load()
	return id != 0 && id == goroutineID()
}

// run is the event loop. Every state transition happens here.
func (c *Conn) run() {
	c.loopID.Store(goroutineID())
	defer close(c.done)
	defer c.teardown()

	c.logger.Info("connection started")
	c.connect()

	for c.ctx.Err() == nil {
		sess := c.currentSession()
		var frames <-chan session.Frame
		var failures <-chan error
		if sess != nil {
			frames = sess.Frames()
			failures = sess.Failures()
		}

		select {
		case <-c.ctx.Done():
			return

		case <-c.tokenNotify:
			c.rotate()

		case f := <-frames:
			c.handleFrame(sess, f)

		case err := <-failures:
			c.handleFailure(sess, err)

		case <-c.timers.C(timerRetry):
			c.timers.fired(timerRetry)
			c.connect()

		case <-c.timers.C(timerHeartbeat):
			c.timers.fired(timerHeartbeat)
			c.checkHeartbeat(sess)

		case <-c.timers.C(timerStable):
			c.timers.fired(timerStable)
			c.markStable()
		}
	}
}

// connect dials a fresh session with the current token.
func (c *Conn) connect() {
	if c.ctx.Err() != nil {
		return
	}

	token, _ := c.currentToken()
	if auth.Expired(token, time.Now()) {
		c.suspend(&session.AuthError{Reason: "token expired"})
		return
	}

	socketURL, err := endpoint.WithToken(c.endpoint, token)
	if err != nil {
		c.reportError(fmt.Errorf("build socket url: %w", err))
		c.scheduleRetry()
		return
	}

	cfg := c.cfg.Session
	cfg.URL = socketURL
	sess := session.New(cfg, c.logger)

	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	metrics.RecordSessionAttempt()
	if err := sess.Connect(c.ctx); err != nil {
		c.dropSession(sess)
		if c.ctx.Err() != nil {
			return
		}
		c.fail(err)
		return
	}
	if c.ctx.Err() != nil {
		// Opened just as Close was requested; teardown closes it.
		return
	}

	now := time.Now()
	c.monitor.Reset(now)
	c.seq.Reset()
	c.touch(now)
	metrics.RecordSessionOpen()

	c.logger.Info("session open",
		"session_id", sess.ID(),
		"attempt", c.backoff.Attempt(),
	)
	c.setState(StateOpen)

	if err := sess.Ping(); err != nil {
		c.logger.Debug("initial ping failed", "error", err)
	}
	c.timers.schedule(timerHeartbeat, c.monitor.Interval())
	c.timers.schedule(timerStable, c.cfg.StabilityWindow)
}

func (c *Conn) handleFrame(sess *session.Session, f session.Frame) {
	if c.ctx.Err() != nil {
		return
	}

	c.framesReceived.Add(1)
	metrics.RecordFrame()
	c.monitor.Touch(f.ReceivedAt)
	c.touch(f.ReceivedAt)

	env, err := codec.Decode(f.Data)
	if err != nil {
		c.decodeErrors.Add(1)
		var decErr *codec.DecodeError
		if errors.As(err, &decErr) {
			metrics.RecordDecodeError(decErr.Kind.String())
		}
		c.logger.Warn("dropping frame", "error", err, "size", len(f.Data))
		c.reportError(err)
		return
	}

	if codec.IsAuthRejection(env) {
		c.suspend(&session.AuthError{Reason: codec.RejectionReason(env)})
		return
	}

	ev := codec.Event{
		Envelope:   env,
		ConnID:     c.id,
		SessionID:  sess.ID(),
		ReceivedAt: f.ReceivedAt,
	}
	if env.SeqInvalid {
		c.logger.Warn("ignoring non-integral seq", "type", env.Type)
	}
	if env.HasSeq() {
		prev, _ := c.seq.Last()
		if gap, size := c.seq.Observe(*env.Seq); gap {
			ev.SeqGap = true
			ev.GapSize = size
			c.seqGaps.Add(1)
			metrics.RecordSeqGap(size)
			c.logger.Warn("sequence gap detected",
				"type", env.Type,
				"seq", *env.Seq,
				"previous", prev,
				"missed", size,
			)
		}
	}

	errs := c.registry.Dispatch(c.ctx, ev)

	for _, err := range errs {
		c.handlerErrors.Add(1)
		metrics.RecordHandlerError(env.Type)
		c.logger.Error("handler failed", "type", env.Type, "error", err)
		c.reportError(err)
	}
}

func (c *Conn) handleFailure(sess *session.Session, err error) {
	// Frames read before the failure are still delivered, in order.
	if !c.drain(sess) {
		return
	}
	c.dropSession(sess)
	if c.ctx.Err() != nil {
		return
	}
	c.fail(err)
}

// drain dispatches frames still buffered in sess. It returns false if a
// frame replaced or closed the session.
func (c *Conn) drain(sess *session.Session) bool {
	for {
		select {
		case f := <-sess.Frames():
			c.handleFrame(sess, f)
			if c.currentSession() != sess || c.ctx.Err() != nil {
				return false
			}
		default:
			return true
		}
	}
}

// fail classifies a session failure: authorization failures suspend the
// connection, anything else schedules a retry.
func (c *Conn) fail(err error) {
	if errors.Is(err, ErrAuthRejected) {
		c.suspend(err)
		return
	}

	metrics.RecordSessionFailure(failureReason(err))
	c.logger.Warn("session failed", "error", err)
	c.reportError(err)
	c.scheduleRetry()
}

func (c *Conn) scheduleRetry() {
	if c.ctx.Err() != nil {
		return
	}
	c.timers.cancel(timerHeartbeat)
	c.timers.cancel(timerStable)

	delay := c.backoff.Next()
	attempt := c.backoff.Attempt()

	c.mu.Lock()
	c.retries = attempt
	c.mu.Unlock()

	c.setState(StateReconnecting)
	metrics.RecordReconnect(delay)
	c.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)

	if c.handlers.OnReconnect != nil {
		c.callback(func() { c.handlers.OnReconnect(attempt, delay) })
	}
	c.timers.schedule(timerRetry, delay)
}

// suspend halts automatic retries until a different token is supplied.
func (c *Conn) suspend(err error) {
	c.timers.stopAll()
	c.closeSession()

	metrics.RecordAuthRejected()
	c.logger.Warn("authorization rejected, retries suspended", "error", err)
	c.setState(StateSuspended)
	c.reportError(err)
}

// rotate applies a token supplied through UpdateToken.
func (c *Conn) rotate() {
	c.mu.Lock()
	if c.desired == c.token {
		c.mu.Unlock()
		return
	}
	c.token = c.desired
	c.retries = 0
	c.mu.Unlock()

	c.logger.Info("token rotated, reconnecting")
	c.timers.stopAll()
	c.closeSession()
	c.backoff.Reset()

	c.setState(StateConnecting)
	c.connect()
}

func (c *Conn) checkHeartbeat(sess *session.Session) {
	if sess == nil || sess.State() != session.StateOpen {
		return
	}

	c.monitor.Touch(sess.LastActivity())
	c.touch(sess.LastActivity())

	if c.monitor.Check(time.Now()) == heartbeat.Dead {
		c.logger.Warn("heartbeat missed, forcing reconnect",
			"last_activity", c.monitor.LastActivity(),
			"interval", c.monitor.Interval(),
			"misses", c.monitor.Misses(),
		)
		// The failure comes back through sess.Failures().
		sess.Fail(session.ErrHeartbeatTimeout)
		return
	}

	if err := sess.Ping(); err != nil {
		c.logger.Debug("ping failed", "error", err)
	}
	c.timers.schedule(timerHeartbeat, c.monitor.Interval())
}

func (c *Conn) markStable() {
	c.backoff.Reset()

	c.mu.Lock()
	c.retries = 0
	c.mu.Unlock()

	c.logger.Debug("session stable, backoff reset", "window", c.cfg.StabilityWindow)
}

func (c *Conn) teardown() {
	c.timers.stopAll()
	c.closeSession()
	c.registry.Reset()
	c.logger.Info("connection closed")
}

// closeSession closes and discards the current session, if any.
func (c *Conn) closeSession() {
	sess := c.currentSession()
	if sess == nil {
		return
	}
	sess.Close()
	c.dropSession(sess)
}

func (c *Conn) dropSession(sess *session.Session) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()

	if !sess.OpenedAt().IsZero() {
		metrics.RecordSessionEnd()
	}
}

func (c *Conn) touch(t time.Time) {
	c.mu.Lock()
	if t.After(c.lastActivity) {
		c.lastActivity = t
	}
	c.mu.Unlock()
}

// setState records s and notifies OnState. Closed is final.
func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Debug("state changed", "state", s)
	if c.handlers.OnState != nil {
		c.callback(func() { c.handlers.OnState(s) })
	}
}

func (c *Conn) reportError(err error) {
	if c.handlers.OnError != nil {
		c.callback(func() { c.handlers.OnError(err) })
	}
}

// callback runs a caller hook on the loop. Hooks are skipped once Close
// has been requested.
func (c *Conn) callback(fn func()) {
	if c.ctx.Err() != nil {
		return
	}
	fn()
}

func failureReason(err error) string {
	var netErr *session.NetworkError
	if errors.As(err, &netErr) {
		return netErr.Op
	}
	return "other"
}
