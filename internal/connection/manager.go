package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/rtlink/internal/endpoint"
)

// ErrShutdown is returned by Open after Shutdown.
var ErrShutdown = errors.New("connection manager shut down")

// Manager owns the logical connections, one per endpoint.
type Manager interface {
	// Open returns the connection for endpoint, creating and starting it
	// if needed. Calling it again with the same token returns the same
	// Conn; a different token rotates it. Handlers are only registered on
	// creation. The error reports invalid arguments only.
	Open(socketURL, token string, h Handlers) (*Conn, error)

	// Close closes conn and forgets it.
	Close(conn *Conn) error

	// Get returns the connection for endpoint, if open.
	Get(socketURL string) (*Conn, bool)

	// Shutdown closes every connection, waiting until ctx is done. It must
	// not be called from a handler or callback.
	Shutdown(ctx context.Context) error

	// Stats returns per-connection statistics ordered by endpoint.
	Stats() []Stats
}

// manager implements the Manager interface.
type manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[string]*Conn // endpoint → connection
	shutdown bool
}

// NewManager creates a connection manager.
func NewManager(cfg Config, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &manager{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// Open returns the connection for (socketURL, token).
func (m *manager) Open(socketURL, token string, h Handlers) (*Conn, error) {
	if err := endpoint.Validate(socketURL); err != nil {
		return nil, fmt.Errorf("open %s: %w", endpoint.Redact(socketURL), err)
	}
	if token == "" {
		return nil, ErrEmptyToken
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil, ErrShutdown
	}

	if c, ok := m.conns[socketURL]; ok {
		if _, desired := c.currentToken(); desired != token {
			m.logger.Info("rotating token", "conn_id", c.id, "endpoint", endpoint.Redact(socketURL))
			if err := c.UpdateToken(token); err != nil {
				return nil, err
			}
		}
		return c, nil
	}

	c := newConn(socketURL, token, m.cfg, h, m.logger)
	c.release = m.release
	m.conns[socketURL] = c
	c.start()

	m.logger.Info("connection opened", "conn_id", c.id, "endpoint", endpoint.Redact(socketURL))
	return c, nil
}

// Close closes conn.
func (m *manager) Close(conn *Conn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Get returns the connection for socketURL.
func (m *manager) Get(socketURL string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[socketURL]
	return c, ok
}

// Shutdown closes every connection concurrently.
func (m *manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	m.logger.Info("shutting down connection manager", "connections", len(conns))

	var g errgroup.Group
	for _, c := range conns {
		g.Go(c.Close)
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		m.logger.Info("connection manager stopped")
		return err
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, connections still closing")
		return ctx.Err()
	}
}

// Stats returns statistics for every connection.
func (m *manager) Stats() []Stats {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	stats := make([]Stats, 0, len(conns))
	for _, c := range conns {
		stats = append(stats, c.Stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Endpoint < stats[j].Endpoint
	})
	return stats
}

// release forgets c once it is closed.
func (m *manager) release(c *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.endpoint] == c {
		delete(m.conns, c.endpoint)
	}
}
