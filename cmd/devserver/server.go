package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/rtlink/internal/codec"
	"github.com/rickgao/rtlink/internal/session"
)

// serverConfig controls how the dev server misbehaves.
type serverConfig struct {
	EventInterval time.Duration // Time between emitted events
	EventType     string        // Type of emitted events
	DropAfter     time.Duration // Close each socket abnormally after this long (0 = never)
	SkipEvery     int           // Skip one sequence number every N events (0 = never)
	RejectToken   string        // Token answered with an auth.rejected frame
	CloseToken    string        // Token closed with code 4001
	Silent        bool          // Never answer pings, so heartbeats time out
}

type server struct {
	cfg      serverConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	sessions atomic.Int64
}

func newServer(cfg serverConfig, logger *slog.Logger) *server {
	if cfg.EventType == "" {
		cfg.EventType = "tick"
	}
	if cfg.EventInterval <= 0 {
		cfg.EventInterval = time.Second
	}
	return &server{
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (s *server) handler(path string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(path, s.serveWS)
	return mux
}

func (s *server) serveWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	n := s.sessions.Add(1)
	logger := s.logger.With("session", n, "remote", r.RemoteAddr)
	logger.Info("session opened", "user_agent", r.UserAgent())

	switch token {
	case s.cfg.RejectToken:
		env, _ := codec.Marshal(codec.TypeError, map[string]string{
			"code":    "unauthorized",
			"message": "token rejected",
		})
		conn.WriteMessage(websocket.TextMessage, codec.Encode(env))
		logger.Info("rejected token with frame")
		readUntilClosed(conn)
		return
	case s.cfg.CloseToken:
		msg := websocket.FormatCloseMessage(session.CloseUnauthorized, "unauthorized")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		logger.Info("rejected token with close code")
		return
	}

	if s.cfg.Silent {
		conn.SetPingHandler(func(string) error { return nil })
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		readUntilClosed(conn)
		cancel()
	}()

	s.stream(ctx, conn, logger)
	logger.Info("session closed")
}

// stream writes sequenced events until ctx is done or the drop deadline passes.
func (s *server) stream(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) {
	ticker := time.NewTicker(s.cfg.EventInterval)
	defer ticker.Stop()

	var drop <-chan time.Time
	if s.cfg.DropAfter > 0 {
		t := time.NewTimer(s.cfg.DropAfter)
		defer t.Stop()
		drop = t.C
	}

	var seq, sent int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-drop:
			logger.Info("dropping session")
			// Closing the TCP connection without a close frame looks like a network failure.
			conn.NetConn().Close()
			return
		case now := <-ticker.C:
			seq++
			sent++
			if s.cfg.SkipEvery > 0 && sent%int64(s.cfg.SkipEvery) == 0 {
				seq++
			}
			env, err := codec.Marshal(s.cfg.EventType, map[string]any{
				"at":    now.UTC(),
				"count": sent,
			})
			if err != nil {
				logger.Error("marshal event", "error", err)
				return
			}
			env.Seq = &seq
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, codec.Encode(env)); err != nil {
				logger.Debug("write failed", "error", err)
				return
			}
		}
	}
}

func readUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
