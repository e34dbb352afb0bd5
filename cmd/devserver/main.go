// devserver is a local realtime backend for exercising rtwatch.
// Usage: go run ./cmd/devserver --addr :8080 --drop-after 30s
//
// Any non-empty token is accepted except the ones named by --reject-token
// and --close-token.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	path := flag.String("path", "/ws", "websocket path")
	interval := flag.Duration("interval", time.Second, "time between events")
	eventType := flag.String("type", "tick", "event type to emit")
	dropAfter := flag.Duration("drop-after", 0, "drop each session after this long (0 = never)")
	skipEvery := flag.Int("skip-every", 0, "skip a sequence number every N events (0 = never)")
	rejectToken := flag.String("reject-token", "", "token answered with an auth rejection frame")
	closeToken := flag.String("close-token", "", "token closed with code 4001")
	silent := flag.Bool("silent", false, "never answer pings")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	srv := newServer(serverConfig{
		EventInterval: *interval,
		EventType:     *eventType,
		DropAfter:     *dropAfter,
		SkipEvery:     *skipEvery,
		RejectToken:   *rejectToken,
		CloseToken:    *closeToken,
		Silent:        *silent,
	}, logger)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.handler(*path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("devserver listening", "addr", *addr, "path", *path)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
}
