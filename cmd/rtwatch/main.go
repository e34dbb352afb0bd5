// Command rtwatch holds a realtime connection open, logs every event it
// receives and optionally archives them to PostgreSQL.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/rtlink/internal/archive"
	"github.com/rickgao/rtlink/internal/auth"
	"github.com/rickgao/rtlink/internal/codec"
	"github.com/rickgao/rtlink/internal/config"
	"github.com/rickgao/rtlink/internal/connection"
	"github.com/rickgao/rtlink/internal/database"
	"github.com/rickgao/rtlink/internal/dispatch"
	"github.com/rickgao/rtlink/internal/endpoint"
	"github.com/rickgao/rtlink/internal/metrics"
	"github.com/rickgao/rtlink/internal/version"
)

const shutdownTimeout = 15 * time.Second

// flagValues are command-line overrides; they win over the file and RTLINK_* variables.
type flagValues struct {
	configPath string
	backendURL string
	token      string
	tokenFile  string
	logLevel   string
	logFormat  string
	metrics    bool
	archive    bool
}

func main() {
	var flags flagValues

	root := &cobra.Command{
		Use:   "rtwatch",
		Short: "Hold a realtime connection open and log its events",
		Example: `  rtwatch --backend-url https://api.example.com --token <token>
  rtwatch --config configs/rtwatch.example.yaml --archive`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithDefaults(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
			applyFlags(cfg, flags, changed)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validate config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, newLogger(cfg.Log))
		},
	}

	root.Flags().StringVar(&flags.configPath, "config", "", "path to YAML config file (optional)")
	root.Flags().StringVar(&flags.backendURL, "backend-url", "", "backend base URL (http, https, ws or wss)")
	root.Flags().StringVar(&flags.token, "token", "", "auth token")
	root.Flags().StringVar(&flags.tokenFile, "token-file", "", "file holding the auth token; reloaded on change")
	root.Flags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	root.Flags().StringVar(&flags.logFormat, "log-format", "", "text or json")
	root.Flags().BoolVar(&flags.metrics, "metrics", false, "serve /health and Prometheus metrics")
	root.Flags().BoolVar(&flags.archive, "archive", false, "archive events to PostgreSQL")

	if err := root.Execute(); err != nil {
		slog.Error("rtwatch failed", "error", err)
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config, f flagValues, changed map[string]bool) {
	if changed["backend-url"] {
		cfg.Backend.URL = f.backendURL
	}
	if changed["token"] {
		cfg.Auth.Token = f.token
	}
	if changed["token-file"] {
		cfg.Auth.TokenFile = f.tokenFile
	}
	if changed["log-level"] {
		cfg.Log.Level = f.logLevel
	}
	if changed["log-format"] {
		cfg.Log.Format = f.logFormat
	}
	if changed["metrics"] {
		cfg.Metrics.Enabled = f.metrics
	}
	if changed["archive"] {
		cfg.Archive.Enabled = f.archive
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger = logger.With("client_id", cfg.Client.ID)
	logger.Info("starting rtwatch",
		"version", version.Version,
		"commit", version.Commit,
	)

	socketURL, err := endpoint.Resolve(cfg.Backend.URL, cfg.Backend.RealtimePath)
	if err != nil {
		return fmt.Errorf("resolve endpoint: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Token source
	var provider auth.Provider
	if cfg.Auth.TokenFile != "" {
		fp, err := auth.NewFileProvider(cfg.Auth.TokenFile, logger)
		if err != nil {
			return fmt.Errorf("load token: %w", err)
		}
		g.Go(func() error { return fp.Run(ctx) })
		provider = fp
	} else {
		provider = auth.NewStatic(cfg.Auth.Token)
	}

	metrics.Register()

	// Archive
	var writer *archive.Writer
	var db pinger
	if cfg.Archive.Enabled {
		logger.Info("connecting to archive database",
			"host", cfg.Archive.Database.Host,
			"port", cfg.Archive.Database.Port,
			"database", cfg.Archive.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Archive.Database, cfg.Client.ID)
		if err != nil {
			return fmt.Errorf("connect archive database: %w", err)
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}
		db = pool

		writer = archive.NewWriter(archive.Config{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
			BufferSize:    cfg.Archive.BufferSize,
		}, pool, logger)
		if err := writer.Start(ctx); err != nil {
			return fmt.Errorf("start archive: %w", err)
		}
	}

	// Connection
	mgr := connection.NewManager(connectionConfig(cfg.Connection), logger)
	conn, err := mgr.Open(socketURL, provider.Token(), handlers(cfg, writer, logger))
	if err != nil {
		return fmt.Errorf("open connection: %w", err)
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case token := <-provider.Rotations():
				logger.Info("token rotated")
				if err := conn.UpdateToken(token); err != nil {
					logger.Warn("token update rejected", "error", err)
				}
			}
		}
	})

	// Health and metrics
	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           newHealthHandler(mgr, db, cfg.Metrics.Path),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting health server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("rtwatch running", "endpoint", socketURL, "conn_id", conn.ID())

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("connection shutdown incomplete", "error", err)
	}
	if writer != nil {
		if err := writer.Stop(shutdownCtx); err != nil {
			logger.Warn("archive flush incomplete", "error", err)
		}
	}

	err = g.Wait()
	logger.Info("rtwatch stopped")
	return err
}

func connectionConfig(c config.ConnectionConfig) connection.Config {
	cfg := connection.DefaultConfig()
	cfg.ReconnectBaseDelay = c.ReconnectBaseDelay
	cfg.ReconnectMaxDelay = c.ReconnectMaxDelay
	cfg.ReconnectJitter = c.Jitter()
	cfg.StabilityWindow = c.StabilityWindow
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.Session.HandshakeTimeout = c.HandshakeTimeout
	cfg.Session.WriteTimeout = c.WriteTimeout
	cfg.Session.CloseTimeout = c.CloseTimeout
	cfg.Session.BufferSize = c.BufferSize
	cfg.Session.Header = http.Header{"User-Agent": []string{version.UserAgent()}}
	return cfg
}

func handlers(cfg *config.Config, writer *archive.Writer, logger *slog.Logger) connection.Handlers {
	var bindings []dispatch.Binding
	for _, eventType := range cfg.Client.Subscriptions {
		bindings = append(bindings, dispatch.Binding{Type: eventType, Handler: logEvent(logger)})
	}
	if writer != nil {
		bindings = append(bindings, writer.Binding())
	}

	return connection.Handlers{
		Subscriptions: bindings,
		OnError: func(err error) {
			if errors.Is(err, connection.ErrAuthRejected) {
				logger.Error("token rejected; waiting for a new token", "error", err)
				return
			}
			logger.Warn("transport error", "error", err)
		},
		OnState: func(s connection.State) {
			logger.Info("connection state", "state", s)
		},
		OnReconnect: func(attempt int, delay time.Duration) {
			logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		},
	}
}

func logEvent(logger *slog.Logger) dispatch.Handler {
	return func(ctx context.Context, ev codec.Event) error {
		attrs := []any{
			"type", ev.Type,
			"session_id", ev.SessionID,
			"payload_bytes", len(ev.Payload),
		}
		if ev.HasSeq() {
			attrs = append(attrs, "seq", *ev.Seq)
		}
		if ev.SeqGap {
			attrs = append(attrs, "missed", ev.GapSize)
		}
		logger.Info("event", attrs...)
		return nil
	}
}
