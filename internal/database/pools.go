package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/rtlink/internal/config"
)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig, appName string) (*pgxpool.Pool, error) {
	connStr := BuildConnString(cfg, appName)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Execer runs a statement. Satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EventsTable is the archive table name.
const EventsTable = "realtime_events"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS realtime_events (
		id          UUID PRIMARY KEY,
		conn_id     UUID NOT NULL,
		session_id  UUID NOT NULL,
		event_type  TEXT NOT NULL,
		seq         BIGINT,
		seq_gap     INTEGER NOT NULL DEFAULT 0,
		payload     JSONB,
		received_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS realtime_events_type_received_idx
		ON realtime_events (event_type, received_at)`,
	// Redelivered sequenced events are archived once per session.
	`CREATE UNIQUE INDEX IF NOT EXISTS realtime_events_session_seq_idx
		ON realtime_events (session_id, seq) WHERE seq IS NOT NULL`,
}

// Migrate creates the archive table and indexes if they do not exist.
func Migrate(ctx context.Context, db Execer) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", EventsTable, err)
		}
	}
	return nil
}
