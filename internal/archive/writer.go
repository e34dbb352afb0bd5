package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rickgao/rtlink/internal/codec"
	"github.com/rickgao/rtlink/internal/dispatch"
	"github.com/rickgao/rtlink/internal/metrics"
)

// ErrQueueFull is returned by the archive handler when an event is dropped.
var ErrQueueFull = errors.New("archive queue full")

// Config holds batch writer settings.
type Config struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time a row waits before being flushed
	BufferSize    int           // Max queued rows before events are dropped
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Stats tracks writer activity.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64
}

// row is one archived event.
type row struct {
	ID         uuid.UUID
	ConnID     uuid.UUID
	SessionID  uuid.UUID
	EventType  string
	Seq        *int64
	SeqGap     int
	Payload    []byte
	ReceivedAt time.Time
}

// batchSender is satisfied by *pgxpool.Pool.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Writer batches dispatched events into the realtime_events table.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	db     batchSender
	queue  *Queue[row]

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// NewWriter creates a writer. Call Start before events arrive.
func NewWriter(cfg Config, db batchSender, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = def.BufferSize
	}

	initial := cfg.BatchSize * 2
	if initial > cfg.BufferSize {
		initial = cfg.BufferSize
	}
	return &Writer{
		cfg:    cfg,
		logger: logger.With("component", "archive"),
		db:     db,
		queue:  NewQueue[row](initial, cfg.BufferSize),
	}
}

// Binding subscribes the archive to every event type.
func (w *Writer) Binding() dispatch.Binding {
	return dispatch.Binding{Type: dispatch.Wildcard, Handler: w.Handle}
}

// Handle enqueues ev. It never blocks.
func (w *Writer) Handle(ctx context.Context, ev codec.Event) error {
	if !w.queue.Send(transform(ev)) {
		return ErrQueueFull
	}
	return nil
}

func transform(ev codec.Event) row {
	r := row{
		ID:         uuid.New(),
		ConnID:     ev.ConnID,
		SessionID:  ev.SessionID,
		EventType:  ev.Type,
		Seq:        ev.Seq,
		Payload:    ev.Payload,
		ReceivedAt: ev.ReceivedAt,
	}
	if ev.SeqGap {
		r.SeqGap = ev.GapSize
	}
	return r
}

// Start begins flushing in the background.
func (w *Writer) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("archive writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"buffer_size", w.cfg.BufferSize,
	)
	return nil
}

// Stop stops accepting events and flushes what is queued using ctx.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping archive writer")

	w.queue.Close()
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("archive writer stop timed out")
		return ctx.Err()
	}

	// Final flush
	for w.queue.Len() > 0 && ctx.Err() == nil {
		if err := w.flush(ctx, w.queue.DrainTo(w.cfg.BatchSize)); err != nil {
			return err
		}
	}

	w.logger.Info("archive writer stopped", "dropped", w.queue.Stats().Dropped)
	return nil
}

// Stats returns current counters.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	st := w.stats
	w.mu.Unlock()
	st.Dropped = w.queue.Stats().Dropped
	return st
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.queue.Ready():
			for w.queue.Len() >= w.cfg.BatchSize && ctx.Err() == nil {
				w.flush(ctx, w.queue.DrainTo(w.cfg.BatchSize))
			}
		case <-ticker.C:
			for w.queue.Len() > 0 && ctx.Err() == nil {
				w.flush(ctx, w.queue.DrainTo(w.cfg.BatchSize))
			}
		}
	}
}

// flush writes rows to the database. Failed batches are logged and dropped.
func (w *Writer) flush(ctx context.Context, rows []row) error {
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()
	conflicts, err := w.batchInsert(ctx, rows)
	metrics.RecordArchiveFlush(err == nil, time.Since(start))

	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(rows))
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	w.stats.Inserts += int64(len(rows) - conflicts)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.mu.Unlock()

	w.logger.Debug("flushed events",
		"count", len(rows),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
	return nil
}

// insertEvent skips sequenced events already archived for the same session.
// Unsequenced events never conflict.
const insertEvent = `
	INSERT INTO realtime_events (id, conn_id, session_id, event_type, seq, seq_gap, payload, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (session_id, seq) WHERE seq IS NOT NULL DO NOTHING
`

// batchInsert inserts rows using pgx.Batch. A row the database skipped as a
// duplicate counts as a conflict.
func (w *Writer) batchInsert(ctx context.Context, rows []row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEvent, r.ID, r.ConnID, r.SessionID, r.EventType, r.Seq, r.SeqGap, r.Payload, r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
