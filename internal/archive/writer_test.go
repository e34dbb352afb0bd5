package archive

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/rtlink/internal/codec"
	"github.com/rickgao/rtlink/internal/dispatch"
)

// fakeDB records queued inserts and replies with canned command tags.
type fakeDB struct {
	mu      sync.Mutex
	batches [][]*pgx.QueuedQuery
	err     error
	tag     string
}

func (db *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.batches = append(db.batches, b.QueuedQueries)
	tag := db.tag
	if tag == "" {
		tag = "INSERT 0 1"
	}
	return &fakeResults{err: db.err, tag: tag}
}

func (db *fakeDB) rows() []*pgx.QueuedQuery {
	db.mu.Lock()
	defer db.mu.Unlock()
	var all []*pgx.QueuedQuery
	for _, b := range db.batches {
		all = append(all, b...)
	}
	return all
}

func (db *fakeDB) batchCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.batches)
}

type fakeResults struct {
	err error
	tag string
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	return pgconn.NewCommandTag(r.tag), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func testEvent(eventType string, seq int64) codec.Event {
	return codec.Event{
		Envelope: codec.Envelope{
			Type:    eventType,
			Payload: json.RawMessage(`{"id":1}`),
			Seq:     &seq,
		},
		ConnID:     uuid.New(),
		SessionID:  uuid.New(),
		ReceivedAt: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestTransform(t *testing.T) {
	ev := testEvent("chat.message", 7)
	ev.SeqGap = true
	ev.GapSize = 3

	r := transform(ev)

	if r.ID == uuid.Nil {
		t.Error("ID not assigned")
	}
	if r.ConnID != ev.ConnID || r.SessionID != ev.SessionID {
		t.Error("connection identifiers not copied")
	}
	if r.EventType != "chat.message" {
		t.Errorf("EventType = %q", r.EventType)
	}
	if r.Seq == nil || *r.Seq != 7 {
		t.Errorf("Seq = %v, want 7", r.Seq)
	}
	if r.SeqGap != 3 {
		t.Errorf("SeqGap = %d, want 3", r.SeqGap)
	}
	if string(r.Payload) != `{"id":1}` {
		t.Errorf("Payload = %s", r.Payload)
	}
	if !r.ReceivedAt.Equal(ev.ReceivedAt) {
		t.Errorf("ReceivedAt = %v", r.ReceivedAt)
	}
}

func TestWriter_Binding(t *testing.T) {
	w := NewWriter(DefaultConfig(), &fakeDB{}, nil)
	if b := w.Binding(); b.Type != dispatch.Wildcard || b.Handler == nil {
		t.Errorf("Binding() = %+v, want wildcard handler", b)
	}
}

func TestWriter_FlushesOnBatchSize(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 3, FlushInterval: time.Hour, BufferSize: 100}, db, nil)

	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := int64(1); i <= 3; i++ {
		if err := w.Handle(ctx, testEvent("tick", i)); err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for db.batchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if db.batchCount() != 1 {
		t.Fatalf("batches = %d, want 1", db.batchCount())
	}

	rows := db.rows()
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if got := rows[0].Arguments[3]; got != "tick" {
		t.Errorf("event_type argument = %v, want tick", got)
	}

	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if st := w.Stats(); st.Inserts != 3 || st.Flushes != 1 {
		t.Errorf("Stats = %+v, want 3 inserts in 1 flush", st)
	}
}

func TestWriter_FlushesOnInterval(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 100, FlushInterval: 50 * time.Millisecond, BufferSize: 100}, db, nil)

	ctx := context.Background()
	w.Start(ctx)
	defer w.Stop(ctx)

	w.Handle(ctx, testEvent("tick", 1))

	deadline := time.Now().Add(2 * time.Second)
	for db.batchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(db.rows()) != 1 {
		t.Errorf("rows = %d, want 1 after the flush interval", len(db.rows()))
	}
}

func TestWriter_StopFlushesRemaining(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 2, FlushInterval: time.Hour, BufferSize: 100}, db, nil)

	ctx := context.Background()
	w.Start(ctx)

	// Stop before the writer goroutine can react; Stop drains the rest.
	for i := int64(1); i <= 5; i++ {
		w.Handle(ctx, testEvent("tick", i))
	}
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if n := len(db.rows()); n != 5 {
		t.Errorf("rows = %d, want 5", n)
	}
	if err := w.Handle(ctx, testEvent("tick", 6)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Handle() after Stop error = %v, want ErrQueueFull", err)
	}
}

func TestWriter_Conflicts(t *testing.T) {
	db := &fakeDB{tag: "INSERT 0 0"}
	w := NewWriter(Config{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 100}, db, nil)

	ctx := context.Background()
	w.Start(ctx)
	w.Handle(ctx, testEvent("tick", 1))
	w.Handle(ctx, testEvent("tick", 2))
	w.Stop(ctx)

	if st := w.Stats(); st.Conflicts != 2 || st.Inserts != 0 {
		t.Errorf("Stats = %+v, want 2 conflicts", st)
	}
}

func TestWriter_DedupsBySessionAndSeq(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(Config{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 100}, db, nil)

	ctx := context.Background()
	w.Start(ctx)
	ev := testEvent("tick", 9)
	w.Handle(ctx, ev)
	w.Stop(ctx)

	rows := db.rows()
	if len(rows) != 1 {
		t.Fatalf("queued %d inserts, want 1", len(rows))
	}
	q := rows[0]
	if !strings.Contains(q.SQL, "ON CONFLICT (session_id, seq) WHERE seq IS NOT NULL DO NOTHING") {
		t.Errorf("insert does not dedup on (session_id, seq):\n%s", q.SQL)
	}
	if got, ok := q.Arguments[2].(uuid.UUID); !ok || got != ev.SessionID {
		t.Errorf("session_id argument = %v, want %v", q.Arguments[2], ev.SessionID)
	}
	if got, ok := q.Arguments[4].(*int64); !ok || got == nil || *got != 9 {
		t.Errorf("seq argument = %v, want 9", q.Arguments[4])
	}
}

func TestWriter_InsertError(t *testing.T) {
	boom := errors.New("connection refused")
	db := &fakeDB{err: boom}
	w := NewWriter(Config{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 100}, db, nil)

	ctx := context.Background()
	w.Start(ctx)
	w.Handle(ctx, testEvent("tick", 1))

	if err := w.Stop(ctx); !errors.Is(err, boom) {
		t.Errorf("Stop() error = %v, want %v", err, boom)
	}
	if st := w.Stats(); st.Errors != 1 || st.Inserts != 0 {
		t.Errorf("Stats = %+v, want 1 error", st)
	}
}

func TestWriter_DropsWhenFull(t *testing.T) {
	w := NewWriter(Config{BatchSize: 10, FlushInterval: time.Hour, BufferSize: 2}, &fakeDB{}, nil)

	ctx := context.Background()
	w.Handle(ctx, testEvent("tick", 1))
	w.Handle(ctx, testEvent("tick", 2))

	if err := w.Handle(ctx, testEvent("tick", 3)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Handle() on full queue error = %v, want ErrQueueFull", err)
	}
	if st := w.Stats(); st.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", st.Dropped)
	}
}
