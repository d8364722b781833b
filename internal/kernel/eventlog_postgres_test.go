package kernel

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/nexus/pkg/kernel"
)

// setupMockBackend builds a PostgresBackend over a sqlmock connection with
// all five prepared statements expected, mirroring prepare()'s order.
func setupMockBackend(t *testing.T) (*PostgresBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	mock.ExpectPrepare("INSERT INTO kernel_events")
	mock.ExpectPrepare("FROM kernel_events WHERE id")
	mock.ExpectPrepare("FROM kernel_events WHERE parent_id")
	mock.ExpectPrepare("FROM kernel_events WHERE session_id")
	mock.ExpectPrepare("INSERT INTO kernel_session_sequences")

	b := &PostgresBackend{db: db}
	if err := b.prepare(); err != nil {
		t.Fatalf("prepare statements: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return b, mock
}

func TestPostgresBackendInsert(t *testing.T) {
	b, mock := setupMockBackend(t)

	ev := &kernel.Event{
		ID:        "evt-1",
		SessionID: "sess-1",
		Sequence:  1,
		Type:      kernel.EventMessageUser,
		Timestamp: time.Now(),
		Payload:   kernel.MessageUserPayload{Content: []kernel.ContentBlock{kernel.TextBlock{Text: "hello"}}},
	}

	mock.ExpectExec("INSERT INTO kernel_events").
		WithArgs("evt-1", "sess-1", "", int64(1), "message.user", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := b.Insert(context.Background(), ev); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresBackendGetDecodesPayload(t *testing.T) {
	b, mock := setupMockBackend(t)

	now := time.Now().UTC().Truncate(time.Second)
	rows := sqlmock.NewRows([]string{"id", "session_id", "parent_id", "sequence", "type", "timestamp", "payload"}).
		AddRow("evt-1", "sess-1", "", int64(1), "message.user", now, []byte(`{"content":[{"kind":"text","text":"hello"}]}`))
	mock.ExpectQuery("FROM kernel_events WHERE id").WithArgs("evt-1").WillReturnRows(rows)

	ev, ok, err := b.Get(context.Background(), "evt-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected the event to be found")
	}
	p, isUser := ev.Payload.(kernel.MessageUserPayload)
	if !isUser {
		t.Fatalf("expected a MessageUserPayload, got %T", ev.Payload)
	}
	if len(p.Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(p.Content))
	}
	if tb, isText := p.Content[0].(kernel.TextBlock); !isText || tb.Text != "hello" {
		t.Fatalf("unexpected decoded block: %+v", p.Content[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresBackendGetMissing(t *testing.T) {
	b, mock := setupMockBackend(t)

	mock.ExpectQuery("FROM kernel_events WHERE id").WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, ok, err := b.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("expected a missing event to be a clean not-found, got %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a missing event")
	}
}

func TestPostgresBackendNextSequence(t *testing.T) {
	b, mock := setupMockBackend(t)

	mock.ExpectQuery("INSERT INTO kernel_session_sequences").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"next_sequence"}).AddRow(int64(1)))

	seq, err := b.NextSequence(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("next sequence: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected sequence 1 for a fresh session, got %d", seq)
	}
}

func TestPostgresBackendSearchBuildsFilters(t *testing.T) {
	b, mock := setupMockBackend(t)

	mock.ExpectQuery("FROM kernel_events WHERE 1=1").
		WithArgs("sess-1", "message.user", "%file%", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "parent_id", "sequence", "type", "timestamp", "payload"}))

	out, err := b.Search(context.Background(), "file", SearchOptions{
		SessionID: "sess-1",
		Types:     []kernel.EventType{kernel.EventMessageUser},
		Limit:     5,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no results, got %d", len(out))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
