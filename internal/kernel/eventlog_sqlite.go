package kernel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/nexus/pkg/kernel"
)

// SQLiteSchema is SQLite's dialect of PostgresSchema: same two tables, no
// JSONB (payload stored as plain TEXT) and an AUTOINCREMENT-free sequence
// table since SQLite lacks INSERT...ON CONFLICT...RETURNING arithmetic in
// versions before 3.35, which modernc.org/sqlite's bundled engine predates.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS kernel_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	sequence INTEGER NOT NULL,
	type TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	payload TEXT NOT NULL,
	search_text TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS kernel_events_session_seq_idx ON kernel_events (session_id, sequence);
CREATE INDEX IF NOT EXISTS kernel_events_parent_idx ON kernel_events (parent_id);

CREATE TABLE IF NOT EXISTS kernel_session_sequences (
	session_id TEXT PRIMARY KEY,
	next_sequence INTEGER NOT NULL DEFAULT 1
);
`

// SQLiteBackend is a single-file durable Event Log Backend for local
// deployments and tests, the same Backend contract as PostgresBackend
// without a server to run. Its sequence allocation uses an explicit
// transaction (SQLite has no RETURNING-on-UPSERT that every bundled driver
// version supports) rather than Postgres's single-statement upsert.
type SQLiteBackend struct {
	db *sql.DB

	stmtInsert    *sql.Stmt
	stmtGet       *sql.Stmt
	stmtChildren  *sql.Stmt
	stmtBySession *sql.Stmt
}

// NewSQLiteBackend opens (creating if absent) a SQLite database file and
// applies SQLiteSchema. path may be ":memory:" for an ephemeral store used
// in tests that want Backend's durable code path exercised without a file.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kernel: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid pool contention on SQLITE_BUSY

	if _, err := db.Exec(SQLiteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kernel: apply sqlite schema: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) prepare() error {
	var err error
	b.stmtInsert, err = b.db.Prepare(`
		INSERT INTO kernel_events (id, session_id, parent_id, sequence, type, timestamp, payload, search_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("kernel: prepare insert: %w", err)
	}
	b.stmtGet, err = b.db.Prepare(`
		SELECT id, session_id, parent_id, sequence, type, timestamp, payload
		FROM kernel_events WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("kernel: prepare get: %w", err)
	}
	b.stmtChildren, err = b.db.Prepare(`
		SELECT id, session_id, parent_id, sequence, type, timestamp, payload
		FROM kernel_events WHERE parent_id = ? ORDER BY sequence ASC
	`)
	if err != nil {
		return fmt.Errorf("kernel: prepare children: %w", err)
	}
	b.stmtBySession, err = b.db.Prepare(`
		SELECT id, session_id, parent_id, sequence, type, timestamp, payload
		FROM kernel_events WHERE session_id = ? ORDER BY sequence ASC
	`)
	if err != nil {
		return fmt.Errorf("kernel: prepare by_session: %w", err)
	}
	return nil
}

// Close releases the prepared statements and the database handle.
func (b *SQLiteBackend) Close() error {
	for _, stmt := range []*sql.Stmt{b.stmtInsert, b.stmtGet, b.stmtChildren, b.stmtBySession} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return b.db.Close()
}

func (b *SQLiteBackend) Insert(ctx context.Context, ev *kernel.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("kernel: marshal payload for event %q: %w", ev.ID, err)
	}
	_, err = b.stmtInsert.ExecContext(ctx, ev.ID, ev.SessionID, ev.ParentID, ev.Sequence, string(ev.Type), ev.Timestamp.Format(time.RFC3339Nano), payload, searchText(ev))
	if err != nil {
		return fmt.Errorf("kernel: insert event %q: %w", ev.ID, err)
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, id string) (*kernel.Event, bool, error) {
	ev, err := scanEvent(b.stmtGet.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

func (b *SQLiteBackend) Children(ctx context.Context, parentID string) ([]*kernel.Event, error) {
	rows, err := b.stmtChildren.QueryContext(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (b *SQLiteBackend) BySession(ctx context.Context, sessionID string) ([]*kernel.Event, error) {
	rows, err := b.stmtBySession.QueryContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// NextSequence allocates the next sequence number inside an explicit
// transaction: read-then-write under BEGIN IMMEDIATE, which takes SQLite's
// write lock up front rather than on first write, closing the race window a
// plain SELECT-then-UPDATE would otherwise leave open between connections.
func (b *SQLiteBackend) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("kernel: begin next_sequence tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO kernel_session_sequences (session_id, next_sequence) VALUES (?, 1)`, sessionID); err != nil {
		return 0, fmt.Errorf("kernel: seed next_sequence for %q: %w", sessionID, err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT next_sequence FROM kernel_session_sequences WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("kernel: read next_sequence for %q: %w", sessionID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE kernel_session_sequences SET next_sequence = ? WHERE session_id = ?`, seq+1, sessionID); err != nil {
		return 0, fmt.Errorf("kernel: advance next_sequence for %q: %w", sessionID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("kernel: commit next_sequence tx: %w", err)
	}
	return seq, nil
}

func (b *SQLiteBackend) Search(ctx context.Context, query string, opts SearchOptions) ([]*kernel.Event, error) {
	sb := strings.Builder{}
	sb.WriteString(`SELECT id, session_id, parent_id, sequence, type, timestamp, payload FROM kernel_events WHERE 1=1`)
	var args []interface{}
	if opts.SessionID != "" {
		sb.WriteString(" AND session_id = ?")
		args = append(args, opts.SessionID)
	}
	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		sb.WriteString(" AND type IN (" + strings.Join(placeholders, ",") + ")")
	}
	if query != "" {
		sb.WriteString(" AND search_text LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(query)+"%")
	}
	sb.WriteString(" ORDER BY session_id, sequence ASC")
	if opts.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, opts.Limit)
	}

	rows, err := b.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("kernel: search: %w", err)
	}
	return scanEvents(rows)
}

// escapeLike escapes SQLite LIKE wildcards so a free-text search query
// containing '%' or '_' is matched literally rather than as a pattern.
func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}
