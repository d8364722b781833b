package kernel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/nexus/pkg/kernel"
)

// PostgresConfig configures a durable Event Log backend. Mirrors
// sessions.CockroachConfig's field set and defaults; CockroachDB speaks the
// Postgres wire protocol, so the same driver and DSN shape serve both.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig mirrors sessions.DefaultCockroachConfig's defaults.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Database:        "sessionkernel",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresBackend is a durable Event Log Backend. The events table is
// append-only by convention (no UPDATE/DELETE statement is ever prepared);
// sequence allocation is a single atomically-incrementing UPDATE...RETURNING
// against a per-session counter row, the SQL analogue of MemoryBackend's
// mutex-guarded seq map.
type PostgresBackend struct {
	db *sql.DB

	stmtInsert       *sql.Stmt
	stmtGet          *sql.Stmt
	stmtChildren     *sql.Stmt
	stmtBySession    *sql.Stmt
	stmtNextSequence *sql.Stmt
}

// Schema is the DDL a deployment must apply before using PostgresBackend.
// Kept as a string constant (rather than a migration tool dependency) so the
// backend has no setup dependency beyond a reachable database; operators
// wire it into whatever migration runner they already use.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS kernel_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	sequence BIGINT NOT NULL,
	type TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL,
	search_text TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS kernel_events_session_seq_idx ON kernel_events (session_id, sequence);
CREATE INDEX IF NOT EXISTS kernel_events_parent_idx ON kernel_events (parent_id);

CREATE TABLE IF NOT EXISTS kernel_session_sequences (
	session_id TEXT PRIMARY KEY,
	next_sequence BIGINT NOT NULL DEFAULT 1
);
`

// NewPostgresBackend opens a connection pool and prepares every statement
// the Backend interface needs, the same two-step (open, then prepare) shape
// as sessions.newCockroachStoreWithDSN.
func NewPostgresBackend(config *PostgresConfig) (*PostgresBackend, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password, config.Database,
		config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)
	return NewPostgresBackendFromDSN(dsn, config)
}

// NewPostgresBackendFromDSN opens a backend from a raw DSN/URL.
func NewPostgresBackendFromDSN(dsn string, config *PostgresConfig) (*PostgresBackend, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("kernel: open postgres: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("kernel: ping postgres: %w", err)
	}

	b := &PostgresBackend{db: db}
	if err := b.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) prepare() error {
	var err error
	b.stmtInsert, err = b.db.Prepare(`
		INSERT INTO kernel_events (id, session_id, parent_id, sequence, type, timestamp, payload, search_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("kernel: prepare insert: %w", err)
	}
	b.stmtGet, err = b.db.Prepare(`
		SELECT id, session_id, parent_id, sequence, type, timestamp, payload
		FROM kernel_events WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("kernel: prepare get: %w", err)
	}
	b.stmtChildren, err = b.db.Prepare(`
		SELECT id, session_id, parent_id, sequence, type, timestamp, payload
		FROM kernel_events WHERE parent_id = $1 ORDER BY sequence ASC
	`)
	if err != nil {
		return fmt.Errorf("kernel: prepare children: %w", err)
	}
	b.stmtBySession, err = b.db.Prepare(`
		SELECT id, session_id, parent_id, sequence, type, timestamp, payload
		FROM kernel_events WHERE session_id = $1 ORDER BY sequence ASC
	`)
	if err != nil {
		return fmt.Errorf("kernel: prepare by_session: %w", err)
	}
	b.stmtNextSequence, err = b.db.Prepare(`
		INSERT INTO kernel_session_sequences (session_id, next_sequence) VALUES ($1, 2)
		ON CONFLICT (session_id) DO UPDATE SET next_sequence = kernel_session_sequences.next_sequence + 1
		RETURNING next_sequence - 1
	`)
	if err != nil {
		return fmt.Errorf("kernel: prepare next_sequence: %w", err)
	}
	return nil
}

// Close releases the connection pool and prepared statements.
func (b *PostgresBackend) Close() error {
	for _, stmt := range []*sql.Stmt{b.stmtInsert, b.stmtGet, b.stmtChildren, b.stmtBySession, b.stmtNextSequence} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return b.db.Close()
}

func (b *PostgresBackend) Insert(ctx context.Context, ev *kernel.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("kernel: marshal payload for event %q: %w", ev.ID, err)
	}
	_, err = b.stmtInsert.ExecContext(ctx, ev.ID, ev.SessionID, ev.ParentID, ev.Sequence, string(ev.Type), ev.Timestamp, payload, searchText(ev))
	if err != nil {
		return fmt.Errorf("kernel: insert event %q: %w", ev.ID, err)
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, id string) (*kernel.Event, bool, error) {
	ev, err := scanEvent(b.stmtGet.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ev, true, nil
}

func (b *PostgresBackend) Children(ctx context.Context, parentID string) ([]*kernel.Event, error) {
	rows, err := b.stmtChildren.QueryContext(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (b *PostgresBackend) BySession(ctx context.Context, sessionID string) ([]*kernel.Event, error) {
	rows, err := b.stmtBySession.QueryContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (b *PostgresBackend) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	if err := b.stmtNextSequence.QueryRowContext(ctx, sessionID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("kernel: next_sequence for %q: %w", sessionID, err)
	}
	return seq, nil
}

func (b *PostgresBackend) Search(ctx context.Context, query string, opts SearchOptions) ([]*kernel.Event, error) {
	sb := strings.Builder{}
	sb.WriteString(`SELECT id, session_id, parent_id, sequence, type, timestamp, payload FROM kernel_events WHERE 1=1`)
	var args []interface{}
	pos := 1
	if opts.SessionID != "" {
		sb.WriteString(fmt.Sprintf(" AND session_id = $%d", pos))
		args = append(args, opts.SessionID)
		pos++
	}
	if len(opts.Types) > 0 {
		placeholders := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			placeholders[i] = fmt.Sprintf("$%d", pos)
			args = append(args, string(t))
			pos++
		}
		sb.WriteString(" AND type IN (" + strings.Join(placeholders, ",") + ")")
	}
	if query != "" {
		sb.WriteString(fmt.Sprintf(" AND search_text ILIKE $%d", pos))
		args = append(args, "%"+query+"%")
		pos++
	}
	sb.WriteString(" ORDER BY session_id, sequence ASC")
	if opts.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", pos))
		args = append(args, opts.Limit)
	}

	rows, err := b.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("kernel: search: %w", err)
	}
	return scanEvents(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*kernel.Event, error) {
	var id, sessionID, parentID, typ string
	var sequence int64
	var ts time.Time
	var payload []byte
	if err := row.Scan(&id, &sessionID, &parentID, &sequence, &typ, &ts, &payload); err != nil {
		return nil, err
	}
	et := kernel.EventType(typ)
	p, err := kernel.UnmarshalPayload(et, payload)
	if err != nil {
		return nil, fmt.Errorf("kernel: unmarshal payload for event %q (%s): %w", id, et, err)
	}
	return &kernel.Event{
		ID:        id,
		SessionID: sessionID,
		ParentID:  parentID,
		Sequence:  sequence,
		Type:      et,
		Timestamp: ts,
		Payload:   p,
	}, nil
}

func scanEvents(rows *sql.Rows) ([]*kernel.Event, error) {
	defer rows.Close()
	var out []*kernel.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("kernel: scan event row: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// searchText extracts the same matchable text payloadText does for the
// in-memory backend, persisted as a column so Search can push the ILIKE
// filter down to Postgres instead of scanning every row's JSONB payload.
func searchText(ev *kernel.Event) string {
	return payloadText(ev)
}
