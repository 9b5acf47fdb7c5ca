package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

// Dialect selects SQL placeholder style and DDL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Checkpointer persists chain events durably.
type Checkpointer interface {
	Save(ctx context.Context, events []Event) error
	Load(ctx context.Context) ([]Event, error)
}

// SQLStore checkpoints events into a chain_events table. Saves are
// incremental: only events past the stored maximum sequence are written.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db. Call Migrate before first use on a fresh database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open connects to a checkpoint database and migrates it. dsn is a file
// path for sqlite and a connection string for postgres.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("chain: unknown dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("chain: open %s: %w", dialect, err)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (and migrates) a sqlite checkpoint file.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	return Open(ctx, DialectSQLite, path)
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Migrate creates the events table.
func (s *SQLStore) Migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS chain_events (
		seq BIGINT PRIMARY KEY,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("chain: migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) insertQuery() string {
	if s.dialect == DialectPostgres {
		return `INSERT INTO chain_events (seq, event_type, payload, prev_hash, hash, recorded_at) VALUES ($1, $2, $3, $4, $5, $6)`
	}
	return `INSERT INTO chain_events (seq, event_type, payload, prev_hash, hash, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`
}

// Save writes the events not yet stored, in one transaction.
func (s *SQLStore) Save(ctx context.Context, events []Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chain: begin checkpoint: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stored uint64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM chain_events`).Scan(&stored); err != nil {
		return fmt.Errorf("chain: read checkpoint head: %w", err)
	}

	insert := s.insertQuery()
	for _, e := range events {
		if e.Sequence <= stored {
			continue
		}
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("chain: marshal payload %d: %w", e.Sequence, err)
		}
		_, err = tx.ExecContext(ctx, insert,
			int64(e.Sequence), e.Type, string(payload), e.PrevHash, e.Hash,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("chain: insert event %d: %w", e.Sequence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("chain: commit checkpoint: %w", err)
	}
	return nil
}

// Load returns all stored events in sequence order.
func (s *SQLStore) Load(ctx context.Context) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, event_type, payload, prev_hash, hash, recorded_at FROM chain_events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("chain: load checkpoint: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			payload  string
			recorded string
		)
		if err := rows.Scan(&e.Sequence, &e.Type, &payload, &e.PrevHash, &e.Hash, &recorded); err != nil {
			return nil, fmt.Errorf("chain: scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("chain: decode payload %d: %w", e.Sequence, err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, recorded); err == nil {
			e.Timestamp = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Checkpoint saves the log into cp.
func (l *Log) Checkpoint(ctx context.Context, cp Checkpointer) error {
	return cp.Save(ctx, l.Events())
}

// Load restores a log from cp, verifying it.
func Load(ctx context.Context, cp Checkpointer, opts ...Option) (*Log, error) {
	events, err := cp.Load(ctx)
	if err != nil {
		return nil, err
	}
	return Restore(events, opts...)
}
