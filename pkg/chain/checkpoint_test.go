package chain

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "chain.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	l := New()
	_, _ = l.Append("proposal.submitted", map[string]any{"id": "p1", "tier": "HIGH"})
	_, _ = l.Append("proposal.completed", map[string]any{"id": "p1", "ms": 12})
	require.NoError(t, l.Checkpoint(ctx, store))

	// Incremental: a second checkpoint only adds the new tail.
	_, _ = l.Append("batch.ready", map[string]any{"size": 3})
	require.NoError(t, l.Checkpoint(ctx, store))

	restored, err := Load(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Len())
	assert.Equal(t, l.Proof(), restored.Proof())
}

func TestPostgresCheckpointSave(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := New()
	_, _ = l.Append("a", map[string]any{"x": 1})
	_, _ = l.Append("b", map[string]any{"x": 2})
	events := l.Events()

	store := NewSQLStore(db, DialectPostgres)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(seq), 0) FROM chain_events")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chain_events (seq, event_type, payload, prev_hash, hash, recorded_at) VALUES ($1, $2, $3, $4, $5, $6)")).
		WithArgs(int64(2), "b", `{"x":2}`, events[1].PrevHash, events[1].Hash, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Save(context.Background(), events))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointLoadRejectsTamperedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := New()
	_, _ = l.Append("a", map[string]any{"x": 1})
	e := l.Events()[0]

	rows := sqlmock.NewRows([]string{"seq", "event_type", "payload", "prev_hash", "hash", "recorded_at"}).
		AddRow(int64(1), "a", `{"x":7}`, e.PrevHash, e.Hash, time.Now().UTC().Format(time.RFC3339Nano))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, event_type, payload, prev_hash, hash, recorded_at FROM chain_events ORDER BY seq")).
		WillReturnRows(rows)

	_, err = Load(context.Background(), NewSQLStore(db, DialectPostgres))
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointLoadRejectsForgedTimestamp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := New()
	_, _ = l.Append("a", map[string]any{"x": 1})
	e := l.Events()[0]

	rows := sqlmock.NewRows([]string{"seq", "event_type", "payload", "prev_hash", "hash", "recorded_at"}).
		AddRow(int64(1), "a", `{"x":1}`, e.PrevHash, e.Hash, "1999-01-01T00:00:00Z")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, event_type, payload, prev_hash, hash, recorded_at FROM chain_events ORDER BY seq")).
		WillReturnRows(rows)

	_, err = Load(context.Background(), NewSQLStore(db, DialectPostgres))
	assert.ErrorContains(t, err, "hash mismatch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenUnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), Dialect("oracle"), "x")
	require.Error(t, err)
}
