// Package cache provides the SQLite-backed durable store for questsync:
// device metadata, the last known application state, the pending
// operation queue and the temporary-id correlation table.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"
	_ "modernc.org/sqlite"
)

// Well-known meta keys.
const (
	MetaDeviceID = "device_id"
	MetaAPIBase  = "api_base"
)

// DB represents a SQLite database connection holding one device's data.
type DB struct {
	path string
	conn *sql.DB
}

// OperationRow is a persisted queued operation.
type OperationRow struct {
	ID         int64 // FIFO position, assigned on insert
	Seq        uint64
	Kind       string
	QuestID    string
	TempID     string
	Payload    string // JSON
	EnqueuedAt string
	Retries    int
}

const createMetaTableSQL = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// createStateTableSQL holds a single row with the snappy-compressed state.
const createStateTableSQL = `
CREATE TABLE IF NOT EXISTS state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    payload BLOB NOT NULL,
    updated_at TEXT
);
`

const createOperationsTableSQL = `
CREATE TABLE IF NOT EXISTS operations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    seq INTEGER NOT NULL,
    kind TEXT NOT NULL,
    quest_id TEXT,
    temp_id TEXT,
    payload TEXT,
    enqueued_at TEXT,
    retries INTEGER DEFAULT 0
);
`

const createCorrelationsTableSQL = `
CREATE TABLE IF NOT EXISTS correlations (
    temp_id TEXT PRIMARY KEY,
    real_id TEXT NOT NULL,
    confirmed_at TEXT
);
`

// InitDB creates or opens a SQLite database at the given path and initializes the schema.
func InitDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer; one connection keeps every
	// write serialized and avoids "database is locked".
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	for _, stmt := range []struct{ name, sql string }{
		{"meta", createMetaTableSQL},
		{"state", createStateTableSQL},
		{"operations", createOperationsTableSQL},
		{"correlations", createCorrelationsTableSQL},
	} {
		if _, err := conn.Exec(stmt.sql); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create %s table: %w", stmt.name, err)
		}
	}

	return &DB{
		path: path,
		conn: conn,
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// GetMeta returns the value stored under key. ok is false when unset.
func (db *DB) GetMeta(key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read meta %q: %w", key, err)
	}
	return value, true, nil
}

// SetMeta stores value under key.
func (db *DB) SetMeta(key, value string) error {
	_, err := db.conn.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %q: %w", key, err)
	}
	return nil
}

// ErrCorruptState is returned by LoadState when the stored blob cannot be decompressed.
var ErrCorruptState = errors.New("stored state is corrupt")

// LoadState returns the serialized state, or nil if none was saved yet.
func (db *DB) LoadState() ([]byte, error) {
	var blob []byte
	err := db.conn.QueryRow("SELECT payload FROM state WHERE id = 1").Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	payload, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return payload, nil
}

// ListOperations returns every queued operation in FIFO order.
func (db *DB) ListOperations() ([]OperationRow, error) {
	rows, err := db.conn.Query(`
		SELECT id, seq, kind, quest_id, temp_id, payload, enqueued_at, retries
		FROM operations
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	ops := []OperationRow{}
	for rows.Next() {
		op, err := scanOperationFrom(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operation rows: %w", err)
	}
	return ops, nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOperationFrom(s scanner) (*OperationRow, error) {
	var op OperationRow
	var questID, tempID, payload, enqueuedAt sql.NullString
	var retries sql.NullInt64

	if err := s.Scan(&op.ID, &op.Seq, &op.Kind, &questID, &tempID, &payload, &enqueuedAt, &retries); err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}
	op.QuestID = questID.String
	op.TempID = tempID.String
	op.Payload = payload.String
	op.EnqueuedAt = enqueuedAt.String
	op.Retries = int(retries.Int64)
	return &op, nil
}

// Correlations returns the temp→real identifier table.
func (db *DB) Correlations() (map[string]string, error) {
	rows, err := db.conn.Query("SELECT temp_id, real_id FROM correlations")
	if err != nil {
		return nil, fmt.Errorf("failed to query correlations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var tempID, realID string
		if err := rows.Scan(&tempID, &realID); err != nil {
			return nil, fmt.Errorf("failed to scan correlation: %w", err)
		}
		out[tempID] = realID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating correlation rows: %w", err)
	}
	return out, nil
}

// Tx groups writes that must land together.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn in a transaction, committing only if fn returns nil.
func (db *DB) WithTx(fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveState replaces the serialized state.
func (t *Tx) SaveState(payload []byte) error {
	_, err := t.tx.Exec(
		"INSERT OR REPLACE INTO state (id, payload, updated_at) VALUES (1, ?, ?)",
		snappy.Encode(nil, payload), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// InsertOperation appends op to the queue and returns its FIFO id.
func (t *Tx) InsertOperation(op OperationRow) (int64, error) {
	result, err := t.tx.Exec(`
		INSERT INTO operations (seq, kind, quest_id, temp_id, payload, enqueued_at, retries)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		op.Seq,
		op.Kind,
		sql.NullString{String: op.QuestID, Valid: op.QuestID != ""},
		sql.NullString{String: op.TempID, Valid: op.TempID != ""},
		sql.NullString{String: op.Payload, Valid: op.Payload != ""},
		op.EnqueuedAt,
		op.Retries,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert operation: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

// DeleteOperation removes a queued operation.
func (t *Tx) DeleteOperation(id int64) error {
	if _, err := t.tx.Exec("DELETE FROM operations WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete operation %d: %w", id, err)
	}
	return nil
}

// SetRetries records the retry counter of a queued operation.
func (t *Tx) SetRetries(id int64, retries int) error {
	result, err := t.tx.Exec("UPDATE operations SET retries = ? WHERE id = ?", retries, id)
	if err != nil {
		return fmt.Errorf("failed to update retries: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no operation found with id=%d", id)
	}
	return nil
}

// RemapQuest points every queued operation aimed at tempID to realID
// and records the correlation.
func (t *Tx) RemapQuest(tempID, realID string) error {
	if _, err := t.tx.Exec("UPDATE operations SET quest_id = ? WHERE quest_id = ?", realID, tempID); err != nil {
		return fmt.Errorf("failed to remap operations: %w", err)
	}
	_, err := t.tx.Exec(
		"INSERT OR REPLACE INTO correlations (temp_id, real_id, confirmed_at) VALUES (?, ?, ?)",
		tempID, realID, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record correlation: %w", err)
	}
	return nil
}

// ClearOperations empties the queue.
func (t *Tx) ClearOperations() error {
	if _, err := t.tx.Exec("DELETE FROM operations"); err != nil {
		return fmt.Errorf("failed to clear operations: %w", err)
	}
	return nil
}

// ClearCorrelations empties the correlation table.
func (t *Tx) ClearCorrelations() error {
	if _, err := t.tx.Exec("DELETE FROM correlations"); err != nil {
		return fmt.Errorf("failed to clear correlations: %w", err)
	}
	return nil
}
