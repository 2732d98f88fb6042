// Package archive persists processed chunks per ingestion task in a local
// SQLite database. The archive is an audit trail over the vector index:
// chunks survive server restarts and index rebuilds, and a failed archive
// write never fails the task that produced it.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/54b3r/handoff-go/internal/index"
)

// Record is one archived chunk with its ingestion provenance.
type Record struct {
	// TaskID is the ingestion task that produced the chunk.
	TaskID string
	// IndexName is the index the chunk was written to.
	IndexName string
	// Chunk is the normalized chunk as it was indexed.
	Chunk index.Chunk
	// ArchivedAt is when the record was persisted.
	ArchivedAt time.Time
}

// Store persists and retrieves archived chunks. Implementations must be safe
// for concurrent use.
type Store interface {
	// Save persists all chunks produced by one task in a single transaction.
	Save(ctx context.Context, taskID, indexName string, chunks []index.Chunk) error
	// ByTask returns the archived chunks for a task, oldest-first.
	ByTask(ctx context.Context, taskID string) ([]Record, error)
	// Close releases any resources held by the store.
	Close() error
}

// SQLiteStore is a Store backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the chunk archive database.
// It resolves to ~/.handoff/archive.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("archive: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".handoff")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("archive: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "archive.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS chunks (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id      TEXT    NOT NULL,
    index_name   TEXT    NOT NULL,
    chunk_id     TEXT    NOT NULL,
    payload      TEXT    NOT NULL,  -- chunk serialized as JSON
    archived_at  INTEGER NOT NULL   -- Unix timestamp (seconds)
);
CREATE INDEX IF NOT EXISTS idx_chunks_task
    ON chunks (task_id, id);
CREATE INDEX IF NOT EXISTS idx_chunks_index_name
    ON chunks (index_name);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Save persists all chunks for one task atomically. Either every chunk lands
// or none do, so a partially archived task can never be observed.
func (s *SQLiteStore) Save(ctx context.Context, taskID, indexName string, chunks []index.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	const q = `INSERT INTO chunks (task_id, index_name, chunk_id, payload, archived_at) VALUES (?, ?, ?, ?, ?)`
	now := time.Now().Unix()
	for _, c := range chunks {
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("archive: marshal chunk %s: %w", c.ID, err)
		}
		if _, err := tx.ExecContext(ctx, q, taskID, indexName, c.ID, string(payload), now); err != nil {
			return fmt.Errorf("archive: save chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit save: %w", err)
	}
	return nil
}

// ByTask returns the archived chunks for a task in insertion order.
func (s *SQLiteStore) ByTask(ctx context.Context, taskID string) ([]Record, error) {
	const q = `
SELECT index_name, payload, archived_at
FROM   chunks
WHERE  task_id = ?
ORDER  BY id ASC`

	rows, err := s.db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("archive: by task: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			rec     Record
			payload string
			ts      int64
		)
		if err := rows.Scan(&rec.IndexName, &payload, &ts); err != nil {
			return nil, fmt.Errorf("archive: by task scan: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Chunk); err != nil {
			return nil, fmt.Errorf("archive: decode chunk payload: %w", err)
		}
		rec.TaskID = taskID
		rec.ArchivedAt = time.Unix(ts, 0)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: by task rows: %w", err)
	}
	return recs, nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("archive: close: %w", err)
	}
	return nil
}
