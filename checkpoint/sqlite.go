package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLite is the durable checkpointer backed by a local SQLite database.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id  TEXT NOT NULL,
	namespace  TEXT NOT NULL,
	state      BLOB NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
	PRIMARY KEY (thread_id, namespace)
);`

// NewSQLite opens (and migrates) the checkpoint database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	// Serialized access; the driver is not safe for concurrent writers
	// on a single connection pool without it.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate checkpoint db: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Put(ctx context.Context, threadID, namespace string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, namespace, state, updated_at)
		VALUES (?, ?, ?, strftime('%s','now'))
		ON CONFLICT (thread_id, namespace)
		DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		threadID, namespace, state)
	if err != nil {
		return fmt.Errorf("checkpoint put: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, threadID, namespace string) ([]byte, bool, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE thread_id = ? AND namespace = ?`,
		threadID, namespace).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint get: %w", err)
	}
	return state, true, nil
}

func (s *SQLite) Delete(ctx context.Context, threadID, namespace string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = ? AND namespace = ?`,
		threadID, namespace)
	if err != nil {
		return fmt.Errorf("checkpoint delete: %w", err)
	}
	return nil
}

func (s *SQLite) Persistent() bool { return true }
