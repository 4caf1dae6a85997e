package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vnoded/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	shard INTEGER NOT NULL,
	node_id TEXT NOT NULL,
	state TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_shard_seq ON transitions(shard, seq);

CREATE TRIGGER IF NOT EXISTS trg_transitions_no_update
BEFORE UPDATE ON transitions
BEGIN
	SELECT RAISE(ABORT, 'transitions are append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_transitions_no_delete
BEFORE DELETE ON transitions
BEGIN
	SELECT RAISE(ABORT, 'transitions are append-only: DELETE forbidden');
END;
`

var ErrClosed = errors.New("journal closed")

// Store is an append-only SQLite journal of supervisor transitions.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir journal dir: %w", err)
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) Record(ctx context.Context, t domain.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO transitions(shard, node_id, state, reason, at_utc_ns)
VALUES(?, ?, ?, ?, ?)`,
		int64(t.Shard), t.NodeID, t.State, string(t.Reason), t.At.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("record transition shard=%d: %w", t.Shard, err)
	}
	return nil
}

// Recent returns up to limit transitions for shard, newest first.
func (s *Store) Recent(ctx context.Context, shard domain.ShardNumber, limit int) ([]domain.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT shard, node_id, state, reason, at_utc_ns
FROM transitions
WHERE shard=?
ORDER BY seq DESC
LIMIT ?`, int64(shard), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var (
			t      domain.Transition
			n      int64
			reason string
			atNs   int64
		)
		if err := rows.Scan(&n, &t.NodeID, &t.State, &reason, &atNs); err != nil {
			return nil, err
		}
		t.Shard = domain.ShardNumber(n)
		t.Reason = domain.StopReason(reason)
		t.At = time.Unix(0, atNs).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}
