package banlist

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type Store interface {
	Load(ctx context.Context) ([]Entry, error)
	Add(ctx context.Context, e Entry) error
	Close() error
}

type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...), nil
}

func (m *MemoryStore) Add(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// SQLiteStore keeps permanent bans across restarts.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS bans (
	kind      TEXT NOT NULL,
	value     TEXT NOT NULL,
	name      TEXT NOT NULL DEFAULT '',
	reason    TEXT NOT NULL DEFAULT '',
	banned_at INTEGER NOT NULL,
	PRIMARY KEY (kind, value)
)`

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create ban list dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	// sqlite does not do concurrent writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, value, name, reason, banned_at FROM bans`)
	if err != nil {
		return nil, fmt.Errorf("could not query bans: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			at int64
		)
		if err := rows.Scan(&e.Kind, &e.Value, &e.Name, &e.Reason, &at); err != nil {
			return nil, fmt.Errorf("could not scan ban: %w", err)
		}
		e.At = time.Unix(at, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Add(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bans (kind, value, name, reason, banned_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (kind, value) DO UPDATE SET name = excluded.name, reason = excluded.reason, banned_at = excluded.banned_at`,
		string(e.Kind), e.Value, e.Name, e.Reason, e.At.Unix())
	if err != nil {
		return fmt.Errorf("could not insert ban: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
