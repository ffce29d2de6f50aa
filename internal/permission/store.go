// Package permission decides whether a write may proceed: cached decisions
// first, then a prompt round-trip to the agent, with persistent policies in
// SQLite surviving restarts.
package permission

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Decision is a persisted policy for one canonical path. Only the "always"
// options are ever stored; one-shot choices live and die with the request.
type Decision string

const (
	AllowAlways  Decision = "allow_always"
	RejectAlways Decision = "reject_always"
)

// Store persists path policies in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the policy database at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create policy db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS policies (
			path       TEXT PRIMARY KEY,
			decision   TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("create policies table: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns all persisted decisions keyed by canonical path.
func (s *Store) Load(ctx context.Context) (map[string]Decision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, decision FROM policies;`)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Decision)
	for rows.Next() {
		var path, decision string
		if err := rows.Scan(&path, &decision); err != nil {
			return nil, fmt.Errorf("scan policy row: %w", err)
		}
		switch d := Decision(decision); d {
		case AllowAlways, RejectAlways:
			out[path] = d
		}
	}
	return out, rows.Err()
}

// Put upserts a decision for a canonical path.
func (s *Store) Put(ctx context.Context, path string, d Decision) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (path, decision, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET
			decision = excluded.decision,
			updated_at = CURRENT_TIMESTAMP;
	`, path, string(d))
	if err != nil {
		return fmt.Errorf("put policy: %w", err)
	}
	return nil
}

// Delete removes a persisted decision.
func (s *Store) Delete(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE path = ?;`, path); err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	return nil
}
