// Package state persists watcher cursors and seen-sets in a SQLite
// database under the workspace. The state lives outside the vault: it
// is private to each watcher and only prevents re-scanning history,
// never substitutes for the store's create-collision dedup.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const defaultDBName = "state.db"

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".vaultline", defaultDBName)
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".vaultline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Store wraps the state database.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

// Open opens the state database and applies the schema.
func Open(cfg Config) (*Store, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Store{DB: conn, Now: time.Now}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cursors (
			source TEXT PRIMARY KEY,
			cursor TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS seen (
			source TEXT NOT NULL,
			source_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (source, source_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate state db: %w", err)
		}
	}
	return nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Cursor returns the persisted cursor for a source, empty when none.
func (s *Store) Cursor(ctx context.Context, source string) (string, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT cursor FROM cursors WHERE source=?`, source)
	var cursor string
	if err := row.Scan(&cursor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return cursor, nil
}

// SetCursor upserts the cursor. Watchers call this only after the
// cycle's work items are durably created.
func (s *Store) SetCursor(ctx context.Context, source, cursor string) error {
	ts := s.now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO cursors(source,cursor,updated_at) VALUES (?,?,?)
		 ON CONFLICT(source) DO UPDATE SET cursor=excluded.cursor, updated_at=excluded.updated_at`,
		source, cursor, ts)
	return err
}

// Seen reports whether a source-native event id was already processed.
func (s *Store) Seen(ctx context.Context, source, sourceID string) (bool, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT 1 FROM seen WHERE source=? AND source_id=? LIMIT 1`, source, sourceID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MarkSeen records a processed source-native event id.
func (s *Store) MarkSeen(ctx context.Context, source, sourceID string) error {
	ts := s.now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO seen(source,source_id,created_at) VALUES (?,?,?)
		 ON CONFLICT(source,source_id) DO NOTHING`,
		source, sourceID, ts)
	return err
}
