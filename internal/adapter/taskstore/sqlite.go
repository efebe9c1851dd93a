// Package taskstore remembers which public tasks have already been reported.
package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"anyrun/internal/domain"
)

// SQLiteStore records seen task uuids in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: create db dir: %w", domain.ErrStore, err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %w", domain.ErrStore, err)
	}
	// One writer at a time; the watcher is the only client.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set WAL mode: %w", domain.ErrStore, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %w", domain.ErrStore, err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// schemaVersion 1 stores first_seen as Unix nanoseconds.
const schemaVersion = 1

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS seen_tasks (
			uuid       TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			verdict    TEXT NOT NULL DEFAULT '',
			first_seen TEXT NOT NULL
		)
	`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		CREATE TABLE seen_tasks_v1 (
			uuid       TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			verdict    TEXT NOT NULL DEFAULT '',
			first_seen INTEGER NOT NULL
		)
	`); err != nil {
		return err
	}
	// Earlier databases kept RFC 3339 text; sub-second precision is dropped.
	if _, err := tx.Exec(`
		INSERT INTO seen_tasks_v1 (uuid, name, verdict, first_seen)
		SELECT uuid, name, verdict, COALESCE(CAST(strftime('%s', first_seen) AS INTEGER), 0) * 1000000000
		FROM seen_tasks
	`); err != nil {
		return err
	}
	for _, stmt := range []string{
		"DROP TABLE seen_tasks",
		"ALTER TABLE seen_tasks_v1 RENAME TO seen_tasks",
		"CREATE INDEX IF NOT EXISTS seen_tasks_first_seen ON seen_tasks (first_seen)",
		fmt.Sprintf("PRAGMA user_version = %d", schemaVersion),
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MarkSeen records tasks and returns those not seen before, in input order.
func (s *SQLiteStore) MarkSeen(ctx context.Context, tasks []domain.Task) ([]domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", domain.ErrStore, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO seen_tasks (uuid, name, verdict, first_seen) VALUES (?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("%w: prepare: %w", domain.ErrStore, err)
	}
	defer stmt.Close()

	now := s.now().UnixNano()
	var fresh []domain.Task
	for _, t := range tasks {
		if t.UUID() == "" {
			continue
		}
		res, err := stmt.ExecContext(ctx, t.UUID(), t.Name(), t.Verdict(), now)
		if err != nil {
			return nil, fmt.Errorf("%w: insert %s: %w", domain.ErrStore, t.UUID(), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			fresh = append(fresh, t)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", domain.ErrStore, err)
	}
	return fresh, nil
}

// Count returns the number of recorded tasks.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM seen_tasks").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %w", domain.ErrStore, err)
	}
	return n, nil
}

// Prune forgets tasks first seen before cutoff and returns how many were
// removed.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM seen_tasks WHERE first_seen < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %w", domain.ErrStore, err)
	}
	return res.RowsAffected()
}
