// Package history persists finished backup runs in a local SQLite database
// so outcomes survive agent restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"driveguard/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	drive_id TEXT NOT NULL,
	status TEXT NOT NULL,
	phase TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	snapshot_id TEXT NOT NULL DEFAULT '',
	repository_id TEXT NOT NULL DEFAULT '',
	bytes_added INTEGER NOT NULL DEFAULT 0,
	files_backed_up INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	interrupted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_drive ON runs (drive_id, started_at DESC);
`

// Store is the run history database.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// modernc sqlite is single-writer; avoid SQLITE_BUSY under concurrency.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records a finished run.
func (s *Store) Append(ctx context.Context, r state.RunResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, drive_id, status, phase, started_at, finished_at,
			snapshot_id, repository_id, bytes_added, files_backed_up, message, interrupted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DriveID, string(r.Status), string(r.Phase),
		r.StartedAt.Unix(), r.FinishedAt.Unix(),
		r.SnapshotID, r.RepositoryID, r.BytesAdded, r.FilesBacked, r.Message, boolToInt(r.Interrupted),
	)
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	return nil
}

// Recent returns the newest runs, optionally filtered to one drive. limit
// caps the result; zero means 50.
func (s *Store) Recent(ctx context.Context, driveID string, limit int) ([]state.RunResult, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, drive_id, status, phase, started_at, finished_at,
		snapshot_id, repository_id, bytes_added, files_backed_up, message, interrupted
		FROM runs`
	args := []any{}
	if driveID != "" {
		query += " WHERE drive_id = ?"
		args = append(args, driveID)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []state.RunResult
	for rows.Next() {
		var r state.RunResult
		var status, phase string
		var started, finished int64
		var interrupted int
		if err := rows.Scan(&r.ID, &r.DriveID, &status, &phase, &started, &finished,
			&r.SnapshotID, &r.RepositoryID, &r.BytesAdded, &r.FilesBacked, &r.Message, &interrupted); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = state.RunStatus(status)
		r.Phase = state.RunPhase(phase)
		r.StartedAt = time.Unix(started, 0).UTC()
		r.FinishedAt = time.Unix(finished, 0).UTC()
		r.Interrupted = interrupted != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
