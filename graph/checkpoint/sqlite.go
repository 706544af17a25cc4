package checkpoint

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores snapshots in a single-file SQLite database.
//
// The path may be a file ("./checkpoints.db") or ":memory:" for tests. The
// schema is created on first use and the database runs in WAL mode.
type SQLiteBackend struct {
	sqlBackend
	path string
}

// NewSQLiteBackend opens (or creates) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS graph_checkpoints (
			run_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			data BLOB NOT NULL,
			saved_at INTEGER NOT NULL
		)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create graph_checkpoints table: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_graph_checkpoints_saved_at ON graph_checkpoints(saved_at)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create idx_graph_checkpoints_saved_at: %w", err)
	}

	return &SQLiteBackend{
		sqlBackend: sqlBackend{
			db: db,
			upsert: `INSERT INTO graph_checkpoints (run_id, version, data, saved_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(run_id) DO UPDATE SET
					version = excluded.version,
					data = excluded.data,
					saved_at = excluded.saved_at
				WHERE excluded.version >= graph_checkpoints.version`,
		},
		path: path,
	}, nil
}

// Path returns the database location.
func (s *SQLiteBackend) Path() string { return s.path }
