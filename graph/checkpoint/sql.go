package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// sqlBackend implements Backend over database/sql. The SQLite and MySQL
// backends differ only in their DDL and upsert statement.
type sqlBackend struct {
	db     *sql.DB
	upsert string

	mu     sync.RWMutex
	closed bool
}

func (b *sqlBackend) check() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *sqlBackend) Put(ctx context.Context, runID string, version int64, savedAt time.Time, data []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, b.upsert, runID, version, data, savedAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", runID, err)
	}
	return nil
}

func (b *sqlBackend) Get(ctx context.Context, runID string) ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.QueryRowContext(ctx,
		"SELECT data FROM graph_checkpoints WHERE run_id = ?", runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", runID, err)
	}
	return data, nil
}

func (b *sqlBackend) Delete(ctx context.Context, runID string) error {
	if err := b.check(); err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, "DELETE FROM graph_checkpoints WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", runID, err)
	}
	return nil
}

func (b *sqlBackend) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	res, err := b.db.ExecContext(ctx, "DELETE FROM graph_checkpoints WHERE saved_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Ping verifies the database connection is alive.
func (b *sqlBackend) Ping(ctx context.Context) error {
	if err := b.check(); err != nil {
		return err
	}
	return b.db.PingContext(ctx)
}

func (b *sqlBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
