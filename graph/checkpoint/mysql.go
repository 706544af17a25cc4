package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLBackend stores snapshots in MySQL or MariaDB so several engine
// processes can share recovery points.
//
// DSN format:
//
//	user:password@tcp(localhost:3306)/graphs
//
// Never hardcode credentials; read the DSN from configuration or the
// environment.
type MySQLBackend struct {
	sqlBackend
}

// NewMySQLBackend connects, verifies the connection and creates the schema.
func NewMySQLBackend(ctx context.Context, dsn string) (*MySQLBackend, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS graph_checkpoints (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			version BIGINT NOT NULL,
			data LONGBLOB NOT NULL,
			saved_at BIGINT NOT NULL,
			INDEX idx_saved_at (saved_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create graph_checkpoints table: %w", err)
	}

	return &MySQLBackend{
		sqlBackend: sqlBackend{
			db: db,
			upsert: `INSERT INTO graph_checkpoints (run_id, version, data, saved_at)
				VALUES (?, ?, ?, ?)
				ON DUPLICATE KEY UPDATE
					data = IF(VALUES(version) >= version, VALUES(data), data),
					saved_at = IF(VALUES(version) >= version, VALUES(saved_at), saved_at),
					version = IF(VALUES(version) >= version, VALUES(version), version)`,
		},
	}, nil
}
