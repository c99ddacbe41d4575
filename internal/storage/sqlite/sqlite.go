// Package sqlite persists alert history and pending agent operations.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"blingwatch/internal/agent"
)

// SQLiteStorage implements the alert-history and pending-operation stores
// using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// New creates a new SQLite storage instance.
func New(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteStorage{db: db}
	if err := storage.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

// migrate creates the database schema
func (s *SQLiteStorage) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS alert_history (
			sku TEXT NOT NULL,
			warehouse TEXT NOT NULL,
			last_alert_at DATETIME NOT NULL,
			PRIMARY KEY (sku, warehouse)
		);

		CREATE TABLE IF NOT EXISTS pending_operations (
			user_id TEXT PRIMARY KEY,
			operation TEXT NOT NULL,
			sku TEXT NOT NULL,
			product_name TEXT NOT NULL,
			quantity REAL NOT NULL,
			warehouse TEXT NOT NULL DEFAULT '',
			target_warehouse TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_alert_history_at ON alert_history(last_alert_at);
		CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_operations(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// LastAlertAt returns when an alert for the (sku, warehouse) pair was last
// sent, or nil when none was ever recorded.
func (s *SQLiteStorage) LastAlertAt(ctx context.Context, sku, warehouse string) (*time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT last_alert_at FROM alert_history WHERE sku = ? AND warehouse = ?
	`, sku, warehouse).Scan(&at)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &at, nil
}

// RecordAlert stores the send time for an (sku, warehouse) pair.
func (s *SQLiteStorage) RecordAlert(ctx context.Context, sku, warehouse string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_history (sku, warehouse, last_alert_at)
		VALUES (?, ?, ?)
		ON CONFLICT(sku, warehouse) DO UPDATE SET
			last_alert_at = excluded.last_alert_at
	`, sku, warehouse, at)
	return err
}

// SavePending stores a pending operation, replacing any previous one for
// the same user.
func (s *SQLiteStorage) SavePending(ctx context.Context, op *agent.PendingOperation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_operations
			(user_id, operation, sku, product_name, quantity, warehouse, target_warehouse, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			operation = excluded.operation,
			sku = excluded.sku,
			product_name = excluded.product_name,
			quantity = excluded.quantity,
			warehouse = excluded.warehouse,
			target_warehouse = excluded.target_warehouse,
			created_at = excluded.created_at
	`, op.UserID, op.Operation, op.SKU, op.ProductName, op.Quantity,
		op.Warehouse, op.TargetWarehouse, op.CreatedAt)
	return err
}

// GetPending retrieves the pending operation for a user, or nil when there
// is none.
func (s *SQLiteStorage) GetPending(ctx context.Context, userID string) (*agent.PendingOperation, error) {
	var op agent.PendingOperation
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, operation, sku, product_name, quantity, warehouse, target_warehouse, created_at
		FROM pending_operations WHERE user_id = ?
	`, userID).Scan(&op.UserID, &op.Operation, &op.SKU, &op.ProductName,
		&op.Quantity, &op.Warehouse, &op.TargetWarehouse, &op.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// DeletePending removes the pending operation for a user.
func (s *SQLiteStorage) DeletePending(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending_operations WHERE user_id = ?", userID)
	return err
}

// DeleteExpiredPending removes operations created before the cutoff and
// returns how many were removed.
func (s *SQLiteStorage) DeleteExpiredPending(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM pending_operations WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
