package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SSR3-FinalPj/AI-auto/pkg/db"
)

// SQLiteRegistry keeps mappings in the idempotency_keys table so duplicates
// are still recognised after a restart, within the retention window.
type SQLiteRegistry struct {
	db  *db.DB
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewSQLite wraps an initialised database. The registry owns d and closes it.
func NewSQLite(d *db.DB, ttl time.Duration) *SQLiteRegistry {
	return &SQLiteRegistry{db: d, ttl: ttl, now: time.Now}
}

func (r *SQLiteRegistry) cutoff() int64 {
	if r.ttl <= 0 {
		return 0
	}
	return r.now().Add(-r.ttl).UnixNano()
}

func (r *SQLiteRegistry) check() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	return nil
}

// Get implements Registry.
func (r *SQLiteRegistry) Get(ctx context.Context, key string) (string, bool, error) {
	if err := r.check(); err != nil {
		return "", false, err
	}

	var id string
	err := r.db.QueryRowContext(ctx,
		"SELECT request_id FROM idempotency_keys WHERE dedup_key = ? AND created_at > ?",
		key, r.cutoff()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get idempotency key: %w", err)
	}
	return id, true, nil
}

// PutIfAbsent implements Registry.
func (r *SQLiteRegistry) PutIfAbsent(ctx context.Context, key, requestID string) (string, bool, error) {
	if err := r.check(); err != nil {
		return "", false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// An expired row for this key no longer counts
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM idempotency_keys WHERE dedup_key = ? AND created_at <= ?", key, r.cutoff()); err != nil {
		return "", false, fmt.Errorf("drop expired key: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO idempotency_keys (dedup_key, request_id, created_at) VALUES (?, ?, ?) ON CONFLICT(dedup_key) DO NOTHING",
		key, requestID, r.now().UnixNano())
	if err != nil {
		return "", false, fmt.Errorf("insert idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("rows affected: %w", err)
	}

	existing := requestID
	if n == 0 {
		if err := tx.QueryRowContext(ctx,
			"SELECT request_id FROM idempotency_keys WHERE dedup_key = ?", key).Scan(&existing); err != nil {
			return "", false, fmt.Errorf("read existing key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	return existing, n == 1, nil
}

// RemoveIfPresent implements Registry.
func (r *SQLiteRegistry) RemoveIfPresent(ctx context.Context, key string) (string, bool, error) {
	if err := r.check(); err != nil {
		return "", false, err
	}

	var id string
	err := r.db.QueryRowContext(ctx,
		"DELETE FROM idempotency_keys WHERE dedup_key = ? AND created_at > ? RETURNING request_id",
		key, r.cutoff()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("remove idempotency key: %w", err)
	}
	return id, true, nil
}

// Prune implements Registry.
func (r *SQLiteRegistry) Prune(ctx context.Context) (int, error) {
	if err := r.check(); err != nil {
		return 0, err
	}
	if r.ttl <= 0 {
		return 0, nil
	}

	res, err := r.db.ExecContext(ctx, "DELETE FROM idempotency_keys WHERE created_at <= ?", r.cutoff())
	if err != nil {
		return 0, fmt.Errorf("prune idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close implements Registry.
func (r *SQLiteRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}
