package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
)

// AdvisoryLocker uses session-level pg advisory locks. Each held lock pins its own
// connection, so a crashed process releases its locks when Postgres drops the session.
type AdvisoryLocker struct {
	db   *sql.DB
	held *reservations[int64, sql.Conn]
}

func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, held: newReservations[int64, sql.Conn]()}
}

func (l *AdvisoryLocker) TryAcquire(ctx context.Context, itemID string) (bool, error) {
	key := advisoryKey(itemID)
	if !l.held.reserve(key) {
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		l.held.cancel(key)
		return false, fmt.Errorf("failed to pin connection for lock %s: %w", itemID, err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		discard(conn)
		l.held.cancel(key)
		return false, fmt.Errorf("failed to acquire lock %s: %w", itemID, err)
	}
	if !acquired {
		conn.Close()
		l.held.cancel(key)
		return false, nil
	}

	l.held.commit(key, conn)
	return true, nil
}

func (l *AdvisoryLocker) Release(ctx context.Context, itemID string) error {
	key := advisoryKey(itemID)
	conn := l.held.take(key)
	if conn == nil {
		return nil
	}

	var released bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released); err != nil {
		// The session may still own the lock; drop it instead of pooling it.
		discard(conn)
		return fmt.Errorf("failed to release lock %s: %w", itemID, err)
	}
	return conn.Close()
}

// discard closes the underlying driver connection rather than returning it to the pool.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}
