package distlock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore/advisorylock"
)

// PostgresLocker takes session level advisory locks. Every held lock pins a
// connection of the pool, so db must not go through a transaction pooler.
// Keys are hashed into the second lock key; two keys with the same hash
// contend with each other.
type PostgresLocker struct {
	db *sql.DB
}

// NewPostgresLocker returns a Locker backed by Postgres advisory locks.
func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

//nolint: revive,stylecheck // This is documented in the interface.
func (l *PostgresLocker) TryLock(ctx context.Context, key string) (ReleaseFunc, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("get connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1, hashtext($2))`,
		advisorylock.DatabaseLocks, key,
	).Scan(&acquired); err != nil {
		discard(conn)
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}

	if !acquired {
		return nil, false, conn.Close()
	}

	return func(ctx context.Context) error {
		var released bool
		if err := conn.QueryRowContext(ctx,
			`SELECT pg_advisory_unlock($1, hashtext($2))`,
			advisorylock.DatabaseLocks, key,
		).Scan(&released); err != nil {
			// Terminating the session is the only other way to drop the lock.
			discard(conn)
			return fmt.Errorf("advisory unlock: %w", err)
		}

		if err := conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}

		if !released {
			return fmt.Errorf("advisory lock %q was not held", key)
		}

		return nil
	}, true, nil
}

// discard closes the connection instead of returning it to the pool.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	_ = conn.Close()
}
