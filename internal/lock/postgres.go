package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
)

// PGLocker holds PostgreSQL session advisory locks. A held lock pins one
// pooled connection until release; a crashed holder's lock ends with its
// session.
type PGLocker struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewPGLocker connects to databaseURL.
func NewPGLocker(ctx context.Context, databaseURL string, timeout time.Duration, logger *slog.Logger) (*PGLocker, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect lock database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping lock database: %w", err)
	}
	return &PGLocker{pool: pool, timeout: timeout, clock: clockwork.NewRealClock(), logger: logger}, nil
}

// advisoryKey maps a resource name onto the bigint key space.
func advisoryKey(resource string) int64 {
	h := fnv.New64a()
	h.Write([]byte(resource))
	return int64(h.Sum64())
}

// Acquire implements Locker.
func (l *PGLocker) Acquire(ctx context.Context, resource, label string) (*Handle, error) {
	key := advisoryKey(resource)
	var conn *pgxpool.Conn

	err := poll(ctx, l.clock, resource, l.timeout, pollInterval(l.timeout), func(ctx context.Context) (bool, error) {
		c, err := l.pool.Acquire(ctx)
		if err != nil {
			return false, err
		}
		var ok bool
		if err := c.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
			c.Release()
			return false, err
		}
		if !ok {
			c.Release()
			return false, nil
		}
		conn = c
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	h := newHandle(resource, label, l.clock.Now())
	h.release = func(ctx context.Context) error {
		defer conn.Release()
		var ok bool
		if err := conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok); err != nil {
			// Dropping the session frees the lock.
			conn.Conn().Close(ctx)
			return fmt.Errorf("advisory unlock %s: %w", resource, err)
		}
		if !ok {
			l.logger.Warn("advisory lock was not held at release", "resource", resource, "token", h.Token)
		}
		return nil
	}
	return h, nil
}

// Close implements Locker.
func (l *PGLocker) Close() error {
	l.pool.Close()
	return nil
}
