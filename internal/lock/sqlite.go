package lock

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS locks (
	resource   TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	label      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
)`

// SQLiteLocker keeps leases in a sqlite file shared by the processes of one
// host. A holder renews its lease while it runs; the lease of a crashed
// holder expires and is taken over.
type SQLiteLocker struct {
	db      *sql.DB
	timeout time.Duration
	lease   time.Duration
	clock   clockwork.Clock
	logger  *slog.Logger
}

// NewSQLiteLocker opens (creating if needed) the lease table at path.
func NewSQLiteLocker(path string, timeout, lease time.Duration, clock clockwork.Clock, logger *slog.Logger) (*SQLiteLocker, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open lock database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create lock table: %w", err)
	}
	return &SQLiteLocker{db: db, timeout: timeout, lease: lease, clock: clock, logger: logger}, nil
}

// Acquire implements Locker.
func (l *SQLiteLocker) Acquire(ctx context.Context, resource, label string) (*Handle, error) {
	h := newHandle(resource, label, time.Time{})

	err := poll(ctx, l.clock, resource, l.timeout, pollInterval(l.timeout), func(ctx context.Context) (bool, error) {
		now := l.clock.Now()
		res, err := l.db.ExecContext(ctx, `
			INSERT INTO locks (resource, token, label, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (resource) DO UPDATE
				SET token = excluded.token, label = excluded.label, expires_at = excluded.expires_at
				WHERE locks.expires_at < ?`,
			resource, h.Token, label, now.Add(l.lease).UnixMilli(), now.UnixMilli())
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	})
	if err != nil {
		return nil, err
	}
	h.Acquired = l.clock.Now()

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(resource, h.Token, stop, done)

	h.release = func(ctx context.Context) error {
		close(stop)
		<-done
		if _, err := l.db.ExecContext(ctx, `DELETE FROM locks WHERE resource = ? AND token = ?`, resource, h.Token); err != nil {
			return fmt.Errorf("release %s: %w", resource, err)
		}
		return nil
	}
	return h, nil
}

// renew extends the lease every third of its length until stop closes.
func (l *SQLiteLocker) renew(resource, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := l.clock.NewTicker(l.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			res, err := l.db.Exec(`UPDATE locks SET expires_at = ? WHERE resource = ? AND token = ?`,
				l.clock.Now().Add(l.lease).UnixMilli(), resource, token)
			if err != nil {
				l.logger.Warn("lease renewal failed", "resource", resource, "error", err)
				continue
			}
			if n, _ := res.RowsAffected(); n == 0 {
				l.logger.Error("lease lost", "resource", resource, "token", token)
				return
			}
		}
	}
}

// Close implements Locker.
func (l *SQLiteLocker) Close() error {
	return l.db.Close()
}
