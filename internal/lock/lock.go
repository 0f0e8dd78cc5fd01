// Package lock provides the named mutual-exclusion service that serialises
// store mutations across processes.
//
// Resources are free-form strings such as "store:hour" or "rotate:region".
// Three backends exist: an in-process locker, PostgreSQL session advisory
// locks, and a lease table in a shared sqlite file for single-host
// deployments. Acquisition waits up to a configured timeout.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/xtxerr/raintier/config"
	iconfig "github.com/xtxerr/raintier/internal/config"
	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/metrics"
)

// Locker acquires named locks.
type Locker interface {
	// Acquire blocks until resource is held, the lock timeout elapses
	// (ErrLockTimeout) or ctx ends. label describes the holder in logs.
	Acquire(ctx context.Context, resource, label string) (*Handle, error)

	// Close releases backend resources.
	Close() error
}

// Handle is a held lock.
type Handle struct {
	Resource string
	Label    string
	Token    string
	Acquired time.Time

	release func(context.Context) error
	once    sync.Once
	err     error
}

func newHandle(resource, label string, acquired time.Time) *Handle {
	return &Handle{
		Resource: resource,
		Label:    label,
		Token:    uuid.NewString(),
		Acquired: acquired,
	}
}

// Release gives the lock up. Calling it more than once is harmless.
func (h *Handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		if h.release != nil {
			h.err = h.release(ctx)
		}
	})
	return h.err
}

// New creates the locker selected by cfg.
func New(ctx context.Context, cfg iconfig.LockConfig, m *metrics.Metrics, logger *slog.Logger) (Locker, error) {
	logger = logging.Component(logger, "lock")

	var (
		l   Locker
		err error
	)
	switch cfg.Backend {
	case "", "memory":
		l = NewMemoryLocker(cfg.Timeout, clockwork.NewRealClock())
	case "postgres":
		l, err = NewPGLocker(ctx, cfg.DSN, cfg.Timeout, logger)
	case "sqlite":
		l, err = NewSQLiteLocker(cfg.DSN, cfg.Timeout, cfg.Lease, clockwork.NewRealClock(), logger)
	default:
		return nil, rterrors.Wrap(rterrors.ErrInvalidConfig, "unknown lock backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return &instrumented{Locker: l, metrics: m, logger: logger}, nil
}

// instrumented records wait times and logs acquisitions.
type instrumented struct {
	Locker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func (i *instrumented) Acquire(ctx context.Context, resource, label string) (*Handle, error) {
	start := time.Now()
	h, err := i.Locker.Acquire(ctx, resource, label)
	i.metrics.LockWaited(resource, time.Since(start).Seconds())
	if err != nil {
		i.logger.Warn("lock not acquired", "resource", resource, "label", label, "error", err)
		return nil, err
	}
	i.logger.Debug("lock acquired", "resource", resource, "label", label, "token", h.Token,
		"wait", time.Since(start))
	return h, nil
}

// poll retries try every interval until it succeeds, the timeout elapses or
// ctx ends. Backend errors abort with ErrLockFailed.
func poll(ctx context.Context, clock clockwork.Clock, resource string, timeout, interval time.Duration, try func(context.Context) (bool, error)) error {
	deadline := clock.Now().Add(timeout)
	for {
		ok, err := try(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: %s: %w", rterrors.ErrLockFailed, resource, err)
		}
		if ok {
			return nil
		}
		if !clock.Now().Before(deadline) {
			return rterrors.Wrap(rterrors.ErrLockTimeout, "%s after %s", resource, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(interval):
		}
	}
}

func pollInterval(timeout time.Duration) time.Duration {
	if timeout < config.DefaultLockPollInterval {
		return timeout / 4
	}
	return config.DefaultLockPollInterval
}
