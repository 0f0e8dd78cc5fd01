package lock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	rterrors "github.com/xtxerr/raintier/internal/errors"
)

// MemoryLocker serialises holders within one process.
type MemoryLocker struct {
	mu      sync.Mutex
	held    map[string]*memEntry
	timeout time.Duration
	clock   clockwork.Clock
}

type memEntry struct {
	token string
	done  chan struct{}
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker(timeout time.Duration, clock clockwork.Clock) *MemoryLocker {
	return &MemoryLocker{
		held:    make(map[string]*memEntry),
		timeout: timeout,
		clock:   clock,
	}
}

// Acquire implements Locker.
func (l *MemoryLocker) Acquire(ctx context.Context, resource, label string) (*Handle, error) {
	timer := l.clock.NewTimer(l.timeout)
	defer timer.Stop()

	for {
		l.mu.Lock()
		e, busy := l.held[resource]
		if !busy {
			h := newHandle(resource, label, l.clock.Now())
			l.held[resource] = &memEntry{token: h.Token, done: make(chan struct{})}
			l.mu.Unlock()
			h.release = func(context.Context) error {
				l.release(resource, h.Token)
				return nil
			}
			return h, nil
		}
		l.mu.Unlock()

		select {
		case <-e.done:
		case <-timer.Chan():
			return nil, rterrors.Wrap(rterrors.ErrLockTimeout, "%s after %s", resource, l.timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *MemoryLocker) release(resource, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held[resource]
	if !ok || e.token != token {
		return
	}
	delete(l.held, resource)
	close(e.done)
}

// Close implements Locker.
func (l *MemoryLocker) Close() error { return nil }
