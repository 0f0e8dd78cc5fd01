package tier

import (
	"context"
	"fmt"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/storage/store"
)

func (m *Manager) pair(name string) (*pair, [2]store.Store, error) {
	p, ok := m.pairs[name]
	if !ok {
		return nil, [2]store.Store{}, rterrors.Wrap(rterrors.ErrTierNotFound, "no pair %q", name)
	}
	var stores [2]store.Store
	for i, path := range p.stores {
		s, err := m.opener.Open(path)
		if err != nil {
			return nil, stores, err
		}
		stores[i] = s
	}
	return p, stores, nil
}

// roles returns the indices of the active and standby store. With both
// stores holding data the second is active; with neither, active is -1.
func roles(ctx context.Context, stores [2]store.Store) (active, standby int, err error) {
	var full [2]bool
	for i, s := range stores {
		_, _, ok, err := s.Period(ctx)
		if err != nil {
			return 0, 0, err
		}
		full[i] = ok
	}
	switch {
	case full[1]:
		return 1, 0, nil
	case full[0]:
		return 0, 1, nil
	default:
		return -1, 0, nil
	}
}

// Active returns the store of a pair that readers should use, or
// ErrNotFound when both are empty. It waits for a running rotation, so the
// store returned always holds a complete region.
func (m *Manager) Active(ctx context.Context, name string) (store.Store, error) {
	p, stores, err := m.pair(name)
	if err != nil {
		return nil, err
	}
	var active int
	err = m.withLock(ctx, p.tf, "active "+name, func() error {
		active, _, err = roles(ctx, stores)
		return err
	})
	if err != nil {
		return nil, err
	}
	if active < 0 {
		return nil, rterrors.Wrap(rterrors.ErrNotFound, "pair %q holds no data", name)
	}
	return stores[active], nil
}

// Rotate replaces the content of a pair by region: the region is written
// into the standby store, then the previously active store is cleared. The
// active store stays readable until the standby holds the full region.
func (m *Manager) Rotate(ctx context.Context, name string, region store.Store) error {
	p, stores, err := m.pair(name)
	if err != nil {
		return err
	}

	start, stop, ok, err := region.Period(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return rterrors.Wrap(rterrors.ErrNotFound, "rotation region %s is empty", region.Path())
	}

	return m.withLock(ctx, p.tf, "rotate "+name, func() error {
		active, standby, err := roles(ctx, stores)
		if err != nil {
			return err
		}
		next := stores[standby]

		// Leftovers of an interrupted rotation.
		if s, e, ok, err := next.Period(ctx); err != nil {
			return err
		} else if ok {
			if err := next.Delete(ctx, s, e); err != nil {
				return fmt.Errorf("clear standby %s: %w", next.Path(), err)
			}
		}

		if err := next.Update(ctx, region, start, stop); err != nil {
			return fmt.Errorf("fill standby %s: %w", next.Path(), err)
		}

		if active >= 0 {
			prev := stores[active]
			s, e, ok, err := prev.Period(ctx)
			if err != nil {
				return err
			}
			if ok {
				if err := prev.Delete(ctx, s, e); err != nil {
					return fmt.Errorf("clear previous %s: %w", prev.Path(), err)
				}
			}
		}

		m.metrics.Rotated(name)
		m.logger.Info("pair rotated", "pair", name, "active", next.Path(), "start", start, "stop", stop)
		return nil
	})
}
