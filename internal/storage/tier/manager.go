// Package tier manages the StoreGroups: the ordered stores of each timeframe
// through which products are promoted, and the active/standby pairs that
// hold rolling windows.
//
// Every store mutation runs under the lock "store:<timeframe>" and releases
// it after one bounded unit of work: a chunk, a rotation or a band write.
package tier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xtxerr/raintier/internal/config"
	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/lock"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/metrics"
	"github.com/xtxerr/raintier/internal/storage/store"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Manager owns mutation of the stores named by a manifest.
type Manager struct {
	groups map[types.Timeframe]*group
	pairs  map[string]*pair
	order  []types.Timeframe

	opener  store.Opener
	locker  lock.Locker
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type group struct {
	tf    types.Timeframe
	tiers []config.TierSpec
	index map[string]int
}

type pair struct {
	name   string
	tf     types.Timeframe
	stores [2]string
}

// NewManager builds a manager from a validated manifest.
func NewManager(manifest *config.Manifest, opener store.Opener, locker lock.Locker, m *metrics.Metrics, logger *slog.Logger) (*Manager, error) {
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", rterrors.ErrInvalidConfig, err)
	}

	mgr := &Manager{
		groups:  make(map[types.Timeframe]*group),
		pairs:   make(map[string]*pair),
		opener:  opener,
		locker:  locker,
		metrics: m,
		logger:  logging.Component(logger, "tier"),
	}
	for _, gs := range manifest.Groups {
		tf, err := types.ParseTimeframe(gs.Timeframe)
		if err != nil {
			return nil, err
		}
		g := &group{tf: tf, tiers: gs.Tiers, index: make(map[string]int, len(gs.Tiers))}
		for i, t := range gs.Tiers {
			g.index[t.Name] = i
		}
		mgr.groups[tf] = g
		mgr.order = append(mgr.order, tf)
	}
	for _, ps := range manifest.Pairs {
		tf, err := types.ParseTimeframe(ps.Timeframe)
		if err != nil {
			return nil, err
		}
		mgr.pairs[ps.Name] = &pair{name: ps.Name, tf: tf, stores: [2]string{ps.Stores[0], ps.Stores[1]}}
	}
	return mgr, nil
}

// Timeframes returns the timeframes with a StoreGroup, in manifest order.
func (m *Manager) Timeframes() []types.Timeframe {
	return m.order
}

// Tiers returns the tiers of a timeframe from shallow to deep.
func (m *Manager) Tiers(tf types.Timeframe) ([]config.TierSpec, error) {
	g, err := m.group(tf)
	if err != nil {
		return nil, err
	}
	return g.tiers, nil
}

func (m *Manager) group(tf types.Timeframe) (*group, error) {
	g, ok := m.groups[tf]
	if !ok {
		return nil, rterrors.Wrap(rterrors.ErrTierNotFound, "no store group for %s", tf)
	}
	return g, nil
}

func (g *group) tier(name string) (config.TierSpec, int, error) {
	i, ok := g.index[name]
	if !ok {
		return config.TierSpec{}, 0, rterrors.Wrap(rterrors.ErrTierNotFound, "%s/%s", g.tf, name)
	}
	return g.tiers[i], i, nil
}

// Store opens the store of a tier.
func (m *Manager) Store(tf types.Timeframe, name string) (store.Store, error) {
	g, err := m.group(tf)
	if err != nil {
		return nil, err
	}
	spec, _, err := g.tier(name)
	if err != nil {
		return nil, err
	}
	return m.opener.Open(spec.Path)
}

// TierFor returns the shallowest tier receiving products of pc.
func (m *Manager) TierFor(tf types.Timeframe, pc types.Prodcode) (string, bool) {
	g, ok := m.groups[tf]
	if !ok {
		return "", false
	}
	for _, t := range g.tiers {
		if t.Prodcode == "" {
			continue
		}
		if p, err := types.ParseProdcode(t.Prodcode); err == nil && p == pc {
			return t.Name, true
		}
	}
	return "", false
}

// Resource returns the lock name guarding the stores of tf.
func Resource(tf types.Timeframe) string {
	return "store:" + tf.String()
}

// withLock runs fn while holding the lock of tf.
func (m *Manager) withLock(ctx context.Context, tf types.Timeframe, label string, fn func() error) error {
	h, err := m.locker.Acquire(ctx, Resource(tf), label)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Release(context.Background()); err != nil {
			m.logger.Warn("lock release failed", "resource", h.Resource, "error", err)
		}
	}()
	return fn()
}

// Write stores the product grid ending at dt as a band of a tier.
func (m *Manager) Write(ctx context.Context, tf types.Timeframe, name string, dt time.Time, g *types.Grid) error {
	if !tf.Aligned(dt) {
		return rterrors.Wrap(rterrors.ErrMisalignedPeriod, "%s is not a %s boundary", dt.UTC().Format(time.RFC3339), tf)
	}
	s, err := m.Store(tf, name)
	if err != nil {
		return err
	}
	return m.withLock(ctx, tf, "write "+name, func() error {
		return s.Put(ctx, dt.Add(-tf.Delta()), g)
	})
}

// Status describes one tier.
type Status struct {
	Name     string
	Path     string
	Prodcode string
	DrainTo  string
	Depth    int
	Bands    int
	Start    time.Time
	Stop     time.Time
	Empty    bool
	Err      error
}

// Describe reports the period and band count of every tier of tf.
func (m *Manager) Describe(ctx context.Context, tf types.Timeframe) ([]Status, error) {
	g, err := m.group(tf)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(g.tiers))
	for _, t := range g.tiers {
		st := Status{Name: t.Name, Path: t.Path, Prodcode: t.Prodcode, DrainTo: t.DrainTo, Empty: true}
		s, err := m.opener.Open(t.Path)
		if err != nil {
			st.Err = err
			out = append(out, st)
			continue
		}
		st.Depth = s.MaxDepth()
		start, stop, ok, err := s.Period(ctx)
		switch {
		case err != nil:
			st.Err = err
		case ok:
			st.Start, st.Stop, st.Empty = start, stop, false
			times, err := s.Times(ctx, start, stop)
			if err != nil {
				st.Err = err
			}
			st.Bands = len(times)
		}
		out = append(out, st)
	}
	return out, nil
}
