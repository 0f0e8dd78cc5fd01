package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// MemoryStore keeps bands in memory. It carries regions handed to Rotate
// and stands in for file stores in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	path   string
	header Header
	bands  map[int]*types.Grid
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(path string, h Header) *MemoryStore {
	return &MemoryStore{
		path:   path,
		header: h,
		bands:  make(map[int]*types.Grid),
	}
}

func (s *MemoryStore) Path() string                      { return s.path }
func (s *MemoryStore) MaxDepth() int                     { return s.header.Depth }
func (s *MemoryStore) SelectBand(t time.Time) int        { return s.header.SelectBand(t) }
func (s *MemoryStore) TimeForBand(i int) time.Time       { return s.header.TimeForBand(i) }
func (s *MemoryStore) TimeForBands(a, b int) []time.Time { return s.header.TimeForBands(a, b) }

// Header returns the band layout.
func (s *MemoryStore) Header() Header {
	return s.header
}

func (s *MemoryStore) Period(ctx context.Context) (time.Time, time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.bands) == 0 {
		return time.Time{}, time.Time{}, false, nil
	}
	first, last := bandRange(s.bands)
	return s.header.TimeForBand(first), s.header.TimeForBand(last + 1), true, nil
}

func (s *MemoryStore) Times(ctx context.Context, start, stop time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var idx []int
	for i := range s.bands {
		t := s.header.TimeForBand(i)
		if !t.Before(start) && t.Before(stop) {
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	out := make([]time.Time, len(idx))
	for k, i := range idx {
		out[k] = s.header.TimeForBand(i)
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, t time.Time) (*types.Grid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.bands[s.header.SelectBand(t)]
	if !ok {
		return nil, fmt.Errorf("%w: %s band %s", rterrors.ErrNotFound, s.path, t.UTC().Format(time.RFC3339))
	}
	return g.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, t time.Time, g *types.Grid) error {
	if err := s.header.checkAligned(t); err != nil {
		return err
	}
	if err := s.header.checkGrid(g); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bands[s.header.SelectBand(t)] = g.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, src Store, start, stop time.Time) error {
	return copyBands(ctx, s, src, start, stop)
}

func (s *MemoryStore) Delete(ctx context.Context, start, stop time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.bands {
		t := s.header.TimeForBand(i)
		if !t.Before(start) && t.Before(stop) {
			delete(s.bands, i)
		}
	}
	return nil
}

// Len returns the number of stored bands.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bands)
}

func bandRange[V any](bands map[int]V) (first, last int) {
	init := false
	for i := range bands {
		if !init || i < first {
			first = i
		}
		if !init || i > last {
			last = i
		}
		init = true
	}
	return first, last
}

// Registry maps paths to stores already in memory.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Store
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]Store)}
}

// Add registers s under its path.
func (r *Registry) Add(s Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[s.Path()] = s
}

// Open returns the registered store or ErrStoreNotFound.
func (r *Registry) Open(path string) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rterrors.ErrStoreNotFound, path)
	}
	return s, nil
}
