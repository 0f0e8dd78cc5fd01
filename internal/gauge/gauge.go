// Package gauge provides rain gauge observations and the interpolation
// methods used to calibrate radar aggregates against them.
package gauge

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/xtxerr/raintier/internal/storage/types"
)

// Gauge is one gauge's accumulated rain over a product period, located in
// grid coordinates (fractional row and column of the common grid).
type Gauge struct {
	ID    string
	Row   float64
	Col   float64
	Value float64
}

// Cell returns the flat grid index of the gauge, or -1 when it lies outside g.
func (o Gauge) Cell(g *types.Grid) int {
	r, c := int(math.Floor(o.Row)), int(math.Floor(o.Col))
	if r < 0 || r >= g.Rows || c < 0 || c >= g.Cols {
		return -1
	}
	return g.Index(r, c)
}

// Source provides gauge observations per product period.
type Source interface {
	Gauges(ctx context.Context, tf types.Timeframe, dt time.Time) ([]Gauge, error)
}

// Usable filters gauges to those with a finite non-negative value inside
// the grid at a valid radar cell.
func Usable(gauges []Gauge, radar *types.Grid) []Gauge {
	var out []Gauge
	for _, o := range gauges {
		if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) || o.Value < 0 {
			continue
		}
		i := o.Cell(radar)
		if i < 0 || !radar.Valid(i) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// MemorySource serves gauges held in memory.
type MemorySource struct {
	mu     sync.RWMutex
	gauges map[string][]Gauge
	err    error
}

// NewMemorySource creates an empty in-memory gauge source.
func NewMemorySource() *MemorySource {
	return &MemorySource{gauges: make(map[string][]Gauge)}
}

func memKey(tf types.Timeframe, dt time.Time) string {
	return tf.String() + "@" + dt.UTC().Format(time.RFC3339)
}

// Set registers the gauges of a period.
func (s *MemorySource) Set(tf types.Timeframe, dt time.Time, gauges []Gauge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[memKey(tf, dt)] = gauges
}

// Fail makes every subsequent call return err.
func (s *MemorySource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Gauges implements Source.
func (s *MemorySource) Gauges(ctx context.Context, tf types.Timeframe, dt time.Time) ([]Gauge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.gauges[memKey(tf, dt)], nil
}
