// Package store implements the time-indexed grid stores that make up the
// storage tiers.
//
// A store holds one grid per band. Bands are addressed by an absolute index
// counted in steps from the store's origin, so two stores with the same
// origin and step agree on band numbering. MaxDepth is the number of bands
// in one chunk; chunks start at multiples of MaxDepth.
package store

import (
	"context"
	"fmt"
	"time"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Store is a time-indexed grid container.
type Store interface {
	// Path identifies the store.
	Path() string

	// Period returns the span [start, stop) covered by stored bands.
	// ok is false when the store is empty.
	Period(ctx context.Context) (start, stop time.Time, ok bool, err error)

	// SelectBand returns the absolute band index containing t.
	SelectBand(t time.Time) int

	// TimeForBand returns the start instant of band i.
	TimeForBand(i int) time.Time

	// TimeForBands returns the instants of bands [first, last).
	TimeForBands(first, last int) []time.Time

	// MaxDepth returns the chunk depth in bands.
	MaxDepth() int

	// Times lists the instants of stored bands within [start, stop).
	Times(ctx context.Context, start, stop time.Time) ([]time.Time, error)

	// Get returns the grid of the band at t, or ErrNotFound.
	Get(ctx context.Context, t time.Time) (*types.Grid, error)

	// Put stores g as the band at t.
	Put(ctx context.Context, t time.Time, g *types.Grid) error

	// Update copies every band of src within [start, stop) into the store.
	Update(ctx context.Context, src Store, start, stop time.Time) error

	// Delete removes every band within [start, stop).
	Delete(ctx context.Context, start, stop time.Time) error
}

// Opener resolves a store path.
type Opener interface {
	// Open returns the store at path, or ErrStoreNotFound.
	Open(path string) (Store, error)
}

// Header describes a store's band layout and grid shape.
type Header struct {
	Origin time.Time     `yaml:"origin"`
	Step   time.Duration `yaml:"step"`
	Depth  int           `yaml:"depth"`
	Rows   int           `yaml:"rows"`
	Cols   int           `yaml:"cols"`
	NoData float64       `yaml:"nodata"`
}

// NewHeader returns a header for a timeframe with the default origin.
func NewHeader(tf types.Timeframe, depth, rows, cols int) Header {
	return Header{
		Origin: DefaultOrigin(tf),
		Step:   tf.Delta(),
		Depth:  depth,
		Rows:   rows,
		Cols:   cols,
		NoData: types.DefaultNoData,
	}
}

// DefaultOrigin is the first aligned instant of 2000 for a timeframe.
func DefaultOrigin(tf types.Timeframe) time.Time {
	origin := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if tf == types.TimeframeDay {
		origin = origin.Add(time.Duration(types.DayBoundaryHour) * time.Hour)
	}
	return origin
}

// Validate checks the header.
func (h Header) Validate() error {
	var errs []error
	if h.Step <= 0 {
		errs = append(errs, fmt.Errorf("step must be positive"))
	}
	if h.Depth <= 0 {
		errs = append(errs, fmt.Errorf("depth must be positive"))
	}
	if h.Rows <= 0 || h.Cols <= 0 {
		errs = append(errs, fmt.Errorf("grid %dx%d must be positive", h.Rows, h.Cols))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: store header: %w", rterrors.ErrInvalidConfig, rterrors.Join(errs...))
	}
	return nil
}

// SelectBand returns the band containing t, rounding down.
func (h Header) SelectBand(t time.Time) int {
	d := t.Sub(h.Origin)
	i := int(d / h.Step)
	if d%h.Step < 0 {
		i--
	}
	return i
}

// TimeForBand returns the start of band i.
func (h Header) TimeForBand(i int) time.Time {
	return h.Origin.Add(time.Duration(i) * h.Step).UTC()
}

// TimeForBands returns the start instants of bands [first, last).
func (h Header) TimeForBands(first, last int) []time.Time {
	if last <= first {
		return nil
	}
	out := make([]time.Time, 0, last-first)
	for i := first; i < last; i++ {
		out = append(out, h.TimeForBand(i))
	}
	return out
}

func (h Header) checkAligned(t time.Time) error {
	if !h.TimeForBand(h.SelectBand(t)).Equal(t) {
		return fmt.Errorf("%w: %s is not on a band boundary", rterrors.ErrMisalignedPeriod, t.UTC().Format(time.RFC3339))
	}
	return nil
}

func (h Header) checkGrid(g *types.Grid) error {
	if g.Rows != h.Rows || g.Cols != h.Cols {
		return fmt.Errorf("%w: grid %dx%d, store %dx%d", rterrors.ErrShapeMismatch, g.Rows, g.Cols, h.Rows, h.Cols)
	}
	return nil
}

// copyBands implements Update on top of Times, Get and Put.
func copyBands(ctx context.Context, dst, src Store, start, stop time.Time) error {
	times, err := src.Times(ctx, start, stop)
	if err != nil {
		return err
	}
	for _, t := range times {
		if err := ctx.Err(); err != nil {
			return err
		}
		g, err := src.Get(ctx, t)
		if err != nil {
			return fmt.Errorf("read %s band %s: %w", src.Path(), t.Format(time.RFC3339), err)
		}
		if err := dst.Put(ctx, t, g); err != nil {
			return fmt.Errorf("write %s band %s: %w", dst.Path(), t.Format(time.RFC3339), err)
		}
	}
	return nil
}
