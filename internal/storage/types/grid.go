package types

import (
	"fmt"
	"math"

	rterrors "github.com/xtxerr/raintier/internal/errors"
)

// DefaultNoData is the sentinel written into masked cells.
const DefaultNoData = -9999.0

// Grid is a fixed-size 2-D array of values with a validity mask.
// Cells are addressed row-major: index = row*Cols + col.
// Mask[i] == true means the cell is invalid and Values[i] holds NoData.
type Grid struct {
	Rows   int
	Cols   int
	Values []float64
	Mask   []bool
	NoData float64
}

// NewGrid returns a grid with every cell valid and zero.
func NewGrid(rows, cols int) *Grid {
	return &Grid{
		Rows:   rows,
		Cols:   cols,
		Values: make([]float64, rows*cols),
		Mask:   make([]bool, rows*cols),
		NoData: DefaultNoData,
	}
}

// NewMaskedGrid returns a grid with every cell masked.
func NewMaskedGrid(rows, cols int) *Grid {
	g := NewGrid(rows, cols)
	for i := range g.Mask {
		g.Mask[i] = true
		g.Values[i] = g.NoData
	}
	return g
}

// Len returns the number of cells.
func (g *Grid) Len() int {
	return g.Rows * g.Cols
}

// Index returns the flat index of (row, col).
func (g *Grid) Index(row, col int) int {
	return row*g.Cols + col
}

// Valid reports whether cell i holds data.
func (g *Grid) Valid(i int) bool {
	return !g.Mask[i]
}

// At returns the value at (row, col) and whether it is valid.
func (g *Grid) At(row, col int) (float64, bool) {
	i := g.Index(row, col)
	return g.Values[i], !g.Mask[i]
}

// Set stores a valid value at cell i.
func (g *Grid) Set(i int, v float64) {
	g.Values[i] = v
	g.Mask[i] = false
}

// SetMasked invalidates cell i.
func (g *Grid) SetMasked(i int) {
	g.Values[i] = g.NoData
	g.Mask[i] = true
}

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	c := &Grid{
		Rows:   g.Rows,
		Cols:   g.Cols,
		Values: make([]float64, len(g.Values)),
		Mask:   make([]bool, len(g.Mask)),
		NoData: g.NoData,
	}
	copy(c.Values, g.Values)
	copy(c.Mask, g.Mask)
	return c
}

// SameShape reports whether o has the same dimensions as g.
func (g *Grid) SameShape(o *Grid) bool {
	return o != nil && g.Rows == o.Rows && g.Cols == o.Cols
}

// CheckShape returns an error if o does not match g.
func (g *Grid) CheckShape(o *Grid) error {
	if !g.SameShape(o) {
		if o == nil {
			return fmt.Errorf("%w: %dx%d vs nil", rterrors.ErrShapeMismatch, g.Rows, g.Cols)
		}
		return fmt.Errorf("%w: %dx%d vs %dx%d", rterrors.ErrShapeMismatch, g.Rows, g.Cols, o.Rows, o.Cols)
	}
	return nil
}

// ValidCount returns the number of valid cells.
func (g *Grid) ValidCount() int {
	n := 0
	for _, m := range g.Mask {
		if !m {
			n++
		}
	}
	return n
}

// AllMasked reports whether no cell is valid.
func (g *Grid) AllMasked() bool {
	return g.ValidCount() == 0
}

// Sum returns the sum of all valid values.
func (g *Grid) Sum() float64 {
	var s float64
	for i, v := range g.Values {
		if !g.Mask[i] {
			s += v
		}
	}
	return s
}

// Scale multiplies every valid cell by f.
func (g *Grid) Scale(f float64) {
	for i := range g.Values {
		if !g.Mask[i] {
			g.Values[i] *= f
		}
	}
}

// ClampNegative replaces negative valid values with zero.
func (g *Grid) ClampNegative() {
	for i, v := range g.Values {
		if !g.Mask[i] && v < 0 {
			g.Values[i] = 0
		}
	}
}

// FillMasked rewrites the NoData sentinel into every masked cell and masks
// every non-finite value.
func (g *Grid) FillMasked() {
	for i, v := range g.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			g.Mask[i] = true
		}
		if g.Mask[i] {
			g.Values[i] = g.NoData
		}
	}
}

// AddValid adds the valid cells of o into g. A cell of g becomes valid when o
// is valid there; cells masked in both stay masked.
func (g *Grid) AddValid(o *Grid) error {
	if err := g.CheckShape(o); err != nil {
		return err
	}
	for i := range g.Values {
		if o.Mask[i] {
			continue
		}
		if g.Mask[i] {
			g.Values[i] = 0
			g.Mask[i] = false
		}
		g.Values[i] += o.Values[i]
	}
	return nil
}
