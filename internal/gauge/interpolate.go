package gauge

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Interpolator implements inverse distance weighting of gauge/radar factors
// and kriging with the radar field as external drift.
type Interpolator struct {
	// Power is the inverse distance exponent.
	Power float64

	// Factor maps a raw gauge/radar ratio to the factor interpolated across
	// the grid. Nil keeps ratios as they are. A non-finite factor, such as a
	// gauge over a dry radar cell, is spread as 1.
	Factor func(ratio float64) float64
}

// IDWFactor returns the grid of correction factors: the gauge/radar ratio
// at every usable gauge, spread by inverse distance weighting. Masked radar
// cells are masked in the result.
func (ip Interpolator) IDWFactor(ctx context.Context, gauges []Gauge, radar *types.Grid) (*types.Grid, error) {
	gauges = Usable(gauges, radar)
	if len(gauges) == 0 {
		return nil, rterrors.ErrNoGauges
	}

	factors := make([]float64, len(gauges))
	for k, o := range gauges {
		ratio := o.Value / radar.Values[o.Cell(radar)]
		if ip.Factor != nil {
			ratio = ip.Factor(ratio)
		}
		if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
			ratio = 1
		}
		factors[k] = ratio
	}

	power := ip.Power
	if power <= 0 {
		power = 2
	}

	out := types.NewMaskedGrid(radar.Rows, radar.Cols)
	out.NoData = radar.NoData
	for i := 0; i < radar.Len(); i++ {
		if !radar.Valid(i) {
			continue
		}
		if i%radar.Cols == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out.Set(i, idw(gauges, factors, cellRow(radar, i), cellCol(radar, i), power))
	}
	return out, nil
}

func idw(gauges []Gauge, values []float64, row, col, power float64) float64 {
	var num, den float64
	for k, o := range gauges {
		d := math.Hypot(o.Row-row, o.Col-col)
		if d == 0 {
			return values[k]
		}
		w := 1 / math.Pow(d, power)
		num += w * values[k]
		den += w
	}
	return num / den
}

// KrigingExternalDrift interpolates gauge values with the radar field as a
// linear external drift, using a linear variogram. The system is solved
// once; each cell then costs one pass over the gauges. Masked radar cells
// are masked in the result.
func (ip Interpolator) KrigingExternalDrift(ctx context.Context, gauges []Gauge, radar *types.Grid) (*types.Grid, error) {
	gauges = Usable(gauges, radar)
	n := len(gauges)
	if n < 3 {
		return nil, fmt.Errorf("%w: kriging needs 3 gauges, have %d", rterrors.ErrCalibrationFailed, n)
	}

	drift := make([]float64, n)
	values := make([]float64, n)
	for k, o := range gauges {
		drift[k] = radar.Values[o.Cell(radar)]
		values[k] = o.Value
	}
	if stat.Variance(drift, nil) == 0 {
		return nil, fmt.Errorf("%w: radar drift is constant at the gauges", rterrors.ErrCalibrationFailed)
	}

	// [ Γ  1  r ] [c ]   [z]
	// [ 1ᵀ 0  0 ] [μ0] = [0]
	// [ rᵀ 0  0 ] [μ1]   [0]
	size := n + 2
	a := mat.NewDense(size, size, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			a.Set(i, j, math.Hypot(gauges[i].Row-gauges[j].Row, gauges[i].Col-gauges[j].Col))
		}
		a.Set(i, n, 1)
		a.Set(n, i, 1)
		a.Set(i, n+1, drift[i])
		a.Set(n+1, i, drift[i])
	}
	b := mat.NewVecDense(size, append(floats.ScaleTo(make([]float64, n), 1, values), 0, 0))

	var c mat.VecDense
	if err := c.SolveVec(a, b); err != nil {
		return nil, fmt.Errorf("%w: kriging system: %w", rterrors.ErrCalibrationFailed, err)
	}
	coef := c.RawVector().Data

	out := types.NewMaskedGrid(radar.Rows, radar.Cols)
	out.NoData = radar.NoData
	for i := 0; i < radar.Len(); i++ {
		if !radar.Valid(i) {
			continue
		}
		if i%radar.Cols == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row, col := cellRow(radar, i), cellCol(radar, i)
		z := coef[n] + coef[n+1]*radar.Values[i]
		for k, o := range gauges {
			z += coef[k] * math.Hypot(o.Row-row, o.Col-col)
		}
		out.Set(i, z)
	}
	return out, nil
}

// cellRow and cellCol return the centre of cell i in grid coordinates.
func cellRow(g *types.Grid, i int) float64 { return float64(i/g.Cols) + 0.5 }
func cellCol(g *types.Grid, i int) float64 { return float64(i%g.Cols) + 0.5 }
