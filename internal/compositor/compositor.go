// Package compositor fuses station grids valid at one instant into a single
// composite using the weighted lowest altitude rule, then declutters it.
//
// For each cell the primary station is the one whose beam lower bound is
// lowest. Every station is weighted by the part of its beam that lies below
// the primary's upper bound, relative to its own beam extent:
//
//	w = clamp(upper_primary - lower_s, 0, bw_s) / bw_s,  bw_s = upper_s - lower_s
//
// The composite value is sum(w * rain) / sum(w) over stations valid at the cell.
package compositor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/scan"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Method identifies the compositing rule in product metadata.
const Method = "weighted-lowest-altitude"

// ClutterVar is the variable holding clutter frequency in clutter map files.
const ClutterVar = "clutter"

// Config configures a Compositor.
type Config struct {
	Rows int
	Cols int

	Geometry Geometry

	// Clutter holds historical clutter-frequency maps per station.
	Clutter map[string]*types.Grid

	// ClutterPair lists the overlapping stations subject to historical declutter.
	ClutterPair []string
}

// Compositor builds composites.
type Compositor struct {
	rows, cols int
	geometry   Geometry
	clutter    map[string]*types.Grid
	pair       []string
	logger     *slog.Logger
}

// New creates a compositor.
func New(cfg Config, logger *slog.Logger) *Compositor {
	geom := cfg.Geometry
	if geom == nil {
		geom = BeamGeometry{BeamWidth: 1.0}
	}
	return &Compositor{
		rows:     cfg.Rows,
		cols:     cfg.Cols,
		geometry: geom,
		clutter:  cfg.Clutter,
		pair:     cfg.ClutterPair,
		logger:   logging.Component(logger, "compositor"),
	}
}

// Composite fuses grids valid at t. An empty input yields an all-masked
// composite with no stations.
func (c *Compositor) Composite(ctx context.Context, t time.Time, grids []*types.StationGrid, declutter types.DeclutterConfig) (*types.Composite, error) {
	if err := declutter.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &types.Composite{
		Time:      t.UTC(),
		Grid:      types.NewMaskedGrid(c.rows, c.cols),
		Declutter: declutter,
		Method:    Method,
	}
	if len(grids) == 0 {
		c.logger.Debug("no stations for composite", "time", t)
		return out, nil
	}

	n := c.rows * c.cols
	for _, sg := range grids {
		if sg.Rain.Rows != c.rows || sg.Rain.Cols != c.cols || len(sg.Range) != n || len(sg.Elevation) != n {
			return nil, fmt.Errorf("%w: station %s", rterrors.ErrShapeMismatch, sg.Station)
		}
	}

	// Historical declutter works on copies so callers keep their grids.
	rain := make(map[string]*types.Grid, len(grids))
	for _, sg := range grids {
		rain[sg.Station] = sg.Rain.Clone()
	}
	if masked := DeclutterHistorical(rain, c.clutter, c.pair, declutter.History); masked > 0 {
		c.logger.Debug("historical declutter", "time", t, "masked", masked)
	}

	lower := make([][]float64, len(grids))
	upper := make([][]float64, len(grids))
	for s, sg := range grids {
		lower[s] = make([]float64, n)
		upper[s] = make([]float64, n)
		for i := 0; i < n; i++ {
			lower[s][i], upper[s][i] = c.geometry.HeightBounds(sg.Range[i], sg.Elevation[i], sg.AntennaHeight)
		}
	}

	contributed := make([]bool, len(grids))
	lo := make([]float64, 0, len(grids))
	up := make([]float64, 0, len(grids))
	idx := make([]int, 0, len(grids))

	for i := 0; i < n; i++ {
		lo, up, idx = lo[:0], up[:0], idx[:0]
		for s, sg := range grids {
			g := rain[sg.Station]
			if !g.Valid(i) || math.IsNaN(lower[s][i]) || math.IsNaN(upper[s][i]) {
				continue
			}
			lo = append(lo, lower[s][i])
			up = append(up, upper[s][i])
			idx = append(idx, s)
		}
		if len(idx) == 0 {
			continue
		}

		w := Weights(lo, up)
		var num, den float64
		for k, s := range idx {
			if w[k] <= 0 {
				continue
			}
			num += w[k] * rain[grids[s].Station].Values[i]
			den += w[k]
			contributed[s] = true
		}
		if den > 0 {
			out.Grid.Set(i, num/den)
		}
	}

	for s, sg := range grids {
		if contributed[s] {
			out.Stations = append(out.Stations, sg.Station)
		}
	}

	if zeroed := DeclutterSpatial(out.Grid, declutter.Size); zeroed > 0 {
		c.logger.Debug("spatial declutter", "time", t, "zeroed", zeroed)
	}

	return out, nil
}

// Weights returns the blend weight of each station at one cell, given the
// stations' lower and upper beam bounds there.
func Weights(lower, upper []float64) []float64 {
	w := make([]float64, len(lower))
	if len(lower) == 0 {
		return w
	}

	primary := 0
	for s := range lower {
		if lower[s] < lower[primary] {
			primary = s
		}
	}
	top := upper[primary]

	for s := range lower {
		bw := upper[s] - lower[s]
		if bw <= 0 {
			if s == primary {
				w[s] = 1
			}
			continue
		}
		overlap := math.Min(math.Max(top-lower[s], 0), bw)
		w[s] = overlap / bw
	}
	return w
}

// LoadClutter reads <dir>/<station>.nc clutter maps for the given stations.
// Stations without a file are skipped.
func LoadClutter(dir string, stations []string, rows, cols int, logger *slog.Logger) (map[string]*types.Grid, error) {
	out := make(map[string]*types.Grid)
	if dir == "" {
		return out, nil
	}
	for _, s := range stations {
		path := filepath.Join(dir, s+".nc")
		g, err := scan.LoadGrid(path, ClutterVar, rows, cols)
		if err != nil {
			if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
				logger.Warn("clutter map missing", "station", s, "path", path)
				continue
			}
			return nil, fmt.Errorf("clutter map %s: %w", s, err)
		}
		out[s] = g
	}
	return out, nil
}
