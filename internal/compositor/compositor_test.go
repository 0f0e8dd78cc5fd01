package compositor

import (
	"context"
	"math"
	"testing"
	"time"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// linearGeometry reads the lower bound from the range and the beam extent
// from the elevation, so tests can place beams directly.
type linearGeometry struct{}

func (linearGeometry) HeightBounds(r, e, _ float64) (float64, float64) {
	return r, r + e
}

func station(code string, rain []float64, lower, bw []float64, masked ...int) *types.StationGrid {
	g := types.NewGrid(1, len(rain))
	copy(g.Values, rain)
	for _, i := range masked {
		g.SetMasked(i)
	}
	return &types.StationGrid{Station: code, Rain: g, Range: lower, Elevation: bw}
}

func TestWeightsClosedForm(t *testing.T) {
	w := Weights([]float64{1000, 1500}, []float64{2000, 2700})

	if w[0] != 1 {
		t.Errorf("primary weight = %v, want 1", w[0])
	}
	want := (2000.0 - 1500.0) / 1200.0
	if math.Abs(w[1]-want) > 1e-12 {
		t.Errorf("overlap weight = %v, want %v", w[1], want)
	}
}

func TestWeightsNoOverlap(t *testing.T) {
	w := Weights([]float64{3000, 1000}, []float64{4000, 2000})
	if w[1] != 1 || w[0] != 0 {
		t.Errorf("weights = %v, want [0 1]", w)
	}

	// A station fully inside the primary's beam gets full weight.
	w = Weights([]float64{1000, 1200}, []float64{2000, 1500})
	if w[1] != 1 {
		t.Errorf("contained weight = %v, want 1", w[1])
	}

	// Zero-width beams only count when primary.
	w = Weights([]float64{1000, 1500}, []float64{1000, 1500})
	if w[0] != 1 || w[1] != 0 {
		t.Errorf("degenerate weights = %v", w)
	}
}

func TestCompositeBlend(t *testing.T) {
	c := New(Config{Rows: 1, Cols: 2, Geometry: linearGeometry{}}, logging.Discard())
	a := station("A", []float64{2, 0}, []float64{1000, 1000}, []float64{1000, 1000}, 1)
	b := station("B", []float64{6, 6}, []float64{1500, 1500}, []float64{1200, 1200})

	comp, err := c.Composite(context.Background(), time.Time{}, []*types.StationGrid{a, b}, types.DeclutterConfig{})
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}

	wb := 500.0 / 1200.0
	want := (2 + wb*6) / (1 + wb)
	if v, ok := comp.Grid.At(0, 0); !ok || math.Abs(v-want) > 1e-9 {
		t.Errorf("blend = %v (%v), want %v", v, ok, want)
	}
	if v, ok := comp.Grid.At(0, 1); !ok || v != 6 {
		t.Errorf("single station cell = %v (%v), want 6", v, ok)
	}
	if len(comp.Stations) != 2 {
		t.Errorf("stations = %v", comp.Stations)
	}
	if comp.Method != Method {
		t.Errorf("method = %s", comp.Method)
	}
	// Inputs are not modified.
	if !a.Rain.Valid(0) || a.Rain.Valid(1) {
		t.Error("input grid changed")
	}
}

func TestCompositeMaskedWhereNoStation(t *testing.T) {
	c := New(Config{Rows: 1, Cols: 2, Geometry: linearGeometry{}}, logging.Discard())
	a := station("A", []float64{1, 1}, []float64{0, 0}, []float64{1, 1}, 1)

	comp, err := c.Composite(context.Background(), time.Time{}, []*types.StationGrid{a}, types.DeclutterConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if comp.Grid.Valid(1) {
		t.Error("cell without contributor must be masked")
	}
	if comp.Grid.Values[1] != comp.Grid.NoData {
		t.Errorf("masked cell = %v, want nodata", comp.Grid.Values[1])
	}
}

func TestCompositeNoStations(t *testing.T) {
	c := New(Config{Rows: 2, Cols: 2}, logging.Discard())

	comp, err := c.Composite(context.Background(), time.Time{}, nil, types.DeclutterConfig{Size: 4})
	if err != nil {
		t.Fatalf("zero stations must not fail: %v", err)
	}
	if !comp.Grid.AllMasked() || len(comp.Stations) != 0 {
		t.Errorf("expected all-masked composite without stations")
	}
}

func TestCompositeRejects(t *testing.T) {
	c := New(Config{Rows: 1, Cols: 2, Geometry: linearGeometry{}}, logging.Discard())

	_, err := c.Composite(context.Background(), time.Time{}, nil, types.DeclutterConfig{Size: -1})
	if !rterrors.Is(err, rterrors.ErrInvalidDeclutter) {
		t.Errorf("expected invalid declutter, got %v", err)
	}

	bad := station("A", []float64{1, 1, 1}, []float64{0, 0, 0}, []float64{1, 1, 1})
	_, err = c.Composite(context.Background(), time.Time{}, []*types.StationGrid{bad}, types.DeclutterConfig{})
	if !rterrors.Is(err, rterrors.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
}

func TestCompositeHistoricalDeclutter(t *testing.T) {
	clutter := map[string]*types.Grid{
		"NL60": {Rows: 1, Cols: 2, Values: []float64{60, 10}, Mask: []bool{false, false}},
		"NL61": {Rows: 1, Cols: 2, Values: []float64{40, 70}, Mask: []bool{false, false}},
	}
	c := New(Config{
		Rows: 1, Cols: 2,
		Geometry:    linearGeometry{},
		Clutter:     clutter,
		ClutterPair: []string{"NL60", "NL61"},
	}, logging.Discard())

	a := station("NL60", []float64{9, 1}, []float64{0, 0}, []float64{100, 100})
	b := station("NL61", []float64{3, 7}, []float64{0, 0}, []float64{100, 100})

	comp, err := c.Composite(context.Background(), time.Time{}, []*types.StationGrid{a, b}, types.DeclutterConfig{History: 50})
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := comp.Grid.At(0, 0); v != 3 {
		t.Errorf("cell 0 = %v, want NL61 value 3", v)
	}
	if v, _ := comp.Grid.At(0, 1); v != 1 {
		t.Errorf("cell 1 = %v, want NL60 value 1", v)
	}
}

func TestDeclutterHistoricalThreshold(t *testing.T) {
	rain := map[string]*types.Grid{"NL60": types.NewGrid(1, 1), "NL61": types.NewGrid(1, 1)}
	clutter := map[string]*types.Grid{
		"NL60": {Rows: 1, Cols: 1, Values: []float64{30}, Mask: []bool{false}},
		"NL61": {Rows: 1, Cols: 1, Values: []float64{20}, Mask: []bool{false}},
	}

	if n := DeclutterHistorical(rain, clutter, []string{"NL60", "NL61"}, 50); n != 0 {
		t.Errorf("below threshold masked %d cells", n)
	}
	if n := DeclutterHistorical(rain, clutter, []string{"NL60", "NL61"}, 0); n != 0 {
		t.Errorf("disabled filter masked %d cells", n)
	}
	if n := DeclutterHistorical(rain, clutter, []string{"NL60", "NL61"}, 25); n != 1 || rain["NL60"].Valid(0) {
		t.Errorf("expected NL60 masked, n=%d", n)
	}
}

func patch(values ...float64) *types.Grid {
	g := types.NewGrid(3, 3)
	copy(g.Values, values)
	return g
}

func TestDeclutterSpatial(t *testing.T) {
	tests := []struct {
		name   string
		grid   *types.Grid
		size   int
		zeroed int
	}{
		{"two cells removed", patch(0, 0, 0, 0, 1, 1, 0, 0, 0), 4, 2},
		{"isolated cells removed", patch(1, 0, 0, 0, 0, 0, 0, 0, 1), 4, 2},
		{"solid block kept", patch(1, 1, 1, 1, 1, 1, 1, 1, 1), 4, 0},
		{"disabled", patch(0, 0, 0, 0, 1, 0, 0, 0, 0), 0, 0},
		{"diagonal is not connected", patch(1, 0, 0, 0, 1, 0, 0, 0, 1), 1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.grid.Sum()
			if got := DeclutterSpatial(tt.grid, tt.size); got != tt.zeroed {
				t.Errorf("zeroed = %d, want %d", got, tt.zeroed)
			}
			if tt.zeroed == 0 && tt.grid.Sum() != before {
				t.Error("grid changed")
			}
			if tt.zeroed > 0 && tt.grid.Sum() != 0 {
				t.Errorf("sum after declutter = %v", tt.grid.Sum())
			}
		})
	}
}

func TestDeclutterSpatialKeepsMask(t *testing.T) {
	g := patch(0, 0, 0, 0, 1, 0, 0, 0, 0)
	g.SetMasked(0)
	DeclutterSpatial(g, 4)
	if g.Valid(0) {
		t.Error("masked cell became valid")
	}
}

func TestBeamGeometry(t *testing.T) {
	if h := BeamHeight(0, 0.5); math.Abs(h) > 1e-9 {
		t.Errorf("height at zero range = %v", h)
	}

	// Flat beam at 100 km rises by r^2 / (2 ke Re).
	want := 1e10 / (2 * EffectiveRadiusFactor * EarthRadius)
	if h := BeamHeight(100000, 0); math.Abs(h-want) > 1 {
		t.Errorf("height = %v, want about %v", h, want)
	}

	geom := BeamGeometry{BeamWidth: 1}
	lo, up := geom.HeightBounds(100000, 0.5, 40)
	if !(lo < up) {
		t.Errorf("lower %v must be below upper %v", lo, up)
	}
	center := BeamHeight(100000, 0.5) + 40
	if !(lo < center && center < up) {
		t.Errorf("beam axis %v outside [%v, %v]", center, lo, up)
	}
}
