package calibrate

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/gauge"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/metrics"
	"github.com/xtxerr/raintier/internal/storage/parquet"
	"github.com/xtxerr/raintier/internal/storage/products"
	"github.com/xtxerr/raintier/internal/storage/types"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// stubInterp returns fixed grids and counts calls.
type stubInterp struct {
	factor *types.Grid
	kriged *types.Grid
	err    error
	calls  atomic.Int64
}

func (s *stubInterp) IDWFactor(ctx context.Context, gauges []gauge.Gauge, radar *types.Grid) (*types.Grid, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.factor.Clone(), nil
}

func (s *stubInterp) KrigingExternalDrift(ctx context.Context, gauges []gauge.Gauge, radar *types.Grid) (*types.Grid, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.kriged.Clone(), nil
}

func gridOf(values ...float64) *types.Grid {
	g := types.NewGrid(1, len(values))
	for i, v := range values {
		g.Set(i, v)
	}
	return g
}

func aggregateOf(tf types.Timeframe, g *types.Grid) *types.Aggregate {
	return &types.Aggregate{
		Timeframe:      tf,
		Datetime:       t0,
		Grid:           g,
		Stations:       []string{"nhb", "ndb"},
		Available:      []bool{true, true},
		CompositeCount: tf.SubPeriods(),
	}
}

type fixture struct {
	cal     *Calibrator
	gauges  *gauge.MemorySource
	store   *products.Store
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, interp Interpolator, mask *types.Grid) *fixture {
	t.Helper()
	f := &fixture{
		gauges:  gauge.NewMemorySource(),
		store:   products.NewStore(t.TempDir(), parquet.DefaultOptions(), logging.Discard()),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	if interp == nil {
		interp = gauge.Interpolator{Power: 2, Factor: ClampFactor}
	}
	f.cal = New(f.gauges, interp, mask, f.store, f.metrics, logging.Discard())
	return f
}

func assertValues(t *testing.T, g *types.Grid, want ...float64) {
	t.Helper()
	if len(g.Values) != len(want) {
		t.Fatalf("got %d values, want %d", len(g.Values), len(want))
	}
	for i, w := range want {
		if math.IsNaN(w) {
			if g.Valid(i) {
				t.Errorf("cell %d = %g, want masked", i, g.Values[i])
			}
			continue
		}
		if !g.Valid(i) {
			t.Errorf("cell %d masked, want %g", i, w)
			continue
		}
		if math.Abs(g.Values[i]-w) > 1e-9 {
			t.Errorf("cell %d = %g, want %g", i, g.Values[i], w)
		}
	}
}

func TestSelectMethod(t *testing.T) {
	tests := []struct {
		gauges int
		pc     types.Prodcode
		tf     types.Timeframe
		want   types.CalibrationMethod
	}{
		{0, types.ProdcodeUltimate, types.TimeframeDay, types.MethodNone},
		{0, types.ProdcodeRealtime, types.Timeframe5Min, types.MethodNone},
		{3, types.ProdcodeRealtime, types.TimeframeHour, types.MethodIDW},
		{3, types.ProdcodeNearRealtime, types.TimeframeDay, types.MethodIDW},
		{3, types.ProdcodeAfterwards, types.TimeframeHour, types.MethodKriging},
		{3, types.ProdcodeUltimate, types.TimeframeDay, types.MethodKriging},
		{3, types.ProdcodeUltimate, types.Timeframe5Min, types.MethodIDW},
	}
	for _, tt := range tests {
		if got := SelectMethod(tt.gauges, tt.pc, tt.tf); got != tt.want {
			t.Errorf("SelectMethod(%d, %s, %s) = %s, want %s", tt.gauges, tt.pc, tt.tf, got, tt.want)
		}
	}
}

func TestClampFactor(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{2, 2},
		{0, 0},
		{10, 10},
		{50, 1},
		{-0.5, 1},
		{math.NaN(), 1},
		{math.Inf(1), 1},
	}
	for _, tt := range tests {
		if got := ClampFactor(tt.in); got != tt.want {
			t.Errorf("ClampFactor(%g) = %g, want %g", tt.in, got, tt.want)
		}
	}
}

func TestCalibrateIDW(t *testing.T) {
	tests := []struct {
		name  string
		radar []float64
		gauge float64
		want  []float64
	}{
		{"plausible factor applied", []float64{2, 2}, 4, []float64{4, 4}},
		{"implausible factor ignored", []float64{1, 1}, 50, []float64{1, 1}},
		{"zero radar at gauge", []float64{0, 3}, 5, []float64{0, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			f.gauges.Set(types.TimeframeHour, t0, []gauge.Gauge{{ID: "g1", Row: 0.5, Col: 0.5, Value: tt.gauge}})

			p, err := f.cal.Calibrate(context.Background(), aggregateOf(types.TimeframeHour, gridOf(tt.radar...)), types.ProdcodeRealtime)
			if err != nil {
				t.Fatalf("Calibrate: %v", err)
			}
			if p.Method != types.MethodIDW {
				t.Errorf("method = %s, want idw", p.Method)
			}
			if p.GaugeCount != 1 {
				t.Errorf("gauge count = %d, want 1", p.GaugeCount)
			}
			assertValues(t, p.Grid, tt.want...)
		})
	}
}

func TestCalibratePersists(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.gauges.Set(types.TimeframeHour, t0, []gauge.Gauge{{ID: "g1", Row: 0.5, Col: 1.5, Value: 8}})

	if _, err := f.cal.Calibrate(context.Background(), aggregateOf(types.TimeframeHour, gridOf(2, 4)), types.ProdcodeNearRealtime); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	key := types.ProductKey{Prodcode: types.ProdcodeNearRealtime, Timeframe: types.TimeframeHour, Datetime: t0}
	got, err := f.store.LoadProduct(products.KindCalibrated, key)
	if err != nil {
		t.Fatalf("LoadProduct: %v", err)
	}
	assertValues(t, got.Grid, 4, 8)
	if got.Method != types.MethodIDW || got.IsConsistent() {
		t.Errorf("loaded method=%s consistent=%v", got.Method, got.IsConsistent())
	}
	if v := testutil.ToFloat64(f.metrics.Calibrations.WithLabelValues("idw")); v != 1 {
		t.Errorf("calibrations{idw} = %g, want 1", v)
	}
}

func TestCalibrateWithoutGauges(t *testing.T) {
	f := newFixture(t, nil, nil)
	radar := gridOf(1.5, 0, 3)
	radar.SetMasked(1)

	p, err := f.cal.Calibrate(context.Background(), aggregateOf(types.TimeframeDay, radar), types.ProdcodeUltimate)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if p.Method != types.MethodNone {
		t.Errorf("method = %s, want none", p.Method)
	}
	assertValues(t, p.Grid, 1.5, math.NaN(), 3)
}

func TestCalibrateGaugeSourceFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.gauges.Fail(errors.New("connection refused"))

	p, err := f.cal.Calibrate(context.Background(), aggregateOf(types.TimeframeHour, gridOf(1, 2)), types.ProdcodeAfterwards)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if p.Method != types.MethodNone || p.GaugeCount != 0 {
		t.Errorf("method=%s gauges=%d, want none/0", p.Method, p.GaugeCount)
	}
	assertValues(t, p.Grid, 1, 2)
}

func TestCalibrateKrigingBlend(t *testing.T) {
	mask := gridOf(0.5, 1, 0)
	mask.SetMasked(2)
	kriged := gridOf(10, -3, 10)
	interp := &stubInterp{kriged: kriged}
	f := newFixture(t, interp, mask)
	f.gauges.Set(types.TimeframeHour, t0, []gauge.Gauge{{ID: "g1", Row: 0.5, Col: 0.5, Value: 1}})

	p, err := f.cal.Calibrate(context.Background(), aggregateOf(types.TimeframeHour, gridOf(2, 4, 6)), types.ProdcodeAfterwards)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if p.Method != types.MethodKriging {
		t.Fatalf("method = %s, want kriging", p.Method)
	}
	// Half weight, negative kriged clamped, outside mask raw.
	assertValues(t, p.Grid, 6, 0, 6)
}

func TestCalibrateKrigingFailureFallsBack(t *testing.T) {
	interp := &stubInterp{err: rterrors.ErrCalibrationFailed}
	f := newFixture(t, interp, nil)
	f.gauges.Set(types.TimeframeDay, t0, []gauge.Gauge{{ID: "g1", Row: 0.5, Col: 0.5, Value: 1}})

	p, err := f.cal.Calibrate(context.Background(), aggregateOf(types.TimeframeDay, gridOf(2, 4)), types.ProdcodeUltimate)
	if err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if p.Method != types.MethodNone {
		t.Errorf("method = %s, want none", p.Method)
	}
	assertValues(t, p.Grid, 2, 4)
	if v := testutil.ToFloat64(f.metrics.CalibrationErrors.WithLabelValues(string(types.MethodKriging))); v != 1 {
		t.Errorf("calibration errors = %g, want 1", v)
	}
}

func TestCalibrateReusesProduct(t *testing.T) {
	interp := &stubInterp{factor: gridOf(2, 2)}
	f := newFixture(t, interp, nil)
	f.gauges.Set(types.TimeframeHour, t0, []gauge.Gauge{{ID: "g1", Row: 0.5, Col: 0.5, Value: 4}})
	agg := aggregateOf(types.TimeframeHour, gridOf(2, 2))

	for i := 0; i < 2; i++ {
		if _, err := f.cal.Calibrate(context.Background(), agg, types.ProdcodeRealtime); err != nil {
			t.Fatalf("Calibrate #%d: %v", i, err)
		}
	}
	if n := interp.calls.Load(); n != 1 {
		t.Errorf("interpolator called %d times, want 1", n)
	}

	// A changed gauge set forces recomputation.
	f.gauges.Set(types.TimeframeHour, t0, []gauge.Gauge{
		{ID: "g1", Row: 0.5, Col: 0.5, Value: 4},
		{ID: "g2", Row: 0.5, Col: 1.5, Value: 4},
	})
	if _, err := f.cal.Calibrate(context.Background(), agg, types.ProdcodeRealtime); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if n := interp.calls.Load(); n != 2 {
		t.Errorf("interpolator called %d times, want 2", n)
	}
}

func TestBlendNonFinite(t *testing.T) {
	raw := gridOf(1, 2)
	kriged := gridOf(math.NaN(), 5)
	got := Blend(raw, kriged, nil)
	assertValues(t, got, 1, 5)
}
