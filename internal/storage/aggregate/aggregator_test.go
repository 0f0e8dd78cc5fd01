package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/metrics"
	"github.com/xtxerr/raintier/internal/scan"
	"github.com/xtxerr/raintier/internal/storage/types"
)

type memRepo struct {
	mu    sync.Mutex
	aggs  map[string]*types.Aggregate
	saves int
}

func newMemRepo() *memRepo {
	return &memRepo{aggs: make(map[string]*types.Aggregate)}
}

func repoKey(tf types.Timeframe, dt time.Time) string {
	return fmt.Sprintf("%s@%d", tf, dt.Unix())
}

func (r *memRepo) LoadAggregate(tf types.Timeframe, dt time.Time) (*types.Aggregate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.aggs[repoKey(tf, dt)]
	if !ok {
		return nil, rterrors.ErrNotFound
	}
	return a, nil
}

func (r *memRepo) SaveAggregate(a *types.Aggregate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggs[repoKey(a.Timeframe, a.Datetime)] = a
	r.saves++
	return nil
}

func (r *memRepo) DeleteAggregate(tf types.Timeframe, dt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.aggs, repoKey(tf, dt))
	return nil
}

// meanCompositor averages the valid station values of each cell.
type meanCompositor struct {
	calls atomic.Int64
}

func (c *meanCompositor) Composite(ctx context.Context, t time.Time, grids []*types.StationGrid, d types.DeclutterConfig) (*types.Composite, error) {
	c.calls.Add(1)
	out := &types.Composite{Time: t, Grid: types.NewMaskedGrid(1, 2), Declutter: d}
	for i := 0; i < out.Grid.Len(); i++ {
		var sum float64
		n := 0
		for _, g := range grids {
			if g.Rain.Valid(i) {
				sum += g.Rain.Values[i]
				n++
			}
		}
		if n > 0 {
			out.Grid.Set(i, sum/float64(n))
		}
	}
	for _, g := range grids {
		out.Stations = append(out.Stations, g.Station)
	}
	return out, nil
}

// addScan registers a 1x2 scan; cell 1 is masked.
func addScan(src *scan.MemorySource, station string, t time.Time, rain float64) {
	g := types.NewGrid(1, 2)
	g.Values[0] = rain
	g.SetMasked(1)
	src.Add(&types.StationGrid{Station: station, Time: t, Rain: g})
}

type fixture struct {
	repo  *memRepo
	scans *scan.MemorySource
	comp  *meanCompositor
	agg   *Aggregator
}

func newFixture() *fixture {
	f := &fixture{repo: newMemRepo(), scans: scan.NewMemorySource(), comp: &meanCompositor{}}
	f.agg = New(Config{Rows: 1, Cols: 2, HourWorkers: 3}, f.repo, f.scans, f.comp, metrics.New(nil), logging.Discard())
	return f
}

var hour10 = time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)

func TestAggregateRejectsMisaligned(t *testing.T) {
	f := newFixture()

	_, err := f.agg.Aggregate(context.Background(), Request{
		Datetime:  hour10.Add(5 * time.Minute),
		Timeframe: types.TimeframeHour,
		Stations:  []string{"NL60"},
	})
	if !rterrors.Is(err, rterrors.ErrMisalignedPeriod) {
		t.Fatalf("expected ErrMisalignedPeriod, got %v", err)
	}
	if !rterrors.IsContractViolation(err) {
		t.Error("misaligned period must be a contract violation")
	}
	if f.comp.calls.Load() != 0 {
		t.Error("nothing should be computed")
	}
}

func TestAggregateRejectsBadDeclutter(t *testing.T) {
	f := newFixture()
	_, err := f.agg.Aggregate(context.Background(), Request{
		Datetime:  hour10,
		Timeframe: types.TimeframeHour,
		Declutter: types.DeclutterConfig{Size: -3},
	})
	if !rterrors.Is(err, rterrors.ErrInvalidDeclutter) {
		t.Errorf("expected ErrInvalidDeclutter, got %v", err)
	}
}

func TestFinestFromOffsetComposite(t *testing.T) {
	f := newFixture()
	addScan(f.scans, "NL60", hour10.Add(-5*time.Minute), 12)

	agg, err := f.agg.Aggregate(context.Background(), Request{
		Datetime:  hour10,
		Timeframe: types.Timeframe5Min,
		Stations:  []string{"NL60", "NL61"},
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	if v, ok := agg.Grid.At(0, 0); !ok || math.Abs(v-1) > 1e-12 {
		t.Errorf("value = %v (%v), want 12/12 = 1", v, ok)
	}
	if agg.Grid.Valid(1) {
		t.Error("masked composite cell should stay masked")
	}
	if !agg.Available[0] || agg.Available[1] {
		t.Errorf("available = %v", agg.Available)
	}
	if agg.CompositeCount != 1 || !agg.LastComposite.Equal(hour10.Add(-5*time.Minute)) {
		t.Errorf("count = %d last = %v", agg.CompositeCount, agg.LastComposite)
	}
}

func TestFinestWithoutScans(t *testing.T) {
	f := newFixture()

	agg, err := f.agg.Aggregate(context.Background(), Request{
		Datetime:  hour10,
		Timeframe: types.Timeframe5Min,
		Stations:  []string{"NL60"},
	})
	if err != nil {
		t.Fatalf("zero stations must not fail: %v", err)
	}
	if !agg.Grid.AllMasked() || agg.CompositeCount != 0 || agg.Available[0] {
		t.Errorf("expected empty aggregate, got count=%d available=%v", agg.CompositeCount, agg.Available)
	}
}

func TestReuseIsIdempotent(t *testing.T) {
	f := newFixture()
	addScan(f.scans, "NL60", hour10.Add(-5*time.Minute), 6)
	req := Request{Datetime: hour10, Timeframe: types.Timeframe5Min, Stations: []string{"NL60", "NL61"}}

	first, err := f.agg.Aggregate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	calls, saves := f.comp.calls.Load(), f.repo.saves

	// NL61 is missing because its scan does not exist: reusable.
	second, err := f.agg.Aggregate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if f.comp.calls.Load() != calls || f.repo.saves != saves {
		t.Error("second call must not recompute")
	}
	if second != first {
		t.Error("expected the persisted aggregate")
	}
}

// gatedCompositor blocks every composite until release is closed.
type gatedCompositor struct {
	meanCompositor
	started chan struct{}
	once    sync.Once
	release chan struct{}
}

func (c *gatedCompositor) Composite(ctx context.Context, t time.Time, grids []*types.StationGrid, d types.DeclutterConfig) (*types.Composite, error) {
	c.once.Do(func() { close(c.started) })
	<-c.release
	return c.meanCompositor.Composite(ctx, t, grids, d)
}

func TestSharedBuildSurvivesCancelledCaller(t *testing.T) {
	repo, scans := newMemRepo(), scan.NewMemorySource()
	addScan(scans, "NL60", hour10.Add(-5*time.Minute), 12)
	comp := &gatedCompositor{started: make(chan struct{}), release: make(chan struct{})}
	agg := New(Config{Rows: 1, Cols: 2, HourWorkers: 1}, repo, scans, comp, metrics.New(nil), logging.Discard())
	req := Request{Datetime: hour10, Timeframe: types.Timeframe5Min, Stations: []string{"NL60"}}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := agg.Aggregate(ctx, req)
		firstErr <- err
	}()
	<-comp.started

	type result struct {
		agg *types.Aggregate
		err error
	}
	second := make(chan result, 1)
	go func() {
		a, err := agg.Aggregate(context.Background(), req)
		second <- result{a, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller: err = %v, want context.Canceled", err)
	}

	close(comp.release)
	res := <-second
	if res.err != nil {
		t.Fatalf("joined caller failed with the other caller's cancellation: %v", res.err)
	}
	if v, ok := res.agg.Grid.At(0, 0); !ok || math.Abs(v-1) > 1e-12 {
		t.Errorf("value = %v (%v), want 1", v, ok)
	}
	if n := comp.calls.Load(); n != 1 {
		t.Errorf("composites = %d, want one shared build", n)
	}
	if repo.saves != 1 {
		t.Errorf("saves = %d, want 1", repo.saves)
	}
}

func TestReuseRejectsLateScan(t *testing.T) {
	f := newFixture()
	scanTime := hour10.Add(-5 * time.Minute)
	addScan(f.scans, "NL60", scanTime, 6)
	req := Request{Datetime: hour10, Timeframe: types.Timeframe5Min, Stations: []string{"NL60", "NL61"}}

	if _, err := f.agg.Aggregate(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	// The NL61 scan arrives later: the cached aggregate is stale.
	addScan(f.scans, "NL61", scanTime, 18)
	agg, err := f.agg.Aggregate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if f.comp.calls.Load() != 2 {
		t.Errorf("expected recomputation, compositor calls = %d", f.comp.calls.Load())
	}
	if !agg.AllAvailable() {
		t.Errorf("available = %v", agg.Available)
	}
	if v, _ := agg.Grid.At(0, 0); math.Abs(v-1) > 1e-12 {
		t.Errorf("value = %v, want (6+18)/2/12 = 1", v)
	}
}

func TestReuseRejectsMismatch(t *testing.T) {
	tests := []struct {
		name   string
		change func(*Request)
	}{
		{"stations", func(r *Request) { r.Stations = []string{"NL60", "NL61"} }},
		{"declutter", func(r *Request) { r.Declutter = types.DeclutterConfig{Size: 2} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			addScan(f.scans, "NL60", hour10.Add(-5*time.Minute), 6)
			req := Request{Datetime: hour10, Timeframe: types.Timeframe5Min, Stations: []string{"NL60"}}

			if _, err := f.agg.Aggregate(context.Background(), req); err != nil {
				t.Fatal(err)
			}
			tt.change(&req)
			agg, err := f.agg.Aggregate(context.Background(), req)
			if err != nil {
				t.Fatal(err)
			}
			if f.comp.calls.Load() != 2 {
				t.Errorf("compositor calls = %d, want 2", f.comp.calls.Load())
			}
			if agg.Declutter != req.Declutter || !types.SameStations(agg.Stations, req.Stations) {
				t.Error("rebuilt aggregate should carry the new request")
			}
		})
	}
}

func TestHourAdditivity(t *testing.T) {
	f := newFixture()
	req := Request{Datetime: hour10, Timeframe: types.TimeframeHour, Stations: []string{"NL60"}}

	// Scans 09:00..09:50 present, 09:55 missing.
	want := 0.0
	for i := 0; i < 11; i++ {
		v := float64(i + 1)
		addScan(f.scans, "NL60", hour10.Add(-time.Hour).Add(time.Duration(i)*5*time.Minute), v)
		want += v / 12
	}

	agg, err := f.agg.Aggregate(context.Background(), req)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	var subSum float64
	for _, st := range types.TimeframeHour.SubPeriodTimes(hour10) {
		sub, err := f.repo.LoadAggregate(types.Timeframe5Min, st)
		if err != nil {
			t.Fatalf("sub-aggregate %v missing: %v", st, err)
		}
		if v, ok := sub.Grid.At(0, 0); ok {
			subSum += v
		}
	}

	got, ok := agg.Grid.At(0, 0)
	if !ok || math.Abs(got-want) > 1e-9 || math.Abs(got-subSum) > 1e-9 {
		t.Errorf("hour = %v, want %v (sub sum %v)", got, want, subSum)
	}
	if agg.Grid.Valid(1) {
		t.Error("cell masked in every sub-aggregate must stay masked")
	}
	if agg.CompositeCount != 11 {
		t.Errorf("composite count = %d, want 11", agg.CompositeCount)
	}
	if !agg.Available[0] {
		t.Error("availability should be the union of sub-aggregates")
	}
	if !agg.LastComposite.Equal(hour10.Add(-10 * time.Minute)) {
		t.Errorf("last composite = %v", agg.LastComposite)
	}
	if agg.Summary.Wet != 1 {
		t.Errorf("summary wet = %d", agg.Summary.Wet)
	}
}

func TestDayUsesHours(t *testing.T) {
	f := newFixture()
	day := time.Date(2024, 5, 3, types.DayBoundaryHour, 0, 0, 0, time.UTC)
	start := day.Add(-24 * time.Hour)
	for i := 0; i < 288; i++ {
		addScan(f.scans, "NL60", start.Add(time.Duration(i)*5*time.Minute), 12)
	}

	agg, err := f.agg.Aggregate(context.Background(), Request{Datetime: day, Timeframe: types.TimeframeDay, Stations: []string{"NL60"}})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}

	if agg.CompositeCount != 288 {
		t.Errorf("composite count = %d, want 288", agg.CompositeCount)
	}
	if v, _ := agg.Grid.At(0, 0); math.Abs(v-288) > 1e-6 {
		t.Errorf("day sum = %v, want 288", v)
	}
	for _, h := range types.TimeframeDay.SubPeriodTimes(day) {
		if _, err := f.repo.LoadAggregate(types.TimeframeHour, h); err != nil {
			t.Errorf("hour %v not persisted: %v", h, err)
		}
	}
}

func TestMergeKeepsMaskAndUnion(t *testing.T) {
	req := Request{Datetime: hour10, Timeframe: types.TimeframeHour, Stations: []string{"A", "B"}}

	g1 := types.NewMaskedGrid(1, 3)
	g1.Set(0, 1)
	g2 := types.NewMaskedGrid(1, 3)
	g2.Set(0, 2)
	g2.Set(1, 5)

	subs := []*types.Aggregate{
		{Grid: g1, Stations: []string{"A", "B"}, Available: []bool{true, false}, CompositeCount: 1},
		{Grid: g2, Stations: []string{"A", "B"}, Available: []bool{false, true}, CompositeCount: 2},
	}

	agg, err := Merge(req, subs, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := agg.Grid.At(0, 0); v != 3 {
		t.Errorf("cell 0 = %v, want 3", v)
	}
	if v, _ := agg.Grid.At(0, 1); v != 5 {
		t.Errorf("cell 1 = %v, want 5", v)
	}
	if agg.Grid.Valid(2) {
		t.Error("cell 2 must stay masked")
	}
	if !agg.AllAvailable() || agg.CompositeCount != 3 {
		t.Errorf("available = %v count = %d", agg.Available, agg.CompositeCount)
	}

	if _, err := Merge(req, []*types.Aggregate{{Grid: types.NewGrid(2, 2)}}, 1, 3); !rterrors.Is(err, rterrors.ErrShapeMismatch) {
		t.Errorf("expected shape mismatch, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	g := types.NewGrid(1, 101)
	for i := 1; i <= 100; i++ {
		g.Values[i] = float64(i)
	}

	s := Summarize(g)
	if s.Wet != 100 || s.Max != 100 {
		t.Errorf("wet = %d max = %v", s.Wet, s.Max)
	}
	if math.Abs(s.P50-50) > 1.5 || math.Abs(s.P99-99) > 2 {
		t.Errorf("p50 = %v p99 = %v", s.P50, s.P99)
	}

	if dry := Summarize(types.NewGrid(2, 2)); dry != (types.Summary{}) {
		t.Errorf("dry summary = %+v", dry)
	}
}
