package consistify

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/metrics"
	"github.com/xtxerr/raintier/internal/storage/parquet"
	"github.com/xtxerr/raintier/internal/storage/products"
	"github.com/xtxerr/raintier/internal/storage/types"
)

type memRepo struct {
	mu    sync.Mutex
	prods map[string]*types.Product
}

func newMemRepo() *memRepo {
	return &memRepo{prods: make(map[string]*types.Product)}
}

func repoKey(kind products.Kind, key types.ProductKey) string {
	return fmt.Sprintf("%s/%s@%d", kind, key.Code(), key.Datetime.Unix())
}

func (r *memRepo) LoadProduct(kind products.Kind, key types.ProductKey) (*types.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prods[repoKey(kind, key)]
	if !ok {
		return nil, rterrors.ErrNotFound
	}
	return p, nil
}

func (r *memRepo) SaveProduct(kind products.Kind, p *types.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prods[repoKey(kind, p.Key)] = p
	return nil
}

func (r *memRepo) count(kind products.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	prefix := string(kind) + "/"
	for k := range r.prods {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

var day = time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)

func product(pc types.Prodcode, tf types.Timeframe, dt time.Time, values ...float64) *types.Product {
	g := types.NewGrid(1, len(values))
	for i, v := range values {
		if math.IsNaN(v) {
			g.SetMasked(i)
			continue
		}
		g.Set(i, v)
	}
	return &types.Product{
		Key:      types.ProductKey{Prodcode: pc, Timeframe: tf, Datetime: dt},
		Grid:     g,
		Method:   types.MethodIDW,
		Stations: []string{"nhb", "ndb"},
	}
}

// seedCalibrated stores calibrated sub-products below anchor with valuesAt
// providing the cell values of the i-th sub-period.
func seedCalibrated(t *testing.T, repo Repository, pc types.Prodcode, tf types.Timeframe, dt time.Time, valuesAt func(i int) []float64) {
	t.Helper()
	finer, _ := tf.Finer()
	for i, st := range tf.SubPeriodTimes(dt) {
		if err := repo.SaveProduct(products.KindCalibrated, product(pc, finer, st, valuesAt(i)...)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestEligible(t *testing.T) {
	consistent := func(p *types.Product) *types.Product {
		k := p.Key
		p.Anchor = &k
		return p
	}
	tests := []struct {
		name string
		p    *types.Product
		want bool
	}{
		{"ultimate day", product(types.ProdcodeUltimate, types.TimeframeDay, day, 1), true},
		{"afterwards day", product(types.ProdcodeAfterwards, types.TimeframeDay, day, 1), true},
		{"near-realtime day", product(types.ProdcodeNearRealtime, types.TimeframeDay, day, 1), false},
		{"realtime day", product(types.ProdcodeRealtime, types.TimeframeDay, day, 1), false},
		{"near-realtime hour", product(types.ProdcodeNearRealtime, types.TimeframeHour, day, 1), true},
		{"afterwards hour calibrated", product(types.ProdcodeAfterwards, types.TimeframeHour, day, 1), false},
		{"afterwards hour consistent", consistent(product(types.ProdcodeAfterwards, types.TimeframeHour, day, 1)), true},
		{"ultimate hour consistent", consistent(product(types.ProdcodeUltimate, types.TimeframeHour, day, 1)), true},
		{"realtime hour", product(types.ProdcodeRealtime, types.TimeframeHour, day, 1), false},
		{"near-realtime 5min", product(types.ProdcodeNearRealtime, types.Timeframe5Min, day, 1), false},
		{"ultimate 5min consistent", consistent(product(types.ProdcodeUltimate, types.Timeframe5Min, day, 1)), false},
	}
	for _, tt := range tests {
		if got := Eligible(tt.p); got != tt.want {
			t.Errorf("%s: Eligible = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFactor(t *testing.T) {
	anchor := product(types.ProdcodeNearRealtime, types.TimeframeHour, day, 12, 5, math.NaN(), 7).Grid
	subs := []*types.Product{
		product(types.ProdcodeNearRealtime, types.Timeframe5Min, day, 2, 0, 1, 1),
		product(types.ProdcodeNearRealtime, types.Timeframe5Min, day, 4, 0, 1, math.NaN()),
	}
	got := Factor(anchor, subs)
	want := []float64{2, 1, 1, 7}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("factor[%d] = %g, want %g", i, got[i], want[i])
		}
	}
}

func TestNearRealtimeHour(t *testing.T) {
	repo := newMemRepo()
	m := metrics.New(prometheus.NewRegistry())
	c := New(repo, m, logging.Discard())

	anchor := product(types.ProdcodeNearRealtime, types.TimeframeHour, day, 24, 0, 6)
	seedCalibrated(t, repo, types.ProdcodeNearRealtime, types.TimeframeHour, day, func(i int) []float64 {
		return []float64{float64(i % 3), 0, 1}
	})

	out, err := c.CreateConsistentProducts(context.Background(), anchor)
	if err != nil {
		t.Fatalf("CreateConsistentProducts: %v", err)
	}
	if len(out) != 12 {
		t.Fatalf("got %d products, want 12", len(out))
	}

	var sum [3]float64
	for _, p := range out {
		if p.Source == nil || *p.Source != p.Key {
			t.Errorf("%s: source = %v", p.Key, p.Source)
		}
		if p.Anchor == nil || *p.Anchor != anchor.Key {
			t.Errorf("%s: anchor = %v", p.Key, p.Anchor)
		}
		for i := range sum {
			sum[i] += p.Grid.Values[i]
		}
	}
	// Sum 12 in cell 0, zero sum untouched in cell 1, 12 in cell 2.
	want := [3]float64{24, 0, 6}
	for i := range want {
		if math.Abs(sum[i]-want[i]) > 1e-6 {
			t.Errorf("cell %d sums to %g, want %g", i, sum[i], want[i])
		}
	}
	if n := repo.count(products.KindConsistent); n != 12 {
		t.Errorf("stored %d consistent products, want 12", n)
	}
	if v := testutil.ToFloat64(m.ConsistentProducts.WithLabelValues("5min")); v != 12 {
		t.Errorf("consistent metric = %g, want 12", v)
	}
}

func TestUltimateDayRecurses(t *testing.T) {
	repo := newMemRepo()
	c := New(repo, nil, logging.Discard())

	anchor := product(types.ProdcodeUltimate, types.TimeframeDay, day, 96, 3)
	seedCalibrated(t, repo, types.ProdcodeUltimate, types.TimeframeDay, day, func(i int) []float64 {
		return []float64{float64(i + 1), 0}
	})
	for _, ht := range types.TimeframeDay.SubPeriodTimes(day) {
		seedCalibrated(t, repo, types.ProdcodeUltimate, types.TimeframeHour, ht, func(i int) []float64 {
			return []float64{0.5, float64(i)}
		})
	}

	out, err := c.CreateConsistentProducts(context.Background(), anchor)
	if err != nil {
		t.Fatalf("CreateConsistentProducts: %v", err)
	}
	if len(out) != 24+24*12 {
		t.Fatalf("got %d products, want %d", len(out), 24+24*12)
	}

	hours := make(map[time.Time]*types.Product)
	fives := make(map[time.Time][]*types.Product)
	for _, p := range out {
		switch p.Key.Timeframe {
		case types.TimeframeHour:
			hours[p.Key.Datetime] = p
		case types.Timeframe5Min:
			fives[p.Anchor.Datetime] = append(fives[p.Anchor.Datetime], p)
		}
	}

	var daySum [2]float64
	for ht, h := range hours {
		for i := range daySum {
			daySum[i] += h.Grid.Values[i]
		}
		var hourSum [2]float64
		for _, f := range fives[ht] {
			for i := range hourSum {
				hourSum[i] += f.Grid.Values[i]
			}
		}
		// Cell 0 of each hour is 6 from its own subs; it must match the rescaled hour.
		if math.Abs(hourSum[0]-h.Grid.Values[0]) > 1e-6 {
			t.Errorf("hour %s cell 0: 5min sum %g, hour %g", ht, hourSum[0], h.Grid.Values[0])
		}
		if math.Abs(hourSum[1]-h.Grid.Values[1]) > 1e-6 && h.Grid.Values[1] != 0 {
			t.Errorf("hour %s cell 1: 5min sum %g, hour %g", ht, hourSum[1], h.Grid.Values[1])
		}
	}
	if math.Abs(daySum[0]-96) > 1e-6 {
		t.Errorf("day cell 0 sums to %g, want 96", daySum[0])
	}
	// Hour subs are all zero in cell 1: factor 1 keeps them zero.
	if daySum[1] != 0 {
		t.Errorf("day cell 1 sums to %g, want 0", daySum[1])
	}
}

func TestMissingSubProductSkipsAnchor(t *testing.T) {
	repo := newMemRepo()
	c := New(repo, nil, logging.Discard())

	anchor := product(types.ProdcodeNearRealtime, types.TimeframeHour, day, 12)
	times := types.TimeframeHour.SubPeriodTimes(day)
	for _, st := range times[:11] {
		_ = repo.SaveProduct(products.KindCalibrated, product(types.ProdcodeNearRealtime, types.Timeframe5Min, st, 1))
	}

	out, err := c.CreateConsistentProducts(context.Background(), anchor)
	if err != nil {
		t.Fatalf("CreateConsistentProducts: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("got %d products, want none", len(out))
	}
	if n := repo.count(products.KindConsistent); n != 0 {
		t.Errorf("stored %d consistent products, want none", n)
	}
}

func TestIneligibleAnchorIsNoop(t *testing.T) {
	repo := newMemRepo()
	c := New(repo, nil, logging.Discard())
	out, err := c.CreateConsistentProducts(context.Background(), product(types.ProdcodeRealtime, types.TimeframeDay, day, 1))
	if err != nil || len(out) != 0 {
		t.Fatalf("got %d products, err %v", len(out), err)
	}
}

func TestMaskedCellsStayMasked(t *testing.T) {
	repo := newMemRepo()
	c := New(repo, nil, logging.Discard())

	anchor := product(types.ProdcodeNearRealtime, types.TimeframeHour, day, 24, 10)
	seedCalibrated(t, repo, types.ProdcodeNearRealtime, types.TimeframeHour, day, func(i int) []float64 {
		if i == 0 {
			return []float64{1, math.NaN()}
		}
		return []float64{1, 1}
	})

	out, err := c.CreateConsistentProducts(context.Background(), anchor)
	if err != nil {
		t.Fatalf("CreateConsistentProducts: %v", err)
	}
	if out[0].Grid.Valid(1) {
		t.Errorf("masked sub-product cell became valid")
	}
	var sum float64
	for _, p := range out {
		if p.Grid.Valid(1) {
			sum += p.Grid.Values[1]
		}
	}
	if math.Abs(sum-10) > 1e-6 {
		t.Errorf("cell 1 sums to %g, want 10", sum)
	}
}

func TestPersistsToProductStore(t *testing.T) {
	store := products.NewStore(t.TempDir(), parquet.DefaultOptions(), logging.Discard())
	c := New(store, nil, logging.Discard())

	anchor := product(types.ProdcodeNearRealtime, types.TimeframeHour, day, 6)
	seedCalibrated(t, store, types.ProdcodeNearRealtime, types.TimeframeHour, day, func(i int) []float64 {
		return []float64{1}
	})
	if _, err := c.CreateConsistentProducts(context.Background(), anchor); err != nil {
		t.Fatalf("CreateConsistentProducts: %v", err)
	}

	first := types.TimeframeHour.SubPeriodTimes(day)[0]
	got, err := store.LoadProduct(products.KindConsistent, types.ProductKey{
		Prodcode: types.ProdcodeNearRealtime, Timeframe: types.Timeframe5Min, Datetime: first,
	})
	if err != nil {
		t.Fatalf("LoadProduct: %v", err)
	}
	if math.Abs(got.Grid.Values[0]-0.5) > 1e-12 {
		t.Errorf("value = %g, want 0.5", got.Grid.Values[0])
	}
	if !got.IsConsistent() || got.Anchor.Timeframe != types.TimeframeHour {
		t.Errorf("anchor = %v", got.Anchor)
	}
}
