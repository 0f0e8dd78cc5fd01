package products

import (
	"time"

	"github.com/xtxerr/raintier/internal/storage/types"
)

// Meta is the sidecar record of a product file.
type Meta struct {
	Kind      string    `msgpack:"kind"`
	Timeframe string    `msgpack:"timeframe"`
	Prodcode  string    `msgpack:"prodcode,omitempty"`
	Datetime  time.Time `msgpack:"datetime"`

	Rows   int     `msgpack:"rows"`
	Cols   int     `msgpack:"cols"`
	NoData float64 `msgpack:"nodata"`

	Stations       []string  `msgpack:"stations"`
	Available      []bool    `msgpack:"available,omitempty"`
	CompositeCount int       `msgpack:"composite_count"`
	FirstComposite time.Time `msgpack:"first_composite,omitempty"`
	LastComposite  time.Time `msgpack:"last_composite,omitempty"`

	DeclutterSize    int     `msgpack:"declutter_size"`
	DeclutterHistory float64 `msgpack:"declutter_history"`

	Summary *SummaryMeta `msgpack:"summary,omitempty"`

	Method     string   `msgpack:"method,omitempty"`
	GaugeCount int      `msgpack:"gauge_count,omitempty"`
	Source     *KeyMeta `msgpack:"source,omitempty"`
	Anchor     *KeyMeta `msgpack:"anchor,omitempty"`
}

// SummaryMeta mirrors types.Summary.
type SummaryMeta struct {
	Wet int     `msgpack:"wet"`
	Max float64 `msgpack:"max"`
	P50 float64 `msgpack:"p50"`
	P90 float64 `msgpack:"p90"`
	P99 float64 `msgpack:"p99"`
}

// KeyMeta is a product key in string form.
type KeyMeta struct {
	Prodcode  string    `msgpack:"prodcode"`
	Timeframe string    `msgpack:"timeframe"`
	Datetime  time.Time `msgpack:"datetime"`
}

func keyToMeta(k *types.ProductKey) *KeyMeta {
	if k == nil {
		return nil
	}
	return &KeyMeta{
		Prodcode:  k.Prodcode.String(),
		Timeframe: k.Timeframe.String(),
		Datetime:  k.Datetime.UTC(),
	}
}

func metaToKey(m *KeyMeta) (*types.ProductKey, error) {
	if m == nil {
		return nil, nil
	}
	pc, err := types.ParseProdcode(m.Prodcode)
	if err != nil {
		return nil, err
	}
	tf, err := types.ParseTimeframe(m.Timeframe)
	if err != nil {
		return nil, err
	}
	return &types.ProductKey{Prodcode: pc, Timeframe: tf, Datetime: m.Datetime.UTC()}, nil
}

// AggregateMeta builds the sidecar of an aggregate.
func AggregateMeta(a *types.Aggregate) *Meta {
	return &Meta{
		Kind:             string(KindAggregate),
		Timeframe:        a.Timeframe.String(),
		Datetime:         a.Datetime.UTC(),
		Rows:             a.Grid.Rows,
		Cols:             a.Grid.Cols,
		NoData:           a.Grid.NoData,
		Stations:         a.Stations,
		Available:        a.Available,
		CompositeCount:   a.CompositeCount,
		FirstComposite:   a.FirstComposite.UTC(),
		LastComposite:    a.LastComposite.UTC(),
		DeclutterSize:    a.Declutter.Size,
		DeclutterHistory: a.Declutter.History,
		Summary: &SummaryMeta{
			Wet: a.Summary.Wet,
			Max: a.Summary.Max,
			P50: a.Summary.P50,
			P90: a.Summary.P90,
			P99: a.Summary.P99,
		},
	}
}

// ProductMeta builds the sidecar of a calibrated or consistent product.
func ProductMeta(kind Kind, p *types.Product) *Meta {
	return &Meta{
		Kind:           string(kind),
		Timeframe:      p.Key.Timeframe.String(),
		Prodcode:       p.Key.Prodcode.String(),
		Datetime:       p.Key.Datetime.UTC(),
		Rows:           p.Grid.Rows,
		Cols:           p.Grid.Cols,
		NoData:         p.Grid.NoData,
		Stations:       p.Stations,
		CompositeCount: p.CompositeCount,
		Method:         string(p.Method),
		GaugeCount:     p.GaugeCount,
		Source:         keyToMeta(p.Source),
		Anchor:         keyToMeta(p.Anchor),
	}
}

func (m *Meta) toAggregate(g *types.Grid) (*types.Aggregate, error) {
	tf, err := types.ParseTimeframe(m.Timeframe)
	if err != nil {
		return nil, err
	}
	a := &types.Aggregate{
		Timeframe:      tf,
		Datetime:       m.Datetime.UTC(),
		Grid:           g,
		Stations:       m.Stations,
		Available:      m.Available,
		CompositeCount: m.CompositeCount,
		FirstComposite: m.FirstComposite.UTC(),
		LastComposite:  m.LastComposite.UTC(),
		Declutter: types.DeclutterConfig{
			Size:    m.DeclutterSize,
			History: m.DeclutterHistory,
		},
	}
	if len(a.Available) != len(a.Stations) {
		// Older or truncated sidecars: treat as nothing available.
		a.Available = make([]bool, len(a.Stations))
	}
	if m.Summary != nil {
		a.Summary = types.Summary{
			Wet: m.Summary.Wet,
			Max: m.Summary.Max,
			P50: m.Summary.P50,
			P90: m.Summary.P90,
			P99: m.Summary.P99,
		}
	}
	return a, nil
}

func (m *Meta) toProduct(g *types.Grid) (*types.Product, error) {
	tf, err := types.ParseTimeframe(m.Timeframe)
	if err != nil {
		return nil, err
	}
	pc, err := types.ParseProdcode(m.Prodcode)
	if err != nil {
		return nil, err
	}
	source, err := metaToKey(m.Source)
	if err != nil {
		return nil, err
	}
	anchor, err := metaToKey(m.Anchor)
	if err != nil {
		return nil, err
	}
	return &types.Product{
		Key:            types.ProductKey{Prodcode: pc, Timeframe: tf, Datetime: m.Datetime.UTC()},
		Grid:           g,
		Method:         types.CalibrationMethod(m.Method),
		GaugeCount:     m.GaugeCount,
		Stations:       m.Stations,
		CompositeCount: m.CompositeCount,
		Source:         source,
		Anchor:         anchor,
	}, nil
}
