// Package calibrate adjusts radar aggregates to rain gauge observations.
//
// The method is chosen deterministically: no usable gauges leaves the
// aggregate unadjusted, late products (afterwards, ultimate) of an hour or
// a day are kriged with the radar as external drift, and everything else is
// scaled by an inverse distance weighted factor grid. A failing method
// degrades to no adjustment; a calibration never removes coverage.
package calibrate

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/xtxerr/raintier/config"
	"github.com/xtxerr/raintier/internal/gauge"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/metrics"
	"github.com/xtxerr/raintier/internal/storage/products"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Interpolator produces gauge-derived grids for a radar grid.
type Interpolator interface {
	IDWFactor(ctx context.Context, gauges []gauge.Gauge, radar *types.Grid) (*types.Grid, error)
	KrigingExternalDrift(ctx context.Context, gauges []gauge.Gauge, radar *types.Grid) (*types.Grid, error)
}

// Repository persists calibrated products.
type Repository interface {
	LoadProduct(kind products.Kind, key types.ProductKey) (*types.Product, error)
	SaveProduct(kind products.Kind, p *types.Product) error
}

// Calibrator turns aggregates into calibrated products.
type Calibrator struct {
	gauges  gauge.Source
	interp  Interpolator
	mask    *types.Grid
	repo    Repository
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a calibrator. mask holds country-mask weights in [0, 1] used to
// blend kriged and raw values; nil weighs the kriged field fully everywhere.
func New(gauges gauge.Source, interp Interpolator, mask *types.Grid, repo Repository, m *metrics.Metrics, logger *slog.Logger) *Calibrator {
	return &Calibrator{
		gauges:  gauges,
		interp:  interp,
		mask:    mask,
		repo:    repo,
		metrics: m,
		logger:  logging.Component(logger, "calibrator"),
	}
}

// SelectMethod returns the calibration method for a product.
func SelectMethod(usableGauges int, pc types.Prodcode, tf types.Timeframe) types.CalibrationMethod {
	switch {
	case usableGauges == 0:
		return types.MethodNone
	case pc.IsLate() && (tf == types.TimeframeHour || tf == types.TimeframeDay):
		return types.MethodKriging
	default:
		return types.MethodIDW
	}
}

// ClampFactor maps a correction factor outside [0, MaxCalibrationFactor],
// or a non-finite one, to the no-op factor 1.
func ClampFactor(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > config.MaxCalibrationFactor {
		return 1
	}
	return f
}

// Calibrate produces and persists the calibrated product of agg for pc.
// An existing product built from the same inputs is returned as is.
func (c *Calibrator) Calibrate(ctx context.Context, agg *types.Aggregate, pc types.Prodcode) (*types.Product, error) {
	key := types.ProductKey{Prodcode: pc, Timeframe: agg.Timeframe, Datetime: agg.Datetime}
	log := c.logger.With("prodcode", pc, "timeframe", agg.Timeframe, "datetime", agg.Datetime, "stations", agg.Stations)

	observed, err := c.gauges.Gauges(ctx, agg.Timeframe, agg.Datetime)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Warn("gauges unavailable, calibrating without", "error", err)
		observed = nil
	}
	usable := gauge.Usable(observed, agg.Grid)
	method := SelectMethod(len(usable), pc, agg.Timeframe)

	if existing, err := c.repo.LoadProduct(products.KindCalibrated, key); err == nil {
		if existing.Method == method && existing.GaugeCount == len(usable) &&
			existing.CompositeCount == agg.CompositeCount && types.SameStations(existing.Stations, agg.Stations) {
			log.Debug("calibrated product reused")
			return existing, nil
		}
	}

	grid, applied := c.apply(ctx, log, method, usable, agg.Grid)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	grid.ClampNegative()

	p := &types.Product{
		Key:            key,
		Grid:           grid,
		Method:         applied,
		GaugeCount:     len(usable),
		Stations:       agg.Stations,
		CompositeCount: agg.CompositeCount,
	}
	if err := c.repo.SaveProduct(products.KindCalibrated, p); err != nil {
		return nil, err
	}

	c.metrics.Calibrated(string(applied))
	log.Info("product calibrated", "method", applied, "gauges", len(usable))
	return p, nil
}

// apply runs method on raw and returns the result and the method actually
// applied. Failures fall back to the raw grid.
func (c *Calibrator) apply(ctx context.Context, log *slog.Logger, method types.CalibrationMethod, usable []gauge.Gauge, raw *types.Grid) (*types.Grid, types.CalibrationMethod) {
	var (
		out *types.Grid
		err error
	)
	switch method {
	case types.MethodIDW:
		out, err = c.idw(ctx, usable, raw)
	case types.MethodKriging:
		out, err = c.kriging(ctx, usable, raw)
	default:
		return raw.Clone(), types.MethodNone
	}
	if err != nil {
		c.metrics.CalibrationFailed(string(method))
		log.Error("calibration failed, product left unadjusted", "method", method, "error", err)
		return raw.Clone(), types.MethodNone
	}
	return out, method
}

func (c *Calibrator) idw(ctx context.Context, usable []gauge.Gauge, raw *types.Grid) (*types.Grid, error) {
	factor, err := c.interp.IDWFactor(ctx, usable, raw)
	if err != nil {
		return nil, err
	}
	if err := raw.CheckShape(factor); err != nil {
		return nil, err
	}

	out := raw.Clone()
	for i := range out.Values {
		if !out.Valid(i) {
			continue
		}
		f := 1.0
		if factor.Valid(i) {
			f = ClampFactor(factor.Values[i])
		}
		out.Values[i] *= f
	}
	return out, nil
}

func (c *Calibrator) kriging(ctx context.Context, usable []gauge.Gauge, raw *types.Grid) (*types.Grid, error) {
	kriged, err := c.interp.KrigingExternalDrift(ctx, usable, raw)
	if err != nil {
		return nil, err
	}
	if err := raw.CheckShape(kriged); err != nil {
		return nil, err
	}
	if c.mask != nil {
		if err := raw.CheckShape(c.mask); err != nil {
			return nil, fmt.Errorf("country mask: %w", err)
		}
	}

	return Blend(raw, kriged, c.mask), nil
}

// Blend mixes kriged into raw with per-cell weights w in [0, 1]:
// w*kriged + (1-w)*raw. Cells where kriged is masked or non-finite keep the
// raw value; a nil weight grid weighs kriged fully.
func Blend(raw, kriged, weights *types.Grid) *types.Grid {
	out := raw.Clone()
	for i := range out.Values {
		if !out.Valid(i) || !kriged.Valid(i) {
			continue
		}
		k := kriged.Values[i]
		if math.IsNaN(k) || math.IsInf(k, 0) {
			continue
		}
		w := 1.0
		if weights != nil {
			if !weights.Valid(i) {
				w = 0
			} else {
				w = math.Min(math.Max(weights.Values[i], 0), 1)
			}
		}
		out.Values[i] = w*k + (1-w)*raw.Values[i]
	}
	return out
}
