package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xtxerr/raintier/internal/calibrate"
	"github.com/xtxerr/raintier/internal/compositor"
	iconfig "github.com/xtxerr/raintier/internal/config"
	"github.com/xtxerr/raintier/internal/consistify"
	"github.com/xtxerr/raintier/internal/gauge"
	"github.com/xtxerr/raintier/internal/lock"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/metrics"
	"github.com/xtxerr/raintier/internal/pipeline"
	"github.com/xtxerr/raintier/internal/scan"
	"github.com/xtxerr/raintier/internal/storage/aggregate"
	"github.com/xtxerr/raintier/internal/storage/parquet"
	"github.com/xtxerr/raintier/internal/storage/products"
	"github.com/xtxerr/raintier/internal/storage/query"
	"github.com/xtxerr/raintier/internal/storage/store"
	"github.com/xtxerr/raintier/internal/storage/tier"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// app holds the resolved configuration and builds components on first use.
// Nothing here is global: every command gets its own app.
type app struct {
	cfg      *iconfig.Config
	logger   *slog.Logger
	out      io.Writer
	errOut   io.Writer
	clock    clockwork.Clock
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	products *products.Store

	aggregator   *aggregate.Aggregator
	calibrator   *calibrate.Calibrator
	consistifier *consistify.Consistifier
	tiers        *tier.Manager
	tiersLoaded  bool
	query        *query.Service

	closers []func() error
}

// newApp resolves the configuration: defaults, file, environment, then the
// flags in g.
func newApp(g *globalFlags, out, errOut io.Writer) (*app, error) {
	cfg, err := iconfig.Load(g.config, g.envFile)
	if err != nil {
		return nil, err
	}
	if g.verbose {
		cfg.Log.Level = "debug"
	}
	if g.stations != "" {
		cfg.Stations = splitList(g.stations)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: errOut})
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &app{
		cfg:      cfg,
		logger:   logger,
		out:      out,
		errOut:   errOut,
		clock:    clockwork.NewRealClock(),
		registry: reg,
		metrics:  metrics.New(reg),
		products: products.NewStore(cfg.ProductsDir(), parquet.DefaultOptions(), logger),
	}, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything the app opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) declutter() types.DeclutterConfig {
	return a.cfg.Composite.Declutter
}

func (a *app) getAggregator() (*aggregate.Aggregator, error) {
	if a.aggregator != nil {
		return a.aggregator, nil
	}
	cfg := a.cfg
	clutter, err := compositor.LoadClutter(cfg.Composite.ClutterDir, cfg.Composite.ClutterPair, cfg.Grid.Rows, cfg.Grid.Cols, a.logger)
	if err != nil {
		return nil, err
	}
	comp := compositor.New(compositor.Config{
		Rows:        cfg.Grid.Rows,
		Cols:        cfg.Grid.Cols,
		Geometry:    compositor.BeamGeometry{BeamWidth: cfg.Composite.BeamWidthDeg},
		Clutter:     clutter,
		ClutterPair: cfg.Composite.ClutterPair,
	}, a.logger)
	scans := scan.NewNetCDFSource(cfg.Scans.Dir, cfg.Grid.Rows, cfg.Grid.Cols, a.logger)

	a.aggregator = aggregate.New(aggregate.Config{
		Rows:        cfg.Grid.Rows,
		Cols:        cfg.Grid.Cols,
		HourWorkers: cfg.Aggregate.HourWorkers,
	}, a.products, scans, comp, a.metrics, a.logger)
	return a.aggregator, nil
}

func (a *app) getCalibrator(ctx context.Context) (*calibrate.Calibrator, error) {
	if a.calibrator != nil {
		return a.calibrator, nil
	}
	cfg := a.cfg.Calibrate

	var gauges gauge.Source
	if cfg.GaugeDSN != "" {
		pg, err := gauge.NewPGSource(ctx, cfg.GaugeDSN)
		if err != nil {
			return nil, err
		}
		a.onClose(func() error { pg.Close(); return nil })
		gauges = pg
	} else {
		a.logger.Warn("no gauge database configured, products stay uncalibrated")
		gauges = gauge.NewMemorySource()
	}

	var mask *types.Grid
	if cfg.CountryMask != "" {
		m, err := scan.LoadGrid(cfg.CountryMask, "mask", a.cfg.Grid.Rows, a.cfg.Grid.Cols)
		if err != nil {
			return nil, fmt.Errorf("country mask: %w", err)
		}
		mask = m
	}

	interp := gauge.Interpolator{Power: cfg.IDWPower, Factor: calibrate.ClampFactor}
	a.calibrator = calibrate.New(gauges, interp, mask, a.products, a.metrics, a.logger)
	return a.calibrator, nil
}

func (a *app) getConsistifier() *consistify.Consistifier {
	if a.consistifier == nil {
		a.consistifier = consistify.New(a.products, a.metrics, a.logger)
	}
	return a.consistifier
}

// getTiers returns the tier manager, or nil when no manifest exists and
// required is false.
func (a *app) getTiers(ctx context.Context, required bool) (*tier.Manager, error) {
	if a.tiersLoaded {
		if a.tiers == nil && required {
			return nil, fmt.Errorf("no store manifest at %s", a.cfg.ManifestPath())
		}
		return a.tiers, nil
	}

	manifest, err := iconfig.LoadManifest(a.cfg.ManifestPath(), a.cfg.StoresDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			a.logger.Warn("no store manifest, products are not written into tiers", "path", a.cfg.ManifestPath())
			a.tiersLoaded = true
			return nil, nil
		}
		return nil, err
	}

	locker, err := lock.New(ctx, a.cfg.Locks, a.metrics, a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(locker.Close)

	m, err := tier.NewManager(manifest, store.FileOpener{Options: parquet.DefaultOptions()}, locker, a.metrics, a.logger)
	if err != nil {
		return nil, err
	}
	a.tiers, a.tiersLoaded = m, true
	return m, nil
}

func (a *app) getQuery() (*query.Service, error) {
	if a.query != nil {
		return a.query, nil
	}
	q, err := query.New(a.cfg.Query, a.products, a.cfg.Grid.Rows, a.cfg.Grid.Cols, a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(q.Close)
	a.query = q
	return q, nil
}

func (a *app) getPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	agg, err := a.getAggregator()
	if err != nil {
		return nil, err
	}
	cal, err := a.getCalibrator(ctx)
	if err != nil {
		return nil, err
	}
	tiers, err := a.getTiers(ctx, false)
	if err != nil {
		return nil, err
	}

	pub := pipeline.NewPublisher(a.cfg.Publish, a.logger)
	a.onClose(pub.Close)

	var tw pipeline.TierWriter
	if tiers != nil {
		tw = tiers
	}
	return pipeline.New(agg, cal, a.getConsistifier(), tw, pub, a.metrics, a.logger), nil
}
