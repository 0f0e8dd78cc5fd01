package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/metrics"
	"github.com/xtxerr/raintier/internal/scan"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Compositor fuses station grids valid at one instant.
type Compositor interface {
	Composite(ctx context.Context, t time.Time, grids []*types.StationGrid, declutter types.DeclutterConfig) (*types.Composite, error)
}

// Repository persists aggregates.
type Repository interface {
	LoadAggregate(tf types.Timeframe, dt time.Time) (*types.Aggregate, error)
	SaveAggregate(a *types.Aggregate) error
	DeleteAggregate(tf types.Timeframe, dt time.Time) error
}

// Request identifies an aggregate.
type Request struct {
	Datetime  time.Time
	Timeframe types.Timeframe
	Stations  []string
	Declutter types.DeclutterConfig
}

func (r Request) key() string {
	stations := slices.Clone(r.Stations)
	slices.Sort(stations)
	return fmt.Sprintf("%s|%d|%s|%s", r.Timeframe, r.Datetime.Unix(), strings.Join(stations, ","), r.Declutter)
}

// Config configures an Aggregator.
type Config struct {
	Rows int
	Cols int

	// HourWorkers bounds the hour aggregates built concurrently for one day.
	HourWorkers int
}

// Aggregator builds and caches aggregates.
type Aggregator struct {
	repo       Repository
	scans      scan.Source
	compositor Compositor
	cfg        Config
	group      singleflight.Group
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates an aggregator.
func New(cfg Config, repo Repository, scans scan.Source, compositor Compositor, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if cfg.HourWorkers <= 0 {
		cfg.HourWorkers = 1
	}
	return &Aggregator{
		repo:       repo,
		scans:      scans,
		compositor: compositor,
		cfg:        cfg,
		metrics:    m,
		logger:     logging.Component(logger, "aggregator"),
	}
}

// Aggregate returns the aggregate for req, reusing a valid persisted one.
// A Datetime off the timeframe's boundary fails with ErrMisalignedPeriod.
// Concurrent identical requests share one build.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) (*types.Aggregate, error) {
	req.Datetime = req.Datetime.UTC()
	if !req.Timeframe.Aligned(req.Datetime) {
		return nil, fmt.Errorf("%w: %s aggregate at %s",
			rterrors.ErrMisalignedPeriod, req.Timeframe, req.Datetime.Format(time.RFC3339))
	}
	if err := req.Declutter.Validate(); err != nil {
		return nil, err
	}

	// Callers of one key share a build. The build outlives a cancelled
	// caller; each caller waits on its own context.
	ch := a.group.DoChan(req.key(), func() (any, error) {
		return a.aggregate(context.WithoutCancel(ctx), req)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.Aggregate), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Aggregator) aggregate(ctx context.Context, req Request) (*types.Aggregate, error) {
	log := a.logger.With("timeframe", req.Timeframe, "datetime", req.Datetime)

	existing, err := a.repo.LoadAggregate(req.Timeframe, req.Datetime)
	switch {
	case err == nil:
		reason := a.invalidReason(existing, req)
		if reason == "" {
			a.metrics.AggregateReused(req.Timeframe.String())
			log.Debug("aggregate reused")
			return existing, nil
		}
		a.metrics.AggregateInvalidated(req.Timeframe.String(), reason)
		log.Info("aggregate invalid, rebuilding", "reason", reason)
		if err := a.repo.DeleteAggregate(req.Timeframe, req.Datetime); err != nil {
			return nil, err
		}
	case rterrors.IsNotFound(err):
	default:
		log.Warn("aggregate unreadable, rebuilding", "error", err)
		a.metrics.AggregateInvalidated(req.Timeframe.String(), "unreadable")
		if err := a.repo.DeleteAggregate(req.Timeframe, req.Datetime); err != nil {
			return nil, err
		}
	}

	var agg *types.Aggregate
	if req.Timeframe.IsFinest() {
		agg, err = a.buildFinest(ctx, req)
	} else {
		agg, err = a.buildCoarse(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	agg.Summary = Summarize(agg.Grid)
	if err := a.repo.SaveAggregate(agg); err != nil {
		return nil, err
	}

	a.metrics.AggregateBuilt(req.Timeframe.String())
	log.Debug("aggregate built", "composites", agg.CompositeCount, "missing", agg.MissingStations())
	return agg, nil
}

// invalidReason returns why a persisted aggregate cannot serve req, or ""
// when it can.
func (a *Aggregator) invalidReason(existing *types.Aggregate, req Request) string {
	if !types.SameStations(existing.Stations, req.Stations) {
		return "stations"
	}
	if existing.Declutter != req.Declutter {
		return "declutter"
	}
	if existing.Grid.Rows != a.cfg.Rows || existing.Grid.Cols != a.cfg.Cols {
		return "shape"
	}
	if existing.AllAvailable() {
		return ""
	}
	if !req.Timeframe.IsFinest() {
		return "availability"
	}

	// A missing station is acceptable only when its scan is genuinely absent.
	scanTime := req.Datetime.Add(-req.Timeframe.Delta())
	for _, st := range existing.MissingStations() {
		if a.scans.Exists(st, scanTime) {
			return "availability"
		}
	}
	return ""
}

// buildFinest builds a five-minute aggregate from the composite of the scans
// one period earlier, converting mm/h to mm per period.
func (a *Aggregator) buildFinest(ctx context.Context, req Request) (*types.Aggregate, error) {
	scanTime := req.Datetime.Add(-req.Timeframe.Delta())

	grids, err := scan.LoadStations(ctx, a.scans, req.Stations, scanTime, a.logger)
	if err != nil {
		return nil, err
	}

	comp, err := a.compositor.Composite(ctx, scanTime, grids, req.Declutter)
	if err != nil {
		return nil, fmt.Errorf("composite at %s: %w", scanTime.Format(time.RFC3339), err)
	}
	a.metrics.CompositeBuilt()

	g := comp.Grid.Clone()
	g.Scale(float64(req.Timeframe.Delta()) / float64(time.Hour))

	loaded := make(map[string]bool, len(grids))
	for _, sg := range grids {
		loaded[sg.Station] = true
	}

	agg := &types.Aggregate{
		Timeframe: req.Timeframe,
		Datetime:  req.Datetime,
		Grid:      g,
		Stations:  slices.Clone(req.Stations),
		Available: make([]bool, len(req.Stations)),
		Declutter: req.Declutter,
	}
	for i, st := range req.Stations {
		agg.Available[i] = loaded[st]
	}
	if len(grids) > 0 {
		agg.CompositeCount = 1
		agg.FirstComposite = scanTime
		agg.LastComposite = scanTime
	}
	return agg, nil
}

// buildCoarse sums the sub-period aggregates of req. Hour aggregates of a
// day are built concurrently, bounded by HourWorkers.
func (a *Aggregator) buildCoarse(ctx context.Context, req Request) (*types.Aggregate, error) {
	finer, ok := req.Timeframe.Finer()
	if !ok {
		return nil, fmt.Errorf("timeframe %s has no finer timeframe", req.Timeframe)
	}
	times := req.Timeframe.SubPeriodTimes(req.Datetime)
	subs := make([]*types.Aggregate, len(times))

	build := func(ctx context.Context, i int) error {
		sub, err := a.Aggregate(ctx, Request{
			Datetime:  times[i],
			Timeframe: finer,
			Stations:  req.Stations,
			Declutter: req.Declutter,
		})
		if err != nil {
			return fmt.Errorf("sub-aggregate %s@%s: %w", finer, times[i].Format(time.RFC3339), err)
		}
		subs[i] = sub
		return nil
	}

	if finer == types.TimeframeHour {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.cfg.HourWorkers)
		for i := range times {
			g.Go(func() error { return build(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := range times {
			if err := build(ctx, i); err != nil {
				return nil, err
			}
		}
	}

	return Merge(req, subs, a.cfg.Rows, a.cfg.Cols)
}

// Merge sums sub-aggregates cell-wise. Cells masked in every sub-aggregate
// stay masked; availability is the union over sub-aggregates.
func Merge(req Request, subs []*types.Aggregate, rows, cols int) (*types.Aggregate, error) {
	agg := &types.Aggregate{
		Timeframe: req.Timeframe,
		Datetime:  req.Datetime,
		Grid:      types.NewMaskedGrid(rows, cols),
		Stations:  slices.Clone(req.Stations),
		Available: make([]bool, len(req.Stations)),
		Declutter: req.Declutter,
	}
	index := make(map[string]int, len(req.Stations))
	for i, st := range req.Stations {
		index[st] = i
	}

	for _, sub := range subs {
		if err := agg.Grid.AddValid(sub.Grid); err != nil {
			return nil, err
		}
		agg.CompositeCount += sub.CompositeCount

		for i, st := range sub.Stations {
			if j, ok := index[st]; ok && i < len(sub.Available) && sub.Available[i] {
				agg.Available[j] = true
			}
		}

		if sub.CompositeCount == 0 {
			continue
		}
		if agg.FirstComposite.IsZero() || sub.FirstComposite.Before(agg.FirstComposite) {
			agg.FirstComposite = sub.FirstComposite
		}
		if sub.LastComposite.After(agg.LastComposite) {
			agg.LastComposite = sub.LastComposite
		}
	}

	return agg, nil
}
