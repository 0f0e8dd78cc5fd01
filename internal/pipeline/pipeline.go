// Package pipeline sequences the product stages of one delivery:
// Aggregate, then Calibrate, then Consistify when the product is a reliable
// anchor, then Publish. A failed stage is logged and counted; the stages
// after it run as long as they still have input.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xtxerr/raintier/internal/consistify"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/metrics"
	"github.com/xtxerr/raintier/internal/period"
	"github.com/xtxerr/raintier/internal/storage/aggregate"
	"github.com/xtxerr/raintier/internal/storage/products"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Stage names used in logs and metrics.
const (
	StageAggregate  = "aggregate"
	StageCalibrate  = "calibrate"
	StageConsistify = "consistify"
	StagePublish    = "publish"
)

// Aggregator builds or reuses the aggregate of a request.
type Aggregator interface {
	Aggregate(ctx context.Context, req aggregate.Request) (*types.Aggregate, error)
}

// Calibrator turns an aggregate into a calibrated product.
type Calibrator interface {
	Calibrate(ctx context.Context, agg *types.Aggregate, pc types.Prodcode) (*types.Product, error)
}

// Consistifier rescales the sub-products of a reliable anchor.
type Consistifier interface {
	CreateConsistentProducts(ctx context.Context, anchor *types.Product) ([]*types.Product, error)
}

// TierWriter routes finished products into the tiered stores.
type TierWriter interface {
	TierFor(tf types.Timeframe, pc types.Prodcode) (string, bool)
	Write(ctx context.Context, tf types.Timeframe, name string, dt time.Time, g *types.Grid) error
}

// Delivery is one unit of work: a product period that became computable.
type Delivery struct {
	Datetime  time.Time
	Timeframe types.Timeframe
	Prodcode  types.Prodcode
	Stations  []string
	Declutter types.DeclutterConfig
}

func (d Delivery) request() aggregate.Request {
	return aggregate.Request{
		Datetime:  d.Datetime,
		Timeframe: d.Timeframe,
		Stations:  d.Stations,
		Declutter: d.Declutter,
	}
}

// Result holds what one Run produced. Fields stay nil when the stage that
// produces them failed or did not apply.
type Result struct {
	Aggregate  *types.Aggregate
	Product    *types.Product
	Consistent []*types.Product
	Published  int
}

// Pipeline runs deliveries through the product stages.
type Pipeline struct {
	aggregator   Aggregator
	calibrator   Calibrator
	consistifier Consistifier
	tiers        TierWriter
	publisher    Publisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// New creates a pipeline. tiers may be nil, in which case products are only
// announced, never written into a tier.
func New(agg Aggregator, cal Calibrator, cons Consistifier, tiers TierWriter, pub Publisher, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if pub == nil {
		pub = NewLogPublisher(logger)
	}
	return &Pipeline{
		aggregator:   agg,
		calibrator:   cal,
		consistifier: cons,
		tiers:        tiers,
		publisher:    pub,
		metrics:      m,
		logger:       logging.Component(logger, "pipeline"),
	}
}

// Run processes one delivery. The returned error joins every failed stage.
func (p *Pipeline) Run(ctx context.Context, d Delivery) (*Result, error) {
	log := p.logger.With(
		"timeframe", d.Timeframe,
		"datetime", d.Datetime.UTC().Format(time.RFC3339),
		"prodcode", d.Prodcode,
		"stations", d.Stations,
	)
	res := &Result{}
	var errs []error

	err := p.stage(log, StageAggregate, func() (err error) {
		res.Aggregate, err = p.aggregator.Aggregate(ctx, d.request())
		return err
	})
	if err != nil {
		return res, err
	}

	err = p.stage(log, StageCalibrate, func() (err error) {
		res.Product, err = p.calibrator.Calibrate(ctx, res.Aggregate, d.Prodcode)
		return err
	})
	if err != nil {
		return res, err
	}

	if consistify.Eligible(res.Product) {
		err = p.stage(log, StageConsistify, func() (err error) {
			res.Consistent, err = p.consistifier.CreateConsistentProducts(ctx, res.Product)
			return err
		})
		errs = append(errs, err)
	}

	err = p.stage(log, StagePublish, func() error {
		n, err := p.publish(ctx, res)
		res.Published = n
		return err
	})
	errs = append(errs, err)

	return res, errors.Join(errs...)
}

// RunRange runs d once per instant of r. Failed instants do not stop the
// walk; their errors are joined into the result. Cancellation does.
func (p *Pipeline) RunRange(ctx context.Context, r period.Range, d Delivery) error {
	d.Timeframe = r.Timeframe
	var errs []error
	it := r.Iter()
	for t, ok := it.Next(); ok; t, ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		d.Datetime = t
		if _, err := p.Run(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Format(period.Layout), err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) stage(log *slog.Logger, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.metrics.StageTook(name, time.Since(start).Seconds())
	if err != nil {
		p.metrics.StageFailed(name)
		log.Error("stage failed", "stage", name, "error", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	log.Debug("stage done", "stage", name, "took", time.Since(start))
	return nil
}

// publish writes the calibrated product and its consistent derivatives into
// their tiers and announces them. A product whose tier write failed is not
// announced.
func (p *Pipeline) publish(ctx context.Context, res *Result) (int, error) {
	type item struct {
		kind products.Kind
		p    *types.Product
	}
	items := []item{{products.KindCalibrated, res.Product}}
	for _, c := range res.Consistent {
		items = append(items, item{products.KindConsistent, c})
	}

	var errs []error
	events := make([]Event, 0, len(items))
	for _, it := range items {
		tier, err := p.write(ctx, it.p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, NewEvent(it.kind, it.p, tier))
	}
	if len(events) == 0 {
		return 0, errors.Join(errs...)
	}

	if err := p.publisher.Publish(ctx, events...); err != nil {
		return 0, errors.Join(append(errs, fmt.Errorf("announce: %w", err))...)
	}
	for _, e := range events {
		p.metrics.EventPublished(e.Kind)
	}
	return len(events), errors.Join(errs...)
}

func (p *Pipeline) write(ctx context.Context, prod *types.Product) (string, error) {
	if p.tiers == nil {
		return "", nil
	}
	k := prod.Key
	tier, ok := p.tiers.TierFor(k.Timeframe, k.Prodcode)
	if !ok {
		return "", nil
	}
	if err := p.tiers.Write(ctx, k.Timeframe, tier, k.Datetime, prod.Grid); err != nil {
		return "", fmt.Errorf("write %s into %s: %w", k, tier, err)
	}
	return tier, nil
}
