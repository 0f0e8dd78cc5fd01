// Package consistify rescales calibrated sub-period products so they sum to
// a trusted coarser product.
package consistify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/metrics"
	"github.com/xtxerr/raintier/internal/storage/products"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Repository loads calibrated sub-products and persists consistent ones.
type Repository interface {
	LoadProduct(kind products.Kind, key types.ProductKey) (*types.Product, error)
	SaveProduct(kind products.Kind, p *types.Product) error
}

// Consistifier derives consistent products from reliable anchors.
type Consistifier struct {
	repo    Repository
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a consistifier.
func New(repo Repository, m *metrics.Metrics, logger *slog.Logger) *Consistifier {
	return &Consistifier{
		repo:    repo,
		metrics: m,
		logger:  logging.Component(logger, "consistifier"),
	}
}

// Eligible reports whether p is a reliable anchor: an afterwards or ultimate
// day, an afterwards or ultimate hour that is itself consistent, or a
// near-realtime hour.
func Eligible(p *types.Product) bool {
	switch p.Key.Timeframe {
	case types.TimeframeDay:
		return p.Key.Prodcode.IsLate()
	case types.TimeframeHour:
		if p.Key.Prodcode.IsLate() {
			return p.IsConsistent()
		}
		return p.Key.Prodcode == types.ProdcodeNearRealtime
	default:
		return false
	}
}

// CreateConsistentProducts rescales the sub-products of anchor and of every
// eligible product created on the way. Anchors whose sub-products are
// incomplete are skipped and logged. The result lists every consistent
// product written, coarser anchors first.
func (c *Consistifier) CreateConsistentProducts(ctx context.Context, anchor *types.Product) ([]*types.Product, error) {
	var (
		out   []*types.Product
		queue = []*types.Product{anchor}
	)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		next := queue[0]
		queue = queue[1:]
		if !Eligible(next) {
			continue
		}

		created, err := c.rescale(next)
		if err != nil {
			if errors.Is(err, rterrors.ErrSubProductMissing) {
				c.logger.Warn("anchor skipped", "anchor", next.Key, "error", err)
				continue
			}
			return out, err
		}
		out = append(out, created...)
		queue = append(queue, created...)
	}
	return out, nil
}

// rescale writes the consistent sub-products of one anchor.
func (c *Consistifier) rescale(anchor *types.Product) ([]*types.Product, error) {
	key := anchor.Key
	finer, ok := key.Timeframe.Finer()
	if !ok {
		return nil, nil
	}

	times := key.Timeframe.SubPeriodTimes(key.Datetime)
	subs := make([]*types.Product, len(times))
	for i, dt := range times {
		sk := types.ProductKey{Prodcode: key.Prodcode, Timeframe: finer, Datetime: dt}
		p, err := c.repo.LoadProduct(products.KindCalibrated, sk)
		if err != nil {
			if rterrors.IsNotFound(err) {
				return nil, fmt.Errorf("%w: %s", rterrors.ErrSubProductMissing, sk)
			}
			return nil, fmt.Errorf("load sub-product %s: %w", sk, err)
		}
		if err := anchor.Grid.CheckShape(p.Grid); err != nil {
			return nil, fmt.Errorf("sub-product %s: %w", sk, err)
		}
		subs[i] = p
	}

	factor := Factor(anchor.Grid, subs)

	created := make([]*types.Product, 0, len(subs))
	for _, sub := range subs {
		g := sub.Grid.Clone()
		for i := range g.Values {
			if g.Valid(i) {
				g.Values[i] *= factor[i]
			}
		}
		source := sub.Key
		anchorKey := anchor.Key
		p := &types.Product{
			Key:            sub.Key,
			Grid:           g,
			Method:         sub.Method,
			GaugeCount:     sub.GaugeCount,
			Stations:       sub.Stations,
			CompositeCount: sub.CompositeCount,
			Source:         &source,
			Anchor:         &anchorKey,
		}
		if err := c.repo.SaveProduct(products.KindConsistent, p); err != nil {
			return nil, err
		}
		c.metrics.ConsistentWritten(finer.String())
		created = append(created, p)
	}

	c.logger.Info("consistent products written", "anchor", anchor.Key, "count", len(created))
	return created, nil
}

// Factor returns the per-cell ratio of anchor to the sum of subs. Cells
// where the sum is zero, or where the anchor is masked, get factor 1.
func Factor(anchor *types.Grid, subs []*types.Product) []float64 {
	sum := make([]float64, anchor.Len())
	for _, sub := range subs {
		for i, v := range sub.Grid.Values {
			if sub.Grid.Valid(i) {
				sum[i] += v
			}
		}
	}

	factor := make([]float64, len(sum))
	for i, s := range sum {
		if s == 0 || !anchor.Valid(i) {
			factor[i] = 1
			continue
		}
		factor[i] = anchor.Values[i] / s
	}
	return factor
}
