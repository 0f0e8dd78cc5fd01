package tier

import (
	"context"
	"fmt"
	"time"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/storage/store"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// ChunkBounds returns the target chunk [lo, hi) holding band first for a
// chunk depth: lo = depth*floor(first/depth), hi = lo+depth.
func ChunkBounds(first, depth int) (lo, hi int) {
	q := first / depth
	if first%depth < 0 {
		q--
	}
	lo = q * depth
	return lo, lo + depth
}

// Move drains tier src of tf into the deeper tier dst, one target chunk per
// lock acquisition, until src is empty. It returns the number of chunks
// moved. A failed chunk ends the call; nothing of that chunk was deleted.
func (m *Manager) Move(ctx context.Context, tf types.Timeframe, src, dst string) (int, error) {
	g, err := m.group(tf)
	if err != nil {
		return 0, err
	}
	_, si, err := g.tier(src)
	if err != nil {
		return 0, err
	}
	_, di, err := g.tier(dst)
	if err != nil {
		return 0, err
	}
	if di <= si {
		return 0, rterrors.Wrap(rterrors.ErrIllegalTransition, "%s: %s is not deeper than %s", tf, dst, src)
	}

	source, err := m.Store(tf, src)
	if err != nil {
		return 0, err
	}
	target, err := m.Store(tf, dst)
	if err != nil {
		return 0, err
	}

	log := m.logger.With("timeframe", tf, "source", src, "target", dst)
	chunks := 0
	for {
		if err := ctx.Err(); err != nil {
			return chunks, err
		}
		_, _, ok, err := source.Period(ctx)
		if err != nil {
			return chunks, err
		}
		if !ok {
			break
		}
		moved, err := m.MoveChunk(ctx, tf, source, target)
		if err != nil {
			log.Error("move failed", "chunks", chunks, "error", err)
			return chunks, err
		}
		if !moved {
			break
		}
		chunks++
	}
	if chunks > 0 {
		log.Info("tier drained", "chunks", chunks)
	}
	return chunks, nil
}

// MoveChunk transfers the target chunk holding the earliest source band
// under the timeframe lock: update the target, then delete the same range
// from the source. It reports false when the source is empty.
func (m *Manager) MoveChunk(ctx context.Context, tf types.Timeframe, source, target store.Store) (bool, error) {
	var moved bool
	err := m.withLock(ctx, tf, "move "+source.Path(), func() error {
		start, _, ok, err := source.Period(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		_, hi := ChunkBounds(target.SelectBand(start), target.MaxDepth())
		stop := target.TimeForBand(hi)

		if err := target.Update(ctx, source, start, stop); err != nil {
			return fmt.Errorf("update %s [%s, %s): %w", target.Path(), start.Format(time.RFC3339), stop.Format(time.RFC3339), err)
		}
		if err := source.Delete(ctx, start, stop); err != nil {
			return fmt.Errorf("delete %s [%s, %s): %w", source.Path(), start.Format(time.RFC3339), stop.Format(time.RFC3339), err)
		}

		moved = true
		m.metrics.ChunkMoved(tf.String())
		m.logger.Debug("chunk moved", "source", source.Path(), "target", target.Path(),
			"start", start, "stop", stop)
		return nil
	})
	return moved, err
}

// Promote drains every tier of tf that names a drain_to tier, deepest
// first. It continues past failing tiers and returns their errors joined.
func (m *Manager) Promote(ctx context.Context, tf types.Timeframe) (int, error) {
	g, err := m.group(tf)
	if err != nil {
		return 0, err
	}

	var (
		total int
		errs  []error
	)
	for i := len(g.tiers) - 1; i >= 0; i-- {
		t := g.tiers[i]
		if t.DrainTo == "" {
			continue
		}
		n, err := m.Move(ctx, tf, t.Name, t.DrainTo)
		total += n
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return total, ctxErr
			}
			errs = append(errs, fmt.Errorf("%s -> %s: %w", t.Name, t.DrainTo, err))
		}
	}
	return total, rterrors.Join(errs...)
}
