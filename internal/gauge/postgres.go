package gauge

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/storage/types"
)

const gaugesSQL = `
    SELECT g.id, g.grid_row, g.grid_col, o.value_mm
    FROM gauges g
    JOIN gauge_observations o ON o.gauge_id = g.id
    WHERE o.timeframe = $1 AND o.period_end = $2
    ORDER BY g.id
`

// PGSource reads gauge totals from PostgreSQL.
type PGSource struct {
	pool *pgxpool.Pool
}

// NewPGSource connects to the gauge database.
func NewPGSource(ctx context.Context, databaseURL string) (*PGSource, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", rterrors.ErrGaugesMissing, err)
	}
	return &PGSource{pool: pool}, nil
}

// Close releases the pool.
func (s *PGSource) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Gauges implements Source.
func (s *PGSource) Gauges(ctx context.Context, tf types.Timeframe, dt time.Time) ([]Gauge, error) {
	rows, err := s.pool.Query(ctx, gaugesSQL, tf.String(), dt.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", rterrors.ErrGaugesMissing, err)
	}
	defer rows.Close()

	var gauges []Gauge
	for rows.Next() {
		var g Gauge
		if err := rows.Scan(&g.ID, &g.Row, &g.Col, &g.Value); err != nil {
			return nil, fmt.Errorf("%w: %w", rterrors.ErrGaugesMissing, err)
		}
		gauges = append(gauges, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", rterrors.ErrGaugesMissing, err)
	}
	return gauges, nil
}
