// Package query answers analytical questions over product files with DuckDB.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/raintier/internal/config"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/storage/products"
)

// Service provides query capabilities over stored products.
type Service struct {
	mu sync.RWMutex

	db       *sql.DB
	products *products.Store
	timeout  time.Duration
	cells    int
	logger   *slog.Logger

	stats ServiceStats
}

// ServiceStats holds service statistics.
type ServiceStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// PeriodTotal summarizes one product.
type PeriodTotal struct {
	Datetime time.Time
	Sum      float64
	Max      float64
	Valid    int64
	Masked   int64
}

// CellValue is the value of one cell in one product.
type CellValue struct {
	Datetime time.Time
	Value    float64
}

// New opens an in-memory DuckDB database over the product store. rows and
// cols give the grid shape used to count masked cells.
func New(cfg config.QueryConfig, store *products.Store, rows, cols int, logger *slog.Logger) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if cfg.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		db:       db,
		products: store,
		timeout:  cfg.Timeout,
		cells:    rows * cols,
		logger:   logging.Component(logger, "query"),
	}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// files returns the complete products of (kind, code) within [start, end]
// keyed by their grid file.
func (s *Service) files(kind products.Kind, code string, start, end time.Time) (map[string]time.Time, error) {
	times, err := s.products.List(kind, code, start, end)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(times))
	for _, t := range times {
		out[s.products.Path(kind, code, t)] = t
	}
	return out, nil
}

// sqlList renders paths as a DuckDB list literal.
func sqlList(paths map[string]time.Time) string {
	quoted := make([]string, 0, len(paths))
	for p := range paths {
		quoted = append(quoted, "'"+strings.ReplaceAll(p, "'", "''")+"'")
	}
	sort.Strings(quoted)
	return "[" + strings.Join(quoted, ", ") + "]"
}

// PeriodTotals returns, per product of (kind, code) within [start, end],
// the sum and maximum of the valid cells and the valid and masked counts.
func (s *Service) PeriodTotals(ctx context.Context, kind products.Kind, code string, start, end time.Time) ([]PeriodTotal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.files(kind, code, start, end)
	if err != nil || len(files) == 0 {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT filename, SUM(value), MAX(value), COUNT(*)
		FROM read_parquet(%s, filename = true)
		GROUP BY filename
	`, sqlList(files))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.stats.Errors++
		return nil, fmt.Errorf("period totals: %w", err)
	}
	defer rows.Close()

	byTime := make(map[time.Time]PeriodTotal, len(files))
	for _, t := range files {
		byTime[t] = PeriodTotal{Datetime: t, Masked: int64(s.cells)}
	}
	for rows.Next() {
		var (
			name string
			pt   PeriodTotal
		)
		if err := rows.Scan(&name, &pt.Sum, &pt.Max, &pt.Valid); err != nil {
			s.stats.Errors++
			return nil, fmt.Errorf("scan row: %w", err)
		}
		t, ok := files[name]
		if !ok {
			continue
		}
		pt.Datetime = t
		pt.Masked = int64(s.cells) - pt.Valid
		byTime[t] = pt
	}
	if err := rows.Err(); err != nil {
		s.stats.Errors++
		return nil, err
	}

	out := make([]PeriodTotal, 0, len(byTime))
	for _, pt := range byTime {
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Datetime.Before(out[j].Datetime) })

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(out))
	return out, nil
}

// CellSeries returns the value of one cell across the products of
// (kind, code) within [start, end]. Products where the cell is masked are
// left out.
func (s *Service) CellSeries(ctx context.Context, kind products.Kind, code string, row, col int, start, end time.Time) ([]CellValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := s.files(kind, code, start, end)
	if err != nil || len(files) == 0 {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT filename, value
		FROM read_parquet(%s, filename = true)
		WHERE "row" = $1 AND col = $2
	`, sqlList(files))

	rows, err := s.db.QueryContext(ctx, query, row, col)
	if err != nil {
		s.stats.Errors++
		return nil, fmt.Errorf("cell series: %w", err)
	}
	defer rows.Close()

	var out []CellValue
	for rows.Next() {
		var (
			name string
			v    float64
		)
		if err := rows.Scan(&name, &v); err != nil {
			s.stats.Errors++
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if t, ok := files[name]; ok {
			out = append(out, CellValue{Datetime: t, Value: v})
		}
	}
	if err := rows.Err(); err != nil {
		s.stats.Errors++
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Datetime.Before(out[j].Datetime) })

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(out))
	return out, nil
}

// Stats returns query statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// ExecuteSQL executes a raw SQL query using DuckDB.
// This is useful for ad-hoc queries and debugging.
func (s *Service) ExecuteSQL(ctx context.Context, query string) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.stats.Errors++
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]any

	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any)
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(results))

	return results, rows.Err()
}
