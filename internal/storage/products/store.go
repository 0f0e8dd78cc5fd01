package products

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/storage/parquet"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Kind separates raw aggregates from calibrated and consistent products.
type Kind string

const (
	KindAggregate  Kind = "aggregate"
	KindCalibrated Kind = "calibrated"
	KindConsistent Kind = "consistent"
)

// AllKinds returns every product kind.
func AllKinds() []Kind {
	return []Kind{KindAggregate, KindCalibrated, KindConsistent}
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindAggregate, KindCalibrated, KindConsistent:
		return k, nil
	}
	return "", fmt.Errorf("unknown product kind: %s", s)
}

// TimestampFormat is the fixed-width instant in file names.
const TimestampFormat = "20060102150405"

const (
	gridExt = ".parquet"
	metaExt = ".meta"
)

// Store reads and writes product files below a base directory.
type Store struct {
	baseDir string
	opts    parquet.Options
	logger  *slog.Logger
}

// NewStore creates a product store rooted at baseDir.
func NewStore(baseDir string, opts parquet.Options, logger *slog.Logger) *Store {
	return &Store{
		baseDir: baseDir,
		opts:    opts,
		logger:  logging.Component(logger, "products"),
	}
}

// BaseDir returns the root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// AggregateCode returns the path code of an aggregate.
func AggregateCode(tf types.Timeframe) string {
	return tf.String()
}

// Path returns the grid file of a product.
func (s *Store) Path(kind Kind, code string, dt time.Time) string {
	dt = dt.UTC()
	return filepath.Join(s.baseDir, string(kind), code,
		dt.Format("2006"), dt.Format("01"), dt.Format("02"),
		code+"_"+dt.Format(TimestampFormat)+gridExt)
}

// MetaPath returns the sidecar of a grid file.
func MetaPath(gridPath string) string {
	return strings.TrimSuffix(gridPath, gridExt) + metaExt
}

// Pattern returns a glob matching every grid file of (kind, code).
func (s *Store) Pattern(kind Kind, code string) string {
	return filepath.Join(s.baseDir, string(kind), code, "*", "*", "*", code+"_*"+gridExt)
}

// ParseFileTime extracts the instant from a product file name.
func ParseFileTime(name string) (time.Time, bool) {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, gridExt)
	base = strings.TrimSuffix(base, metaExt)
	i := strings.LastIndexByte(base, '_')
	if i < 0 {
		return time.Time{}, false
	}
	t, err := time.Parse(TimestampFormat, base[i+1:])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Exists reports whether a complete product is stored.
func (s *Store) Exists(kind Kind, code string, dt time.Time) bool {
	_, err := os.Stat(MetaPath(s.Path(kind, code, dt)))
	return err == nil
}

// SaveAggregate persists an aggregate, replacing any previous version.
func (s *Store) SaveAggregate(a *types.Aggregate) error {
	return s.save(s.Path(KindAggregate, AggregateCode(a.Timeframe), a.Datetime), a.Grid, AggregateMeta(a))
}

// LoadAggregate reads an aggregate. A missing or incomplete product returns
// ErrNotFound.
func (s *Store) LoadAggregate(tf types.Timeframe, dt time.Time) (*types.Aggregate, error) {
	path := s.Path(KindAggregate, AggregateCode(tf), dt)
	meta, g, err := s.load(path)
	if err != nil {
		return nil, err
	}
	return meta.toAggregate(g)
}

// DeleteAggregate removes an aggregate. Deleting a missing product is not an error.
func (s *Store) DeleteAggregate(tf types.Timeframe, dt time.Time) error {
	return s.remove(s.Path(KindAggregate, AggregateCode(tf), dt))
}

// SaveProduct persists a calibrated or consistent product.
func (s *Store) SaveProduct(kind Kind, p *types.Product) error {
	return s.save(s.Path(kind, p.Key.Code(), p.Key.Datetime), p.Grid, ProductMeta(kind, p))
}

// LoadProduct reads a calibrated or consistent product.
func (s *Store) LoadProduct(kind Kind, key types.ProductKey) (*types.Product, error) {
	meta, g, err := s.load(s.Path(kind, key.Code(), key.Datetime))
	if err != nil {
		return nil, err
	}
	return meta.toProduct(g)
}

// DeleteProduct removes a calibrated or consistent product.
func (s *Store) DeleteProduct(kind Kind, key types.ProductKey) error {
	return s.remove(s.Path(kind, key.Code(), key.Datetime))
}

// ReadMeta reads the sidecar of a product without its grid.
func (s *Store) ReadMeta(kind Kind, code string, dt time.Time) (*Meta, error) {
	return readMeta(MetaPath(s.Path(kind, code, dt)))
}

// List returns the instants of complete products of (kind, code) within
// [start, end], sorted ascending. Zero bounds are open.
func (s *Store) List(kind Kind, code string, start, end time.Time) ([]time.Time, error) {
	matches, err := filepath.Glob(strings.TrimSuffix(s.Pattern(kind, code), gridExt) + metaExt)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for _, m := range matches {
		t, ok := ParseFileTime(m)
		if !ok {
			continue
		}
		if !start.IsZero() && t.Before(start) {
			continue
		}
		if !end.IsZero() && t.After(end) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Codes returns the codes present for a kind.
func (s *Store) Codes(kind Kind) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, string(kind)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var codes []string
	for _, e := range entries {
		if e.IsDir() {
			codes = append(codes, e.Name())
		}
	}
	return codes, nil
}

func (s *Store) save(path string, g *types.Grid, meta *Meta) error {
	// Drop the sidecar first so a crash mid-write leaves an incomplete product.
	if err := os.Remove(MetaPath(path)); err != nil && !os.IsNotExist(err) {
		return rterrors.StoreIO("remove meta", err)
	}
	if err := parquet.WriteGrid(path, g, s.opts); err != nil {
		return err
	}
	if err := writeMeta(MetaPath(path), meta); err != nil {
		return err
	}
	s.logger.Debug("product saved", "path", path)
	return nil
}

func (s *Store) load(path string) (*Meta, *types.Grid, error) {
	meta, err := readMeta(MetaPath(path))
	if err != nil {
		return nil, nil, err
	}
	g, err := parquet.ReadGrid(path, meta.Rows, meta.Cols)
	if err != nil {
		return nil, nil, err
	}
	g.NoData = meta.NoData
	for i := range g.Values {
		if g.Mask[i] {
			g.Values[i] = g.NoData
		}
	}
	return meta, g, nil
}

func (s *Store) remove(path string) error {
	if err := os.Remove(MetaPath(path)); err != nil && !os.IsNotExist(err) {
		return rterrors.StoreIO("remove meta", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return rterrors.StoreIO("remove grid", err)
	}
	return nil
}

func readMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", rterrors.ErrNotFound, path)
		}
		return nil, rterrors.StoreIO("read meta", err)
	}
	var m Meta
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, rterrors.StoreIO("decode meta", fmt.Errorf("%s: %w", path, err))
	}
	return &m, nil
}

func writeMeta(path string, m *Meta) error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return rterrors.StoreIO("encode meta", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return rterrors.StoreIO("write meta", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return rterrors.StoreIO("rename meta", err)
	}
	return nil
}
