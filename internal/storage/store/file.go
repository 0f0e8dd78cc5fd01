package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/storage/parquet"
	"github.com/xtxerr/raintier/internal/storage/types"
)

const (
	headerFile = "store.yaml"
	bandsDir   = "bands"
	bandExt    = ".parquet"
)

// FileStore keeps each band as a Parquet grid file under <path>/bands.
// The band index set is read from the directory on every call, so several
// processes can share a store as long as mutations are serialized by a lock.
type FileStore struct {
	path   string
	header Header
	opts   parquet.Options
}

// Create initializes a new file store at path.
func Create(path string, h Header, opts parquet.Options) (*FileStore, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(path, headerFile)); err == nil {
		return nil, fmt.Errorf("store %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Join(path, bandsDir), 0755); err != nil {
		return nil, rterrors.StoreIO("create store", err)
	}

	h.Origin = h.Origin.UTC()
	data, err := yaml.Marshal(&h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, headerFile), data, 0644); err != nil {
		return nil, rterrors.StoreIO("write header", err)
	}

	return &FileStore{path: path, header: h, opts: opts}, nil
}

// Open opens the file store at path. A directory without a header returns
// ErrStoreNotFound.
func Open(path string, opts parquet.Options) (*FileStore, error) {
	data, err := os.ReadFile(filepath.Join(path, headerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", rterrors.ErrStoreNotFound, path)
		}
		return nil, rterrors.StoreIO("read header", err)
	}

	var h Header
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse %s header: %w", path, err)
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	h.Origin = h.Origin.UTC()

	return &FileStore{path: path, header: h, opts: opts}, nil
}

// FileOpener opens file stores.
type FileOpener struct {
	Options parquet.Options
}

// Open implements Opener.
func (o FileOpener) Open(path string) (Store, error) {
	return Open(path, o.Options)
}

func (s *FileStore) Path() string                      { return s.path }
func (s *FileStore) MaxDepth() int                     { return s.header.Depth }
func (s *FileStore) SelectBand(t time.Time) int        { return s.header.SelectBand(t) }
func (s *FileStore) TimeForBand(i int) time.Time       { return s.header.TimeForBand(i) }
func (s *FileStore) TimeForBands(a, b int) []time.Time { return s.header.TimeForBands(a, b) }

// Header returns the band layout.
func (s *FileStore) Header() Header {
	return s.header
}

func (s *FileStore) bandPath(i int) string {
	return filepath.Join(s.path, bandsDir, strconv.Itoa(i)+bandExt)
}

// bands lists the stored band indices in ascending order.
func (s *FileStore) bands() ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(s.path, bandsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, rterrors.StoreIO("list bands", err)
	}
	var out []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, bandExt) || strings.HasPrefix(name, ".") {
			continue
		}
		i, err := strconv.Atoi(strings.TrimSuffix(name, bandExt))
		if err != nil {
			continue
		}
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

func (s *FileStore) Period(ctx context.Context) (time.Time, time.Time, bool, error) {
	idx, err := s.bands()
	if err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	if len(idx) == 0 {
		return time.Time{}, time.Time{}, false, nil
	}
	return s.header.TimeForBand(idx[0]), s.header.TimeForBand(idx[len(idx)-1] + 1), true, nil
}

func (s *FileStore) Times(ctx context.Context, start, stop time.Time) ([]time.Time, error) {
	idx, err := s.bands()
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for _, i := range idx {
		t := s.header.TimeForBand(i)
		if !t.Before(start) && t.Before(stop) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *FileStore) Get(ctx context.Context, t time.Time) (*types.Grid, error) {
	g, err := parquet.ReadGrid(s.bandPath(s.header.SelectBand(t)), s.header.Rows, s.header.Cols)
	if err != nil {
		return nil, err
	}
	g.NoData = s.header.NoData
	for i := range g.Values {
		if g.Mask[i] {
			g.Values[i] = g.NoData
		}
	}
	return g, nil
}

func (s *FileStore) Put(ctx context.Context, t time.Time, g *types.Grid) error {
	if err := s.header.checkAligned(t); err != nil {
		return err
	}
	if err := s.header.checkGrid(g); err != nil {
		return err
	}
	return parquet.WriteGrid(s.bandPath(s.header.SelectBand(t)), g, s.opts)
}

func (s *FileStore) Update(ctx context.Context, src Store, start, stop time.Time) error {
	return copyBands(ctx, s, src, start, stop)
}

func (s *FileStore) Delete(ctx context.Context, start, stop time.Time) error {
	idx, err := s.bands()
	if err != nil {
		return err
	}
	for _, i := range idx {
		t := s.header.TimeForBand(i)
		if t.Before(start) || !t.Before(stop) {
			continue
		}
		if err := os.Remove(s.bandPath(i)); err != nil && !os.IsNotExist(err) {
			return rterrors.StoreIO("delete band", err)
		}
	}
	return nil
}
