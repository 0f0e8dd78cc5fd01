// Package scan loads station scans already resampled onto the common grid.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"

	rterrors "github.com/xtxerr/raintier/internal/errors"
	"github.com/xtxerr/raintier/internal/logging"
	"github.com/xtxerr/raintier/internal/storage/types"
)

// Source provides station grids.
type Source interface {
	// Load returns the station grid for t, or ErrScanMissing when the scan
	// file does not exist.
	Load(ctx context.Context, station string, t time.Time) (*types.StationGrid, error)

	// Exists reports whether the scan file for (station, t) is present.
	Exists(station string, t time.Time) bool
}

// Variable names in a scan file.
const (
	VarRain      = "rain"
	VarRange     = "range"
	VarElevation = "elevation"
	VarMask      = "mask"

	// AttrAntennaHeight is the global attribute holding the antenna height in meters.
	AttrAntennaHeight = "antenna_height"
)

// NetCDFSource reads <dir>/<station>/<station>_<YYYYMMDDHHMM>.nc files.
type NetCDFSource struct {
	dir    string
	rows   int
	cols   int
	logger *slog.Logger
}

// NewNetCDFSource creates a scan source rooted at dir.
func NewNetCDFSource(dir string, rows, cols int, logger *slog.Logger) *NetCDFSource {
	return &NetCDFSource{
		dir:    dir,
		rows:   rows,
		cols:   cols,
		logger: logging.Component(logger, "scan"),
	}
}

// Path returns the scan file of (station, t).
func (s *NetCDFSource) Path(station string, t time.Time) string {
	return filepath.Join(s.dir, station, fmt.Sprintf("%s_%s.nc", station, t.UTC().Format("200601021504")))
}

// Exists implements Source.
func (s *NetCDFSource) Exists(station string, t time.Time) bool {
	_, err := os.Stat(s.Path(station, t))
	return err == nil
}

// Load implements Source.
func (s *NetCDFSource) Load(ctx context.Context, station string, t time.Time) (*types.StationGrid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.Path(station, t)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", rterrors.ErrScanMissing, path)
		}
		return nil, err
	}

	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer nc.Close()

	rain, err := readGrid(nc, VarRain, s.rows, s.cols)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rng, err := readValues(nc, VarRange, s.rows, s.cols)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	elev, err := readValues(nc, VarElevation, s.rows, s.cols)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// The coverage mask is optional; non-zero marks cells outside coverage.
	if mask, err := readValues(nc, VarMask, s.rows, s.cols); err == nil {
		for i, m := range mask {
			if m != 0 {
				rain.SetMasked(i)
			}
		}
	}

	height, _ := attrFloat(nc.Attributes(), AttrAntennaHeight)

	s.logger.Debug("scan loaded", "station", station, "time", t, "valid", rain.ValidCount())

	return &types.StationGrid{
		Station:       station,
		Time:          t.UTC(),
		Rain:          rain,
		Range:         rng,
		Elevation:     elev,
		AntennaHeight: height,
	}, nil
}

// LoadStations loads the scans of every station at t. Missing and
// unreadable scans are logged and skipped, so the station counts as
// unavailable; only cancellation is returned.
func LoadStations(ctx context.Context, src Source, stations []string, t time.Time, logger *slog.Logger) ([]*types.StationGrid, error) {
	var grids []*types.StationGrid
	for _, st := range stations {
		g, err := src.Load(ctx, st, t)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if rterrors.Is(err, rterrors.ErrScanMissing) {
				logger.Debug("scan missing", "station", st, "time", t)
			} else {
				logger.Warn("scan unreadable", "station", st, "time", t, "error", err)
			}
			continue
		}
		grids = append(grids, g)
	}
	return grids, nil
}

// MemorySource serves station grids held in memory.
type MemorySource struct {
	mu    sync.RWMutex
	scans map[string]*types.StationGrid
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{scans: make(map[string]*types.StationGrid)}
}

func memKey(station string, t time.Time) string {
	return station + "@" + t.UTC().Format(time.RFC3339)
}

// Add registers a station grid under its station and time.
func (s *MemorySource) Add(g *types.StationGrid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans[memKey(g.Station, g.Time)] = g
}

// Exists implements Source.
func (s *MemorySource) Exists(station string, t time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.scans[memKey(station, t)]
	return ok
}

// Load implements Source.
func (s *MemorySource) Load(ctx context.Context, station string, t time.Time) (*types.StationGrid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.scans[memKey(station, t)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rterrors.ErrScanMissing, memKey(station, t))
	}
	return g, nil
}
